package flow

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
)

func TestCallNext_AdmitsHeadOfQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.queued("Asha", "opd1")
	if a.Token != "20250101-0001" {
		t.Fatalf("unexpected token %q", a.Token)
	}
	en := f.entry(a.ID, "opd1")
	if en.Position != 1 || en.Status != patient.StatusPending {
		t.Fatalf("unexpected entry %+v", en)
	}
	if patient.StrVal(a.AllocatedOPD) != "opd1" || patient.StrVal(a.CurrentRoom) != "opd_opd1" {
		t.Fatalf("unexpected allocation %+v", a)
	}

	f.note.reset()
	adm, err := f.eng.CallNext(ctx, "opd1")
	mustOK(t, err)
	if adm.Patient.ID != a.ID || adm.Patient.Status != patient.StatusInClinic {
		t.Fatalf("unexpected admission %+v", adm.Patient)
	}
	if adm.Entry.Status != patient.StatusInClinic {
		t.Errorf("expected entry in clinic, got %s", adm.Entry.Status)
	}
	if got := f.patient(a.ID); got.Status != patient.StatusInClinic || patient.StrVal(got.CurrentRoom) != "opd_opd1" {
		t.Errorf("stored patient not admitted: %+v", got)
	}
	if n := f.inClinicCount("opd1"); n != 1 {
		t.Errorf("expected 1 in clinic, got %d", n)
	}

	recs := f.records(a.ID)
	if len(recs) != 2 {
		t.Fatalf("expected 2 flow records, got %d", len(recs))
	}
	last := recs[1]
	if last.Status != patient.StatusInClinic || patient.StrVal(last.ToRoom) != "opd_opd1" {
		t.Errorf("unexpected admission record %+v", last)
	}

	if !f.note.queued("opd1") {
		t.Error("expected queue notification for opd1")
	}
	if len(f.note.statuses) != 1 || f.note.statuses[0].status != patient.StatusInClinic {
		t.Errorf("unexpected status notifications %+v", f.note.statuses)
	}
}

func TestCallNext_SlotOccupied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.queued("Asha", "opd1")
	b := f.queued("Bala", "opd1")

	_, err := f.eng.CallNext(ctx, "opd1")
	mustOK(t, err)

	_, err = f.eng.CallNext(ctx, "opd1")
	expectErr(t, err, ErrSlotOccupied)

	if f.patient(a.ID).Status != patient.StatusInClinic {
		t.Error("first patient should still be in clinic")
	}
	if f.patient(b.ID).Status != patient.StatusPending {
		t.Error("second patient should still be pending")
	}
	if n := f.inClinicCount("opd1"); n != 1 {
		t.Errorf("expected 1 in clinic, got %d", n)
	}
}

func TestCallNext_NoCandidateChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.queued("Asha", "opd2")
	before := f.db.snapshot()
	f.note.reset()

	_, err := f.eng.CallNext(ctx, "opd1")
	expectErr(t, err, ErrNoCandidate)

	if !reflect.DeepEqual(before, f.db.snapshot()) {
		t.Error("failed call must not change stored state")
	}
	if len(f.note.queues) != 0 || len(f.note.statuses) != 0 {
		t.Error("failed call must not notify")
	}
}

func TestCallNext_InvalidClinic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, code := range []string{"opd9", "nope", ""} {
		_, err := f.eng.CallNext(ctx, code)
		expectErr(t, err, ErrInvalidClinic)
	}
}

func TestCallNext_NormalisesCode(t *testing.T) {
	f := newFixture(t)
	a := f.queued("Asha", "opd1")

	adm, err := f.eng.CallNext(context.Background(), " OPD1 ")
	mustOK(t, err)
	if adm.Patient.ID != a.ID {
		t.Fatal("expected Asha admitted")
	}
}

func TestCallNext_RegularBeforeArrivals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.queued("Asha", "opd1")
	_, err := f.eng.Refer(ctx, a.ID, "opd2", "")
	mustOK(t, err)
	b := f.queued("Bala", "opd2")

	if pa, pb := f.entry(a.ID, "opd2").Position, f.entry(b.ID, "opd2").Position; pa >= pb {
		t.Fatalf("expected referral to hold the earlier position, got %d and %d", pa, pb)
	}

	adm, err := f.eng.CallNext(ctx, "opd2")
	mustOK(t, err)
	if adm.Patient.ID != b.ID {
		t.Fatal("regular patient must be called before referral arrivals")
	}
	_, err = f.eng.EndVisit(ctx, b.ID, "")
	mustOK(t, err)

	adm, err = f.eng.CallNext(ctx, "opd2")
	mustOK(t, err)
	if adm.Patient.ID != a.ID {
		t.Fatal("expected the referral arrival next")
	}
}

func TestCallNext_ArrivalsByRegistrationTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	early := f.queued("Early", "opd1")
	late := f.queued("Late", "opd3")
	_, err := f.eng.Refer(ctx, late.ID, "opd2", "")
	mustOK(t, err)
	_, err = f.eng.Refer(ctx, early.ID, "opd2", "")
	mustOK(t, err)

	adm, err := f.eng.CallNext(ctx, "opd2")
	mustOK(t, err)
	if adm.Patient.ID != early.ID {
		t.Fatal("earlier registration must be called first among arrivals")
	}
}

func TestCallNext_ReferralArrivalResolvesOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.queued("Asha", "opd1")
	_, err := f.eng.CallNext(ctx, "opd1")
	mustOK(t, err)
	_, err = f.eng.Refer(ctx, a.ID, "opd2", "retina check")
	mustOK(t, err)

	adm, err := f.eng.CallNext(ctx, "opd2")
	mustOK(t, err)

	p := adm.Patient
	if p.Status != patient.StatusInClinic || patient.StrVal(p.AllocatedOPD) != "opd2" {
		t.Fatalf("unexpected patient %+v", p)
	}
	if p.ReferredFrom != nil || p.ReferredTo != nil {
		t.Error("referral fields should be cleared on arrival")
	}
	if st := f.entry(a.ID, "opd1").Status; st != patient.StatusCompleted {
		t.Errorf("expected origin entry completed, got %s", st)
	}
	if st := f.entry(a.ID, "opd2").Status; st != patient.StatusInClinic {
		t.Errorf("expected destination entry in clinic, got %s", st)
	}
	if f.inClinicCount("opd1") != 0 || f.inClinicCount("opd2") != 1 {
		t.Error("exactly one slot should be taken")
	}
}

func TestCallOutOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.queued("Asha", "opd1")
	b := f.queued("Bala", "opd1")
	c := f.queued("Chitra", "opd1")

	adm, err := f.eng.CallOutOfOrder(ctx, "opd1", c.ID)
	mustOK(t, err)
	if adm.Patient.ID != c.ID {
		t.Fatal("expected the chosen patient admitted")
	}
	if f.patient(a.ID).Status != patient.StatusPending || f.patient(b.ID).Status != patient.StatusPending {
		t.Error("skipped patients must stay pending")
	}
	recs := f.records(c.ID)
	if notes := patient.StrVal(recs[len(recs)-1].Notes); notes != "called out of order" {
		t.Errorf("unexpected notes %q", notes)
	}
}

func TestCallOutOfOrder_CheckOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	occupant := f.queued("Asha", "opd1")
	waiting := f.queued("Bala", "opd1")
	elsewhere := f.queued("Chitra", "opd2")
	_, err := f.eng.CallNext(ctx, "opd1")
	mustOK(t, err)

	_, err = f.eng.CallOutOfOrder(ctx, "opd1", elsewhere.ID)
	expectErr(t, err, ErrNotFound)

	_, err = f.eng.CallOutOfOrder(ctx, "opd1", uuid.New())
	expectErr(t, err, ErrNotFound)

	// the occupant itself is a state problem, not an occupancy one
	_, err = f.eng.CallOutOfOrder(ctx, "opd1", occupant.ID)
	expectErr(t, err, ErrInvalidState)
	if errors.Is(err, ErrSlotOccupied) {
		t.Fatal("state check must come before the occupancy check")
	}

	_, err = f.eng.CallOutOfOrder(ctx, "opd1", waiting.ID)
	expectErr(t, err, ErrSlotOccupied)
}

func TestCallOutOfOrder_ReferredAwayIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.queued("Asha", "opd1")
	_, err := f.eng.Refer(ctx, a.ID, "opd2", "")
	mustOK(t, err)

	_, err = f.eng.CallOutOfOrder(ctx, "opd1", a.ID)
	expectErr(t, err, ErrInvalidState)

	adm, err := f.eng.CallOutOfOrder(ctx, "opd2", a.ID)
	mustOK(t, err)
	if patient.StrVal(adm.Patient.AllocatedOPD) != "opd2" {
		t.Error("expected patient to belong to opd2 after arrival")
	}
}

func TestCallOutOfOrder_DilatedPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.queued("Asha", "opd1")
	_, err := f.eng.Dilate(ctx, a.ID, "")
	mustOK(t, err)

	adm, err := f.eng.CallOutOfOrder(ctx, "opd1", a.ID)
	mustOK(t, err)
	if adm.Patient.IsDilated || adm.Patient.DilationTime != nil {
		t.Error("admission should end the dilation")
	}
	if !adm.Patient.DilationFlag {
		t.Error("dilation flag must stay set")
	}
}

func TestSendBackToQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.queued("Asha", "opd1")
	b := f.queued("Bala", "opd1")
	_, err := f.eng.CallNext(ctx, "opd1")
	mustOK(t, err)

	p, err := f.eng.SendBackToQueue(ctx, "opd1", a.ID)
	mustOK(t, err)
	if p.Status != patient.StatusPending || p.CurrentRoom != nil {
		t.Fatalf("unexpected patient %+v", p)
	}
	en := f.entry(a.ID, "opd1")
	if en.Status != patient.StatusPending || en.Position != 1 {
		t.Errorf("entry should be pending at its old position, got %+v", en)
	}

	adm, err := f.eng.CallOutOfOrder(ctx, "opd1", b.ID)
	mustOK(t, err)
	if adm.Patient.ID != b.ID {
		t.Fatal("slot should be free after send back")
	}
}

func TestSendBackToQueue_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.queued("Asha", "opd1")

	_, err := f.eng.SendBackToQueue(ctx, "opd2", a.ID)
	expectErr(t, err, ErrNotFound)

	_, err = f.eng.SendBackToQueue(ctx, "opd1", a.ID)
	expectErr(t, err, ErrInvalidState)

	_, err = f.eng.SendBackToQueue(ctx, "opd9", a.ID)
	expectErr(t, err, ErrInvalidClinic)
}
