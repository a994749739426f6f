package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
)

// CallNext admits the head of the clinic's queue into its examination slot.
func (e *Engine) CallNext(ctx context.Context, code string) (adm *Admission, err error) {
	defer e.observe("call_next", time.Now(), &err)

	code, err = e.requireActive(ctx, code)
	if err != nil {
		return nil, err
	}
	err = e.withClinic(ctx, code, uuid.Nil, func(ctx context.Context, ch *change) error {
		q, err := e.loadQueue(ctx, code)
		if err != nil {
			return err
		}
		if occ := q.occupant(); occ != nil {
			return fmt.Errorf("%w: %s is in %s", ErrSlotOccupied, occ.p.Token, code)
		}
		cands := q.candidates()
		if len(cands) == 0 {
			return fmt.Errorf("%w in %s", ErrNoCandidate, code)
		}
		if _, err := e.demoteStale(ctx, q, ch); err != nil {
			return err
		}
		adm, err = e.admit(ctx, code, cands[0], ch, "called next")
		return err
	})
	if err != nil {
		return nil, err
	}
	return adm, nil
}

// CallOutOfOrder admits a chosen patient instead of the head of the queue.
func (e *Engine) CallOutOfOrder(ctx context.Context, code string, patientID uuid.UUID) (adm *Admission, err error) {
	defer e.observe("call_out_of_order", time.Now(), &err)

	code, err = e.requireActive(ctx, code)
	if err != nil {
		return nil, err
	}
	err = e.withClinic(ctx, code, patientID, func(ctx context.Context, ch *change) error {
		q, err := e.loadQueue(ctx, code)
		if err != nil {
			return err
		}
		target := q.find(patientID)
		if target == nil {
			return fmt.Errorf("%w: %s", ErrNotInQueue, code)
		}
		p, err := e.patients.GetForUpdate(ctx, patientID)
		if err != nil {
			return fmt.Errorf("load patient %s: %w", patientID, err)
		}
		target.p = p

		if err := callable(code, target); err != nil {
			return err
		}
		if occ := q.occupant(); occ != nil {
			return fmt.Errorf("%w: %s is in %s", ErrSlotOccupied, occ.p.Token, code)
		}
		if _, err := e.demoteStale(ctx, q, ch); err != nil {
			return err
		}
		adm, err = e.admit(ctx, code, *target, ch, "called out of order")
		return err
	})
	if err != nil {
		return nil, err
	}
	return adm, nil
}

// callable checks that an operator may pull this entry into the slot.
func callable(code string, it *queued) error {
	switch it.entry.Status {
	case patient.StatusPending, patient.StatusReferred, patient.StatusDilated:
	default:
		return fmt.Errorf("%w: queue entry is %s", ErrInvalidState, it.entry.Status)
	}
	switch {
	case it.p.Status == patient.StatusCompleted:
		return ErrPatientCompleted
	case it.p.Status == patient.StatusInClinic:
		return fmt.Errorf("%w: patient is already in clinic", ErrInvalidState)
	case it.p.ReferredAwayFrom(code):
		return fmt.Errorf("%w: patient was referred to %s", ErrInvalidState, patient.StrVal(it.p.ReferredTo))
	case it.entry.Status == patient.StatusReferred && !it.p.ArrivingAt(code):
		return fmt.Errorf("%w: referral to %s is no longer open", ErrInvalidState, code)
	}
	return nil
}

// admit moves it into the slot. A referral arrival is finalised: the
// patient now belongs to this clinic and the origin leg is resolved.
func (e *Engine) admit(ctx context.Context, code string, it queued, ch *change, notes string) (*Admission, error) {
	p, en := it.p, it.entry
	fromRoom := copyStr(p.CurrentRoom)

	en.Status = patient.StatusInClinic
	if err := e.saveEntry(ctx, en); err != nil {
		return nil, err
	}

	if p.ArrivingAt(code) {
		if origin := p.ReferredFrom; origin != nil && *origin != code {
			prev, err := e.queue.FindByPatientAndOPD(ctx, p.ID, *origin)
			if err != nil {
				return nil, fmt.Errorf("load origin entry in %s: %w", *origin, err)
			}
			if prev != nil && prev.Status == patient.StatusReferred {
				prev.Status = patient.StatusCompleted
				if err := e.saveEntry(ctx, prev); err != nil {
					return nil, err
				}
				ch.queueChanged(*origin)
			}
		}
		p.ReferredFrom = nil
		p.ReferredTo = nil
		p.AllocatedOPD = patient.Str(code)
	}
	if p.IsDilated {
		p.IsDilated = false
		p.DilationTime = nil
	}
	p.Status = patient.StatusInClinic
	p.CurrentRoom = patient.Str(patient.RoomForOPD(code))

	if err := e.savePatient(ctx, p); err != nil {
		return nil, err
	}
	if err := e.record(ctx, p, fromRoom, p.CurrentRoom, notes); err != nil {
		return nil, err
	}
	ch.queueChanged(code)
	ch.statusChanged(p)
	e.logTransition("admit", p, code)
	return &Admission{Patient: p, Entry: en}, nil
}

// SendBackToQueue returns the patient in the slot to the waiting list. A
// referred patient keeps the referred status; only the entry changes.
func (e *Engine) SendBackToQueue(ctx context.Context, code string, patientID uuid.UUID) (p *patient.Patient, err error) {
	defer e.observe("send_back", time.Now(), &err)

	code, err = e.requireActive(ctx, code)
	if err != nil {
		return nil, err
	}
	err = e.withClinic(ctx, code, patientID, func(ctx context.Context, ch *change) error {
		en, err := e.queue.FindByPatientAndOPD(ctx, patientID, code)
		if err != nil {
			return fmt.Errorf("load queue entry: %w", err)
		}
		if en == nil {
			return fmt.Errorf("%w: %s", ErrNotInQueue, code)
		}
		if en.Status != patient.StatusInClinic {
			return fmt.Errorf("%w (entry is %s)", ErrNotCurrentlyActive, en.Status)
		}
		p, err = e.patients.GetForUpdate(ctx, patientID)
		if err != nil {
			return fmt.Errorf("load patient %s: %w", patientID, err)
		}
		return e.sendBack(ctx, code, en, p, ch, "sent back to queue")
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) sendBack(ctx context.Context, code string, en *QueueEntry, p *patient.Patient, ch *change, notes string) error {
	fromRoom := copyStr(p.CurrentRoom)

	en.Status = patient.StatusPending
	if err := e.saveEntry(ctx, en); err != nil {
		return err
	}
	p.CurrentRoom = nil
	if p.Status != patient.StatusReferred {
		p.Status = patient.StatusPending
	}
	if err := e.savePatient(ctx, p); err != nil {
		return err
	}
	if err := e.record(ctx, p, fromRoom, nil, notes); err != nil {
		return err
	}
	ch.queueChanged(code)
	ch.statusChanged(p)
	e.logTransition("send_back", p, code)
	return nil
}
