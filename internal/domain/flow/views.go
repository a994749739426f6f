package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/clinic"
	"github.com/opdflow/opdflow/internal/domain/patient"
)

const (
	displayNextCount      = 5
	minutesPerWaitingSlot = 10
)

// ListQueue returns the clinic's actionable queue in position order.
func (e *Engine) ListQueue(ctx context.Context, code string) ([]QueueItem, error) {
	code, err := e.requireActive(ctx, code)
	if err != nil {
		return nil, err
	}
	q, err := e.loadQueue(ctx, code)
	if err != nil {
		return nil, err
	}
	items := make([]QueueItem, 0, len(q.items))
	for _, it := range q.actionable() {
		if !it.entry.Active() {
			continue
		}
		items = append(items, queueItem(it))
	}
	return items, nil
}

func queueItem(it queued) QueueItem {
	p, en := it.p, it.entry
	return QueueItem{
		EntryID:       en.ID,
		PatientID:     p.ID,
		OPDCode:       en.OPDCode,
		Position:      en.Position,
		Status:        en.Status,
		Token:         p.Token,
		Name:          p.Name,
		Age:           p.Age,
		Phone:         p.Phone,
		RegisteredAt:  p.RegisteredAt,
		IsDilated:     p.IsDilated,
		DilationFlag:  p.DilationFlag,
		DilationTime:  p.DilationTime,
		IsReferred:    p.Status == patient.StatusReferred,
		ReferredFrom:  p.ReferredFrom,
		PatientStatus: p.Status,
	}
}

// startOfDay is midnight of now's date in the engine's zone.
func (e *Engine) startOfDay() time.Time {
	now := e.now().In(e.loc)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.loc)
}

type completionSummary struct {
	count   int
	avgWait float64
}

func (e *Engine) completedToday(ctx context.Context) (completionSummary, error) {
	done, err := e.patients.ListCompletedSince(ctx, e.startOfDay())
	if err != nil {
		return completionSummary{}, fmt.Errorf("list completed patients: %w", err)
	}
	var (
		sum   time.Duration
		timed int
	)
	for _, p := range done {
		if p.CompletedAt == nil {
			continue
		}
		sum += p.CompletedAt.Sub(p.RegisteredAt)
		timed++
	}
	s := completionSummary{count: len(done)}
	if timed > 0 {
		s.avgWait = sum.Minutes() / float64(timed)
	}
	return s, nil
}

// Stats counts the clinic's queue by status. Completed-today figures are
// hospital wide, since completed patients belong to no clinic.
func (e *Engine) Stats(ctx context.Context, code string) (*QueueStats, error) {
	code, err := e.requireActive(ctx, code)
	if err != nil {
		return nil, err
	}
	done, err := e.completedToday(ctx)
	if err != nil {
		return nil, err
	}
	return e.stats(ctx, code, done)
}

func (e *Engine) stats(ctx context.Context, code string, done completionSummary) (*QueueStats, error) {
	q, err := e.loadQueue(ctx, code)
	if err != nil {
		return nil, err
	}
	s := &QueueStats{
		OPDCode:        code,
		CompletedToday: done.count,
		AvgWaitMinutes: done.avgWait,
	}
	for _, it := range q.actionable() {
		switch it.entry.Status {
		case patient.StatusPending:
			s.Pending++
		case patient.StatusInClinic:
			s.InClinic++
		case patient.StatusDilated:
			s.Dilated++
		case patient.StatusReferred:
			s.Referred++
		default:
			continue
		}
		s.Total++
	}
	return s, nil
}

// AllStats returns Stats for every active clinic.
func (e *Engine) AllStats(ctx context.Context) ([]*QueueStats, error) {
	done, err := e.completedToday(ctx)
	if err != nil {
		return nil, err
	}
	return e.allStats(ctx, done)
}

func (e *Engine) allStats(ctx context.Context, done completionSummary) ([]*QueueStats, error) {
	clinics, err := e.clinics.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	out := make([]*QueueStats, 0, len(clinics))
	for _, c := range clinics {
		s, err := e.stats(ctx, c.Code, done)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Display builds the waiting-room board of one clinic.
func (e *Engine) Display(ctx context.Context, code string) (*DisplayBoard, error) {
	code = clinic.NormalizeCode(code)
	clinics, err := e.clinics.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	for _, c := range clinics {
		if c.Code == code {
			return e.display(ctx, c)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidClinic, code)
}

// DisplayAll builds the boards of every active clinic.
func (e *Engine) DisplayAll(ctx context.Context) ([]*DisplayBoard, error) {
	clinics, err := e.clinics.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	out := make([]*DisplayBoard, 0, len(clinics))
	for _, c := range clinics {
		b, err := e.display(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (e *Engine) display(ctx context.Context, c *clinic.Clinic) (*DisplayBoard, error) {
	q, err := e.loadQueue(ctx, c.Code)
	if err != nil {
		return nil, err
	}
	b := &DisplayBoard{OPDCode: c.Code, OPDName: c.Name, Next: []DisplayPatient{}}
	if occ := q.occupant(); occ != nil {
		dp := displayPatient(*occ)
		b.Current = &dp
	}
	for _, it := range q.candidates() {
		if len(b.Next) == displayNextCount {
			break
		}
		b.Next = append(b.Next, displayPatient(it))
	}
	for _, it := range q.actionable() {
		if it.entry.Active() {
			b.TotalActive++
		}
	}
	b.EstimatedWaitMinutes = len(b.Next) * minutesPerWaitingSlot
	return b, nil
}

// WaitingList lists up to limit patients who could be called into the
// clinic, in queue position order. TotalWaiting counts all of them.
func (e *Engine) WaitingList(ctx context.Context, code string, limit int) (*WaitingList, error) {
	code, err := e.requireActive(ctx, code)
	if err != nil {
		return nil, err
	}
	q, err := e.loadQueue(ctx, code)
	if err != nil {
		return nil, err
	}
	now := e.now()
	w := &WaitingList{OPDCode: code, Items: []WaitingItem{}}
	for _, it := range q.actionable() {
		if callable(code, &it) != nil {
			continue
		}
		w.TotalWaiting++
		if limit > 0 && len(w.Items) == limit {
			continue
		}
		w.Items = append(w.Items, WaitingItem{
			Position:       it.entry.Position,
			Token:          it.p.Token,
			Name:           it.p.Name,
			Age:            it.p.Age,
			Status:         it.entry.Status,
			IsDilated:      it.p.IsDilated,
			RegisteredAt:   it.p.RegisteredAt,
			WaitingMinutes: int(now.Sub(it.p.RegisteredAt).Minutes()),
		})
	}
	return w, nil
}

func displayPatient(it queued) DisplayPatient {
	return DisplayPatient{
		Token:    it.p.Token,
		Name:     it.p.Name,
		Position: it.entry.Position,
		Referred: it.p.Status == patient.StatusReferred,
	}
}

// ListReferred lists referred patients, oldest registration first, with
// the status of their entry in the destination clinic. Empty filters match
// any clinic.
func (e *Engine) ListReferred(ctx context.Context, from, to string) ([]ReferredItem, error) {
	from, to = clinic.NormalizeCode(from), clinic.NormalizeCode(to)
	list, err := e.patients.ListReferred(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list referred patients: %w", err)
	}
	out := make([]ReferredItem, 0, len(list))
	for _, p := range list {
		item := ReferredItem{
			PatientID:    p.ID,
			Token:        p.Token,
			Name:         p.Name,
			Age:          p.Age,
			RegisteredAt: p.RegisteredAt,
			FromOPD:      p.ReferredFrom,
			ToOPD:        p.ReferredTo,
			Status:       p.Status,
		}
		if p.ReferredTo != nil {
			en, err := e.queue.FindByPatientAndOPD(ctx, p.ID, *p.ReferredTo)
			if err != nil {
				return nil, fmt.Errorf("load destination entry: %w", err)
			}
			if en != nil {
				st := en.Status
				item.CurrentQueueStatus = &st
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// History returns the patient's flow records, oldest first.
func (e *Engine) History(ctx context.Context, patientID uuid.UUID) ([]*FlowRecord, error) {
	if _, err := e.patients.GetByID(ctx, patientID); err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return nil, fmt.Errorf("%w %s", ErrPatientNotFound, patientID)
		}
		return nil, fmt.Errorf("load patient %s: %w", patientID, err)
	}
	records, err := e.audit.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list flow records: %w", err)
	}
	return records, nil
}

// Dashboard returns today's hospital-wide counts alongside the queue stats
// of every active clinic.
func (e *Engine) Dashboard(ctx context.Context) (*Dashboard, error) {
	start := e.startOfDay()
	registered, err := e.patients.ListRegisteredBetween(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	counts, err := e.patients.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count patients: %w", err)
	}
	done, err := e.completedToday(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := e.allStats(ctx, done)
	if err != nil {
		return nil, err
	}
	return &Dashboard{
		RegisteredToday: len(registered),
		Pending:         counts[patient.StatusPending],
		InClinic:        counts[patient.StatusInClinic],
		Dilated:         counts[patient.StatusDilated],
		Referred:        counts[patient.StatusReferred],
		CompletedToday:  done.count,
		AvgWaitMinutes:  done.avgWait,
		Clinics:         stats,
	}, nil
}

// DailyReport summarises the patients registered on day's date, taken in
// the engine's zone. Open visits count toward their allocated clinic and
// completed ones toward the clinic they were completed from.
func (e *Engine) DailyReport(ctx context.Context, day time.Time) (*DailyReport, error) {
	y, m, d := day.In(e.loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	list, err := e.patients.ListRegisteredBetween(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	completedIn, err := e.completionClinics(ctx, start)
	if err != nil {
		return nil, err
	}
	clinics, err := e.clinics.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}

	r := &DailyReport{
		Date:    start.Format("2006-01-02"),
		Total:   len(list),
		Clinics: make([]ClinicBreakdown, len(clinics)),
	}
	index := make(map[string]int, len(clinics))
	for i, c := range clinics {
		r.Clinics[i].OPDCode = c.Code
		index[c.Code] = i
	}

	var (
		sum   time.Duration
		timed int
	)
	for _, p := range list {
		switch p.Status {
		case patient.StatusPending:
			r.Pending++
		case patient.StatusInClinic:
			r.InClinic++
		case patient.StatusDilated:
			r.Dilated++
		case patient.StatusReferred:
			r.Referred++
		case patient.StatusCompleted:
			r.Completed++
			if p.CompletedAt != nil {
				sum += p.CompletedAt.Sub(p.RegisteredAt)
				timed++
			}
		}

		code := patient.StrVal(p.AllocatedOPD)
		if p.Status == patient.StatusCompleted {
			code = completedIn[p.ID]
		}
		i, ok := index[code]
		if !ok {
			continue
		}
		b := &r.Clinics[i]
		b.Total++
		switch p.Status {
		case patient.StatusCompleted:
			b.Completed++
		case patient.StatusPending:
			b.Pending++
		case patient.StatusInClinic:
			b.InClinic++
		}
	}
	if r.Total > 0 {
		r.CompletionRate = float64(r.Completed) / float64(r.Total) * 100
	}
	if timed > 0 {
		r.AvgProcessingMinutes = sum.Minutes() / float64(timed)
	}
	return r, nil
}

// completionClinics maps patients completed since the given time to the
// clinic room they left. Completions from outside a clinic are skipped.
func (e *Engine) completionClinics(ctx context.Context, since time.Time) (map[uuid.UUID]string, error) {
	records, _, err := e.audit.Query(ctx, FlowFilter{Status: patient.StatusCompleted, From: since}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	out := make(map[uuid.UUID]string, len(records))
	for _, rec := range records {
		if _, seen := out[rec.PatientID]; seen {
			continue
		}
		if code, ok := patient.OPDFromRoom(patient.StrVal(rec.FromRoom)); ok {
			out[rec.PatientID] = code
		}
	}
	return out, nil
}

// FlowLog pages through flow records across patients, newest first.
func (e *Engine) FlowLog(ctx context.Context, filter FlowFilter, limit, offset int) ([]*FlowLogItem, int, error) {
	filter.OPDCode = clinic.NormalizeCode(filter.OPDCode)
	list, total, err := e.audit.Query(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query flow log: %w", err)
	}
	return list, total, nil
}
