package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opdflow/opdflow/internal/domain/clinic"
	"github.com/opdflow/opdflow/internal/domain/patient"
)

// maxScopeAttempts bounds withPatient: one attempt plus two retries when
// the patient's clinic set changes between planning and locking.
const maxScopeAttempts = 3

// Engine is the patient flow state machine. All admission, referral,
// dilation and completion changes go through it. It does no permission
// checks; callers decide who may invoke what.
type Engine struct {
	patients PatientStore
	queue    QueueStore
	audit    AuditLog
	clinics  Directory
	tx       Transactor

	notifier Notifier
	metrics  Recorder
	logger   zerolog.Logger
	now      func() time.Time
	loc      *time.Location
	minWait  time.Duration

	locks *keyedMutex
}

func NewEngine(patients PatientStore, queue QueueStore, audit AuditLog, clinics Directory, tx Transactor) *Engine {
	return &Engine{
		patients: patients,
		queue:    queue,
		audit:    audit,
		clinics:  clinics,
		tx:       tx,
		logger:   zerolog.Nop(),
		now:      time.Now,
		loc:      time.UTC,
		locks:    newKeyedMutex(),
	}
}

func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

func (e *Engine) SetMetrics(r Recorder) { e.metrics = r }

func (e *Engine) SetLogger(l zerolog.Logger) {
	e.logger = l.With().Str("component", "flow").Logger()
}

func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetLocation sets the zone that defines "today" for statistics.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc != nil {
		e.loc = loc
	}
}

// SetDilationMinWait makes ReturnFromDilation refuse patients dilated less
// than d ago. Zero disables the check.
func (e *Engine) SetDilationMinWait(d time.Duration) { e.minWait = d }

// ---------------------------------------------------------------------------
// Transaction plumbing
// ---------------------------------------------------------------------------

// change collects what to announce once the transaction has committed.
type change struct {
	clinics  []string
	patients []*patient.Patient
}

func (c *change) queueChanged(codes ...string) {
	for _, code := range codes {
		if code == "" {
			continue
		}
		dup := false
		for _, have := range c.clinics {
			if have == code {
				dup = true
				break
			}
		}
		if !dup {
			c.clinics = append(c.clinics, code)
		}
	}
}

func (c *change) statusChanged(p *patient.Patient) {
	for i, have := range c.patients {
		if have.ID == p.ID {
			c.patients[i] = p
			return
		}
	}
	c.patients = append(c.patients, p)
}

// mutate runs fn under the in-process locks for keys and inside one
// transaction that first row-locks clinics. Notifications go out only
// after a successful commit.
func (e *Engine) mutate(ctx context.Context, keys, clinics []string, fn func(ctx context.Context, ch *change) error) error {
	unlock := e.locks.lock(keys...)
	defer unlock()

	ch := &change{}
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.queue.LockClinics(ctx, uniqueSorted(clinics)); err != nil {
			return fmt.Errorf("lock clinics %v: %w", clinics, err)
		}
		return fn(ctx, ch)
	})
	if err != nil {
		return err
	}
	e.emit(ctx, ch)
	return nil
}

func (e *Engine) emit(ctx context.Context, ch *change) {
	if e.notifier == nil {
		return
	}
	for _, code := range ch.clinics {
		if err := e.notifier.QueueChanged(ctx, code); err != nil {
			e.logger.Warn().Err(err).Str("opd", code).Msg("queue notification failed")
		}
	}
	for _, p := range ch.patients {
		if err := e.notifier.PatientStatusChanged(ctx, p.ID, p.Status); err != nil {
			e.logger.Warn().Err(err).Str("patient_id", p.ID.String()).Msg("status notification failed")
		}
	}
}

func (e *Engine) observe(op string, start time.Time, err *error) {
	if e.metrics != nil {
		e.metrics.ObserveOperation(op, time.Since(start), *err)
	}
}

func (e *Engine) logTransition(op string, p *patient.Patient, code string) {
	ev := e.logger.Info().Str("op", op).Str("patient_id", p.ID.String()).Str("status", string(p.Status))
	if code != "" {
		ev = ev.Str("opd", code)
	}
	ev.Msg("flow transition")
}

// requireActive fails with ErrInvalidClinic unless code names an active
// clinic.
func (e *Engine) requireActive(ctx context.Context, code string) (string, error) {
	code = clinic.NormalizeCode(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty clinic code", ErrInvalidClinic)
	}
	ok, err := e.clinics.IsActive(ctx, code)
	if err != nil {
		return "", fmt.Errorf("check clinic %s: %w", code, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidClinic, code)
	}
	return code, nil
}

// ---------------------------------------------------------------------------
// Clinic-scoped operations
// ---------------------------------------------------------------------------

// withClinic locks one clinic (and optionally one patient) for fn.
func (e *Engine) withClinic(ctx context.Context, code string, patientID uuid.UUID, fn func(ctx context.Context, ch *change) error) error {
	keys := []string{clinicKey(code)}
	if patientID != uuid.Nil {
		keys = append(keys, patientKey(patientID))
	}
	return e.mutate(ctx, keys, []string{code}, fn)
}

// ---------------------------------------------------------------------------
// Patient-scoped operations
// ---------------------------------------------------------------------------

// visit is a patient together with all of its queue entries.
type visit struct {
	p       *patient.Patient
	entries []*QueueEntry
}

func (v *visit) entry(code string) *QueueEntry {
	for _, en := range v.entries {
		if en.OPDCode == code {
			return en
		}
	}
	return nil
}

// clinics lists every clinic the visit touches.
func (v *visit) clinics() []string {
	var codes []string
	for _, en := range v.entries {
		codes = append(codes, en.OPDCode)
	}
	for _, s := range []*string{v.p.AllocatedOPD, v.p.ReferredFrom, v.p.ReferredTo} {
		if s != nil {
			codes = append(codes, *s)
		}
	}
	return uniqueSorted(codes)
}

func (e *Engine) loadVisit(ctx context.Context, id uuid.UUID, forUpdate bool) (*visit, error) {
	get := e.patients.GetByID
	if forUpdate {
		get = e.patients.GetForUpdate
	}
	p, err := get(ctx, id)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, fmt.Errorf("%w %s", ErrPatientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load patient %s: %w", id, err)
	}
	entries, err := e.queue.ListByPatient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load queue entries of %s: %w", id, err)
	}
	return &visit{p: p, entries: entries}, nil
}

// withPatient locks the patient and every clinic it touches, plus extra.
// The clinic set is read before locking and checked again under the
// locks; if it grew in between the whole attempt is retried, at most
// maxScopeAttempts times in total.
func (e *Engine) withPatient(ctx context.Context, id uuid.UUID, extra []string, fn func(ctx context.Context, v *visit, ch *change) error) error {
	for attempt := 0; attempt < maxScopeAttempts; attempt++ {
		planned, err := e.loadVisit(ctx, id, false)
		if err != nil {
			return err
		}
		scope := uniqueSorted(append(planned.clinics(), extra...))
		keys := []string{patientKey(id)}
		for _, code := range scope {
			keys = append(keys, clinicKey(code))
		}

		err = e.mutate(ctx, keys, scope, func(ctx context.Context, ch *change) error {
			v, err := e.loadVisit(ctx, id, true)
			if err != nil {
				return err
			}
			if !subset(v.clinics(), scope) {
				return errScopeChanged
			}
			return fn(ctx, v, ch)
		})
		if errors.Is(err, errScopeChanged) {
			continue
		}
		return err
	}
	return fmt.Errorf("patient %s: clinic set kept changing", id)
}

func subset(have, of []string) bool {
	set := make(map[string]struct{}, len(of))
	for _, s := range of {
		set[s] = struct{}{}
	}
	for _, s := range have {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Shared steps
// ---------------------------------------------------------------------------

func (e *Engine) record(ctx context.Context, p *patient.Patient, from *string, to *string, notes string) error {
	r := &FlowRecord{
		ID:        uuid.New(),
		PatientID: p.ID,
		FromRoom:  from,
		ToRoom:    to,
		Status:    p.Status,
		Timestamp: e.now(),
	}
	if notes != "" {
		r.Notes = patient.Str(notes)
	}
	if err := e.audit.Append(ctx, r); err != nil {
		return fmt.Errorf("append flow record: %w", err)
	}
	return nil
}

func (e *Engine) savePatient(ctx context.Context, p *patient.Patient) error {
	if err := e.patients.Update(ctx, p); err != nil {
		return fmt.Errorf("update patient %s: %w", p.ID, err)
	}
	return nil
}

func (e *Engine) saveEntry(ctx context.Context, en *QueueEntry) error {
	en.UpdatedAt = e.now()
	if err := e.queue.Update(ctx, en); err != nil {
		return fmt.Errorf("update queue entry %s/%s: %w", en.OPDCode, en.PatientID, err)
	}
	return nil
}

// demoteStale returns stale IN_CLINIC rows to their referral state: REFERRED
// when the patient was referred away from the clinic, PENDING otherwise.
func (e *Engine) demoteStale(ctx context.Context, q *clinicQueue, ch *change) (int, error) {
	n := 0
	for _, it := range q.stale() {
		it.entry.Status = patient.StatusPending
		if it.p.ReferredAwayFrom(q.code) {
			it.entry.Status = patient.StatusReferred
		}
		if err := e.saveEntry(ctx, it.entry); err != nil {
			return n, err
		}
		ch.queueChanged(q.code)
		n++
	}
	return n, nil
}

// appendEntry puts a new entry at the end of the clinic's queue.
func (e *Engine) appendEntry(ctx context.Context, code string, patientID uuid.UUID, status patient.Status) (*QueueEntry, error) {
	pos, err := e.queue.NextPosition(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("next position in %s: %w", code, err)
	}
	now := e.now()
	en := &QueueEntry{
		ID:        uuid.New(),
		OPDCode:   code,
		PatientID: patientID,
		Position:  pos,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.queue.Insert(ctx, en); err != nil {
		return nil, fmt.Errorf("insert queue entry in %s: %w", code, err)
	}
	return en, nil
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ---------------------------------------------------------------------------
// Queue snapshot
// ---------------------------------------------------------------------------

type queued struct {
	entry *QueueEntry
	p     *patient.Patient
}

// clinicQueue is one clinic's entries joined with their patients, in
// position order.
type clinicQueue struct {
	code  string
	items []queued
}

func (e *Engine) loadQueue(ctx context.Context, code string) (*clinicQueue, error) {
	entries, err := e.queue.ListByOPD(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load queue for %s: %w", code, err)
	}
	ids := make([]uuid.UUID, 0, len(entries))
	for _, en := range entries {
		ids = append(ids, en.PatientID)
	}
	patients, err := e.patients.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load patients for %s: %w", code, err)
	}

	q := &clinicQueue{code: code}
	for _, en := range entries {
		if p, ok := patients[en.PatientID]; ok {
			q.items = append(q.items, queued{entry: en, p: p})
		}
	}
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].entry.Position < q.items[j].entry.Position
	})
	return q, nil
}

// actionable drops entries of patients referred away from this clinic;
// those rows are kept for traceability only.
func (q *clinicQueue) actionable() []queued {
	var out []queued
	for _, it := range q.items {
		if it.p.ReferredAwayFrom(q.code) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// occupant returns the patient holding the examination slot. An IN_CLINIC
// row whose patient has since been referred is stale and does not count.
func (q *clinicQueue) occupant() *queued {
	for _, it := range q.items {
		if it.entry.Status == patient.StatusInClinic && it.p.Status != patient.StatusReferred {
			return &it
		}
	}
	return nil
}

// stale lists IN_CLINIC rows left behind by patients who have since been
// referred. They do not hold the slot but still count against the
// one-occupant index until demoted.
func (q *clinicQueue) stale() []queued {
	var out []queued
	for _, it := range q.items {
		if it.entry.Status == patient.StatusInClinic && it.p.Status == patient.StatusReferred {
			out = append(out, it)
		}
	}
	return out
}

// candidates lists callable patients in call order: regular patients by
// position first, then referral arrivals by registration time.
func (q *clinicQueue) candidates() []queued {
	var regular, arrivals []queued
	for _, it := range q.actionable() {
		switch {
		case it.p.ArrivingAt(q.code):
			if it.entry.Status == patient.StatusPending || it.entry.Status == patient.StatusReferred {
				arrivals = append(arrivals, it)
			}
		case it.entry.Status == patient.StatusPending && it.p.Status == patient.StatusPending:
			regular = append(regular, it)
		}
	}
	sort.SliceStable(arrivals, func(i, j int) bool {
		a, b := arrivals[i], arrivals[j]
		if !a.p.RegisteredAt.Equal(b.p.RegisteredAt) {
			return a.p.RegisteredAt.Before(b.p.RegisteredAt)
		}
		return a.entry.Position < b.entry.Position
	})
	return append(regular, arrivals...)
}

func (q *clinicQueue) find(patientID uuid.UUID) *queued {
	for _, it := range q.items {
		if it.entry.PatientID == patientID {
			return &it
		}
	}
	return nil
}
