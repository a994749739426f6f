package flow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/clinic"
	"github.com/opdflow/opdflow/internal/domain/patient"
)

// -- In-memory stores --

type memState struct {
	patients map[uuid.UUID]*patient.Patient
	entries  map[uuid.UUID]*QueueEntry
	records  []*FlowRecord
	lastPos  map[string]int
}

func (s memState) clone() memState {
	c := memState{
		patients: make(map[uuid.UUID]*patient.Patient, len(s.patients)),
		entries:  make(map[uuid.UUID]*QueueEntry, len(s.entries)),
		records:  make([]*FlowRecord, len(s.records)),
		lastPos:  make(map[string]int, len(s.lastPos)),
	}
	for k, v := range s.patients {
		c.patients[k] = v.Clone()
	}
	for k, v := range s.entries {
		c.entries[k] = v.Clone()
	}
	for i, r := range s.records {
		cp := *r
		c.records[i] = &cp
	}
	for k, v := range s.lastPos {
		c.lastPos[k] = v
	}
	return c
}

type memDB struct {
	mu   sync.Mutex
	txMu sync.Mutex
	memState

	lockCalls  [][]string
	failAppend error
	failInsert error
}

func newMemDB() *memDB {
	return &memDB{memState: memState{
		patients: make(map[uuid.UUID]*patient.Patient),
		entries:  make(map[uuid.UUID]*QueueEntry),
		lastPos:  make(map[string]int),
	}}
}

func (d *memDB) snapshot() memState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.memState.clone()
}

func (d *memDB) restore(s memState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memState = s
}

type memPatients struct{ db *memDB }

func (m memPatients) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p, ok := m.db.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return p.Clone(), nil
}

func (m memPatients) GetForUpdate(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	return m.GetByID(ctx, id)
}

func (m memPatients) GetByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*patient.Patient, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make(map[uuid.UUID]*patient.Patient, len(ids))
	for _, id := range ids {
		if p, ok := m.db.patients[id]; ok {
			out[id] = p.Clone()
		}
	}
	return out, nil
}

func (m memPatients) Update(_ context.Context, p *patient.Patient) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.patients[p.ID]; !ok {
		return patient.ErrNotFound
	}
	m.db.patients[p.ID] = p.Clone()
	return nil
}

func (m memPatients) Delete(_ context.Context, id uuid.UUID) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.patients[id]; !ok {
		return patient.ErrNotFound
	}
	delete(m.db.patients, id)
	return nil
}

func (m memPatients) ListReferred(_ context.Context, from, to string) ([]*patient.Patient, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*patient.Patient
	for _, p := range m.db.patients {
		if p.Status != patient.StatusReferred {
			continue
		}
		if from != "" && patient.StrVal(p.ReferredFrom) != from {
			continue
		}
		if to != "" && patient.StrVal(p.ReferredTo) != to {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m memPatients) ListCompletedSince(_ context.Context, since time.Time) ([]*patient.Patient, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*patient.Patient
	for _, p := range m.db.patients {
		if p.CompletedAt != nil && !p.CompletedAt.Before(since) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m memPatients) ListRegisteredBetween(_ context.Context, from, to time.Time) ([]*patient.Patient, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*patient.Patient
	for _, p := range m.db.patients {
		if !p.RegisteredAt.Before(from) && p.RegisteredAt.Before(to) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m memPatients) CountByStatus(_ context.Context) (map[patient.Status]int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	counts := make(map[patient.Status]int)
	for _, p := range m.db.patients {
		counts[p.Status]++
	}
	return counts, nil
}

type memQueue struct{ db *memDB }

func (m memQueue) ListByOPD(_ context.Context, code string) ([]*QueueEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*QueueEntry
	for _, e := range m.db.entries {
		if e.OPDCode == code {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m memQueue) ListByPatient(_ context.Context, id uuid.UUID) ([]*QueueEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*QueueEntry
	for _, e := range m.db.entries {
		if e.PatientID == id {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OPDCode < out[j].OPDCode })
	return out, nil
}

func (m memQueue) FindByPatientAndOPD(_ context.Context, id uuid.UUID, code string) (*QueueEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, e := range m.db.entries {
		if e.PatientID == id && e.OPDCode == code {
			return e.Clone(), nil
		}
	}
	return nil, nil
}

func (m memQueue) Insert(_ context.Context, e *QueueEntry) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.failInsert != nil {
		return m.db.failInsert
	}
	for _, have := range m.db.entries {
		if have.PatientID == e.PatientID && have.OPDCode == e.OPDCode {
			return errors.New("duplicate queue entry")
		}
	}
	m.db.entries[e.ID] = e.Clone()
	return nil
}

func (m memQueue) Update(_ context.Context, e *QueueEntry) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.entries[e.ID]; !ok {
		return errors.New("queue entry vanished")
	}
	m.db.entries[e.ID] = e.Clone()
	return nil
}

func (m memQueue) Delete(_ context.Context, id uuid.UUID) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	delete(m.db.entries, id)
	return nil
}

func (m memQueue) NextPosition(_ context.Context, code string) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	next := m.db.lastPos[code]
	for _, e := range m.db.entries {
		if e.OPDCode == code && e.Position > next {
			next = e.Position
		}
	}
	next++
	m.db.lastPos[code] = next
	return next, nil
}

func (m memQueue) LockClinics(_ context.Context, codes []string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.lockCalls = append(m.db.lockCalls, append([]string(nil), codes...))
	return nil
}

type memAudit struct{ db *memDB }

func (m memAudit) Append(_ context.Context, r *FlowRecord) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.failAppend != nil {
		return m.db.failAppend
	}
	cp := *r
	m.db.records = append(m.db.records, &cp)
	return nil
}

func (m memAudit) ListByPatient(_ context.Context, id uuid.UUID) ([]*FlowRecord, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*FlowRecord
	for _, r := range m.db.records {
		if r.PatientID == id {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m memAudit) DeleteByPatient(_ context.Context, id uuid.UUID) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	kept := m.db.records[:0]
	for _, r := range m.db.records {
		if r.PatientID != id {
			kept = append(kept, r)
		}
	}
	m.db.records = kept
	return nil
}

func (m memAudit) Query(_ context.Context, f FlowFilter, limit, offset int) ([]*FlowLogItem, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	room := patient.RoomForOPD(f.OPDCode)
	var out []*FlowLogItem
	for _, r := range m.db.records {
		switch {
		case f.PatientID != uuid.Nil && r.PatientID != f.PatientID,
			f.OPDCode != "" && patient.StrVal(r.FromRoom) != room && patient.StrVal(r.ToRoom) != room,
			f.Status != "" && r.Status != f.Status,
			!f.From.IsZero() && r.Timestamp.Before(f.From),
			!f.To.IsZero() && !r.Timestamp.Before(f.To):
			continue
		}
		it := &FlowLogItem{FlowRecord: *r}
		if p, ok := m.db.patients[r.PatientID]; ok {
			it.Token, it.Name = p.Token, p.Name
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	total := len(out)
	if limit <= 0 {
		return out, total, nil
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// memTx rolls back on error. With serial set it also runs transactions one
// at a time; without it only the engine's own locks keep writers apart.
type memTx struct {
	db     *memDB
	serial bool
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.serial {
		t.db.txMu.Lock()
		defer t.db.txMu.Unlock()
	}
	snap := t.db.snapshot()
	if err := fn(ctx); err != nil {
		if t.serial {
			t.db.restore(snap)
		}
		return err
	}
	return nil
}

type memClinics struct {
	mu      sync.Mutex
	clinics map[string]*clinic.Clinic
}

func (m *memClinics) IsActive(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clinics[code]
	return ok && c.Active, nil
}

func (m *memClinics) ListActive(_ context.Context) ([]*clinic.Clinic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*clinic.Clinic
	for _, c := range m.clinics {
		if c.Active {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memClinics) setActive(code string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clinics[code].Active = active
}

type statusEvent struct {
	id     uuid.UUID
	status patient.Status
}

type recordingNotifier struct {
	mu       sync.Mutex
	queues   []string
	statuses []statusEvent
	err      error
}

func (n *recordingNotifier) QueueChanged(_ context.Context, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queues = append(n.queues, code)
	return n.err
}

func (n *recordingNotifier) PatientStatusChanged(_ context.Context, id uuid.UUID, status patient.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, statusEvent{id: id, status: status})
	return n.err
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queues = nil
	n.statuses = nil
}

func (n *recordingNotifier) queued(code string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, q := range n.queues {
		if q == code {
			return true
		}
	}
	return false
}

type recordingMetrics struct {
	mu  sync.Mutex
	ops map[string][]error
}

func (r *recordingMetrics) ObserveOperation(op string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = make(map[string][]error)
	}
	r.ops[op] = append(r.ops[op], err)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// -- Fixture --

type fixture struct {
	t      *testing.T
	eng    *Engine
	db     *memDB
	dir    *memClinics
	note   *recordingNotifier
	clk    *fakeClock
	tokens int
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithTx(t, true)
}

func newFixtureWithTx(t *testing.T, serial bool) *fixture {
	t.Helper()
	db := newMemDB()
	dir := &memClinics{clinics: map[string]*clinic.Clinic{
		"opd1": {Code: "opd1", Name: "General", Active: true},
		"opd2": {Code: "opd2", Name: "Retina", Active: true},
		"opd3": {Code: "opd3", Name: "Glaucoma", Active: true},
		"opd9": {Code: "opd9", Name: "Closed", Active: false},
	}}
	clk := &fakeClock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	note := &recordingNotifier{}

	eng := NewEngine(memPatients{db}, memQueue{db}, memAudit{db}, dir, &memTx{db: db, serial: serial})
	eng.SetClock(clk.now)
	eng.SetNotifier(note)

	return &fixture{t: t, eng: eng, db: db, dir: dir, note: note, clk: clk}
}

// register stores a PENDING patient, one minute after the previous one.
func (f *fixture) register(name string) *patient.Patient {
	f.t.Helper()
	f.tokens++
	p := &patient.Patient{
		ID:           uuid.New(),
		Token:        patient.FormatToken(f.clk.now(), f.tokens),
		Name:         name,
		Age:          40,
		RegisteredAt: f.clk.now(),
		Status:       patient.StatusPending,
		CurrentRoom:  patient.Str(patient.RoomRegistration),
	}
	f.db.mu.Lock()
	f.db.patients[p.ID] = p.Clone()
	f.db.mu.Unlock()
	f.clk.advance(time.Minute)
	return p
}

// queued registers a patient and allocates them to code.
func (f *fixture) queued(name, code string) *patient.Patient {
	f.t.Helper()
	p := f.register(name)
	if _, err := f.eng.Allocate(context.Background(), p.ID, code); err != nil {
		f.t.Fatalf("Allocate(%s, %s): %v", name, code, err)
	}
	return f.patient(p.ID)
}

func (f *fixture) patient(id uuid.UUID) *patient.Patient {
	f.t.Helper()
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.db.patients[id]
	if !ok {
		f.t.Fatalf("patient %s missing", id)
	}
	return p.Clone()
}

func (f *fixture) entries(id uuid.UUID) map[string]*QueueEntry {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	out := make(map[string]*QueueEntry)
	for _, e := range f.db.entries {
		if e.PatientID == id {
			out[e.OPDCode] = e.Clone()
		}
	}
	return out
}

func (f *fixture) entry(id uuid.UUID, code string) *QueueEntry {
	f.t.Helper()
	en := f.entries(id)[code]
	if en == nil {
		f.t.Fatalf("no entry for %s in %s", id, code)
	}
	return en
}

func (f *fixture) inClinicCount(code string) int {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	n := 0
	for _, e := range f.db.entries {
		if e.OPDCode == code && e.Status == patient.StatusInClinic {
			n++
		}
	}
	return n
}

// setEntry forces an entry into a state the engine would not produce, to
// model legacy rows.
func (f *fixture) setEntry(id uuid.UUID, code string, status patient.Status) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, e := range f.db.entries {
		if e.PatientID == id && e.OPDCode == code {
			e.Status = status
			return
		}
	}
	f.t.Fatalf("no entry for %s in %s", id, code)
}

func (f *fixture) setPatient(p *patient.Patient) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.db.patients[p.ID] = p.Clone()
}

func (f *fixture) records(id uuid.UUID) []*FlowRecord {
	list, _ := memAudit{f.db}.ListByPatient(context.Background(), id)
	return list
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
