package flow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/clinic"
	"github.com/opdflow/opdflow/internal/domain/patient"
)

// PatientStore is the part of patient.Repository the engine uses.
type PatientStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*patient.Patient, error)
	Update(ctx context.Context, p *patient.Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListReferred(ctx context.Context, from, to string) ([]*patient.Patient, error)
	ListCompletedSince(ctx context.Context, since time.Time) ([]*patient.Patient, error)
	ListRegisteredBetween(ctx context.Context, from, to time.Time) ([]*patient.Patient, error)
	CountByStatus(ctx context.Context) (map[patient.Status]int, error)
}

type QueueStore interface {
	// ListByOPD returns every entry of the clinic ordered by position.
	ListByOPD(ctx context.Context, code string) ([]*QueueEntry, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*QueueEntry, error)
	// FindByPatientAndOPD returns nil, nil when there is no entry.
	FindByPatientAndOPD(ctx context.Context, patientID uuid.UUID, code string) (*QueueEntry, error)
	Insert(ctx context.Context, e *QueueEntry) error
	Update(ctx context.Context, e *QueueEntry) error
	Delete(ctx context.Context, id uuid.UUID) error
	// NextPosition hands out the next position of the clinic. Positions
	// are never reused, even after entries are deleted.
	NextPosition(ctx context.Context, code string) (int, error)
	// LockClinics serialises writers of the given clinics for the rest
	// of the current transaction.
	LockClinics(ctx context.Context, codes []string) error
}

type AuditLog interface {
	Append(ctx context.Context, r *FlowRecord) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*FlowRecord, error)
	DeleteByPatient(ctx context.Context, patientID uuid.UUID) error
	// Query returns matching records newest first, joined with the
	// patient's token and name, plus the total match count. A limit of
	// zero returns every match.
	Query(ctx context.Context, filter FlowFilter, limit, offset int) ([]*FlowLogItem, int, error)
}

// Directory answers clinic questions; clinic.Service implements it.
type Directory interface {
	IsActive(ctx context.Context, code string) (bool, error)
	ListActive(ctx context.Context) ([]*clinic.Clinic, error)
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier receives change events after a transaction commits.
type Notifier interface {
	QueueChanged(ctx context.Context, code string) error
	PatientStatusChanged(ctx context.Context, patientID uuid.UUID, status patient.Status) error
}

// Recorder observes operation outcomes, e.g. for Prometheus.
type Recorder interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
}
