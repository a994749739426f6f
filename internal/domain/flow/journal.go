package flow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
)

// RegistrationJournal writes the first flow record of a new patient. It
// plugs into patient.Service.
type RegistrationJournal struct {
	audit AuditLog
	now   func() time.Time
}

func NewRegistrationJournal(audit AuditLog) *RegistrationJournal {
	return &RegistrationJournal{audit: audit, now: time.Now}
}

func (j *RegistrationJournal) RecordRegistration(ctx context.Context, p *patient.Patient) error {
	return j.audit.Append(ctx, &FlowRecord{
		ID:        uuid.New(),
		PatientID: p.ID,
		ToRoom:    patient.Str(patient.RoomRegistration),
		Status:    p.Status,
		Timestamp: j.now(),
	})
}
