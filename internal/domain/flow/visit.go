package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
)

// EndVisit completes the visit and removes the patient from every queue.
// There is no way back from completed.
func (e *Engine) EndVisit(ctx context.Context, patientID uuid.UUID, remarks string) (p *patient.Patient, err error) {
	defer e.observe("end_visit", time.Now(), &err)

	err = e.withPatient(ctx, patientID, nil, func(ctx context.Context, v *visit, ch *change) error {
		p = v.p
		if p.Status == patient.StatusCompleted {
			return ErrPatientCompleted
		}
		for _, en := range v.entries {
			if err := e.queue.Delete(ctx, en.ID); err != nil {
				return fmt.Errorf("delete entry in %s: %w", en.OPDCode, err)
			}
			ch.queueChanged(en.OPDCode)
		}

		now := e.now()
		fromRoom := copyStr(p.CurrentRoom)
		p.Status = patient.StatusCompleted
		p.CompletedAt = &now
		p.AllocatedOPD = nil
		p.CurrentRoom = nil
		p.ReferredFrom = nil
		p.ReferredTo = nil
		p.IsDilated = false
		p.DilationTime = nil
		if err := e.savePatient(ctx, p); err != nil {
			return err
		}
		notes := "visit completed"
		if remarks != "" {
			notes += ": " + remarks
		}
		if err := e.record(ctx, p, fromRoom, nil, notes); err != nil {
			return err
		}
		ch.statusChanged(p)
		e.logTransition("end_visit", p, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Purge deletes the patient with all queue entries and flow records.
func (e *Engine) Purge(ctx context.Context, patientID uuid.UUID) (err error) {
	defer e.observe("purge", time.Now(), &err)

	return e.withPatient(ctx, patientID, nil, func(ctx context.Context, v *visit, ch *change) error {
		for _, en := range v.entries {
			if err := e.queue.Delete(ctx, en.ID); err != nil {
				return fmt.Errorf("delete entry in %s: %w", en.OPDCode, err)
			}
			ch.queueChanged(en.OPDCode)
		}
		if err := e.audit.DeleteByPatient(ctx, patientID); err != nil {
			return fmt.Errorf("delete flow records: %w", err)
		}
		if err := e.patients.Delete(ctx, patientID); err != nil {
			return fmt.Errorf("delete patient: %w", err)
		}
		e.logger.Info().Str("op", "purge").Str("patient_id", patientID.String()).Msg("patient purged")
		return nil
	})
}
