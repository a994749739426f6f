package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
)

// Allocate puts a freshly registered patient at the end of a clinic's
// queue.
func (e *Engine) Allocate(ctx context.Context, patientID uuid.UUID, code string) (p *patient.Patient, err error) {
	defer e.observe("allocate", time.Now(), &err)

	code, err = e.requireActive(ctx, code)
	if err != nil {
		return nil, err
	}
	err = e.withPatient(ctx, patientID, []string{code}, func(ctx context.Context, v *visit, ch *change) error {
		p = v.p
		switch p.Status {
		case patient.StatusCompleted:
			return ErrPatientCompleted
		case patient.StatusPending:
		default:
			return fmt.Errorf("%w: patient is %s", ErrInvalidState, p.Status)
		}
		for _, en := range v.entries {
			if en.Active() {
				return fmt.Errorf("%w: patient is already queued in %s", ErrInvalidState, en.OPDCode)
			}
		}
		if old := v.entry(code); old != nil {
			if err := e.queue.Delete(ctx, old.ID); err != nil {
				return fmt.Errorf("drop old entry in %s: %w", code, err)
			}
		}
		if _, err := e.appendEntry(ctx, code, p.ID, patient.StatusPending); err != nil {
			return err
		}

		fromRoom := copyStr(p.CurrentRoom)
		p.AllocatedOPD = patient.Str(code)
		p.CurrentRoom = patient.Str(patient.RoomForOPD(code))
		if err := e.savePatient(ctx, p); err != nil {
			return err
		}
		if err := e.record(ctx, p, fromRoom, p.CurrentRoom, "allocated to "+code); err != nil {
			return err
		}
		ch.queueChanged(code)
		ch.statusChanged(p)
		e.logTransition("allocate", p, code)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
