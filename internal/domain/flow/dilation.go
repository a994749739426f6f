package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
)

// Dilate sends the patient to the dilation area. Calling it again on a
// dilated patient restarts the dilation clock.
func (e *Engine) Dilate(ctx context.Context, patientID uuid.UUID, remarks string) (p *patient.Patient, err error) {
	defer e.observe("dilate", time.Now(), &err)

	err = e.withPatient(ctx, patientID, nil, func(ctx context.Context, v *visit, ch *change) error {
		p = v.p
		switch p.Status {
		case patient.StatusCompleted:
			return ErrPatientCompleted
		case patient.StatusPending, patient.StatusInClinic, patient.StatusDilated:
		default:
			return fmt.Errorf("%w: cannot dilate a %s patient", ErrInvalidState, p.Status)
		}

		if p.AllocatedOPD != nil {
			if en := v.entry(*p.AllocatedOPD); en != nil && en.Active() {
				en.Status = patient.StatusDilated
				if err := e.saveEntry(ctx, en); err != nil {
					return err
				}
				ch.queueChanged(en.OPDCode)
			}
		}

		now := e.now()
		fromRoom := copyStr(p.CurrentRoom)
		p.Status = patient.StatusDilated
		p.IsDilated = true
		p.DilationFlag = true
		p.DilationTime = &now
		p.CurrentRoom = patient.Str(patient.RoomDilation)
		if err := e.savePatient(ctx, p); err != nil {
			return err
		}
		notes := "dilation started"
		if remarks != "" {
			notes += ": " + remarks
		}
		if err := e.record(ctx, p, fromRoom, p.CurrentRoom, notes); err != nil {
			return err
		}
		ch.statusChanged(p)
		e.logTransition("dilate", p, patient.StrVal(p.AllocatedOPD))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReturnFromDilation puts a dilated patient back in their clinic's queue.
// dilation_flag stays set as a record that the patient was dilated.
func (e *Engine) ReturnFromDilation(ctx context.Context, patientID uuid.UUID) (p *patient.Patient, err error) {
	defer e.observe("return_from_dilation", time.Now(), &err)

	err = e.withPatient(ctx, patientID, nil, func(ctx context.Context, v *visit, ch *change) error {
		p = v.p
		if !p.IsDilated {
			return ErrNotDilated
		}
		now := e.now()
		if e.minWait > 0 && p.DilationTime != nil {
			if waited := now.Sub(*p.DilationTime); waited < e.minWait {
				left := (e.minWait - waited).Round(time.Minute)
				return fmt.Errorf("%w: %s remaining", ErrDilationWaitPending, left)
			}
		}

		fromRoom := copyStr(p.CurrentRoom)
		p.Status = patient.StatusPending
		p.IsDilated = false
		p.DilationTime = nil
		p.CurrentRoom = nil
		if p.AllocatedOPD != nil {
			code := *p.AllocatedOPD
			p.CurrentRoom = patient.Str(patient.RoomForOPD(code))
			if en := v.entry(code); en != nil && en.Status == patient.StatusDilated {
				en.Status = patient.StatusPending
				if err := e.saveEntry(ctx, en); err != nil {
					return err
				}
				ch.queueChanged(code)
			}
		}
		if err := e.savePatient(ctx, p); err != nil {
			return err
		}
		if err := e.record(ctx, p, fromRoom, p.CurrentRoom, "returned from dilation"); err != nil {
			return err
		}
		ch.statusChanged(p)
		e.logTransition("return_from_dilation", p, patient.StrVal(p.AllocatedOPD))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
