package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
)

// Refer hands the patient over to another clinic. The patient stays
// visible in the origin clinic (entry REFERRED) and becomes callable in
// the destination until the referral is resolved.
func (e *Engine) Refer(ctx context.Context, patientID uuid.UUID, to, remarks string) (p *patient.Patient, err error) {
	defer e.observe("refer", time.Now(), &err)

	to, err = e.requireActive(ctx, to)
	if err != nil {
		return nil, err
	}
	err = e.withPatient(ctx, patientID, []string{to}, func(ctx context.Context, v *visit, ch *change) error {
		p = v.p
		switch p.Status {
		case patient.StatusCompleted:
			return ErrPatientCompleted
		case patient.StatusPending, patient.StatusInClinic:
		default:
			return fmt.Errorf("%w: cannot refer a %s patient", ErrInvalidState, p.Status)
		}

		from := copyStr(p.AllocatedOPD)
		if from != nil {
			if src := v.entry(*from); src != nil {
				src.Status = patient.StatusReferred
				if err := e.saveEntry(ctx, src); err != nil {
					return err
				}
				ch.queueChanged(*from)
			}
		}
		if dst := v.entry(to); dst == nil {
			if _, err := e.appendEntry(ctx, to, p.ID, patient.StatusReferred); err != nil {
				return err
			}
		} else if from == nil || *from != to {
			dst.Status = patient.StatusReferred
			if err := e.saveEntry(ctx, dst); err != nil {
				return err
			}
		}

		p.ReferredFrom = from
		p.ReferredTo = patient.Str(to)
		p.Status = patient.StatusReferred
		if err := e.savePatient(ctx, p); err != nil {
			return err
		}
		notes := fmt.Sprintf("referred from %s to %s", orNone(from), to)
		if remarks != "" {
			notes += ": " + remarks
		}
		if err := e.record(ctx, p, copyStr(p.CurrentRoom), patient.Str(patient.RoomForOPD(to)), notes); err != nil {
			return err
		}
		ch.queueChanged(to)
		ch.statusChanged(p)
		e.logTransition("refer", p, to)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReturnFromReferral sends a referred patient back to the clinic that
// referred them. from is the clinic they are returning from and must match
// the open referral.
func (e *Engine) ReturnFromReferral(ctx context.Context, patientID uuid.UUID, from, remarks string) (p *patient.Patient, err error) {
	defer e.observe("return_from_referral", time.Now(), &err)

	if from, err = e.requireActive(ctx, from); err != nil {
		return nil, err
	}
	err = e.withPatient(ctx, patientID, []string{from}, func(ctx context.Context, v *visit, ch *change) error {
		p = v.p
		if p.Status != patient.StatusReferred {
			return ErrNotReferred
		}
		if p.ReferredTo == nil || *p.ReferredTo != from {
			return fmt.Errorf("%w: patient was referred to %s, not %s", ErrOriginMismatch, orNone(p.ReferredTo), from)
		}
		if p.ReferredFrom == nil {
			return fmt.Errorf("%w: referral has no origin clinic", ErrOriginMismatch)
		}
		origin := *p.ReferredFrom
		if _, err := e.requireActive(ctx, origin); err != nil {
			return err
		}

		if src := v.entry(origin); src != nil {
			src.Status = patient.StatusPending
			if err := e.saveEntry(ctx, src); err != nil {
				return err
			}
		} else if _, err := e.appendEntry(ctx, origin, p.ID, patient.StatusPending); err != nil {
			return err
		}
		if origin != from {
			if dst := v.entry(from); dst != nil {
				dst.Status = patient.StatusCompleted
				if err := e.saveEntry(ctx, dst); err != nil {
					return err
				}
			}
		}

		fromRoom := copyStr(p.CurrentRoom)
		p.Status = patient.StatusPending
		p.AllocatedOPD = patient.Str(origin)
		p.ReferredFrom = nil
		p.ReferredTo = nil
		p.CurrentRoom = patient.Str(patient.RoomForOPD(origin))
		if err := e.savePatient(ctx, p); err != nil {
			return err
		}
		notes := fmt.Sprintf("returned from %s to %s", from, origin)
		if remarks != "" {
			notes += ": " + remarks
		}
		if err := e.record(ctx, p, fromRoom, p.CurrentRoom, notes); err != nil {
			return err
		}
		ch.queueChanged(origin, from)
		ch.statusChanged(p)
		e.logTransition("return_from_referral", p, origin)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func orNone(s *string) string {
	if s == nil || *s == "" {
		return "none"
	}
	return *s
}
