package flow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
)

// RepairOccupancy fixes clinics whose data breaks the one-patient-in-clinic
// rule, as found in rows written before the rule was enforced. Stale rows of
// referred patients go back to their referral state; of several real
// occupants the lowest position stays and the rest are sent back. It
// returns how many entries were changed.
func (e *Engine) RepairOccupancy(ctx context.Context, code string) (fixed int, err error) {
	defer e.observe("repair_occupancy", time.Now(), &err)

	code, err = e.requireActive(ctx, code)
	if err != nil {
		return 0, err
	}
	err = e.withClinic(ctx, code, uuid.Nil, func(ctx context.Context, ch *change) error {
		q, err := e.loadQueue(ctx, code)
		if err != nil {
			return err
		}
		fixed, err = e.demoteStale(ctx, q, ch)
		if err != nil {
			return err
		}
		kept := false
		for _, it := range q.items {
			if it.entry.Status != patient.StatusInClinic {
				continue
			}
			if !kept {
				kept = true
				continue
			}
			if err := e.sendBack(ctx, code, it.entry, it.p, ch, "occupancy repair"); err != nil {
				return err
			}
			fixed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if fixed > 0 {
		e.logger.Warn().Str("opd", code).Int("fixed", fixed).Msg("occupancy repaired")
	}
	return fixed, nil
}
