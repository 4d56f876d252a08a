package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/store"
)

const visitColumns = `id, restaurant_id, table_id, waiter_id, original_waiter_id,
	waitlist_entry_id, party_size, covers, seated_at, first_served_at, payment_at,
	cleared_at, duration_minutes, subtotal, tax, total, tip, tip_pct`

func (s *Store) GetVisit(ctx context.Context, id uuid.UUID) (*domain.Visit, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var v domain.Visit
	err := s.db.GetContext(ctx, &v, `SELECT `+visitColumns+` FROM visits WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "visit %s not found", id)
	}
	return &v, nil
}

func (s *Store) SeatParty(ctx context.Context, req store.SeatRequest) (*domain.Visit, error) {
	if req.PartySize <= 0 {
		return nil, domain.E(domain.KindInput, component, "party size must be positive")
	}

	var visit domain.Visit
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		visitID := uuid.New()

		// Row lock on the table: the losing concurrent seat blocks here,
		// observes the occupied state, and surfaces Conflict.
		var prev domain.TableState
		if err := tx.Get(&prev, `SELECT state FROM tables WHERE id = $1 FOR UPDATE`, req.TableID); err != nil {
			return notFound(err, "table %s not found", req.TableID)
		}
		if prev != domain.TableClean && prev != domain.TableReserved {
			return domain.Ef(domain.KindConflict, component, "table %s is %s", req.TableID, prev)
		}
		if _, err := tx.Exec(`
			UPDATE tables
			SET state = 'occupied', state_confidence = 1.0, state_updated_at = $2, current_visit_id = $3
			WHERE id = $1`, req.TableID, now, visitID); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to claim table", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO visits (id, restaurant_id, table_id, waiter_id, waitlist_entry_id, party_size, covers, seated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $7)`,
			visitID, req.RestaurantID, req.TableID, req.WaiterID, req.WaitlistEntryID, req.PartySize, now); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to create visit", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO table_state_log (id, table_id, previous_state, next_state, confidence, source, detail, created_at)
			VALUES ($1, $2, $3, 'occupied', 1.0, 'host', 'router.seat', $4)`,
			uuid.New(), req.TableID, prev, now); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to append state log", err)
		}

		if req.WaitlistEntryID != nil {
			if _, err := tx.Exec(`
				UPDATE waitlist SET status = 'seated', visit_id = $2
				WHERE id = $1 AND status = 'waiting'`, *req.WaitlistEntryID, visitID); err != nil {
				return domain.Wrap(domain.KindUnavailable, component, "failed to update waitlist entry", err)
			}
		}

		if _, err := tx.Exec(`
			UPDATE shifts SET tables_served = tables_served + 1, covers = covers + $2
			WHERE waiter_id = $1 AND status <> 'ended'`, req.WaiterID, req.PartySize); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to bump shift aggregates", err)
		}

		return tx.Get(&visit, `SELECT `+visitColumns+` FROM visits WHERE id = $1`, visitID)
	})
	if err != nil {
		return nil, err
	}
	return &visit, nil
}

func (s *Store) CloseVisit(ctx context.Context, visitID uuid.UUID, money store.VisitClose) (*domain.Visit, error) {
	var visit domain.Visit
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		var v domain.Visit
		if err := tx.Get(&v, `SELECT `+visitColumns+` FROM visits WHERE id = $1 FOR UPDATE`, visitID); err != nil {
			return notFound(err, "visit %s not found", visitID)
		}
		if v.ClearedAt != nil {
			return domain.Ef(domain.KindConflict, component, "visit %s already closed", visitID)
		}

		var tipPct *float64
		if money.Total > 0 {
			pct := money.Tip / money.Total * 100
			tipPct = &pct
		}
		if _, err := tx.Exec(`
			UPDATE visits SET subtotal = $2, tax = $3, total = $4, tip = $5, tip_pct = $6
			WHERE id = $1`, visitID, money.Subtotal, money.Tax, money.Total, money.Tip, tipPct); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to record visit money", err)
		}

		if _, err := updateTableStateTx(tx, store.StateUpdate{
			TableID:    v.TableID,
			NewState:   domain.TableDirty,
			Confidence: 1.0,
			Source:     domain.SourceSystem,
			Detail:     "visit.close",
		}, now); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			UPDATE shifts SET tips = tips + $2, sales = sales + $3
			WHERE waiter_id = $1 AND status <> 'ended'`, v.WaiterID, money.Tip, money.Total); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to bump shift money", err)
		}
		if _, err := tx.Exec(`
			UPDATE waiters SET total_covers = total_covers + $2, total_tips = total_tips + $3
			WHERE id = $1`, v.WaiterID, v.Covers, money.Tip); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to bump waiter totals", err)
		}

		return tx.Get(&visit, `SELECT `+visitColumns+` FROM visits WHERE id = $1`, visitID)
	})
	if err != nil {
		return nil, err
	}
	return &visit, nil
}

func (s *Store) RecordVisitMilestone(ctx context.Context, visitID uuid.UUID, milestone string, at time.Time) error {
	var column string
	switch milestone {
	case "first_served":
		column = "first_served_at"
	case "payment":
		column = "payment_at"
	default:
		return domain.Ef(domain.KindInput, component, "unknown milestone %q", milestone)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE visits SET `+column+` = $2 WHERE id = $1`, visitID, at)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to record milestone", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Ef(domain.KindNotFound, component, "visit %s not found", visitID)
	}
	return nil
}

func (s *Store) ListVisitsSince(ctx context.Context, restaurantID uuid.UUID, since time.Time) ([]domain.Visit, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []domain.Visit
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+visitColumns+` FROM visits
		WHERE restaurant_id = $1 AND seated_at >= $2
		ORDER BY seated_at`, restaurantID, since)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list visits", err)
	}
	return out, nil
}

func (s *Store) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*domain.WaitlistEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var e domain.WaitlistEntry
	err := s.db.GetContext(ctx, &e, `
		SELECT id, restaurant_id, party_name, party_size, table_preference, location_preference,
		       status, visit_id, quoted_wait_minutes, created_at
		FROM waitlist WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "waitlist entry %s not found", id)
	}
	return &e, nil
}

func (s *Store) ListWaitlist(ctx context.Context, restaurantID uuid.UUID) ([]domain.WaitlistEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []domain.WaitlistEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, restaurant_id, party_name, party_size, table_preference, location_preference,
		       status, visit_id, quoted_wait_minutes, created_at
		FROM waitlist WHERE restaurant_id = $1
		ORDER BY created_at`, restaurantID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list waitlist", err)
	}
	return out, nil
}
