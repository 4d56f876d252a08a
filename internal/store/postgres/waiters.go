package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/store"
)

const waiterColumns = `id, restaurant_id, section_id, name, role, tier,
	composite_score, total_shifts, total_covers, total_tips, created_at`

func (s *Store) GetWaiter(ctx context.Context, id uuid.UUID) (*domain.Waiter, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var w domain.Waiter
	err := s.db.GetContext(ctx, &w, `SELECT `+waiterColumns+` FROM waiters WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "waiter %s not found", id)
	}
	return &w, nil
}

func (s *Store) ListWaiters(ctx context.Context, restaurantID uuid.UUID) ([]domain.Waiter, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []domain.Waiter
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+waiterColumns+` FROM waiters
		WHERE restaurant_id = $1 ORDER BY id`, restaurantID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list waiters", err)
	}
	return out, nil
}

func (s *Store) ListCandidateWaiters(ctx context.Context, restaurantID uuid.UUID) ([]store.WaiterShift, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT w.id, w.restaurant_id, w.section_id, w.name, w.role, w.tier,
		       w.composite_score, w.total_shifts, w.total_covers, w.total_tips, w.created_at,
		       s.id, s.restaurant_id, s.waiter_id, s.status, s.started_at, s.ended_at,
		       s.tables_served, s.covers, s.tips, s.sales,
		       COALESCE(v.open_count, 0) AS current_tables
		FROM waiters w
		JOIN shifts s ON s.waiter_id = w.id AND s.status <> 'ended'
		LEFT JOIN (
			SELECT waiter_id, COUNT(*) AS open_count
			FROM visits WHERE restaurant_id = $1 AND cleared_at IS NULL
			GROUP BY waiter_id
		) v ON v.waiter_id = w.id
		WHERE w.restaurant_id = $1
		ORDER BY w.id`, restaurantID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list candidate waiters", err)
	}
	defer rows.Close()

	var out []store.WaiterShift
	for rows.Next() {
		var ws store.WaiterShift
		w := &ws.Waiter
		sh := &ws.Shift.Shift
		if err := rows.Scan(&w.ID, &w.RestaurantID, &w.SectionID, &w.Name, &w.Role, &w.Tier,
			&w.CompositeScore, &w.TotalShifts, &w.TotalCovers, &w.TotalTips, &w.CreatedAt,
			&sh.ID, &sh.RestaurantID, &sh.WaiterID, &sh.Status, &sh.StartedAt, &sh.EndedAt,
			&sh.TablesServed, &sh.Covers, &sh.Tips, &sh.Sales,
			&ws.Shift.CurrentTables); err != nil {
			return nil, domain.Wrap(domain.KindUnavailable, component, "failed to scan candidate waiter", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "error iterating candidate waiters", err)
	}
	return out, nil
}

func (s *Store) UpdateWaiterTier(ctx context.Context, waiterID uuid.UUID, tier domain.Tier, composite float64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE waiters SET tier = $2, composite_score = $3 WHERE id = $1`,
		waiterID, tier, composite)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to update waiter tier", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Ef(domain.KindNotFound, component, "waiter %s not found", waiterID)
	}
	return nil
}
