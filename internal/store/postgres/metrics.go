package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/store"
)

// UpsertMetrics writes rollup rows; the unique key
// (kind, restaurant, subject, period_type, period_start) makes recomputation
// idempotent.
func (s *Store) UpsertMetrics(ctx context.Context, kind string, rows []store.MetricsRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, row := range rows {
			valuesJSON, err := json.Marshal(row.Values)
			if err != nil {
				return domain.Wrap(domain.KindInput, component, "failed to encode metric values", err)
			}
			subject := uuid.Nil
			if row.SubjectID != nil {
				subject = *row.SubjectID
			}
			if _, err := tx.Exec(`
				INSERT INTO rollup_metrics (kind, restaurant_id, subject_id, period_type, period_start, values, computed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (kind, restaurant_id, subject_id, period_type, period_start)
				DO UPDATE SET values = EXCLUDED.values, computed_at = EXCLUDED.computed_at`,
				kind, row.RestaurantID, subject, row.PeriodType, row.PeriodStart, valuesJSON, row.ComputedAt); err != nil {
				return domain.Wrap(domain.KindUnavailable, component, "failed to upsert metric row", err)
			}
		}
		return nil
	})
}

func (s *Store) GetMetrics(ctx context.Context, kind string, restaurantID uuid.UUID, periodType string, periodStart time.Time) ([]store.MetricsRow, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT restaurant_id, subject_id, period_type, period_start, values, computed_at
		FROM rollup_metrics
		WHERE kind = $1 AND restaurant_id = $2 AND period_type = $3 AND period_start = $4
		ORDER BY subject_id`, kind, restaurantID, periodType, periodStart)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to query metrics", err)
	}
	defer rows.Close()

	var out []store.MetricsRow
	for rows.Next() {
		var row store.MetricsRow
		var subject uuid.UUID
		var valuesJSON []byte
		if err := rows.Scan(&row.RestaurantID, &subject, &row.PeriodType, &row.PeriodStart, &valuesJSON, &row.ComputedAt); err != nil {
			return nil, domain.Wrap(domain.KindUnavailable, component, "failed to scan metric row", err)
		}
		if subject != uuid.Nil {
			row.SubjectID = &subject
		}
		if len(valuesJSON) > 0 {
			if err := json.Unmarshal(valuesJSON, &row.Values); err != nil {
				return nil, domain.Wrap(domain.KindInput, component, "failed to decode metric values", err)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "error iterating metrics", err)
	}
	return out, nil
}
