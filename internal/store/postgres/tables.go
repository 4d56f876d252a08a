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

func (s *Store) GetRestaurant(ctx context.Context, id uuid.UUID) (*domain.Restaurant, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row struct {
		domain.Restaurant
		ConfigJSON []byte `db:"config"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, timezone, config, created_at
		FROM restaurants WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "restaurant %s not found", id)
	}
	r := row.Restaurant
	if len(row.ConfigJSON) > 0 {
		if err := json.Unmarshal(row.ConfigJSON, &r.Config); err != nil {
			return nil, domain.Wrap(domain.KindInput, component, "failed to decode restaurant config", err)
		}
	}
	r.Config = r.Config.Normalize()
	return &r, nil
}

func (s *Store) ListSections(ctx context.Context, restaurantID uuid.UUID) ([]domain.Section, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []domain.Section
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, restaurant_id, name, position
		FROM sections WHERE restaurant_id = $1
		ORDER BY position`, restaurantID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list sections", err)
	}
	return out, nil
}

func (s *Store) GetTable(ctx context.Context, id uuid.UUID) (*domain.Table, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var t domain.Table
	err := s.db.GetContext(ctx, &t, `
		SELECT id, restaurant_id, section_id, number, capacity, table_type, location,
		       state, state_confidence, state_updated_at, current_visit_id, created_at
		FROM tables WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "table %s not found", id)
	}
	return &t, nil
}

func (s *Store) FindAvailableTables(ctx context.Context, restaurantID uuid.UUID, partySize int, prefs store.TablePreferences) ([]store.TableMatch, error) {
	if partySize <= 0 {
		return nil, domain.E(domain.KindInput, component, "party size must be positive")
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	prefType := string(prefs.Type)
	prefLoc := string(prefs.Location)

	// Ordering per the store contract: preference match desc, excess seats
	// asc, table number asc.
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, restaurant_id, section_id, number, capacity, table_type, location,
		       state, state_confidence, state_updated_at, current_visit_id, created_at,
		       (table_type = $3 AND $3 NOT IN ('', 'none'))::int
		         + (location = $4 AND $4 NOT IN ('', 'none'))::int AS match_rank
		FROM tables
		WHERE restaurant_id = $1 AND state = 'clean' AND capacity >= $2
		ORDER BY match_rank DESC, capacity - $2 ASC, number ASC`,
		restaurantID, partySize, prefType, prefLoc)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to query available tables", err)
	}
	defer rows.Close()

	var out []store.TableMatch
	for rows.Next() {
		var t domain.Table
		var rank int
		if err := rows.Scan(&t.ID, &t.RestaurantID, &t.SectionID, &t.Number, &t.Capacity,
			&t.Type, &t.Location, &t.State, &t.StateConfidence, &t.StateUpdatedAt,
			&t.CurrentVisitID, &t.CreatedAt, &rank); err != nil {
			return nil, domain.Wrap(domain.KindUnavailable, component, "failed to scan table", err)
		}
		out = append(out, store.TableMatch{
			Table: t,
			Match: store.MatchDetails{
				TypeMatched:     prefs.Type != "" && prefs.Type != domain.TypeNone && t.Type == prefs.Type,
				LocationMatched: prefs.Location != "" && prefs.Location != domain.LocNone && t.Location == prefs.Location,
				ExcessSeats:     t.Capacity - partySize,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "error iterating tables", err)
	}
	return out, nil
}

func (s *Store) UpdateTableState(ctx context.Context, upd store.StateUpdate) (*domain.TableStateLog, error) {
	var entry *domain.TableStateLog
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = updateTableStateTx(tx, upd, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// updateTableStateTx applies the state machine inside an open transaction,
// so SeatParty and CloseVisit can reuse it.
func updateTableStateTx(tx *sqlx.Tx, upd store.StateUpdate, now time.Time) (*domain.TableStateLog, error) {
	var t domain.Table
	err := tx.Get(&t, `
		SELECT id, restaurant_id, state, state_confidence, current_visit_id
		FROM tables WHERE id = $1 FOR UPDATE`, upd.TableID)
	if err != nil {
		return nil, notFound(err, "table %s not found", upd.TableID)
	}

	res, err := domain.EvaluateTransition(t.State, upd.NewState, upd.Source, upd.Confidence, t.StateConfidence)
	if err != nil {
		return nil, err
	}

	if res.NoOp {
		if res.RefreshConfidence {
			if _, err := tx.Exec(`
				UPDATE tables SET state_confidence = $2, state_updated_at = $3
				WHERE id = $1`, t.ID, upd.Confidence, now); err != nil {
				return nil, domain.Wrap(domain.KindUnavailable, component, "failed to refresh confidence", err)
			}
		}
		return nil, nil
	}

	currentVisit := t.CurrentVisitID
	switch {
	case upd.NewState == domain.TableOccupied && currentVisit == nil:
		// ML-observed occupancy with no seating on record: insert a
		// walk-in visit so the occupied⇔open-visit invariant holds.
		visitID := uuid.New()
		if _, err := tx.Exec(`
			INSERT INTO visits (id, restaurant_id, table_id, party_size, covers, seated_at)
			VALUES ($1, $2, $3, 0, 0, $4)`, visitID, t.RestaurantID, t.ID, now); err != nil {
			return nil, domain.Wrap(domain.KindUnavailable, component, "failed to create walk-in visit", err)
		}
		currentVisit = &visitID
	case t.State == domain.TableOccupied && upd.NewState == domain.TableDirty:
		if currentVisit != nil {
			if _, err := tx.Exec(`
				UPDATE visits
				SET cleared_at = $2,
				    duration_minutes = EXTRACT(EPOCH FROM ($2 - seated_at)) / 60.0
				WHERE id = $1 AND cleared_at IS NULL`, *currentVisit, now); err != nil {
				return nil, domain.Wrap(domain.KindUnavailable, component, "failed to close visit", err)
			}
		}
		currentVisit = nil
	}

	if _, err := tx.Exec(`
		UPDATE tables
		SET state = $2, state_confidence = $3, state_updated_at = $4, current_visit_id = $5
		WHERE id = $1`, t.ID, upd.NewState, upd.Confidence, now, currentVisit); err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to update table state", err)
	}

	entry := domain.TableStateLog{
		ID:         uuid.New(),
		TableID:    t.ID,
		Previous:   t.State,
		Next:       upd.NewState,
		Confidence: upd.Confidence,
		Source:     upd.Source,
		Detail:     upd.Detail,
		CreatedAt:  now,
	}
	if _, err := tx.Exec(`
		INSERT INTO table_state_log (id, table_id, previous_state, next_state, confidence, source, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.TableID, entry.Previous, entry.Next, entry.Confidence, entry.Source, entry.Detail, entry.CreatedAt); err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to append state log", err)
	}
	return &entry, nil
}

func (s *Store) ListStateLog(ctx context.Context, tableID uuid.UUID, limit int) ([]domain.TableStateLog, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	var out []domain.TableStateLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, table_id, previous_state, next_state, confidence, source, detail, created_at
		FROM table_state_log WHERE table_id = $1
		ORDER BY created_at DESC LIMIT $2`, tableID, limit)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list state log", err)
	}
	return out, nil
}
