package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/floorops/floorops/internal/domain"
)

func (s *Store) ListAvailability(ctx context.Context, restaurantID uuid.UUID) ([]domain.StaffAvailability, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []domain.StaffAvailability
	err := s.db.SelectContext(ctx, &out, `
		SELECT a.id, a.waiter_id, a.day_of_week, a.start_min, a.end_min, a.type,
		       a.effective_from, a.effective_until
		FROM staff_availability a
		JOIN waiters w ON w.id = a.waiter_id
		WHERE w.restaurant_id = $1
		ORDER BY a.waiter_id, a.day_of_week, a.start_min`, restaurantID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list availability", err)
	}
	return out, nil
}

func (s *Store) ListPreferences(ctx context.Context, restaurantID uuid.UUID) (map[uuid.UUID]*domain.StaffPreference, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT p.waiter_id, p.preferred_roles, p.preferred_shift_types, p.preferred_sections,
		       p.max_hours_per_week, p.min_hours_per_week, p.max_shifts_per_week, p.avoid_clopening
		FROM staff_preferences p
		JOIN waiters w ON w.id = p.waiter_id
		WHERE w.restaurant_id = $1`, restaurantID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list preferences", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*domain.StaffPreference)
	for rows.Next() {
		var p domain.StaffPreference
		var roles, shiftTypes pq.StringArray
		var sections pq.StringArray
		if err := rows.Scan(&p.WaiterID, &roles, &shiftTypes, &sections,
			&p.MaxHoursPerWeek, &p.MinHoursPerWeek, &p.MaxShiftsPerWeek, &p.AvoidClopening); err != nil {
			return nil, domain.Wrap(domain.KindUnavailable, component, "failed to scan preference", err)
		}
		for _, r := range roles {
			p.PreferredRoles = append(p.PreferredRoles, domain.Role(r))
		}
		for _, t := range shiftTypes {
			p.PreferredShifts = append(p.PreferredShifts, domain.ShiftType(t))
		}
		for _, sec := range sections {
			id, err := uuid.Parse(sec)
			if err != nil {
				continue
			}
			p.PreferredSections = append(p.PreferredSections, id)
		}
		out[p.WaiterID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "error iterating preferences", err)
	}
	return out, nil
}

func (s *Store) ListRequirements(ctx context.Context, restaurantID uuid.UUID) ([]domain.StaffingRequirement, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []domain.StaffingRequirement
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, restaurant_id, day_of_week, start_min, end_min, role, min_staff, max_staff, is_prime
		FROM staffing_requirements
		WHERE restaurant_id = $1
		ORDER BY day_of_week, start_min, role`, restaurantID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list requirements", err)
	}
	return out, nil
}

func (s *Store) CreateScheduleRun(ctx context.Context, run *domain.ScheduleRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (id, restaurant_id, schedule_id, week_start, snapshot_id, status,
			error_message, items_created, total_hours, coverage_pct, fairness_gini, preference_avg,
			forecast_trend, understaffed_slots, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.RestaurantID, run.ScheduleID, run.WeekStart, run.SnapshotID, run.Status,
		run.ErrorMessage, run.ItemsCreated, run.TotalHours, run.CoveragePct, run.FairnessGini,
		run.PreferenceAvg, run.ForecastTrend, run.Understaffed, run.StartedAt, run.FinishedAt)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to create schedule run", err)
	}
	return nil
}

func (s *Store) UpdateScheduleRun(ctx context.Context, run *domain.ScheduleRun) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_runs
		SET schedule_id = $2, status = $3, error_message = $4, items_created = $5,
		    total_hours = $6, coverage_pct = $7, fairness_gini = $8, preference_avg = $9,
		    forecast_trend = $10, understaffed_slots = $11, finished_at = $12
		WHERE id = $1`,
		run.ID, run.ScheduleID, run.Status, run.ErrorMessage, run.ItemsCreated,
		run.TotalHours, run.CoveragePct, run.FairnessGini, run.PreferenceAvg,
		run.ForecastTrend, run.Understaffed, run.FinishedAt)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to update schedule run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Ef(domain.KindNotFound, component, "schedule run %s not found", run.ID)
	}
	return nil
}

func (s *Store) CreateSchedule(ctx context.Context, sched *domain.Schedule) error {
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}
	if sched.Status == "" {
		sched.Status = domain.ScheduleDraft
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, restaurant_id, week_start, status, version, generated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		sched.ID, sched.RestaurantID, sched.WeekStart, sched.Status, sched.Version, sched.GeneratedBy)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to create schedule", err)
	}
	return nil
}

func (s *Store) InsertScheduleItem(ctx context.Context, item *domain.ScheduleItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// Overlap guard: the engine also checks this, but concurrent manual
	// edits must not slip an overlapping shift in.
	var overlapping int
	err := s.db.GetContext(ctx, &overlapping, `
		SELECT COUNT(*) FROM schedule_items
		WHERE schedule_id = $1 AND waiter_id = $2 AND shift_date = $3
		  AND start_min < $5 AND $4 < end_min`,
		item.ScheduleID, item.WaiterID, item.Date, item.StartMin, item.EndMin)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to check item overlap", err)
	}
	if overlapping > 0 {
		return domain.Ef(domain.KindInvariant, component,
			"waiter %s already assigned an overlapping shift on %s", item.WaiterID, item.Date.Format("2006-01-02"))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedule_items (id, schedule_id, waiter_id, role, section_id, shift_date,
			start_min, end_min, source, preference_match_score, fairness_impact_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.ScheduleID, item.WaiterID, item.Role, item.SectionID, item.Date,
		item.StartMin, item.EndMin, item.Source, item.PreferenceMatch, item.FairnessImpact)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to insert schedule item", err)
	}
	return nil
}

func (s *Store) InsertScheduleReasoning(ctx context.Context, r *domain.ScheduleReasoning) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	reasonsJSON, err := json.Marshal(r.Reasons)
	if err != nil {
		return domain.Wrap(domain.KindInput, component, "failed to encode reasons", err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedule_reasoning (id, schedule_item_id, reasons, narrative)
		VALUES ($1, $2, $3, $4)`,
		r.ID, r.ScheduleItemID, reasonsJSON, r.Narrative)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to insert schedule reasoning", err)
	}
	return nil
}

func (s *Store) ListScheduleItems(ctx context.Context, scheduleID uuid.UUID) ([]domain.ScheduleItem, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []domain.ScheduleItem
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, schedule_id, waiter_id, role, section_id, shift_date, start_min, end_min,
		       source, preference_match_score, fairness_impact_score
		FROM schedule_items WHERE schedule_id = $1
		ORDER BY shift_date, start_min, waiter_id`, scheduleID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, component, "failed to list schedule items", err)
	}
	return out, nil
}

func (s *Store) PublishSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.Schedule, error) {
	var out domain.Schedule
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var sched domain.Schedule
		if err := tx.Get(&sched, `
			SELECT id, restaurant_id, week_start, status, version, generated_by, created_at
			FROM schedules WHERE id = $1 FOR UPDATE`, scheduleID); err != nil {
			return notFound(err, "schedule %s not found", scheduleID)
		}
		if sched.Status == domain.SchedulePublished {
			return domain.Ef(domain.KindConflict, component, "schedule %s already published", scheduleID)
		}

		var prevVersion int
		if err := tx.Get(&prevVersion, `
			SELECT COALESCE(MAX(version), 0) FROM schedules
			WHERE restaurant_id = $1 AND week_start = $2 AND status = 'published'`,
			sched.RestaurantID, sched.WeekStart); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to read prior version", err)
		}
		if _, err := tx.Exec(`
			UPDATE schedules SET status = 'archived'
			WHERE restaurant_id = $1 AND week_start = $2 AND status = 'published'`,
			sched.RestaurantID, sched.WeekStart); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to archive prior schedule", err)
		}

		sched.Status = domain.SchedulePublished
		sched.Version = prevVersion + 1
		if _, err := tx.Exec(`
			UPDATE schedules SET status = 'published', version = $2 WHERE id = $1`,
			sched.ID, sched.Version); err != nil {
			return domain.Wrap(domain.KindUnavailable, component, "failed to publish schedule", err)
		}
		out = sched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
