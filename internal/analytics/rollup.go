// Package analytics derives batch metrics from the visit history:
// per-waiter and per-restaurant rollups keyed by period, and the tier
// recalculation that re-buckets waiters from recent performance.
package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/store"
)

// Rollup kinds, matching the metric tables they land in.
const (
	KindWaiter     = "waiter"
	KindRestaurant = "restaurant"
)

// Rollups computes period aggregates. Same-key recomputation upserts,
// so re-running over unchanged visits is a no-op.
type Rollups struct {
	store store.Store
	reg   *metrics.Registry
	now   func() time.Time
}

func New(st store.Store, reg *metrics.Registry) *Rollups {
	return &Rollups{store: st, reg: reg, now: time.Now}
}

// PeriodEnd returns the exclusive end of a calendar period starting at
// start. Shift periods have no calendar length; use RunShift with
// explicit bounds instead.
func PeriodEnd(periodType string, start time.Time) (time.Time, error) {
	switch periodType {
	case "hourly":
		return start.Add(time.Hour), nil
	case "daily":
		return start.AddDate(0, 0, 1), nil
	case "weekly":
		return start.AddDate(0, 0, 7), nil
	case "monthly":
		return start.AddDate(0, 1, 0), nil
	}
	return time.Time{}, domain.Ef(domain.KindInput, "analytics", "unknown rollup period %q", periodType)
}

// Run computes the waiter and restaurant rollups for one calendar
// period (hourly, daily, weekly, or monthly) starting at start.
func (r *Rollups) Run(ctx context.Context, restaurantID uuid.UUID, periodType string, start time.Time) error {
	end, err := PeriodEnd(periodType, start)
	if err != nil {
		return err
	}
	return r.runWindow(ctx, restaurantID, periodType, start, end)
}

// RunHourly computes the rollups for the hour starting at hourStart.
func (r *Rollups) RunHourly(ctx context.Context, restaurantID uuid.UUID, hourStart time.Time) error {
	return r.Run(ctx, restaurantID, "hourly", hourStart)
}

// RunDaily computes the rollups for the day starting at dayStart
// (midnight, restaurant-local).
func (r *Rollups) RunDaily(ctx context.Context, restaurantID uuid.UUID, dayStart time.Time) error {
	return r.Run(ctx, restaurantID, "daily", dayStart)
}

// RunWeekly computes the rollups for the week starting at weekStart.
func (r *Rollups) RunWeekly(ctx context.Context, restaurantID uuid.UUID, weekStart time.Time) error {
	return r.Run(ctx, restaurantID, "weekly", weekStart)
}

// RunMonthly computes the rollups for the month starting at monthStart.
func (r *Rollups) RunMonthly(ctx context.Context, restaurantID uuid.UUID, monthStart time.Time) error {
	return r.Run(ctx, restaurantID, "monthly", monthStart)
}

// RunShift computes the rollups over one shift's explicit window. The
// row is keyed by the shift's start time.
func (r *Rollups) RunShift(ctx context.Context, restaurantID uuid.UUID, shiftStart, shiftEnd time.Time) error {
	if !shiftEnd.After(shiftStart) {
		return domain.E(domain.KindInput, "analytics", "shift end must be after shift start")
	}
	return r.runWindow(ctx, restaurantID, "shift", shiftStart, shiftEnd)
}

func (r *Rollups) runWindow(ctx context.Context, restaurantID uuid.UUID, periodType string, start, end time.Time) error {
	visits, err := r.store.ListVisitsSince(ctx, restaurantID, start)
	if err != nil {
		return err
	}
	var window []domain.Visit
	for _, v := range visits {
		if v.SeatedAt.Before(end) {
			window = append(window, v)
		}
	}

	started := r.now()
	if err := r.upsertWaiterRows(ctx, restaurantID, periodType, start, window); err != nil {
		return err
	}
	if err := r.upsertRestaurantRow(ctx, restaurantID, periodType, start, window); err != nil {
		return err
	}
	r.reg.RollupDuration.WithLabelValues(periodType).Observe(r.now().Sub(started).Seconds())

	log.Info().Str("restaurant", restaurantID.String()).Str("period", periodType).
		Time("start", start).Int("visits", len(window)).Msg("Rollup computed")
	return nil
}

// waiterAgg accumulates one waiter's closed-visit stats for a period.
type waiterAgg struct {
	visits      int
	covers      int
	tips        float64
	revenue     float64
	tipPctSum   float64
	tipPctN     int
	turnMinSum  float64
	turnMinN    int
}

func (r *Rollups) upsertWaiterRows(ctx context.Context, restaurantID uuid.UUID, periodType string, periodStart time.Time, visits []domain.Visit) error {
	aggs := make(map[uuid.UUID]*waiterAgg)
	for _, v := range visits {
		if v.WaiterID == uuid.Nil {
			continue
		}
		a, ok := aggs[v.WaiterID]
		if !ok {
			a = &waiterAgg{}
			aggs[v.WaiterID] = a
		}
		a.visits++
		a.covers += coverCount(v)
		a.tips += v.Tip
		a.revenue += v.Total
		if v.TipPct != nil {
			a.tipPctSum += *v.TipPct
			a.tipPctN++
		}
		if v.DurationMinutes != nil {
			a.turnMinSum += *v.DurationMinutes
			a.turnMinN++
		}
	}

	computed := r.now()
	rows := make([]store.MetricsRow, 0, len(aggs))
	for waiterID, a := range aggs {
		id := waiterID
		values := map[string]float64{
			"visits":  float64(a.visits),
			"covers":  float64(a.covers),
			"tips":    a.tips,
			"revenue": a.revenue,
		}
		if a.tipPctN > 0 {
			values["avg_tip_pct"] = a.tipPctSum / float64(a.tipPctN)
		}
		if a.visits > 0 {
			values["avg_check"] = a.revenue / float64(a.visits)
		}
		if a.turnMinN > 0 {
			values["avg_turn_minutes"] = a.turnMinSum / float64(a.turnMinN)
		}
		rows = append(rows, store.MetricsRow{
			RestaurantID: restaurantID,
			SubjectID:    &id,
			PeriodType:   periodType,
			PeriodStart:  periodStart,
			Values:       values,
			ComputedAt:   computed,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return r.store.UpsertMetrics(ctx, KindWaiter, rows)
}

func (r *Rollups) upsertRestaurantRow(ctx context.Context, restaurantID uuid.UUID, periodType string, periodStart time.Time, visits []domain.Visit) error {
	var covers int
	var revenue, tips float64
	waiters := make(map[uuid.UUID]bool)
	for _, v := range visits {
		covers += coverCount(v)
		revenue += v.Total
		tips += v.Tip
		if v.WaiterID != uuid.Nil {
			waiters[v.WaiterID] = true
		}
	}

	values := map[string]float64{
		"parties":        float64(len(visits)),
		"covers":         float64(covers),
		"revenue":        revenue,
		"tips":           tips,
		"peak_occupancy": float64(peakOccupancy(visits)),
	}
	if len(visits) > 0 {
		values["avg_party_size"] = float64(covers) / float64(len(visits))
	}
	if len(waiters) > 0 {
		values["covers_per_waiter"] = float64(covers) / float64(len(waiters))
	}

	return r.store.UpsertMetrics(ctx, KindRestaurant, []store.MetricsRow{{
		RestaurantID: restaurantID,
		PeriodType:   periodType,
		PeriodStart:  periodStart,
		Values:       values,
		ComputedAt:   r.now(),
	}})
}

// peakOccupancy sweeps seated/cleared edges to find the maximum number
// of simultaneously open visits.
func peakOccupancy(visits []domain.Visit) int {
	type edge struct {
		at    time.Time
		delta int
	}
	var edges []edge
	for _, v := range visits {
		edges = append(edges, edge{at: v.SeatedAt, delta: 1})
		if v.ClearedAt != nil {
			edges = append(edges, edge{at: *v.ClearedAt, delta: -1})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].at.Equal(edges[j].at) {
			return edges[i].at.Before(edges[j].at)
		}
		// Clears before seats at the same instant.
		return edges[i].delta < edges[j].delta
	})

	peak, cur := 0, 0
	for _, e := range edges {
		cur += e.delta
		if cur > peak {
			peak = cur
		}
	}
	return peak
}

func coverCount(v domain.Visit) int {
	if v.Covers > 0 {
		return v.Covers
	}
	return v.PartySize
}
