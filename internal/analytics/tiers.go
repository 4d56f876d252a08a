package analytics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/floorops/floorops/internal/domain"
)

// Composite score blend weights: turn time 0.3, tip% 0.4, covers 0.3.
const (
	weightTurn   = 0.3
	weightTipPct = 0.4
	weightCovers = 0.3

	// minRosterForTiers is the roster size below which everyone stays
	// standard; percentiles over a handful of waiters are noise.
	minRosterForTiers = 4

	strongPercentile     = 0.75
	developingPercentile = 0.25
)

// waiterPerf is the raw per-waiter material for the composite.
type waiterPerf struct {
	waiterID   uuid.UUID
	avgTurnMin float64
	hasTurn    bool
	avgTipPct  float64
	hasTip     bool
	covers     float64
	composite  float64
}

// RecalculateTiers rebuilds every waiter's composite score and tier from
// visits closed since the given time. Waiters with no closed visits in
// the window keep their current tier.
func (r *Rollups) RecalculateTiers(ctx context.Context, restaurantID uuid.UUID, since time.Time) error {
	visits, err := r.store.ListVisitsSince(ctx, restaurantID, since)
	if err != nil {
		return err
	}

	perf := aggregatePerf(visits)
	if len(perf) == 0 {
		return nil
	}
	scoreComposites(perf)

	tiers := assignTiers(perf)
	for _, p := range perf {
		if err := r.store.UpdateWaiterTier(ctx, p.waiterID, tiers[p.waiterID], p.composite); err != nil {
			return err
		}
	}
	log.Info().Str("restaurant", restaurantID.String()).Int("waiters", len(perf)).
		Msg("Waiter tiers recalculated")
	return nil
}

func aggregatePerf(visits []domain.Visit) []*waiterPerf {
	byWaiter := make(map[uuid.UUID]*waiterPerf)
	turnN := make(map[uuid.UUID]int)
	tipN := make(map[uuid.UUID]int)

	for _, v := range visits {
		if v.WaiterID == uuid.Nil || v.ClearedAt == nil {
			continue
		}
		p, ok := byWaiter[v.WaiterID]
		if !ok {
			p = &waiterPerf{waiterID: v.WaiterID}
			byWaiter[v.WaiterID] = p
		}
		p.covers += float64(coverCount(v))
		if v.DurationMinutes != nil {
			p.avgTurnMin += *v.DurationMinutes
			turnN[v.WaiterID]++
		}
		if v.TipPct != nil {
			p.avgTipPct += *v.TipPct
			tipN[v.WaiterID]++
		}
	}

	out := make([]*waiterPerf, 0, len(byWaiter))
	for id, p := range byWaiter {
		if n := turnN[id]; n > 0 {
			p.avgTurnMin /= float64(n)
			p.hasTurn = true
		}
		if n := tipN[id]; n > 0 {
			p.avgTipPct /= float64(n)
			p.hasTip = true
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].waiterID.String() < out[j].waiterID.String() })
	return out
}

// scoreComposites normalizes each component against the roster's range
// and blends them. Faster turns score higher; missing components score
// a neutral 50.
func scoreComposites(perf []*waiterPerf) {
	var turns, tips, covers []float64
	for _, p := range perf {
		if p.hasTurn {
			turns = append(turns, p.avgTurnMin)
		}
		if p.hasTip {
			tips = append(tips, p.avgTipPct)
		}
		covers = append(covers, p.covers)
	}

	for _, p := range perf {
		turnScore := 50.0
		if p.hasTurn {
			// Inverted: the fastest turn earns 100.
			turnScore = 100 - normalize(p.avgTurnMin, turns)
		}
		tipScore := 50.0
		if p.hasTip {
			tipScore = normalize(p.avgTipPct, tips)
		}
		coverScore := normalize(p.covers, covers)

		p.composite = clampScore(weightTurn*turnScore + weightTipPct*tipScore + weightCovers*coverScore)
	}
}

// normalize maps v onto 0..100 within the observed range; a flat range
// scores everyone 50.
func normalize(v float64, xs []float64) float64 {
	if len(xs) == 0 {
		return 50
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if hi == lo {
		return 50
	}
	return 100 * (v - lo) / (hi - lo)
}

// assignTiers buckets by composite percentile: top quartile strong,
// bottom quartile developing. Small rosters stay standard.
func assignTiers(perf []*waiterPerf) map[uuid.UUID]domain.Tier {
	out := make(map[uuid.UUID]domain.Tier, len(perf))
	if len(perf) < minRosterForTiers {
		for _, p := range perf {
			out[p.waiterID] = domain.TierStandard
		}
		return out
	}

	scores := make([]float64, len(perf))
	for i, p := range perf {
		scores[i] = p.composite
	}
	sort.Float64s(scores)
	strongCut := percentile(scores, strongPercentile)
	developingCut := percentile(scores, developingPercentile)

	for _, p := range perf {
		switch {
		case p.composite >= strongCut:
			out[p.waiterID] = domain.TierStrong
		case p.composite <= developingCut:
			out[p.waiterID] = domain.TierDeveloping
		default:
			out[p.waiterID] = domain.TierStandard
		}
	}
	return out
}

// percentile interpolates over a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
