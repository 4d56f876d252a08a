// Package routing picks a (table, waiter) pair for a seating request.
// Table choice follows preference fit; waiter choice follows a priority
// score that spreads covers and tips across the floor instead of feeding
// the fastest section.
package routing

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/floorops/floorops/internal/cache"
	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/store"
)

// NoMatch reasons.
const (
	NoTables                = "NoTables"
	NoWaiters               = "NoWaiters"
	PreferenceUnsatisfiable = "PreferenceUnsatisfiable"
)

// NoMatchError reports a routing miss with its reason. It is a normal
// outcome, not a fault.
type NoMatchError struct {
	Reason string
}

func (e *NoMatchError) Error() string { return "no match: " + e.Reason }

// Request describes the party to seat. Either WaitlistEntryID or the
// inline fields are set.
type Request struct {
	WaitlistEntryID    *uuid.UUID            `json:"waitlist_entry_id,omitempty"`
	PartySize          int                   `json:"party_size"`
	TablePreference    domain.TableType      `json:"table_preference"`
	LocationPreference domain.TableLocation  `json:"location_preference"`
	// HardPreference turns an unmet preference into a refusal instead of
	// a soft ranking signal.
	HardPreference bool `json:"hard_preference"`
}

// Recommendation is the router's pick.
type Recommendation struct {
	Table           domain.Table `json:"table"`
	TableScore      float64      `json:"table_score"`
	Waiter          domain.Waiter `json:"waiter"`
	Priority        float64      `json:"priority"`
	Underserved     bool         `json:"underserved"`
	WaitlistEntryID *uuid.UUID   `json:"waitlist_entry_id,omitempty"`
	PartySize       int          `json:"party_size"`
}

// Router scores candidates against live floor state.
type Router struct {
	store store.Store
	cache cache.Cache
	reg   *metrics.Registry
	now   func() time.Time
}

func New(st store.Store, ca cache.Cache, reg *metrics.Registry) *Router {
	return &Router{store: st, cache: ca, reg: reg, now: time.Now}
}

// candidate is one waiter under consideration, with the tables their
// section makes valid for them.
type candidate struct {
	waiter   domain.Waiter
	shift    store.ShiftSnapshot
	priority float64
	recent   bool
	tables   []scoredTable
}

type scoredTable struct {
	match store.TableMatch
	score float64
}

// Recommend runs the scoring pass without mutating anything.
func (r *Router) Recommend(ctx context.Context, restaurantID uuid.UUID, req Request) (*Recommendation, error) {
	rest, err := r.store.GetRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	cfg := rest.Config

	req, err = r.resolveRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.PartySize <= 0 {
		return nil, domain.E(domain.KindInput, "routing", "party size must be positive")
	}

	tables, err := r.candidateTables(ctx, restaurantID, req)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, r.miss(NoTables)
	}
	if req.HardPreference {
		tables = filterHardPreference(tables, req)
		if len(tables) == 0 {
			return nil, r.miss(PreferenceUnsatisfiable)
		}
	}

	cands, err := r.candidateWaiters(ctx, restaurantID, cfg, tables)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, r.miss(NoWaiters)
	}

	r.scoreWaiters(ctx, cfg, cands)
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority > cands[j].priority
		}
		return cands[i].waiter.ID.String() < cands[j].waiter.ID.String()
	})

	pick := cands[0]
	underserved := false
	if pick.recent {
		if alt := underservedCandidate(cands); alt != nil {
			pick = *alt
			underserved = true
		}
	}

	best := pick.tables[0]
	r.reg.RouterDecisions.WithLabelValues("recommended").Inc()
	log.Info().Str("waiter", pick.waiter.Name).Int("table", best.match.Table.Number).
		Float64("priority", pick.priority).Bool("underserved", underserved).
		Msg("Routing recommendation")

	return &Recommendation{
		Table:           best.match.Table,
		TableScore:      best.score,
		Waiter:          pick.waiter,
		Priority:        pick.priority,
		Underserved:     underserved,
		WaitlistEntryID: req.WaitlistEntryID,
		PartySize:       req.PartySize,
	}, nil
}

// Seat commits a recommendation: creates the visit, occupies the table,
// and starts the waiter's recency window. A lost race surfaces as
// KindConflict; callers re-run Recommend.
func (r *Router) Seat(ctx context.Context, restaurantID uuid.UUID, rec *Recommendation) (*domain.Visit, error) {
	rest, err := r.store.GetRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}

	visit, err := r.store.SeatParty(ctx, store.SeatRequest{
		RestaurantID:    restaurantID,
		TableID:         rec.Table.ID,
		WaiterID:        rec.Waiter.ID,
		PartySize:       rec.PartySize,
		WaitlistEntryID: rec.WaitlistEntryID,
	})
	if err != nil {
		if domain.IsKind(err, domain.KindConflict) {
			r.reg.SeatConflicts.Inc()
			r.reg.RouterDecisions.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}

	if cerr := r.cache.MarkSeated(ctx, rec.Waiter.ID, r.now(), rest.Config.RecencyWindow()); cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to mark seating recency")
	}
	r.reg.RouterDecisions.WithLabelValues("seated").Inc()
	return visit, nil
}

func (r *Router) miss(reason string) error {
	r.reg.RouterDecisions.WithLabelValues(reason).Inc()
	return &NoMatchError{Reason: reason}
}

// resolveRequest fills the request from a waitlist entry when one is
// referenced.
func (r *Router) resolveRequest(ctx context.Context, req Request) (Request, error) {
	if req.WaitlistEntryID == nil {
		return req, nil
	}
	entry, err := r.store.GetWaitlistEntry(ctx, *req.WaitlistEntryID)
	if err != nil {
		return req, err
	}
	if entry.Status != domain.WaitlistWaiting {
		return req, domain.Ef(domain.KindInput, "routing", "waitlist entry %s is %s", entry.ID, entry.Status)
	}
	req.PartySize = entry.PartySize
	req.TablePreference = entry.TablePreference
	req.LocationPreference = entry.LocationPreference
	return req, nil
}

func (r *Router) candidateTables(ctx context.Context, restaurantID uuid.UUID, req Request) ([]scoredTable, error) {
	matches, err := r.store.FindAvailableTables(ctx, restaurantID, req.PartySize, store.TablePreferences{
		Type:     req.TablePreference,
		Location: req.LocationPreference,
	})
	if err != nil {
		return nil, err
	}
	out := make([]scoredTable, 0, len(matches))
	for _, m := range matches {
		out = append(out, scoredTable{match: m, score: tableScore(m.Match)})
	}
	return out, nil
}

func tableScore(m store.MatchDetails) float64 {
	score := 50.0
	if m.TypeMatched {
		score += 10
	}
	if m.LocationMatched {
		score += 10
	}
	return score - 2*float64(m.ExcessSeats)
}

func filterHardPreference(tables []scoredTable, req Request) []scoredTable {
	out := tables[:0]
	for _, t := range tables {
		if req.TablePreference != "" && req.TablePreference != domain.TypeNone && !t.match.Match.TypeMatched {
			continue
		}
		if req.LocationPreference != "" && req.LocationPreference != domain.LocNone && !t.match.Match.LocationMatched {
			continue
		}
		out = append(out, t)
	}
	return out
}

// candidateWaiters applies the mode gate and attaches each waiter's valid
// tables, best-scored first.
func (r *Router) candidateWaiters(ctx context.Context, restaurantID uuid.UUID, cfg domain.RestaurantConfig, tables []scoredTable) ([]candidate, error) {
	shifts, err := r.store.ListCandidateWaiters(ctx, restaurantID)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, ws := range shifts {
		if !ws.Waiter.Role.Seatable() {
			continue
		}
		valid := tables
		if cfg.RoutingMode == domain.ModeSection {
			valid = sectionTables(ws.Waiter, tables)
			if len(valid) == 0 {
				continue
			}
		}
		sorted := append([]scoredTable(nil), valid...)
		sort.SliceStable(sorted, func(i, j int) bool {
			a, b := sorted[i], sorted[j]
			if a.score != b.score {
				return a.score > b.score
			}
			if a.match.Table.Number != b.match.Table.Number {
				return a.match.Table.Number < b.match.Table.Number
			}
			return a.match.Table.CreatedAt.Before(b.match.Table.CreatedAt)
		})
		out = append(out, candidate{waiter: ws.Waiter, shift: ws.Shift, tables: sorted})
	}
	return out, nil
}

func sectionTables(w domain.Waiter, tables []scoredTable) []scoredTable {
	if w.SectionID == nil {
		return nil
	}
	var out []scoredTable
	for _, t := range tables {
		if t.match.Table.SectionID == *w.SectionID {
			out = append(out, t)
		}
	}
	return out
}

// scoreWaiters computes the priority formula over the candidate set.
func (r *Router) scoreWaiters(ctx context.Context, cfg domain.RestaurantConfig, cands []candidate) {
	var tipSum float64
	for _, c := range cands {
		tipSum += c.shift.Shift.Tips
	}
	if tipSum < 1 {
		tipSum = 1
	}

	now := r.now()
	for i := range cands {
		c := &cands[i]
		workload := float64(c.shift.CurrentTables) / float64(cfg.MaxTablesPerWaiter)
		tipShare := c.shift.Shift.Tips / tipSum

		penalty := 0.0
		if at, ok, err := r.cache.LastSeated(ctx, c.waiter.ID); err == nil && ok {
			if now.Sub(at) < cfg.RecencyWindow() {
				penalty = cfg.RecencyPenaltyWeight
				c.recent = true
			}
		}

		c.priority = c.waiter.CompositeScore*cfg.EfficiencyWeight -
			workload*cfg.WorkloadPenalty -
			tipShare*cfg.TipPenalty -
			penalty
	}
}

// underservedCandidate finds the best-priority candidate sitting well
// under the pack on both covers and tips.
func underservedCandidate(cands []candidate) *candidate {
	var coverSum, tipSum float64
	for _, c := range cands {
		coverSum += float64(c.shift.Shift.Covers)
		tipSum += c.shift.Shift.Tips
	}
	n := float64(len(cands))
	meanCovers, meanTips := coverSum/n, tipSum/n

	for i := range cands {
		c := &cands[i]
		if float64(c.shift.Shift.Covers) < 0.5*meanCovers && c.shift.Shift.Tips < 0.5*meanTips {
			return c
		}
	}
	return nil
}
