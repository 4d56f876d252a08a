package schedule

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/fairness"
	"github.com/floorops/floorops/internal/forecast"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/store"
)

// Scoring weights for ranking candidates on a slot.
const (
	weightConstraint = 0.5
	weightFairness   = 0.3
	weightPreference = 0.2

	bonusRole    = 20.0
	bonusShift   = 15.0
	bonusSection = 10.0
	bonusPrime   = 10.0
)

// Engine generates a draft weekly schedule from staffing requirements.
// Runs are exclusive per (restaurant, week).
type Engine struct {
	store store.Store
	reg   *metrics.Registry
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st store.Store, reg *metrics.Registry) *Engine {
	return &Engine{
		store: st,
		reg:   reg,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) runLock(restaurantID uuid.UUID, weekStart time.Time) *sync.Mutex {
	key := restaurantID.String() + "|" + weekStart.Format("2006-01-02")
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// candidateScore is one waiter's evaluation against a slot.
type candidateScore struct {
	waiter     domain.Waiter
	total      float64
	constraint float64
	fairImpact float64
	prefBonus  float64
	softNotes  []string
	prefNotes  []string
}

// Run executes one engine pass for the week starting at weekStart.
// The returned run always reflects the final status, completed or failed.
func (e *Engine) Run(ctx context.Context, restaurantID uuid.UUID, weekStart time.Time) (*domain.ScheduleRun, error) {
	lock := e.runLock(restaurantID, weekStart)
	if !lock.TryLock() {
		return nil, domain.E(domain.KindConflict, "schedule", "a run for this week is already in progress")
	}
	defer lock.Unlock()

	started := e.now()
	run := &domain.ScheduleRun{
		ID:           uuid.New(),
		RestaurantID: restaurantID,
		WeekStart:    weekStart,
		SnapshotID:   uuid.New(),
		Status:       "running",
		StartedAt:    started,
	}
	if err := e.store.CreateScheduleRun(ctx, run); err != nil {
		return nil, err
	}

	sched, err := e.generate(ctx, restaurantID, weekStart, run)
	finished := e.now()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = "failed"
		run.ErrorMessage = err.Error()
		e.reg.ScheduleRuns.WithLabelValues("failed").Inc()
		if uerr := e.store.UpdateScheduleRun(ctx, run); uerr != nil {
			log.Error().Err(uerr).Msg("Failed to record failed schedule run")
		}
		return run, err
	}

	run.ScheduleID = &sched.ID
	run.Status = "completed"
	e.reg.ScheduleRuns.WithLabelValues("completed").Inc()
	e.reg.ScheduleRunTime.Observe(finished.Sub(started).Seconds())
	if err := e.store.UpdateScheduleRun(ctx, run); err != nil {
		return run, err
	}
	log.Info().Str("restaurant", restaurantID.String()).
		Int("items", run.ItemsCreated).Float64("coverage_pct", run.CoveragePct).
		Float64("fairness_gini", run.FairnessGini).Msg("Schedule run completed")
	return run, nil
}

func (e *Engine) generate(ctx context.Context, restaurantID uuid.UUID, weekStart time.Time, run *domain.ScheduleRun) (*domain.Schedule, error) {
	waiters, err := e.store.ListWaiters(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	avail, err := e.store.ListAvailability(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	prefs, err := e.store.ListPreferences(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	reqs, err := e.store.ListRequirements(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	visits, err := e.store.ListVisitsSince(ctx, restaurantID, weekStart.AddDate(0, 0, -7*forecast.HistoryWeeks))
	if err != nil {
		return nil, err
	}

	fc := forecast.Forecast(weekStart, visits)
	run.ForecastTrend = forecast.TrendLabel(weeklyTotals(weekStart, visits))

	sched := &domain.Schedule{
		ID:           uuid.New(),
		RestaurantID: restaurantID,
		WeekStart:    weekStart,
		Status:       domain.ScheduleDraft,
		GeneratedBy:  "engine",
		CreatedAt:    e.now(),
	}
	if err := e.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}

	availByWaiter := make(map[uuid.UUID][]domain.StaffAvailability)
	for _, a := range avail {
		availByWaiter[a.WaiterID] = append(availByWaiter[a.WaiterID], a)
	}
	state := make(map[uuid.UUID]*WaiterState, len(waiters))
	for _, w := range waiters {
		state[w.ID] = &WaiterState{}
	}

	slots := expandSlots(weekStart, reqs)
	var prefSum float64

	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return nil, domain.Wrap(domain.KindTransient, "schedule", "run cancelled", err)
		}

		best := e.pickCandidate(waiters, prefs, availByWaiter, state, slot)
		if best == nil {
			run.Understaffed++
			log.Warn().Int("day", slot.DayOfWeek).Int("start_min", slot.StartMin).
				Str("role", string(slot.Role)).Msg("No eligible waiter for slot")
			continue
		}

		item := domain.ScheduleItem{
			ID:              uuid.New(),
			ScheduleID:      sched.ID,
			WaiterID:        best.waiter.ID,
			Role:            slot.Role,
			SectionID:       slot.SectionID,
			Date:            slot.Date,
			StartMin:        slot.StartMin,
			EndMin:          slot.EndMin,
			Source:          "engine",
			PreferenceMatch: best.prefBonus,
			FairnessImpact:  best.fairImpact,
		}
		if err := e.store.InsertScheduleItem(ctx, &item); err != nil {
			return nil, err
		}

		ws := state[best.waiter.ID]
		ws.Hours += slot.Hours()
		if slot.IsPrime {
			ws.PrimeHours += slot.Hours()
		}
		ws.Shifts++
		ws.Items = append(ws.Items, item)

		reasoning := domain.ScheduleReasoning{
			ID:             uuid.New(),
			ScheduleItemID: item.ID,
			Reasons:        e.reasons(best, slot, fc),
		}
		if err := e.store.InsertScheduleReasoning(ctx, &reasoning); err != nil {
			return nil, err
		}

		run.ItemsCreated++
		run.TotalHours += slot.Hours()
		prefSum += best.prefBonus
	}

	if len(slots) > 0 {
		run.CoveragePct = 100 * float64(run.ItemsCreated) / float64(len(slots))
	}
	if run.ItemsCreated > 0 {
		run.PreferenceAvg = prefSum / float64(run.ItemsCreated)
	}
	run.FairnessGini = fairness.Evaluate(loads(state)).HoursGini
	return sched, nil
}

// pickCandidate scores every waiter against the slot and returns the
// winner, nil when nobody passes the hard constraints.
func (e *Engine) pickCandidate(waiters []domain.Waiter, prefs map[uuid.UUID]*domain.StaffPreference,
	avail map[uuid.UUID][]domain.StaffAvailability, state map[uuid.UUID]*WaiterState, slot Slot) *candidateScore {

	var cands []candidateScore
	giniBefore := fairness.Gini(hoursVector(state, uuid.Nil, 0))

	for _, w := range waiters {
		pref := prefs[w.ID]
		ws := state[w.ID]
		if err := CheckHard(w, pref, avail[w.ID], *ws, slot); err != nil {
			continue
		}

		soft, softNotes := SoftDeductions(pref, *ws, slot)
		constraint := 100 - soft

		giniAfter := fairness.Gini(hoursVector(state, w.ID, slot.Hours()))
		impact := clamp((giniBefore-giniAfter)*100, -50, 50)

		bonus, prefNotes := preferenceBonus(w, pref, avail[w.ID], slot)

		cands = append(cands, candidateScore{
			waiter:     w,
			total:      weightConstraint*constraint + weightFairness*(impact+50) + weightPreference*bonus,
			constraint: constraint,
			fairImpact: impact,
			prefBonus:  bonus,
			softNotes:  softNotes,
			prefNotes:  prefNotes,
		})
	}
	if len(cands) == 0 {
		return nil
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.total != b.total {
			return a.total > b.total
		}
		if a.prefBonus != b.prefBonus {
			return a.prefBonus > b.prefBonus
		}
		ha, hb := state[a.waiter.ID].Hours, state[b.waiter.ID].Hours
		if ha != hb {
			return ha < hb
		}
		return a.waiter.ID.String() < b.waiter.ID.String()
	})
	return &cands[0]
}

// preferenceBonus totals the match bonuses for slot, capped at 100.
func preferenceBonus(w domain.Waiter, pref *domain.StaffPreference, avail []domain.StaffAvailability, slot Slot) (float64, []string) {
	var bonus float64
	var notes []string

	roleMatch := w.Role == slot.Role
	if pref != nil && len(pref.PreferredRoles) > 0 {
		roleMatch = containsRole(pref.PreferredRoles, slot.Role)
	}
	if roleMatch {
		bonus += bonusRole
		notes = append(notes, "role match")
	}
	if pref != nil && containsShift(pref.PreferredShifts, slot.ShiftType()) {
		bonus += bonusShift
		notes = append(notes, "shift type match")
	}
	if pref != nil && slot.SectionID != nil && containsID(pref.PreferredSections, *slot.SectionID) {
		bonus += bonusSection
		notes = append(notes, "section match")
	}
	if slot.IsPrime && hasPreferredWindow(avail, slot) {
		bonus += bonusPrime
		notes = append(notes, "prime time preferred")
	}
	return math.Min(bonus, 100), notes
}

func hasPreferredWindow(avail []domain.StaffAvailability, slot Slot) bool {
	for _, a := range avail {
		if a.DayOfWeek == slot.DayOfWeek && a.InEffect(slot.Date) &&
			a.Type == domain.AvailPreferred && a.Covers(slot.StartMin, slot.EndMin) {
			return true
		}
	}
	return false
}

// reasons builds the structured rationale lines for an assignment.
func (e *Engine) reasons(c *candidateScore, slot Slot, fc *forecast.WeekForecast) []string {
	out := []string{
		fmt.Sprintf("availability: window covers %s %s-%s",
			slot.Date.Weekday(), minClock(slot.StartMin), minClock(slot.EndMin)),
	}
	if len(c.prefNotes) > 0 {
		out = append(out, fmt.Sprintf("preference: bonus %.0f (%s)", c.prefBonus, strings.Join(c.prefNotes, ", ")))
	}
	out = append(out, fmt.Sprintf("fairness: impact %+.1f on hours distribution", c.fairImpact))
	if covers := slotForecast(fc, slot); covers > 0 {
		out = append(out, fmt.Sprintf("forecast: ~%.0f covers expected during slot", covers))
	}
	for _, n := range c.softNotes {
		out = append(out, "deduction: "+n)
	}
	return out
}

// slotForecast sums the forecast covers across the slot's hours.
func slotForecast(fc *forecast.WeekForecast, slot Slot) float64 {
	var total float64
	for h := slot.StartMin / 60; h < (slot.EndMin+59)/60; h++ {
		total += fc.Covers(slot.DayOfWeek, h)
	}
	return total
}

// expandSlots turns requirements into per-head vacancies in a
// deterministic order.
func expandSlots(weekStart time.Time, reqs []domain.StaffingRequirement) []Slot {
	var out []Slot
	for _, r := range reqs {
		date := weekStart.AddDate(0, 0, (r.DayOfWeek-int(weekStart.Weekday())+7)%7)
		for i := 0; i < r.MinStaff; i++ {
			out = append(out, Slot{
				Date:      date,
				DayOfWeek: r.DayOfWeek,
				StartMin:  r.StartMin,
				EndMin:    r.EndMin,
				Role:      r.Role,
				IsPrime:   r.IsPrime,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.StartMin != b.StartMin {
			return a.StartMin < b.StartMin
		}
		return a.Role < b.Role
	})
	return out
}

// hoursVector snapshots per-waiter hours, optionally adding extra hours
// to one waiter for a hypothetical evaluation.
func hoursVector(state map[uuid.UUID]*WaiterState, add uuid.UUID, extra float64) []float64 {
	ids := make([]uuid.UUID, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	out := make([]float64, 0, len(ids))
	for _, id := range ids {
		h := state[id].Hours
		if id == add {
			h += extra
		}
		out = append(out, h)
	}
	return out
}

func loads(state map[uuid.UUID]*WaiterState) []fairness.Load {
	out := make([]fairness.Load, 0, len(state))
	for id, ws := range state {
		out = append(out, fairness.Load{WaiterID: id, Hours: ws.Hours, PrimeHours: ws.PrimeHours})
	}
	return out
}

func weeklyTotals(weekStart time.Time, visits []domain.Visit) []float64 {
	totals := make([]float64, forecast.HistoryWeeks)
	for _, v := range visits {
		if !v.SeatedAt.Before(weekStart) {
			continue
		}
		w := int(weekStart.Sub(v.SeatedAt).Hours() / (24 * 7))
		if w < 0 || w >= forecast.HistoryWeeks {
			continue
		}
		covers := float64(v.Covers)
		if covers == 0 {
			covers = float64(v.PartySize)
		}
		// Chronological: index 0 oldest.
		totals[forecast.HistoryWeeks-1-w] += covers
	}
	return totals
}

func minClock(min int) string {
	return fmt.Sprintf("%02d:%02d", min/60, min%60)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
