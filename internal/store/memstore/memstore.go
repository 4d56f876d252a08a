// Package memstore is a complete in-memory Store implementation. It backs
// package tests and demo runs; the semantics (state machine enforcement,
// seat conflicts, dispatch dedupe, publish versioning) mirror the postgres
// implementation exactly.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/store"
)

const component = "memstore"

type dispatchKey struct {
	camera     uuid.UUID
	jsonTable  string
	frameIndex int64
}

type metricsKey struct {
	kind        string
	restaurant  uuid.UUID
	subject     uuid.UUID
	periodType  string
	periodStart int64
}

// Store holds everything under one mutex; operations are small and the
// store is only contended in tests and demos.
type Store struct {
	mu sync.Mutex

	// Now is swappable for deterministic tests.
	Now func() time.Time

	restaurants  map[uuid.UUID]*domain.Restaurant
	sections     map[uuid.UUID]*domain.Section
	tables       map[uuid.UUID]*domain.Table
	stateLog     []domain.TableStateLog
	waiters      map[uuid.UUID]*domain.Waiter
	shifts       map[uuid.UUID]*domain.Shift
	visits       map[uuid.UUID]*domain.Visit
	waitlist     map[uuid.UUID]*domain.WaitlistEntry
	cameras      map[uuid.UUID]*domain.Camera
	dispatch     map[dispatchKey]*domain.CropDispatchLog
	dispatchByID map[uuid.UUID]*domain.CropDispatchLog
	availability map[uuid.UUID][]domain.StaffAvailability // by waiter
	preferences  map[uuid.UUID]*domain.StaffPreference
	requirements map[uuid.UUID][]domain.StaffingRequirement // by restaurant
	schedules    map[uuid.UUID]*domain.Schedule
	items        map[uuid.UUID][]domain.ScheduleItem // by schedule
	reasoning    map[uuid.UUID]*domain.ScheduleReasoning
	runs         map[uuid.UUID]*domain.ScheduleRun
	metrics      map[metricsKey]store.MetricsRow
}

// New returns an empty store.
func New() *Store {
	return &Store{
		Now:          time.Now,
		restaurants:  make(map[uuid.UUID]*domain.Restaurant),
		sections:     make(map[uuid.UUID]*domain.Section),
		tables:       make(map[uuid.UUID]*domain.Table),
		waiters:      make(map[uuid.UUID]*domain.Waiter),
		shifts:       make(map[uuid.UUID]*domain.Shift),
		visits:       make(map[uuid.UUID]*domain.Visit),
		waitlist:     make(map[uuid.UUID]*domain.WaitlistEntry),
		cameras:      make(map[uuid.UUID]*domain.Camera),
		dispatch:     make(map[dispatchKey]*domain.CropDispatchLog),
		dispatchByID: make(map[uuid.UUID]*domain.CropDispatchLog),
		availability: make(map[uuid.UUID][]domain.StaffAvailability),
		preferences:  make(map[uuid.UUID]*domain.StaffPreference),
		requirements: make(map[uuid.UUID][]domain.StaffingRequirement),
		schedules:    make(map[uuid.UUID]*domain.Schedule),
		items:        make(map[uuid.UUID][]domain.ScheduleItem),
		reasoning:    make(map[uuid.UUID]*domain.ScheduleReasoning),
		runs:         make(map[uuid.UUID]*domain.ScheduleRun),
		metrics:      make(map[metricsKey]store.MetricsRow),
	}
}

var _ store.Store = (*Store)(nil)

// --- seeding helpers (exported for tests and demo fixtures) ---

func (s *Store) AddRestaurant(r domain.Restaurant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Config = r.Config.Normalize()
	s.restaurants[r.ID] = &r
}

func (s *Store) AddSection(sec domain.Section) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[sec.ID] = &sec
}

func (s *Store) AddTable(t domain.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State == "" {
		t.State = domain.TableClean
	}
	s.tables[t.ID] = &t
}

func (s *Store) AddWaiter(w domain.Waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[w.ID] = &w
}

func (s *Store) AddShift(sh domain.Shift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shifts[sh.ID] = &sh
}

func (s *Store) AddVisit(v domain.Visit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[v.ID] = &v
}

func (s *Store) AddWaitlistEntry(e domain.WaitlistEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == "" {
		e.Status = domain.WaitlistWaiting
	}
	s.waitlist[e.ID] = &e
}

func (s *Store) AddCamera(c domain.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameras[c.ID] = &c
}

func (s *Store) AddAvailability(a domain.StaffAvailability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability[a.WaiterID] = append(s.availability[a.WaiterID], a)
}

func (s *Store) AddPreference(p domain.StaffPreference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[p.WaiterID] = &p
}

func (s *Store) AddRequirement(r domain.StaffingRequirement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requirements[r.RestaurantID] = append(s.requirements[r.RestaurantID], r)
}

// --- restaurants ---

func (s *Store) GetRestaurant(_ context.Context, id uuid.UUID) (*domain.Restaurant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.restaurants[id]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "restaurant %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListSections(_ context.Context, restaurantID uuid.UUID) ([]domain.Section, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Section
	for _, sec := range s.sections {
		if sec.RestaurantID == restaurantID {
			out = append(out, *sec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// --- tables ---

func (s *Store) GetTable(_ context.Context, id uuid.UUID) (*domain.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[id]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "table %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) FindAvailableTables(_ context.Context, restaurantID uuid.UUID, partySize int, prefs store.TablePreferences) ([]store.TableMatch, error) {
	if partySize <= 0 {
		return nil, domain.E(domain.KindInput, component, "party size must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.TableMatch
	for _, t := range s.tables {
		if t.RestaurantID != restaurantID || t.State != domain.TableClean || t.Capacity < partySize {
			continue
		}
		m := store.MatchDetails{
			TypeMatched:     prefs.Type != "" && prefs.Type != domain.TypeNone && t.Type == prefs.Type,
			LocationMatched: prefs.Location != "" && prefs.Location != domain.LocNone && t.Location == prefs.Location,
			ExcessSeats:     t.Capacity - partySize,
		}
		out = append(out, store.TableMatch{Table: *t, Match: m})
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := matchRank(out[i].Match), matchRank(out[j].Match)
		if mi != mj {
			return mi > mj
		}
		if out[i].Match.ExcessSeats != out[j].Match.ExcessSeats {
			return out[i].Match.ExcessSeats < out[j].Match.ExcessSeats
		}
		return out[i].Table.Number < out[j].Table.Number
	})
	return out, nil
}

func matchRank(m store.MatchDetails) int {
	r := 0
	if m.TypeMatched {
		r++
	}
	if m.LocationMatched {
		r++
	}
	return r
}

func (s *Store) UpdateTableState(_ context.Context, upd store.StateUpdate) (*domain.TableStateLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateTableStateLocked(upd)
}

func (s *Store) updateTableStateLocked(upd store.StateUpdate) (*domain.TableStateLog, error) {
	t, ok := s.tables[upd.TableID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "table %s not found", upd.TableID)
	}

	res, err := domain.EvaluateTransition(t.State, upd.NewState, upd.Source, upd.Confidence, t.StateConfidence)
	if err != nil {
		return nil, err
	}
	now := s.Now()

	if res.NoOp {
		if res.RefreshConfidence {
			t.StateConfidence = upd.Confidence
			t.StateUpdatedAt = now
		}
		return nil, nil
	}

	prev := t.State
	t.State = upd.NewState
	t.StateConfidence = upd.Confidence
	t.StateUpdatedAt = now

	switch {
	case upd.NewState == domain.TableOccupied && t.CurrentVisitID == nil:
		// ML-observed occupancy without a seating: record a walk-in so the
		// occupied⇔open-visit invariant holds.
		v := &domain.Visit{
			ID:           uuid.New(),
			RestaurantID: t.RestaurantID,
			TableID:      t.ID,
			SeatedAt:     now,
		}
		s.visits[v.ID] = v
		t.CurrentVisitID = &v.ID
	case prev == domain.TableOccupied && upd.NewState == domain.TableDirty:
		s.closeOpenVisitLocked(t, now)
	}

	entry := domain.TableStateLog{
		ID:         uuid.New(),
		TableID:    t.ID,
		Previous:   prev,
		Next:       upd.NewState,
		Confidence: upd.Confidence,
		Source:     upd.Source,
		Detail:     upd.Detail,
		CreatedAt:  now,
	}
	s.stateLog = append(s.stateLog, entry)
	return &entry, nil
}

func (s *Store) closeOpenVisitLocked(t *domain.Table, now time.Time) {
	if t.CurrentVisitID == nil {
		return
	}
	if v, ok := s.visits[*t.CurrentVisitID]; ok && v.Open() {
		v.ClearedAt = &now
		d := now.Sub(v.SeatedAt).Minutes()
		v.DurationMinutes = &d
	}
	t.CurrentVisitID = nil
}

func (s *Store) ListStateLog(_ context.Context, tableID uuid.UUID, limit int) ([]domain.TableStateLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TableStateLog
	for i := len(s.stateLog) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.stateLog[i].TableID == tableID {
			out = append(out, s.stateLog[i])
		}
	}
	return out, nil
}

// --- waiters and shifts ---

func (s *Store) GetWaiter(_ context.Context, id uuid.UUID) (*domain.Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waiters[id]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "waiter %s not found", id)
	}
	cp := *w
	return &cp, nil
}

func (s *Store) ListWaiters(_ context.Context, restaurantID uuid.UUID) ([]domain.Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Waiter
	for _, w := range s.waiters {
		if w.RestaurantID == restaurantID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) ListCandidateWaiters(_ context.Context, restaurantID uuid.UUID) ([]store.WaiterShift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	openByWaiter := make(map[uuid.UUID]int)
	for _, v := range s.visits {
		if v.Open() && v.RestaurantID == restaurantID {
			openByWaiter[v.WaiterID]++
		}
	}

	var out []store.WaiterShift
	for _, sh := range s.shifts {
		if sh.RestaurantID != restaurantID || sh.Status == domain.ShiftEnded {
			continue
		}
		w, ok := s.waiters[sh.WaiterID]
		if !ok {
			continue
		}
		out = append(out, store.WaiterShift{
			Waiter: *w,
			Shift: store.ShiftSnapshot{
				Shift:         *sh,
				CurrentTables: openByWaiter[w.ID],
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Waiter.ID.String() < out[j].Waiter.ID.String() })
	return out, nil
}

func (s *Store) UpdateWaiterTier(_ context.Context, waiterID uuid.UUID, tier domain.Tier, composite float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waiters[waiterID]
	if !ok {
		return domain.Ef(domain.KindNotFound, component, "waiter %s not found", waiterID)
	}
	w.Tier = tier
	w.CompositeScore = composite
	return nil
}

// --- visits ---

func (s *Store) GetVisit(_ context.Context, id uuid.UUID) (*domain.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visits[id]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "visit %s not found", id)
	}
	cp := *v
	return &cp, nil
}

func (s *Store) SeatParty(_ context.Context, req store.SeatRequest) (*domain.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[req.TableID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "table %s not found", req.TableID)
	}
	if t.State != domain.TableClean && t.State != domain.TableReserved {
		return nil, domain.Ef(domain.KindConflict, component, "table %d is %s", t.Number, t.State)
	}
	if _, ok := s.waiters[req.WaiterID]; !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "waiter %s not found", req.WaiterID)
	}
	if req.PartySize <= 0 {
		return nil, domain.E(domain.KindInput, component, "party size must be positive")
	}

	now := s.Now()
	v := &domain.Visit{
		ID:              uuid.New(),
		RestaurantID:    req.RestaurantID,
		TableID:         req.TableID,
		WaiterID:        req.WaiterID,
		WaitlistEntryID: req.WaitlistEntryID,
		PartySize:       req.PartySize,
		Covers:          req.PartySize,
		SeatedAt:        now,
	}
	s.visits[v.ID] = v

	prev := t.State
	t.State = domain.TableOccupied
	t.StateConfidence = 1.0
	t.StateUpdatedAt = now
	t.CurrentVisitID = &v.ID
	s.stateLog = append(s.stateLog, domain.TableStateLog{
		ID:         uuid.New(),
		TableID:    t.ID,
		Previous:   prev,
		Next:       domain.TableOccupied,
		Confidence: 1.0,
		Source:     domain.SourceHost,
		Detail:     "router.seat",
		CreatedAt:  now,
	})

	if req.WaitlistEntryID != nil {
		if e, ok := s.waitlist[*req.WaitlistEntryID]; ok {
			e.Status = domain.WaitlistSeated
			e.VisitID = &v.ID
		}
	}

	for _, sh := range s.shifts {
		if sh.WaiterID == req.WaiterID && sh.Status != domain.ShiftEnded {
			sh.TablesServed++
			sh.Covers += req.PartySize
			break
		}
	}

	cp := *v
	return &cp, nil
}

func (s *Store) CloseVisit(_ context.Context, visitID uuid.UUID, money store.VisitClose) (*domain.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.visits[visitID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "visit %s not found", visitID)
	}
	if !v.Open() {
		return nil, domain.Ef(domain.KindConflict, component, "visit %s already closed", visitID)
	}

	v.Subtotal = money.Subtotal
	v.Tax = money.Tax
	v.Total = money.Total
	v.Tip = money.Tip
	if money.Total > 0 {
		pct := money.Tip / money.Total * 100
		v.TipPct = &pct
	}

	if _, err := s.updateTableStateLocked(store.StateUpdate{
		TableID:    v.TableID,
		NewState:   domain.TableDirty,
		Confidence: 1.0,
		Source:     domain.SourceSystem,
		Detail:     "visit.close",
	}); err != nil {
		return nil, err
	}

	for _, sh := range s.shifts {
		if sh.WaiterID == v.WaiterID && sh.Status != domain.ShiftEnded {
			sh.Tips += money.Tip
			sh.Sales += money.Total
			break
		}
	}
	if w, ok := s.waiters[v.WaiterID]; ok {
		w.TotalCovers += v.Covers
		w.TotalTips += money.Tip
	}

	cp := *v
	return &cp, nil
}

func (s *Store) RecordVisitMilestone(_ context.Context, visitID uuid.UUID, milestone string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visits[visitID]
	if !ok {
		return domain.Ef(domain.KindNotFound, component, "visit %s not found", visitID)
	}
	switch milestone {
	case "first_served":
		v.FirstServedAt = &at
	case "payment":
		v.PaymentAt = &at
	default:
		return domain.Ef(domain.KindInput, component, "unknown milestone %q", milestone)
	}
	return nil
}

func (s *Store) ListVisitsSince(_ context.Context, restaurantID uuid.UUID, since time.Time) ([]domain.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Visit
	for _, v := range s.visits {
		if v.RestaurantID == restaurantID && !v.SeatedAt.Before(since) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatedAt.Before(out[j].SeatedAt) })
	return out, nil
}

// --- waitlist ---

func (s *Store) GetWaitlistEntry(_ context.Context, id uuid.UUID) (*domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.waitlist[id]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "waitlist entry %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListWaitlist(_ context.Context, restaurantID uuid.UUID) ([]domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WaitlistEntry
	for _, e := range s.waitlist {
		if e.RestaurantID == restaurantID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- cameras ---

func (s *Store) GetCamera(_ context.Context, id uuid.UUID) (*domain.Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cameras[id]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "camera %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCameras(_ context.Context) ([]domain.Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Camera
	for _, c := range s.cameras {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) InstallCropJSON(_ context.Context, cameraID uuid.UUID, raw []byte, tableMap map[string]uuid.UUID) error {
	if _, err := domain.ParseCropJSON(raw); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cameras[cameraID]
	if !ok {
		return domain.Ef(domain.KindNotFound, component, "camera %s not found", cameraID)
	}
	c.CropJSON = append([]byte(nil), raw...)
	c.TableMap = make(map[string]uuid.UUID, len(tableMap))
	for k, v := range tableMap {
		c.TableMap[k] = v
	}
	return nil
}

func (s *Store) GetCameraTableMap(_ context.Context, cameraID uuid.UUID) (map[string]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cameras[cameraID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "camera %s not found", cameraID)
	}
	out := make(map[string]uuid.UUID, len(c.TableMap))
	for k, v := range c.TableMap {
		out[k] = v
	}
	return out, nil
}

func (s *Store) UpdateCameraCapture(_ context.Context, cameraID uuid.UUID, frameIndex int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cameras[cameraID]
	if !ok {
		return domain.Ef(domain.KindNotFound, component, "camera %s not found", cameraID)
	}
	c.LastFrameIndex = frameIndex
	c.LastCaptureAt = &at
	return nil
}

func (s *Store) SetCameraDegraded(_ context.Context, cameraID uuid.UUID, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cameras[cameraID]
	if !ok {
		return domain.Ef(domain.KindNotFound, component, "camera %s not found", cameraID)
	}
	c.Degraded = degraded
	return nil
}

// --- crop dispatch ledger ---

func (s *Store) AppendCropDispatch(_ context.Context, cameraID uuid.UUID, jsonTableID string, frameIndex int64) (*domain.CropDispatchLog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dispatchKey{camera: cameraID, jsonTable: jsonTableID, frameIndex: frameIndex}
	if existing, ok := s.dispatch[key]; ok {
		cp := *existing
		return &cp, true, nil
	}
	now := s.Now()
	rec := &domain.CropDispatchLog{
		ID:          uuid.New(),
		CameraID:    cameraID,
		JSONTableID: jsonTableID,
		FrameIndex:  frameIndex,
		Status:      domain.DispatchQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.dispatch[key] = rec
	s.dispatchByID[rec.ID] = rec
	cp := *rec
	return &cp, false, nil
}

func (s *Store) UpdateCropDispatch(_ context.Context, id uuid.UUID, status domain.DispatchStatus, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dispatchByID[id]
	if !ok {
		return domain.Ef(domain.KindNotFound, component, "dispatch record %s not found", id)
	}
	rec.Status = status
	rec.Attempts = attempts
	rec.LastError = lastError
	rec.UpdatedAt = s.Now()
	return nil
}

// GetDispatch returns a copy of the ledger row for assertions in tests.
func (s *Store) GetDispatch(cameraID uuid.UUID, jsonTableID string, frameIndex int64) (domain.CropDispatchLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dispatch[dispatchKey{camera: cameraID, jsonTable: jsonTableID, frameIndex: frameIndex}]
	if !ok {
		return domain.CropDispatchLog{}, false
	}
	return *rec, true
}

// --- scheduling inputs ---

func (s *Store) ListAvailability(_ context.Context, restaurantID uuid.UUID) ([]domain.StaffAvailability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StaffAvailability
	for waiterID, windows := range s.availability {
		w, ok := s.waiters[waiterID]
		if !ok || w.RestaurantID != restaurantID {
			continue
		}
		out = append(out, windows...)
	}
	return out, nil
}

func (s *Store) ListPreferences(_ context.Context, restaurantID uuid.UUID) (map[uuid.UUID]*domain.StaffPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]*domain.StaffPreference)
	for waiterID, p := range s.preferences {
		w, ok := s.waiters[waiterID]
		if !ok || w.RestaurantID != restaurantID {
			continue
		}
		cp := *p
		out[waiterID] = &cp
	}
	return out, nil
}

func (s *Store) ListRequirements(_ context.Context, restaurantID uuid.UUID) ([]domain.StaffingRequirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.StaffingRequirement(nil), s.requirements[restaurantID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		if out[i].StartMin != out[j].StartMin {
			return out[i].StartMin < out[j].StartMin
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}

// --- scheduling outputs ---

func (s *Store) CreateScheduleRun(_ context.Context, run *domain.ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *Store) UpdateScheduleRun(_ context.Context, run *domain.ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return domain.Ef(domain.KindNotFound, component, "schedule run %s not found", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *Store) CreateSchedule(_ context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}
	if sched.Status == "" {
		sched.Status = domain.ScheduleDraft
	}
	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *Store) InsertScheduleItem(_ context.Context, item *domain.ScheduleItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[item.ScheduleID]; !ok {
		return domain.Ef(domain.KindNotFound, component, "schedule %s not found", item.ScheduleID)
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	for _, other := range s.items[item.ScheduleID] {
		if other.WaiterID == item.WaiterID && other.Overlaps(*item) {
			return domain.Ef(domain.KindInvariant, component,
				"waiter %s already assigned %s %d-%d", item.WaiterID, other.Date.Format("2006-01-02"), other.StartMin, other.EndMin)
		}
	}
	s.items[item.ScheduleID] = append(s.items[item.ScheduleID], *item)
	return nil
}

func (s *Store) InsertScheduleReasoning(_ context.Context, r *domain.ScheduleReasoning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	s.reasoning[r.ScheduleItemID] = &cp
	return nil
}

func (s *Store) ListScheduleItems(_ context.Context, scheduleID uuid.UUID) ([]domain.ScheduleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ScheduleItem(nil), s.items[scheduleID]...), nil
}

// GetReasoning returns the reasoning for an item, for test assertions.
func (s *Store) GetReasoning(itemID uuid.UUID) (domain.ScheduleReasoning, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reasoning[itemID]
	if !ok {
		return domain.ScheduleReasoning{}, false
	}
	return *r, true
}

func (s *Store) PublishSchedule(_ context.Context, scheduleID uuid.UUID) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[scheduleID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, component, "schedule %s not found", scheduleID)
	}
	if sched.Status == domain.SchedulePublished {
		return nil, domain.Ef(domain.KindConflict, component, "schedule %s already published", scheduleID)
	}

	version := 1
	for _, other := range s.schedules {
		if other.RestaurantID == sched.RestaurantID && other.WeekStart.Equal(sched.WeekStart) && other.Status == domain.SchedulePublished {
			other.Status = domain.ScheduleArchived
			if other.Version >= version {
				version = other.Version + 1
			}
		}
	}
	sched.Status = domain.SchedulePublished
	sched.Version = version
	cp := *sched
	return &cp, nil
}

// --- analytics ---

func (s *Store) UpsertMetrics(_ context.Context, kind string, rows []store.MetricsRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		subject := uuid.Nil
		if row.SubjectID != nil {
			subject = *row.SubjectID
		}
		key := metricsKey{
			kind:        kind,
			restaurant:  row.RestaurantID,
			subject:     subject,
			periodType:  row.PeriodType,
			periodStart: row.PeriodStart.Unix(),
		}
		s.metrics[key] = row
	}
	return nil
}

func (s *Store) GetMetrics(_ context.Context, kind string, restaurantID uuid.UUID, periodType string, periodStart time.Time) ([]store.MetricsRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.MetricsRow
	for key, row := range s.metrics {
		if key.kind == kind && key.restaurant == restaurantID && key.periodType == periodType && key.periodStart == periodStart.Unix() {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := uuid.Nil, uuid.Nil
		if out[i].SubjectID != nil {
			si = *out[i].SubjectID
		}
		if out[j].SubjectID != nil {
			sj = *out[j].SubjectID
		}
		return si.String() < sj.String()
	})
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }
