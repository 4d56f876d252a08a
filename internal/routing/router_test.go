package routing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floorops/floorops/internal/cache"
	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/store/memstore"
)

type floor struct {
	store *memstore.Store
	cache *cache.Memory
	rest  domain.Restaurant
	t1    domain.Table // booth, cap 4
	t2    domain.Table // table, cap 2
	alice domain.Waiter
	bob   domain.Waiter
}

// newFloor seeds the two-table, two-waiter floor: Alice (score 78,
// 2 open tables, $45 tips) and Bob (score 65, 3 open tables, $62 tips).
func newFloor(t *testing.T) floor {
	t.Helper()
	st := memstore.New()
	rest := domain.Restaurant{
		ID:     uuid.New(),
		Name:   "Corner Bistro",
		Config: domain.RestaurantConfig{RoutingMode: domain.ModeRotation},
	}
	st.AddRestaurant(rest)

	f := floor{store: st, cache: cache.NewMemory(), rest: rest}

	f.t1 = domain.Table{
		ID: uuid.New(), RestaurantID: rest.ID, Number: 1, Capacity: 4,
		Type: domain.TypeBooth, Location: domain.LocInside, State: domain.TableClean,
	}
	f.t2 = domain.Table{
		ID: uuid.New(), RestaurantID: rest.ID, Number: 2, Capacity: 2,
		Type: domain.TypeTable, Location: domain.LocInside, State: domain.TableClean,
	}
	st.AddTable(f.t1)
	st.AddTable(f.t2)

	f.alice = domain.Waiter{
		ID: uuid.New(), RestaurantID: rest.ID, Name: "Alice",
		Role: domain.RoleServer, CompositeScore: 78,
	}
	f.bob = domain.Waiter{
		ID: uuid.New(), RestaurantID: rest.ID, Name: "Bob",
		Role: domain.RoleServer, CompositeScore: 65,
	}
	st.AddWaiter(f.alice)
	st.AddWaiter(f.bob)

	st.AddShift(domain.Shift{
		ID: uuid.New(), RestaurantID: rest.ID, WaiterID: f.alice.ID,
		Status: domain.ShiftActive, StartedAt: time.Now().Add(-3 * time.Hour),
		TablesServed: 2, Covers: 6, Tips: 45,
	})
	st.AddShift(domain.Shift{
		ID: uuid.New(), RestaurantID: rest.ID, WaiterID: f.bob.ID,
		Status: domain.ShiftActive, StartedAt: time.Now().Add(-3 * time.Hour),
		TablesServed: 3, Covers: 9, Tips: 62,
	})
	f.addOpenVisits(f.alice.ID, 2)
	f.addOpenVisits(f.bob.ID, 3)
	return f
}

// addOpenVisits seeds open visits at synthetic occupied tables so the
// workload counts are live.
func (f *floor) addOpenVisits(waiterID uuid.UUID, n int) {
	for i := 0; i < n; i++ {
		tbl := domain.Table{
			ID: uuid.New(), RestaurantID: f.rest.ID, Number: 100 + i,
			Capacity: 2, State: domain.TableOccupied,
		}
		v := domain.Visit{
			ID: uuid.New(), RestaurantID: f.rest.ID, TableID: tbl.ID,
			WaiterID: waiterID, PartySize: 2, SeatedAt: time.Now().Add(-30 * time.Minute),
		}
		tbl.CurrentVisitID = &v.ID
		f.store.AddTable(tbl)
		f.store.AddVisit(v)
	}
}

func (f *floor) router() *Router {
	return New(f.store, f.cache, metrics.NewNop())
}

func TestRecommendAndSeatFromWaitlist(t *testing.T) {
	f := newFloor(t)
	entry := domain.WaitlistEntry{
		ID: uuid.New(), RestaurantID: f.rest.ID, PartyName: "Nguyen",
		PartySize: 4, TablePreference: domain.TypeBooth,
	}
	f.store.AddWaitlistEntry(entry)

	r := f.router()
	ctx := context.Background()

	rec, err := r.Recommend(ctx, f.rest.ID, Request{WaitlistEntryID: &entry.ID})
	require.NoError(t, err)
	assert.Equal(t, f.t1.ID, rec.Table.ID)
	assert.Equal(t, "Alice", rec.Waiter.Name)
	assert.InDelta(t, 60, rec.TableScore, 1e-9) // 50 + 10 type match, exact fit
	assert.Greater(t, rec.Priority, 60.0)

	visit, err := r.Seat(ctx, f.rest.ID, rec)
	require.NoError(t, err)
	assert.Equal(t, 4, visit.PartySize)
	assert.Equal(t, f.alice.ID, visit.WaiterID)

	tbl, err := f.store.GetTable(ctx, f.t1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TableOccupied, tbl.State)

	got, err := f.store.GetWaitlistEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WaitlistSeated, got.Status)
	require.NotNil(t, got.VisitID)
	assert.Equal(t, visit.ID, *got.VisitID)
}

func TestSeatLosesRaceReturnsConflict(t *testing.T) {
	f := newFloor(t)
	r := f.router()
	ctx := context.Background()

	req := Request{PartySize: 4, TablePreference: domain.TypeBooth}
	first, err := r.Recommend(ctx, f.rest.ID, req)
	require.NoError(t, err)
	second, err := r.Recommend(ctx, f.rest.ID, req)
	require.NoError(t, err)
	assert.Equal(t, first.Table.ID, second.Table.ID)

	_, err = r.Seat(ctx, f.rest.ID, first)
	require.NoError(t, err)

	_, err = r.Seat(ctx, f.rest.ID, second)
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestRecommendNoTables(t *testing.T) {
	f := newFloor(t)
	r := f.router()

	_, err := r.Recommend(context.Background(), f.rest.ID, Request{PartySize: 10})
	var nm *NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, NoTables, nm.Reason)
}

func TestRecommendNoWaiters(t *testing.T) {
	st := memstore.New()
	rest := domain.Restaurant{ID: uuid.New(), Config: domain.RestaurantConfig{RoutingMode: domain.ModeRotation}}
	st.AddRestaurant(rest)
	st.AddTable(domain.Table{
		ID: uuid.New(), RestaurantID: rest.ID, Number: 1, Capacity: 4, State: domain.TableClean,
	})

	r := New(st, cache.NewMemory(), metrics.NewNop())
	_, err := r.Recommend(context.Background(), rest.ID, Request{PartySize: 2})
	var nm *NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, NoWaiters, nm.Reason)
}

func TestRecommendHardPreferenceUnsatisfiable(t *testing.T) {
	f := newFloor(t)
	r := f.router()

	_, err := r.Recommend(context.Background(), f.rest.ID, Request{
		PartySize:       2,
		TablePreference: domain.TypeBar,
		HardPreference:  true,
	})
	var nm *NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, PreferenceUnsatisfiable, nm.Reason)
}

func TestRecommendSoftPreferenceFallsBack(t *testing.T) {
	f := newFloor(t)
	r := f.router()

	rec, err := r.Recommend(context.Background(), f.rest.ID, Request{
		PartySize:       2,
		TablePreference: domain.TypeBar,
	})
	require.NoError(t, err)
	// No bar exists; the tighter-fitting table still wins.
	assert.Equal(t, f.t2.ID, rec.Table.ID)
}

func TestRecencyPenaltyPromotesUnderserved(t *testing.T) {
	f := newFloor(t)

	// Carol is idle: no open tables, far below mean covers and tips.
	carol := domain.Waiter{
		ID: uuid.New(), RestaurantID: f.rest.ID, Name: "Carol",
		Role: domain.RoleServer, CompositeScore: 40,
	}
	f.store.AddWaiter(carol)
	f.store.AddShift(domain.Shift{
		ID: uuid.New(), RestaurantID: f.rest.ID, WaiterID: carol.ID,
		Status: domain.ShiftActive, StartedAt: time.Now().Add(-time.Hour),
	})

	r := f.router()
	ctx := context.Background()

	// Alice (the top scorer) was just seated a party.
	require.NoError(t, f.cache.MarkSeated(ctx, f.alice.ID, time.Now(), 5*time.Minute))

	rec, err := r.Recommend(ctx, f.rest.ID, Request{PartySize: 2})
	require.NoError(t, err)
	assert.Equal(t, "Carol", rec.Waiter.Name)
	assert.True(t, rec.Underserved)
}

func TestRecencyPenaltyWithoutUnderservedKeepsTop(t *testing.T) {
	f := newFloor(t)
	r := f.router()
	ctx := context.Background()

	require.NoError(t, f.cache.MarkSeated(ctx, f.alice.ID, time.Now(), 5*time.Minute))

	// Bob is busier and better tipped than the mean, so no override fires;
	// Alice still wins on raw priority even with the penalty.
	rec, err := r.Recommend(ctx, f.rest.ID, Request{PartySize: 2})
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec.Waiter.Name)
	assert.False(t, rec.Underserved)
}

func TestSectionModeRestrictsWaiters(t *testing.T) {
	f := newFloor(t)
	patio := domain.Section{ID: uuid.New(), RestaurantID: f.rest.ID, Name: "Patio"}
	main := domain.Section{ID: uuid.New(), RestaurantID: f.rest.ID, Name: "Main"}
	f.store.AddSection(patio)
	f.store.AddSection(main)

	// Rebuild the floor in section mode: Alice owns Main (both tables),
	// Bob owns Patio (no candidate tables).
	rest := domain.Restaurant{
		ID:     f.rest.ID,
		Name:   f.rest.Name,
		Config: domain.RestaurantConfig{RoutingMode: domain.ModeSection},
	}
	f.store.AddRestaurant(rest)

	t1 := f.t1
	t1.SectionID = main.ID
	t2 := f.t2
	t2.SectionID = main.ID
	f.store.AddTable(t1)
	f.store.AddTable(t2)

	alice := f.alice
	alice.SectionID = &main.ID
	bob := f.bob
	bob.SectionID = &patio.ID
	// Flip the scores so Bob would win if the section gate did not apply.
	alice.CompositeScore = 10
	bob.CompositeScore = 90
	f.store.AddWaiter(alice)
	f.store.AddWaiter(bob)

	r := f.router()
	rec, err := r.Recommend(context.Background(), f.rest.ID, Request{PartySize: 2})
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec.Waiter.Name)
}

func TestRecommendExcludesNonSeatableRoles(t *testing.T) {
	st := memstore.New()
	rest := domain.Restaurant{ID: uuid.New(), Config: domain.RestaurantConfig{RoutingMode: domain.ModeRotation}}
	st.AddRestaurant(rest)
	st.AddTable(domain.Table{
		ID: uuid.New(), RestaurantID: rest.ID, Number: 1, Capacity: 4, State: domain.TableClean,
	})
	host := domain.Waiter{ID: uuid.New(), RestaurantID: rest.ID, Name: "Hank", Role: domain.RoleHost}
	st.AddWaiter(host)
	st.AddShift(domain.Shift{
		ID: uuid.New(), RestaurantID: rest.ID, WaiterID: host.ID, Status: domain.ShiftActive,
	})

	r := New(st, cache.NewMemory(), metrics.NewNop())
	_, err := r.Recommend(context.Background(), rest.ID, Request{PartySize: 2})
	var nm *NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, NoWaiters, nm.Reason)
}
