package schedule

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/store/memstore"
)

// brunchFixture seeds the Saturday-brunch roster: five servers and two
// bartenders, all available all week.
type brunchFixture struct {
	store *memstore.Store
	rest  domain.Restaurant
}

func newBrunchFixture() brunchFixture {
	st := memstore.New()
	rest := domain.Restaurant{ID: uuid.New(), Name: "Brunch House"}
	st.AddRestaurant(rest)

	addStaff := func(name string, role domain.Role) {
		w := domain.Waiter{
			ID: uuid.New(), RestaurantID: rest.ID, Name: name,
			Role: role, CompositeScore: 70,
		}
		st.AddWaiter(w)
		for day := 0; day < 7; day++ {
			st.AddAvailability(domain.StaffAvailability{
				ID: uuid.New(), WaiterID: w.ID, DayOfWeek: day,
				StartMin: 0, EndMin: 24 * 60, Type: domain.AvailAvailable,
			})
		}
	}
	for _, n := range []string{"Ana", "Ben", "Cleo", "Dev", "Esme"} {
		addStaff(n, domain.RoleServer)
	}
	addStaff("Theo", domain.RoleBartender)
	addStaff("Uma", domain.RoleBartender)

	// Sat 11:00-15:00: 5 servers, 2 bartenders, prime.
	st.AddRequirement(domain.StaffingRequirement{
		ID: uuid.New(), RestaurantID: rest.ID, DayOfWeek: 6,
		StartMin: 11 * 60, EndMin: 15 * 60, Role: domain.RoleServer,
		MinStaff: 5, MaxStaff: 6, IsPrime: true,
	})
	st.AddRequirement(domain.StaffingRequirement{
		ID: uuid.New(), RestaurantID: rest.ID, DayOfWeek: 6,
		StartMin: 11 * 60, EndMin: 15 * 60, Role: domain.RoleBartender,
		MinStaff: 2, MaxStaff: 2, IsPrime: true,
	})
	return brunchFixture{store: st, rest: rest}
}

func mondayWeekStart() time.Time {
	return time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
}

func TestEngineBrunchRun(t *testing.T) {
	f := newBrunchFixture()
	e := New(f.store, metrics.NewNop())
	ctx := context.Background()

	run, err := e.Run(ctx, f.rest.ID, mondayWeekStart())
	require.NoError(t, err)

	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 7, run.ItemsCreated)
	assert.GreaterOrEqual(t, run.CoveragePct, 90.0)
	assert.LessOrEqual(t, run.FairnessGini, 0.25)
	assert.InDelta(t, 28, run.TotalHours, 1e-9) // 7 heads x 4h
	assert.Zero(t, run.Understaffed)
	require.NotNil(t, run.ScheduleID)
	require.NotNil(t, run.FinishedAt)

	items, err := f.store.ListScheduleItems(ctx, *run.ScheduleID)
	require.NoError(t, err)
	require.Len(t, items, 7)

	servers, bartenders := 0, 0
	seen := make(map[uuid.UUID]bool)
	for _, item := range items {
		switch item.Role {
		case domain.RoleServer:
			servers++
		case domain.RoleBartender:
			bartenders++
		}
		assert.False(t, seen[item.WaiterID], "one overlapping slot per waiter")
		seen[item.WaiterID] = true

		r, ok := f.store.GetReasoning(item.ID)
		require.True(t, ok, "every item carries reasoning")
		require.NotEmpty(t, r.Reasons)
		joined := strings.ToLower(strings.Join(r.Reasons, " "))
		assert.True(t,
			strings.Contains(joined, "availability") || strings.Contains(joined, "preference") ||
				strings.Contains(joined, "fairness") || strings.Contains(joined, "forecast"),
			"reasoning names a known category: %v", r.Reasons)
	}
	assert.Equal(t, 5, servers)
	assert.Equal(t, 2, bartenders)
}

func TestEngineUnderstaffedSlots(t *testing.T) {
	st := memstore.New()
	rest := domain.Restaurant{ID: uuid.New()}
	st.AddRestaurant(rest)

	// One server, requirement asks for three.
	w := domain.Waiter{ID: uuid.New(), RestaurantID: rest.ID, Name: "Solo", Role: domain.RoleServer}
	st.AddWaiter(w)
	st.AddAvailability(domain.StaffAvailability{
		ID: uuid.New(), WaiterID: w.ID, DayOfWeek: 6,
		StartMin: 0, EndMin: 24 * 60, Type: domain.AvailAvailable,
	})
	st.AddRequirement(domain.StaffingRequirement{
		ID: uuid.New(), RestaurantID: rest.ID, DayOfWeek: 6,
		StartMin: 11 * 60, EndMin: 15 * 60, Role: domain.RoleServer, MinStaff: 3,
	})

	e := New(st, metrics.NewNop())
	run, err := e.Run(context.Background(), rest.ID, mondayWeekStart())
	require.NoError(t, err)

	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 1, run.ItemsCreated)
	assert.Equal(t, 2, run.Understaffed)
	assert.InDelta(t, 100.0/3, run.CoveragePct, 0.1)
}

func TestEngineSpreadsHoursAcrossDays(t *testing.T) {
	st := memstore.New()
	rest := domain.Restaurant{ID: uuid.New()}
	st.AddRestaurant(rest)

	for _, n := range []string{"A", "B"} {
		w := domain.Waiter{ID: uuid.New(), RestaurantID: rest.ID, Name: n, Role: domain.RoleServer, CompositeScore: 70}
		st.AddWaiter(w)
		for day := 0; day < 7; day++ {
			st.AddAvailability(domain.StaffAvailability{
				ID: uuid.New(), WaiterID: w.ID, DayOfWeek: day,
				StartMin: 0, EndMin: 24 * 60, Type: domain.AvailAvailable,
			})
		}
	}
	// One server needed each day: fairness should alternate the two.
	for day := 0; day < 6; day++ {
		st.AddRequirement(domain.StaffingRequirement{
			ID: uuid.New(), RestaurantID: rest.ID, DayOfWeek: day,
			StartMin: 17 * 60, EndMin: 22 * 60, Role: domain.RoleServer, MinStaff: 1,
		})
	}

	e := New(st, metrics.NewNop())
	run, err := e.Run(context.Background(), rest.ID, mondayWeekStart())
	require.NoError(t, err)
	require.Equal(t, 6, run.ItemsCreated)
	assert.LessOrEqual(t, run.FairnessGini, 0.10, "two waiters split six identical shifts evenly")

	items, err := st.ListScheduleItems(context.Background(), *run.ScheduleID)
	require.NoError(t, err)
	perWaiter := make(map[uuid.UUID]int)
	for _, item := range items {
		perWaiter[item.WaiterID]++
	}
	for _, count := range perWaiter {
		assert.Equal(t, 3, count)
	}
}

func TestEngineConcurrentRunConflicts(t *testing.T) {
	f := newBrunchFixture()
	e := New(f.store, metrics.NewNop())

	lock := e.runLock(f.rest.ID, mondayWeekStart())
	lock.Lock()
	defer lock.Unlock()

	_, err := e.Run(context.Background(), f.rest.ID, mondayWeekStart())
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestEngineCancelledRunFails(t *testing.T) {
	f := newBrunchFixture()
	e := New(f.store, metrics.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := e.Run(ctx, f.rest.ID, mondayWeekStart())
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "failed", run.Status)
	assert.NotEmpty(t, run.ErrorMessage)
}
