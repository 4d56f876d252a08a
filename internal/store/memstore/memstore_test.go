package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/store"
)

func seedFloor(t *testing.T) (*Store, domain.Restaurant, domain.Table, domain.Waiter) {
	t.Helper()
	st := New()
	rest := domain.Restaurant{ID: uuid.New(), Name: "Corner Bistro"}
	st.AddRestaurant(rest)

	tbl := domain.Table{
		ID: uuid.New(), RestaurantID: rest.ID, Number: 1, Capacity: 4,
		State: domain.TableClean,
	}
	st.AddTable(tbl)

	w := domain.Waiter{ID: uuid.New(), RestaurantID: rest.ID, Name: "Alice", Role: domain.RoleServer}
	st.AddWaiter(w)
	st.AddShift(domain.Shift{
		ID: uuid.New(), RestaurantID: rest.ID, WaiterID: w.ID,
		Status: domain.ShiftActive, StartedAt: time.Now().Add(-time.Hour),
	})
	return st, rest, tbl, w
}

func TestSeatPartyTransaction(t *testing.T) {
	st, rest, tbl, w := seedFloor(t)
	ctx := context.Background()

	entry := domain.WaitlistEntry{ID: uuid.New(), RestaurantID: rest.ID, PartyName: "Okafor", PartySize: 3}
	st.AddWaitlistEntry(entry)

	visit, err := st.SeatParty(ctx, store.SeatRequest{
		RestaurantID: rest.ID, TableID: tbl.ID, WaiterID: w.ID,
		PartySize: 3, WaitlistEntryID: &entry.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, visit.PartySize)

	got, err := st.GetTable(ctx, tbl.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TableOccupied, got.State)
	require.NotNil(t, got.CurrentVisitID)
	assert.Equal(t, visit.ID, *got.CurrentVisitID)

	e, err := st.GetWaitlistEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WaitlistSeated, e.Status)
	require.NotNil(t, e.VisitID)

	shifts, err := st.ListCandidateWaiters(ctx, rest.ID)
	require.NoError(t, err)
	require.Len(t, shifts, 1)
	assert.Equal(t, 1, shifts[0].Shift.Shift.TablesServed)
	assert.Equal(t, 3, shifts[0].Shift.Shift.Covers)

	logs, err := st.ListStateLog(ctx, tbl.ID, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "router.seat", logs[0].Detail)

	// The table is occupied now; a second seat loses the race.
	_, err = st.SeatParty(ctx, store.SeatRequest{
		RestaurantID: rest.ID, TableID: tbl.ID, WaiterID: w.ID, PartySize: 2,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestCloseVisitMoneyAndTableFlow(t *testing.T) {
	st, rest, tbl, w := seedFloor(t)
	ctx := context.Background()

	visit, err := st.SeatParty(ctx, store.SeatRequest{
		RestaurantID: rest.ID, TableID: tbl.ID, WaiterID: w.ID, PartySize: 2,
	})
	require.NoError(t, err)

	closed, err := st.CloseVisit(ctx, visit.ID, store.VisitClose{
		Subtotal: 80, Tax: 8, Total: 88, Tip: 17.6,
	})
	require.NoError(t, err)
	require.NotNil(t, closed.TipPct)
	assert.InDelta(t, 20, *closed.TipPct, 1e-9)
	require.NotNil(t, closed.ClearedAt)
	require.NotNil(t, closed.DurationMinutes)

	got, err := st.GetTable(ctx, tbl.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TableDirty, got.State)
	assert.Nil(t, got.CurrentVisitID)

	waiter, err := st.GetWaiter(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, waiter.TotalCovers)
	assert.InDelta(t, 17.6, waiter.TotalTips, 1e-9)

	_, err = st.CloseVisit(ctx, visit.ID, store.VisitClose{})
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestMLOccupancyOpensWalkIn(t *testing.T) {
	st, _, tbl, _ := seedFloor(t)
	ctx := context.Background()

	rec, err := st.UpdateTableState(ctx, store.StateUpdate{
		TableID: tbl.ID, NewState: domain.TableOccupied,
		Confidence: 0.92, Source: domain.SourceML, Detail: "model-v3",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.TableClean, rec.Previous)

	got, err := st.GetTable(ctx, tbl.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentVisitID, "asserted occupancy with no seating opens a walk-in")
	walkInID := *got.CurrentVisitID

	// Occupied -> dirty closes the walk-in.
	_, err = st.UpdateTableState(ctx, store.StateUpdate{
		TableID: tbl.ID, NewState: domain.TableDirty,
		Confidence: 0.88, Source: domain.SourceML, Detail: "model-v3",
	})
	require.NoError(t, err)

	visit, err := st.GetVisit(ctx, walkInID)
	require.NoError(t, err)
	assert.False(t, visit.Open())

	got, err = st.GetTable(ctx, tbl.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentVisitID)
}

func TestStateNoOpRefreshesConfidenceSilently(t *testing.T) {
	st, _, tbl, _ := seedFloor(t)
	ctx := context.Background()

	rec, err := st.UpdateTableState(ctx, store.StateUpdate{
		TableID: tbl.ID, NewState: domain.TableClean,
		Confidence: 0.99, Source: domain.SourceML, Detail: "model-v3",
	})
	require.NoError(t, err)
	assert.Nil(t, rec, "same-state assertion appends no log row")

	logs, err := st.ListStateLog(ctx, tbl.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestPublishScheduleArchivesPrevious(t *testing.T) {
	st := New()
	ctx := context.Background()
	rest := domain.Restaurant{ID: uuid.New()}
	st.AddRestaurant(rest)
	week := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	first := &domain.Schedule{ID: uuid.New(), RestaurantID: rest.ID, WeekStart: week, Status: domain.ScheduleDraft, GeneratedBy: "engine"}
	second := &domain.Schedule{ID: uuid.New(), RestaurantID: rest.ID, WeekStart: week, Status: domain.ScheduleDraft, GeneratedBy: "engine"}
	require.NoError(t, st.CreateSchedule(ctx, first))
	require.NoError(t, st.CreateSchedule(ctx, second))

	pub1, err := st.PublishSchedule(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pub1.Version)

	pub2, err := st.PublishSchedule(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, pub2.Version)

	// The superseded schedule is archived, not deleted, and cannot be
	// re-published.
	_, err = st.PublishSchedule(ctx, second.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestDispatchLedgerDedupe(t *testing.T) {
	st := New()
	ctx := context.Background()
	camID := uuid.New()

	rec, dup, err := st.AppendCropDispatch(ctx, camID, "0", 42)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, domain.DispatchQueued, rec.Status)

	again, dup, err := st.AppendCropDispatch(ctx, camID, "0", 42)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, rec.ID, again.ID)

	// A different frame index is a fresh key.
	_, dup, err = st.AppendCropDispatch(ctx, camID, "0", 43)
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, st.UpdateCropDispatch(ctx, rec.ID, domain.DispatchSucceeded, 2, ""))
	got, ok := st.GetDispatch(camID, "0", 42)
	require.True(t, ok)
	assert.Equal(t, domain.DispatchSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempts)
}
