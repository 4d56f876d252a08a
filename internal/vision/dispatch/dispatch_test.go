package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floorops/floorops/internal/cache"
	"github.com/floorops/floorops/internal/config"
	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/store/memstore"
	"github.com/floorops/floorops/internal/vision/crop"
)

type fixture struct {
	store *memstore.Store
	cam   domain.Camera
	table domain.Table
}

func newFixture() fixture {
	st := memstore.New()
	rest := domain.Restaurant{ID: uuid.New(), Name: "Test Bistro"}
	st.AddRestaurant(rest)

	tbl := domain.Table{
		ID:           uuid.New(),
		RestaurantID: rest.ID,
		Number:       4,
		Capacity:     4,
		State:        domain.TableClean,
	}
	st.AddTable(tbl)

	cam := domain.Camera{
		ID:           uuid.New(),
		RestaurantID: rest.ID,
		Name:         "cam-floor-1",
		TableMap:     map[string]uuid.UUID{"0": tbl.ID},
	}
	st.AddCamera(cam)

	return fixture{store: st, cam: cam, table: tbl}
}

func newDispatcher(f fixture, endpoint string, maxAttempts int) *Dispatcher {
	cfg := config.ClassifierConfig{
		Endpoint:       endpoint,
		AttemptTimeout: 2 * time.Second,
		MaxAttempts:    maxAttempts,
		BackoffBase:    time.Millisecond,
		RatePerSecond:  1000,
	}
	d := New(cfg, 4, f.store, cache.NewMemory(), metrics.NewNop())
	d.SetSleep(func(context.Context, time.Duration) error { return nil })
	return d
}

func testCrop(id string) crop.TableCrop {
	return crop.TableCrop{JSONTableID: id, Bytes: []byte{0xff, 0xd8, 0xff}, Width: 64, Height: 64, Format: "jpeg"}
}

func TestDispatchSuccessUpdatesTableState(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, f.cam.ID.String(), r.FormValue("camera_id"))
		assert.Equal(t, "0", r.FormValue("table_id"))
		assert.Equal(t, "7", r.FormValue("frame_index"))
		_, _, err := r.FormFile("file")
		require.NoError(t, err)
		w.Write([]byte(`{"label":"occupied","confidence":0.93,"model_id":"m-2024.1"}`))
	}))
	defer srv.Close()

	d := newDispatcher(f, srv.URL, 3)
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("0"), 7))
	d.Wait()

	rec, ok := f.store.GetDispatch(f.cam.ID, "0", 7)
	require.True(t, ok)
	assert.Equal(t, domain.DispatchSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	tbl, err := f.store.GetTable(context.Background(), f.table.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TableOccupied, tbl.State)
	require.NotNil(t, tbl.CurrentVisitID) // walk-in visit opened alongside the ML assertion

	logs, err := f.store.ListStateLog(context.Background(), f.table.ID, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.SourceML, logs[0].Source)
	assert.InDelta(t, 0.93, logs[0].Confidence, 1e-9)
}

func TestDispatchDeduplicates(t *testing.T) {
	f := newFixture()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"label":"occupied","confidence":0.9,"model_id":"m1"}`))
	}))
	defer srv.Close()

	d := newDispatcher(f, srv.URL, 3)
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("0"), 12))
	d.Wait()
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("0"), 12))
	d.Wait()

	assert.Equal(t, int32(1), hits.Load())
	rec, ok := f.store.GetDispatch(f.cam.ID, "0", 12)
	require.True(t, ok)
	assert.Equal(t, domain.DispatchSucceeded, rec.Status)
}

func TestDispatchRetriesTransientThenFails(t *testing.T) {
	f := newFixture()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newDispatcher(f, srv.URL, 3)
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("0"), 3))
	d.Wait()

	assert.Equal(t, int32(3), hits.Load())
	rec, ok := f.store.GetDispatch(f.cam.ID, "0", 3)
	require.True(t, ok)
	assert.Equal(t, domain.DispatchFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "unavailable")

	// A failed dispatch never mutates table state.
	tbl, err := f.store.GetTable(context.Background(), f.table.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TableClean, tbl.State)
}

func TestDispatchRecoversAfterTransient(t *testing.T) {
	f := newFixture()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"label":"occupied","confidence":0.8,"model_id":"m1"}`))
	}))
	defer srv.Close()

	d := newDispatcher(f, srv.URL, 3)
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("0"), 5))
	d.Wait()

	assert.Equal(t, int32(2), hits.Load())
	rec, _ := f.store.GetDispatch(f.cam.ID, "0", 5)
	assert.Equal(t, domain.DispatchSucceeded, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestDispatchAuthFailureDoesNotRetry(t *testing.T) {
	f := newFixture()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := newDispatcher(f, srv.URL, 3)
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("0"), 9))
	d.Wait()

	assert.Equal(t, int32(1), hits.Load())
	rec, _ := f.store.GetDispatch(f.cam.ID, "0", 9)
	assert.Equal(t, domain.DispatchFailed, rec.Status)
}

func TestDispatchUnmappedTableDropped(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"label":"occupied","confidence":0.9,"model_id":"m1"}`))
	}))
	defer srv.Close()

	d := newDispatcher(f, srv.URL, 3)
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("99"), 1))
	d.Wait()

	rec, ok := f.store.GetDispatch(f.cam.ID, "99", 1)
	require.True(t, ok)
	assert.Equal(t, domain.DispatchFailed, rec.Status)
	assert.Contains(t, rec.LastError, "unmapped")
}

func TestDispatchBackpressureDropsOverCap(t *testing.T) {
	f := newFixture()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"label":"occupied","confidence":0.9,"model_id":"m1"}`))
	}))
	defer srv.Close()

	cfg := config.ClassifierConfig{
		Endpoint:       srv.URL,
		AttemptTimeout: 2 * time.Second,
		MaxAttempts:    1,
		BackoffBase:    time.Millisecond,
		RatePerSecond:  1000,
	}
	d := New(cfg, 1, f.store, cache.NewMemory(), metrics.NewNop())

	// The first submit holds the camera's only slot until the server replies.
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("0"), 20))
	assert.False(t, d.Submit(context.Background(), f.cam, testCrop("0"), 21))

	close(release)
	d.Wait()

	// The dropped crop never reached the ledger.
	_, ok := f.store.GetDispatch(f.cam.ID, "0", 21)
	assert.False(t, ok)
}

func TestDispatchRejectedTransitionStillSucceeds(t *testing.T) {
	f := newFixture()
	// The fixture table is clean; clean -> dirty is not a legal transition.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"label":"dirty","confidence":0.9,"model_id":"m1"}`))
	}))
	defer srv.Close()

	d := newDispatcher(f, srv.URL, 3)
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("0"), 14))
	d.Wait()

	// The classifier call succeeded; the state machine refusing the
	// verdict must not mark the ledger row failed.
	rec, ok := f.store.GetDispatch(f.cam.ID, "0", 14)
	require.True(t, ok)
	assert.Equal(t, domain.DispatchSucceeded, rec.Status)
	assert.Empty(t, rec.LastError)

	tbl, err := f.store.GetTable(context.Background(), f.table.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TableClean, tbl.State)
}

func TestDispatchBadLabelDropped(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"label":"lobster","confidence":0.9,"model_id":"m1"}`))
	}))
	defer srv.Close()

	d := newDispatcher(f, srv.URL, 3)
	require.True(t, d.Submit(context.Background(), f.cam, testCrop("0"), 2))
	d.Wait()

	rec, _ := f.store.GetDispatch(f.cam.ID, "0", 2)
	assert.Equal(t, domain.DispatchFailed, rec.Status)
	assert.Contains(t, rec.LastError, "bad_label")
}
