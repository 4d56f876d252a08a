package camera

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floorops/floorops/internal/config"
	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/store/memstore"
	"github.com/floorops/floorops/internal/vision/crop"
	"github.com/floorops/floorops/internal/vision/source"
)

type fakeFetcher struct {
	mu       sync.Mutex
	frame    []byte
	failures int
	index    int64
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (*source.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, domain.E(domain.KindDegraded, "source", source.ReasonUnreachable)
	}
	idx := f.index
	f.index++
	return &source.Frame{Bytes: f.frame, Index: idx, Timestamp: time.Now(), Format: "png"}, nil
}

type recordingSubmitter struct {
	mu      sync.Mutex
	submits []int64
}

func (r *recordingSubmitter) Submit(_ context.Context, _ domain.Camera, _ crop.TableCrop, frameIndex int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits = append(r.submits, frameIndex)
	return true
}

func (r *recordingSubmitter) frames() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.submits...)
}

func testFramePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64))))
	return buf.Bytes()
}

func testCropJSON() *domain.CropJSON {
	return &domain.CropJSON{
		FrameWidth:  64,
		FrameHeight: 64,
		Tables: []domain.CropTable{
			{ID: "0", RotatedBBox: domain.RotatedBBox{
				Corners: [4][2]float64{{0, 0}, {32, 0}, {32, 32}, {0, 32}},
			}},
		},
	}
}

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		CaptureInterval: 10 * time.Millisecond,
		SourceTimeout:   time.Second,
	}
}

func TestWorkerSubmitsCropsEachTick(t *testing.T) {
	st := memstore.New()
	cam := domain.Camera{ID: uuid.New(), Name: "cam-1", SourceURI: "file:///frames"}
	st.AddCamera(cam)

	fetcher := &fakeFetcher{frame: testFramePNG(t)}
	sub := &recordingSubmitter{}
	var paused atomic.Bool

	w := NewWorker(cam, testCropJSON(), fetcher, sub, st, metrics.NewNop(), pipelineConfig(), &paused)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	frames := sub.frames()
	require.NotEmpty(t, frames)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i], frames[i-1], "frame indices must be monotonic")
	}

	got, err := st.GetCamera(context.Background(), cam.ID)
	require.NoError(t, err)
	assert.Equal(t, frames[len(frames)-1], got.LastFrameIndex)
	assert.NotNil(t, got.LastCaptureAt)
}

func TestWorkerDegradesAndRecovers(t *testing.T) {
	st := memstore.New()
	cam := domain.Camera{ID: uuid.New(), Name: "cam-2", SourceURI: "http://dead.local/snap"}
	st.AddCamera(cam)

	fetcher := &fakeFetcher{frame: testFramePNG(t), failures: 2}
	sub := &recordingSubmitter{}
	var paused atomic.Bool

	w := NewWorker(cam, testCropJSON(), fetcher, sub, st, metrics.NewNop(), pipelineConfig(), &paused)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	// The fetcher failed twice then recovered; the flag must be cleared.
	got, err := st.GetCamera(context.Background(), cam.ID)
	require.NoError(t, err)
	assert.False(t, got.Degraded)
	assert.NotEmpty(t, sub.frames())
}

func TestWorkerPausedSkipsTicks(t *testing.T) {
	st := memstore.New()
	cam := domain.Camera{ID: uuid.New(), Name: "cam-3", SourceURI: "file:///frames"}
	st.AddCamera(cam)

	fetcher := &fakeFetcher{frame: testFramePNG(t)}
	sub := &recordingSubmitter{}
	var paused atomic.Bool
	paused.Store(true)

	w := NewWorker(cam, testCropJSON(), fetcher, sub, st, metrics.NewNop(), pipelineConfig(), &paused)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Empty(t, sub.frames())
}

func TestSupervisorSkipsCamerasWithoutCropJSON(t *testing.T) {
	st := memstore.New()
	bare := domain.Camera{ID: uuid.New(), Name: "bare", SourceURI: "file:///frames"}
	st.AddCamera(bare)

	cj, err := (&domain.CropJSON{FrameWidth: 64, FrameHeight: 64}).Encode()
	require.NoError(t, err)
	wired := domain.Camera{ID: uuid.New(), Name: "wired", SourceURI: "file:///frames", CropJSON: cj}
	st.AddCamera(wired)

	sub := &recordingSubmitter{}
	sup := NewSupervisor(st, sub, pipelineConfig(), metrics.NewNop())
	fetcher := &fakeFetcher{frame: testFramePNG(t)}
	sup.newFetcher = func() source.Fetcher { return fetcher }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, sup.Run(ctx))
}

func TestSupervisorPauseResume(t *testing.T) {
	st := memstore.New()
	sub := &recordingSubmitter{}
	sup := NewSupervisor(st, sub, pipelineConfig(), metrics.NewNop())

	assert.False(t, sup.paused.Load())
	sup.Pause()
	assert.True(t, sup.paused.Load())
	sup.Pause() // idempotent
	assert.True(t, sup.paused.Load())
	sup.Resume()
	assert.False(t, sup.paused.Load())
}
