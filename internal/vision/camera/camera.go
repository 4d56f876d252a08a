// Package camera runs the per-camera capture loop: fetch a frame on the
// capture interval, cut table crops, and hand them to the dispatcher.
// Each camera degrades independently; a dead camera never stalls the rest.
package camera

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/floorops/floorops/internal/config"
	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/store"
	"github.com/floorops/floorops/internal/vision/crop"
	"github.com/floorops/floorops/internal/vision/source"
)

// Submitter is the dispatcher surface the worker needs.
type Submitter interface {
	Submit(ctx context.Context, cam domain.Camera, tc crop.TableCrop, frameIndex int64) bool
}

// Worker drives one camera. Ticks that fall behind are skipped, never
// backlogged; the frame index comes from the fetcher, not the tick count.
type Worker struct {
	cam      domain.Camera
	cropJSON *domain.CropJSON
	fetcher  source.Fetcher
	disp     Submitter
	store    store.Store
	reg      *metrics.Registry

	interval      time.Duration
	sourceTimeout time.Duration
	paused        *atomic.Bool

	degraded bool
}

// NewWorker builds a worker for one camera. cropJSON must already be
// parsed; paused is shared with the supervisor.
func NewWorker(cam domain.Camera, cj *domain.CropJSON, fetcher source.Fetcher, disp Submitter,
	st store.Store, reg *metrics.Registry, cfg config.PipelineConfig, paused *atomic.Bool) *Worker {
	return &Worker{
		cam:           cam,
		cropJSON:      cj,
		fetcher:       fetcher,
		disp:          disp,
		store:         st,
		reg:           reg,
		interval:      cfg.CaptureInterval,
		sourceTimeout: cfg.SourceTimeout,
		paused:        paused,
		degraded:      cam.Degraded,
	}
}

// Run loops until ctx is done. It always returns nil: a camera failing
// is a degradation, not a reason to tear the group down.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Str("camera", w.cam.Name).Dur("interval", w.interval).Msg("Camera worker started")

	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("camera", w.cam.Name).Msg("Camera worker stopped")
			return nil
		case <-timer.C:
		}

		if w.paused == nil || !w.paused.Load() {
			w.step(ctx)
		}

		// Advance past any ticks that elapsed while we were working.
		next = next.Add(w.interval)
		now := time.Now()
		for !next.After(now) {
			next = next.Add(w.interval)
		}
		timer.Reset(time.Until(next))
	}
}

func (w *Worker) step(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, w.sourceTimeout)
	frame, err := w.fetcher.Fetch(fctx, w.cam.SourceURI)
	cancel()
	if err != nil {
		w.markDegraded(ctx, source.Reason(err), err)
		return
	}
	w.markRecovered(ctx)
	w.reg.FramesFetched.WithLabelValues(w.cam.Name).Inc()

	crops, warnings, err := crop.Extract(frame.Bytes, frame.Format, w.cropJSON)
	if err != nil {
		w.reg.FrameFailures.WithLabelValues(w.cam.Name, "crop").Inc()
		log.Warn().Err(err).Str("camera", w.cam.Name).Int64("frame", frame.Index).
			Msg("Failed to extract crops from frame")
		return
	}
	for _, warn := range warnings {
		w.reg.CropWarnings.WithLabelValues(w.cam.Name, warn.Reason).Inc()
		log.Warn().Str("camera", w.cam.Name).Str("table", warn.JSONTableID).
			Str("reason", warn.Reason).Msg("Invalid crop skipped")
	}
	w.reg.CropsExtracted.WithLabelValues(w.cam.Name).Add(float64(len(crops)))

	for _, tc := range crops {
		w.disp.Submit(ctx, w.cam, tc, frame.Index)
	}

	if err := w.store.UpdateCameraCapture(ctx, w.cam.ID, frame.Index, frame.Timestamp); err != nil {
		log.Error().Err(err).Str("camera", w.cam.Name).Msg("Failed to record camera capture")
	}
}

func (w *Worker) markDegraded(ctx context.Context, reason string, cause error) {
	w.reg.FrameFailures.WithLabelValues(w.cam.Name, reason).Inc()
	if w.degraded {
		return
	}
	w.degraded = true
	log.Warn().Err(cause).Str("camera", w.cam.Name).Str("reason", reason).Msg("Camera degraded")
	if err := w.store.SetCameraDegraded(ctx, w.cam.ID, true); err != nil {
		log.Error().Err(err).Str("camera", w.cam.Name).Msg("Failed to flag camera degraded")
	}
}

func (w *Worker) markRecovered(ctx context.Context) {
	if !w.degraded {
		return
	}
	w.degraded = false
	log.Info().Str("camera", w.cam.Name).Msg("Camera recovered")
	if err := w.store.SetCameraDegraded(ctx, w.cam.ID, false); err != nil {
		log.Error().Err(err).Str("camera", w.cam.Name).Msg("Failed to clear camera degraded flag")
	}
}

// Supervisor owns one worker per registered camera and the store health
// probe that pauses capture while the store is unreachable.
type Supervisor struct {
	store  store.Store
	disp   Submitter
	cfg    config.PipelineConfig
	reg    *metrics.Registry
	paused atomic.Bool

	// newFetcher is swapped in tests.
	newFetcher func() source.Fetcher

	pingInterval time.Duration
}

// NewSupervisor builds the supervisor. One fetcher is created per camera
// so frame indices stay per-camera monotonic.
func NewSupervisor(st store.Store, disp Submitter, cfg config.PipelineConfig, reg *metrics.Registry) *Supervisor {
	return &Supervisor{
		store:        st,
		disp:         disp,
		cfg:          cfg,
		reg:          reg,
		newFetcher:   func() source.Fetcher { return source.New(nil) },
		pingInterval: 5 * time.Second,
	}
}

// Pause suspends capture on every camera. In-flight dispatches finish.
func (s *Supervisor) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		log.Warn().Msg("Capture paused")
	}
}

// Resume lifts a pause.
func (s *Supervisor) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		log.Info().Msg("Capture resumed")
	}
}

// Run starts a worker per camera plus the health probe and blocks until
// ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	cams, err := s.store.ListCameras(ctx)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, "camera", "failed to list cameras", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	started := 0
	for _, cam := range cams {
		if len(cam.CropJSON) == 0 {
			log.Warn().Str("camera", cam.Name).Msg("Camera has no crop metadata installed; skipping")
			continue
		}
		cj, err := domain.ParseCropJSON(cam.CropJSON)
		if err != nil {
			log.Error().Err(err).Str("camera", cam.Name).Msg("Installed crop metadata is invalid; skipping")
			continue
		}
		w := NewWorker(cam, cj, s.newFetcher(), s.disp, s.store, s.reg, s.cfg, &s.paused)
		g.Go(func() error { return w.Run(gctx) })
		started++
	}
	log.Info().Int("cameras", started).Msg("Capture supervisor running")

	g.Go(func() error { return s.healthLoop(gctx) })
	return g.Wait()
}

// healthLoop pauses capture while the store is unreachable and resumes
// it once a ping succeeds again.
func (s *Supervisor) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.store.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("State store unreachable")
			s.Pause()
		} else {
			s.Resume()
		}
	}
}
