// Package dispatch sends table crops to the ML classifier and feeds the
// verdicts back into the table state machine. Every crop passes through
// the idempotence ledger first, so a camera restart never re-asserts a
// frame it already dispatched.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/floorops/floorops/internal/breaker"
	"github.com/floorops/floorops/internal/cache"
	"github.com/floorops/floorops/internal/config"
	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/metrics"
	"github.com/floorops/floorops/internal/store"
	"github.com/floorops/floorops/internal/vision/crop"
)

// Drop reasons, surfaced as metric labels.
const (
	DropBackpressure = "backpressure"
	DropAuth         = "auth"
	DropUnmapped     = "unmapped"
	DropBadLabel     = "bad_label"
)

// Classification is the classifier's verdict for one crop.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	ModelID    string  `json:"model_id"`
}

// Dispatcher owns the classifier client. Submissions are asynchronous and
// bounded per camera; crops over the in-flight cap are dropped, never queued.
type Dispatcher struct {
	cfg     config.ClassifierConfig
	client  *http.Client
	store   store.Store
	cache   cache.Cache
	breaker *breaker.Breaker
	limiter *rate.Limiter
	reg     *metrics.Registry

	maxInFlight int
	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	sems map[uuid.UUID]chan struct{}
	wg   sync.WaitGroup
}

// New builds a dispatcher. maxInFlight bounds concurrent dispatches per
// camera; client may be nil.
func New(cfg config.ClassifierConfig, maxInFlight int, st store.Store, ca cache.Cache, reg *metrics.Registry) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		cfg:         cfg,
		client:      &http.Client{},
		store:       st,
		cache:       ca,
		breaker:     breaker.New("classifier"),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		reg:         reg,
		maxInFlight: maxInFlight,
		sleep:       sleepCtx,
		sems:        make(map[uuid.UUID]chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetHTTPClient overrides the classifier HTTP client.
func (d *Dispatcher) SetHTTPClient(c *http.Client) { d.client = c }

// SetSleep overrides the backoff sleeper.
func (d *Dispatcher) SetSleep(fn func(ctx context.Context, dur time.Duration) error) { d.sleep = fn }

func (d *Dispatcher) sem(cameraID uuid.UUID) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sems[cameraID]
	if !ok {
		s = make(chan struct{}, d.maxInFlight)
		d.sems[cameraID] = s
	}
	return s
}

// Submit queues one crop for dispatch. It never blocks: if the camera is
// at its in-flight cap the crop is dropped and false is returned.
func (d *Dispatcher) Submit(ctx context.Context, cam domain.Camera, tc crop.TableCrop, frameIndex int64) bool {
	sem := d.sem(cam.ID)
	select {
	case sem <- struct{}{}:
	default:
		d.reg.DispatchDrops.WithLabelValues(cam.Name, DropBackpressure).Inc()
		log.Warn().Str("camera", cam.Name).Str("table", tc.JSONTableID).
			Int64("frame", frameIndex).Msg("Dispatch dropped: camera at in-flight cap")
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-sem }()
		d.process(ctx, cam, tc, frameIndex)
	}()
	return true
}

// Wait blocks until all in-flight dispatches finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) process(ctx context.Context, cam domain.Camera, tc crop.TableCrop, frameIndex int64) {
	rec, duplicate, err := d.store.AppendCropDispatch(ctx, cam.ID, tc.JSONTableID, frameIndex)
	if err != nil {
		d.reg.DispatchOutcomes.WithLabelValues(cam.Name, "ledger_error").Inc()
		log.Error().Err(err).Str("camera", cam.Name).Msg("Failed to append dispatch ledger row")
		return
	}
	if duplicate {
		d.reg.DedupeHits.WithLabelValues(cam.Name).Inc()
		log.Debug().Str("camera", cam.Name).Str("table", tc.JSONTableID).
			Int64("frame", frameIndex).Msg("Dispatch deduplicated")
		return
	}

	if err := d.store.UpdateCropDispatch(ctx, rec.ID, domain.DispatchDispatched, 0, ""); err != nil {
		log.Error().Err(err).Msg("Failed to mark dispatch row dispatched")
	}

	verdict, attempts, err := d.send(ctx, cam, tc, frameIndex)
	if err != nil {
		d.finishFailure(ctx, cam, rec.ID, attempts, err)
		return
	}

	if err := d.applyVerdict(ctx, cam, tc.JSONTableID, verdict); err != nil {
		d.finishFailure(ctx, cam, rec.ID, attempts, err)
		return
	}

	if err := d.store.UpdateCropDispatch(ctx, rec.ID, domain.DispatchSucceeded, attempts, ""); err != nil {
		log.Error().Err(err).Msg("Failed to mark dispatch row succeeded")
	}
	d.reg.DispatchOutcomes.WithLabelValues(cam.Name, "succeeded").Inc()
}

func (d *Dispatcher) finishFailure(ctx context.Context, cam domain.Camera, recID uuid.UUID, attempts int, err error) {
	if err := d.store.UpdateCropDispatch(ctx, recID, domain.DispatchFailed, attempts, err.Error()); err != nil {
		log.Error().Err(err).Msg("Failed to mark dispatch row failed")
	}

	switch domain.KindOf(err) {
	case domain.KindPermanent:
		if isAuth(err) {
			d.reg.DispatchDrops.WithLabelValues(cam.Name, DropAuth).Inc()
			log.Warn().Str("camera", cam.Name).Msg("Classifier rejected credentials; dropping crop")
			return
		}
	case domain.KindInput:
		d.reg.DispatchDrops.WithLabelValues(cam.Name, dropReason(err)).Inc()
		log.Warn().Err(err).Str("camera", cam.Name).Msg("Classifier verdict dropped")
		return
	}
	d.reg.DispatchOutcomes.WithLabelValues(cam.Name, "failed").Inc()
	log.Error().Err(err).Str("camera", cam.Name).Int("attempts", attempts).Msg("Dispatch failed")
}

// send runs the retry loop: up to MaxAttempts attempts, exponential backoff
// from BackoffBase, retrying only transient failures.
func (d *Dispatcher) send(ctx context.Context, cam domain.Camera, tc crop.TableCrop, frameIndex int64) (*Classification, int, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := d.cfg.BackoffBase << (attempt - 2)
			if err := d.sleep(ctx, backoff); err != nil {
				return nil, attempt - 1, domain.Wrap(domain.KindTransient, "dispatch", "backoff interrupted", err)
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, attempt, domain.Wrap(domain.KindTransient, "dispatch", "rate limit wait interrupted", err)
		}

		verdict, err := d.attempt(ctx, cam, tc, frameIndex)
		if err == nil {
			return verdict, attempt, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			return nil, attempt, err
		}
		log.Warn().Err(err).Str("camera", cam.Name).Int("attempt", attempt).Msg("Classifier attempt failed")
	}
	return nil, d.cfg.MaxAttempts, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, cam domain.Camera, tc crop.TableCrop, frameIndex int64) (*Classification, error) {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	out, err := d.breaker.Execute(func() (any, error) {
		return d.post(actx, cam, tc, frameIndex)
	})
	if err != nil {
		return nil, classifySendErr(err)
	}
	d.reg.ClassifierLatency.Observe(time.Since(start).Seconds())
	return out.(*Classification), nil
}

func (d *Dispatcher) post(ctx context.Context, cam domain.Camera, tc crop.TableCrop, frameIndex int64) (*Classification, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	filename := fmt.Sprintf("table_%s_frame_%d.%s", tc.JSONTableID, frameIndex, ext(tc.Format))
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(tc.Bytes); err != nil {
		return nil, err
	}
	_ = w.WriteField("camera_id", cam.ID.String())
	_ = w.WriteField("table_id", tc.JSONTableID)
	_ = w.WriteField("frame_index", strconv.FormatInt(frameIndex, 10))
	_ = w.WriteField("video_name", cam.Name)
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &statusError{status: resp.StatusCode}
	}

	var verdict Classification
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, domain.Wrap(domain.KindPermanent, "dispatch", "malformed classifier response", err)
	}
	return &verdict, nil
}

// applyVerdict maps the crop's json table id to a physical table and pushes
// the labeled state through the state machine. Rejected transitions and
// same-state refreshes are normal outcomes, not errors.
func (d *Dispatcher) applyVerdict(ctx context.Context, cam domain.Camera, jsonTableID string, verdict *Classification) error {
	tableID, err := d.resolveTable(ctx, cam.ID, jsonTableID)
	if err != nil {
		return err
	}

	state, ok := labelState(verdict.Label)
	if !ok {
		return domain.Ef(domain.KindInput, "dispatch", "%s: label %q", DropBadLabel, verdict.Label)
	}

	_, err = d.store.UpdateTableState(ctx, store.StateUpdate{
		TableID:    tableID,
		NewState:   state,
		Confidence: verdict.Confidence,
		Source:     domain.SourceML,
		Detail:     verdict.ModelID,
	})
	switch domain.KindOf(err) {
	case domain.KindInput, domain.KindInvariant:
		// The classifier call itself succeeded; a transition the state
		// machine refuses is a normal outcome, not a dispatch failure.
		d.reg.DispatchOutcomes.WithLabelValues(cam.Name, "verdict_rejected").Inc()
		log.Debug().Str("camera", cam.Name).Str("label", verdict.Label).
			Msg("State machine rejected ML assertion")
		return nil
	}
	return err
}

func (d *Dispatcher) resolveTable(ctx context.Context, cameraID uuid.UUID, jsonTableID string) (uuid.UUID, error) {
	m, ok, err := d.cache.GetTableMap(ctx, cameraID)
	if err != nil {
		log.Warn().Err(err).Msg("Table map cache read failed; falling back to store")
	}
	if !ok {
		m, err = d.store.GetCameraTableMap(ctx, cameraID)
		if err != nil {
			return uuid.Nil, err
		}
		if cerr := d.cache.SetTableMap(ctx, cameraID, m); cerr != nil {
			log.Warn().Err(cerr).Msg("Table map cache write failed")
		}
	}
	id, ok := m[jsonTableID]
	if !ok {
		return uuid.Nil, domain.Ef(domain.KindInput, "dispatch", "%s: json table id %q", DropUnmapped, jsonTableID)
	}
	return id, nil
}

func labelState(label string) (domain.TableState, bool) {
	switch label {
	case "occupied":
		return domain.TableOccupied, true
	case "dirty":
		return domain.TableDirty, true
	case "empty", "clean":
		return domain.TableClean, true
	}
	return "", false
}

type statusError struct{ status int }

func (e *statusError) Error() string { return fmt.Sprintf("classifier returned status %d", e.status) }

func classifySendErr(err error) error {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.status == http.StatusUnauthorized || se.status == http.StatusForbidden:
			return domain.Wrap(domain.KindPermanent, "dispatch", "auth rejected", se)
		case se.status == http.StatusTooManyRequests || se.status >= 500:
			return domain.Wrap(domain.KindTransient, "dispatch", "classifier unavailable", se)
		default:
			return domain.Wrap(domain.KindPermanent, "dispatch", "classifier rejected request", se)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Wrap(domain.KindTransient, "dispatch", "attempt timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.Wrap(domain.KindTransient, "dispatch", "attempt timed out", err)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	// Connection refused, breaker open, and the rest of the transport
	// failures are retryable.
	return domain.Wrap(domain.KindTransient, "dispatch", "classifier request failed", err)
}

func isAuth(err error) bool {
	var se *statusError
	return errors.As(err, &se) &&
		(se.status == http.StatusUnauthorized || se.status == http.StatusForbidden)
}

func dropReason(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		if i := strings.IndexByte(de.Msg, ':'); i > 0 {
			return de.Msg[:i]
		}
		return de.Msg
	}
	return "unknown"
}

func ext(format string) string {
	if format == "png" {
		return "png"
	}
	return "jpg"
}
