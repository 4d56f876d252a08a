package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/routing"
	"github.com/floorops/floorops/internal/store"
)

const dateLayout = "2006-01-02"

// fallbackWaitPerPosition is the quote used for waitlist entries that
// were never quoted at intake.
const fallbackWaitPerPosition = 15

// stateWebhookBody is the classifier service's push payload: one
// prediction per table in the analyzed frame.
type stateWebhookBody struct {
	RestaurantID uuid.UUID        `json:"restaurant_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Tables       []tablePrediction `json:"tables"`
}

type tablePrediction struct {
	TableID               uuid.UUID `json:"table_id"`
	PredictedState        string    `json:"predicted_state"`
	StateConfidence       float64   `json:"state_confidence"`
	PersonCount           int       `json:"person_count"`
	PersonCountConfidence float64   `json:"person_count_confidence"`
}

type tableResult struct {
	TableID uuid.UUID `json:"table_id"`
	Applied bool      `json:"applied"`
	State   string    `json:"state,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// handleStateWebhook applies each prediction through the state machine.
// Per-table rejections do not fail the batch; each table reports its own
// outcome.
func (s *Server) handleStateWebhook(w http.ResponseWriter, r *http.Request) {
	var body stateWebhookBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.RestaurantID == uuid.Nil || len(body.Tables) == 0 {
		writeError(w, domain.E(domain.KindInput, "httpapi", "restaurant_id and tables are required"))
		return
	}

	results := make([]tableResult, 0, len(body.Tables))
	for _, p := range body.Tables {
		res := tableResult{TableID: p.TableID}
		next := domain.TableState(p.PredictedState)
		if !next.Valid() {
			res.Error = "unknown state " + p.PredictedState
			results = append(results, res)
			continue
		}
		rec, err := s.Store.UpdateTableState(r.Context(), store.StateUpdate{
			TableID:    p.TableID,
			NewState:   next,
			Confidence: p.StateConfidence,
			Source:     domain.SourceML,
			Detail:     "webhook",
		})
		if err != nil {
			res.Error = err.Error()
			if !domain.IsKind(err, domain.KindInput) && !domain.IsKind(err, domain.KindNotFound) {
				log.Warn().Err(err).Str("table", p.TableID.String()).Msg("Webhook state update failed")
			}
		} else {
			// rec is nil for same-state no-ops; those still count as applied.
			res.Applied = true
			res.State = p.PredictedState
			if rec != nil {
				res.State = string(rec.Next)
			}
		}
		results = append(results, res)
	}
	writeData(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req routing.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.Router.Recommend(r.Context(), restaurantID, req)
	if err != nil {
		var nm *routing.NoMatchError
		if errors.As(err, &nm) && nm.Reason == routing.NoTables {
			writeJSON(w, http.StatusOK, envelope{
				Success: false,
				Message: nm.Reason,
				Data:    map[string]int{"estimated_wait_minutes": s.estimateWait(r.Context(), restaurantID)},
			})
			return
		}
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

// defaultTurnMinutes is the turn time assumed when no recent visits
// exist to average over.
const defaultTurnMinutes = 45.0

// estimateWait quotes a wait when the floor is full: open-visit count
// times the average turn observed over the last day.
func (s *Server) estimateWait(ctx context.Context, restaurantID uuid.UUID) int {
	visits, err := s.Store.ListVisitsSince(ctx, restaurantID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return int(defaultTurnMinutes)
	}
	open := 0
	var turnSum float64
	turnN := 0
	for _, v := range visits {
		if v.Open() {
			open++
		} else if v.DurationMinutes != nil {
			turnSum += *v.DurationMinutes
			turnN++
		}
	}
	avg := defaultTurnMinutes
	if turnN > 0 {
		avg = turnSum / float64(turnN)
	}
	if open == 0 {
		open = 1
	}
	return int(float64(open) * avg)
}

func (s *Server) handleSeat(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var rec routing.Recommendation
	if err := decodeBody(r, &rec); err != nil {
		writeError(w, err)
		return
	}
	visit, err := s.Router.Seat(r.Context(), restaurantID, &rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, visit)
}

// hostStateBody is a floor-staff table-state assertion.
type hostStateBody struct {
	State  string `json:"state"`
	UserID string `json:"user_id"`
}

func (s *Server) handleHostState(w http.ResponseWriter, r *http.Request) {
	tableID, err := pathUUID(r, "tableID")
	if err != nil {
		writeError(w, err)
		return
	}
	var body hostStateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	next := domain.TableState(body.State)
	if !next.Valid() {
		writeError(w, domain.Ef(domain.KindInput, "httpapi", "unknown state %q", body.State))
		return
	}
	rec, err := s.Store.UpdateTableState(r.Context(), store.StateUpdate{
		TableID:    tableID,
		NewState:   next,
		Confidence: 1,
		Source:     domain.SourceHost,
		Detail:     body.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

// waitlistView is one waitlist entry with its queue position and wait
// estimate.
type waitlistView struct {
	domain.WaitlistEntry
	Position             int `json:"position"`
	EstimatedWaitMinutes int `json:"estimated_wait_minutes"`
}

func (s *Server) handleWaitlist(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.Store.ListWaitlist(r.Context(), restaurantID)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]waitlistView, 0, len(entries))
	position := 0
	for _, e := range entries {
		v := waitlistView{WaitlistEntry: e}
		if e.Status == domain.WaitlistWaiting {
			position++
			v.Position = position
			v.EstimatedWaitMinutes = e.QuotedWaitMinutes
			if v.EstimatedWaitMinutes <= 0 {
				v.EstimatedWaitMinutes = position * fallbackWaitPerPosition
			}
		}
		views = append(views, v)
	}
	writeData(w, http.StatusOK, map[string]any{"entries": views, "waiting": position})
}

func (s *Server) handleCloseVisit(w http.ResponseWriter, r *http.Request) {
	visitID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var money store.VisitClose
	if err := decodeBody(r, &money); err != nil {
		writeError(w, err)
		return
	}
	visit, err := s.Store.CloseVisit(r.Context(), visitID, money)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, visit)
}

type milestoneBody struct {
	Milestone string     `json:"milestone"`
	At        *time.Time `json:"at,omitempty"`
}

func (s *Server) handleVisitMilestone(w http.ResponseWriter, r *http.Request) {
	visitID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body milestoneBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Milestone == "" {
		writeError(w, domain.E(domain.KindInput, "httpapi", "milestone is required"))
		return
	}
	at := time.Now().UTC()
	if body.At != nil {
		at = *body.At
	}
	if err := s.Store.RecordVisitMilestone(r.Context(), visitID, body.Milestone, at); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"visit_id": visitID, "milestone": body.Milestone, "at": at})
}

// installCropBody pairs the segmentation output with the operator's
// json-table-id to physical-table mapping.
type installCropBody struct {
	CropJSON json.RawMessage      `json:"crop_json"`
	TableMap map[string]uuid.UUID `json:"table_map"`
}

func (s *Server) handleInstallCropJSON(w http.ResponseWriter, r *http.Request) {
	cameraID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body installCropBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	cj, err := domain.ParseCropJSON(body.CropJSON)
	if err != nil {
		writeError(w, err)
		return
	}
	known := make(map[string]bool, len(cj.Tables))
	for _, t := range cj.Tables {
		known[t.ID] = true
	}
	for jsonID := range body.TableMap {
		if !known[jsonID] {
			writeError(w, domain.Ef(domain.KindInput, "httpapi", "table_map references unknown crop table %q", jsonID))
			return
		}
	}

	if err := s.Store.InstallCropJSON(r.Context(), cameraID, body.CropJSON, body.TableMap); err != nil {
		writeError(w, err)
		return
	}
	// Dispatchers resolve tables through the cached map; a stale copy
	// would keep asserting states against the old mapping.
	if err := s.Cache.InvalidateTableMap(r.Context(), cameraID); err != nil {
		log.Warn().Err(err).Str("camera", cameraID.String()).Msg("Table map cache invalidation failed")
	}
	writeData(w, http.StatusOK, map[string]any{
		"camera_id": cameraID,
		"tables":    len(cj.Tables),
		"mapped":    len(body.TableMap),
	})
}

type scheduleRunBody struct {
	WeekStart string `json:"week_start"`
}

func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body scheduleRunBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	weekStart, err := time.Parse(dateLayout, body.WeekStart)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInput, "httpapi", "invalid week_start", err))
		return
	}
	run, err := s.Engine.Run(r.Context(), restaurantID, weekStart)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, run)
}

func (s *Server) handlePublishSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.Store.PublishSchedule(r.Context(), scheduleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sched)
}

// rollupBody names the period window. End is only read for shift
// rollups, which have no calendar length.
type rollupBody struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// parseWhen accepts a bare date or a full RFC3339 timestamp; hourly and
// shift windows need the time of day.
func parseWhen(raw string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.Wrap(domain.KindInput, "httpapi", "invalid timestamp", err)
	}
	return t, nil
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body rollupBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start, err := parseWhen(body.Start)
	if err != nil {
		writeError(w, err)
		return
	}

	period := mux.Vars(r)["period"]
	switch period {
	case "hourly", "daily", "weekly", "monthly":
		err = s.Rollups.Run(r.Context(), restaurantID, period, start)
	case "shift":
		if body.End == "" {
			writeError(w, domain.E(domain.KindInput, "httpapi", "shift rollups require an end timestamp"))
			return
		}
		var end time.Time
		if end, err = parseWhen(body.End); err == nil {
			err = s.Rollups.RunShift(r.Context(), restaurantID, start, end)
		}
	default:
		err = domain.Ef(domain.KindInput, "httpapi", "unknown rollup period %q", period)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"period": period, "start": body.Start})
}

type recalcTiersBody struct {
	Since string `json:"since,omitempty"`
}

// handleRecalculateTiers re-buckets waiter tiers; the window defaults to
// the last four weeks.
func (s *Server) handleRecalculateTiers(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body recalcTiersBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -28)
	if body.Since != "" {
		since, err = time.Parse(dateLayout, body.Since)
		if err != nil {
			writeError(w, domain.Wrap(domain.KindInput, "httpapi", "invalid since date", err))
			return
		}
	}
	if err := s.Rollups.RecalculateTiers(r.Context(), restaurantID, since); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"restaurant_id": restaurantID, "since": since})
}
