// Package store defines the transactional interface to the data model.
// It is the single source of truth; every mutation of state-bearing fields
// goes through an operation here and leaves an audit row behind.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/floorops/floorops/internal/domain"
)

// TablePreferences carries a party's soft table preferences.
type TablePreferences struct {
	Type     domain.TableType
	Location domain.TableLocation
}

// MatchDetails explains why a candidate table matched a request.
type MatchDetails struct {
	TypeMatched     bool
	LocationMatched bool
	ExcessSeats     int
}

// TableMatch pairs a candidate table with its match details.
type TableMatch struct {
	Table domain.Table
	Match MatchDetails
}

// ShiftSnapshot is the live-shift view the router scores waiters on.
type ShiftSnapshot struct {
	Shift         domain.Shift
	CurrentTables int // open visits assigned to the waiter right now
}

// WaiterShift pairs a waiter with their current (non-ended) shift.
type WaiterShift struct {
	Waiter domain.Waiter
	Shift  ShiftSnapshot
}

// SeatRequest seats a party at a table under one transaction.
type SeatRequest struct {
	RestaurantID    uuid.UUID
	TableID         uuid.UUID
	WaiterID        uuid.UUID
	PartySize       int
	WaitlistEntryID *uuid.UUID
}

// VisitClose carries the money fields set when a visit is closed out.
type VisitClose struct {
	Subtotal float64
	Tax      float64
	Total    float64
	Tip      float64
}

// StateUpdate is one table-state assertion routed through the state machine.
type StateUpdate struct {
	TableID    uuid.UUID
	NewState   domain.TableState
	Confidence float64
	Source     domain.StateSource
	Detail     string // model id (ml), user id (host), or operation (system)
}

// MetricsRow is a generic rollup row keyed by (period_type, period_start).
// Recomputation upserts over the same key.
type MetricsRow struct {
	RestaurantID uuid.UUID      `db:"restaurant_id" json:"restaurant_id"`
	SubjectID    *uuid.UUID     `db:"subject_id" json:"subject_id,omitempty"` // waiter or menu item; nil for restaurant rows
	PeriodType   string         `db:"period_type" json:"period_type"`         // shift|daily|weekly|monthly|hourly
	PeriodStart  time.Time      `db:"period_start" json:"period_start"`
	Values       map[string]float64 `db:"-" json:"values"`
	ComputedAt   time.Time      `db:"computed_at" json:"computed_at"`
}

// Store is the narrow, typed operation set the core calls. Implementations:
// postgres (production) and memstore (tests, demo runs). Every operation
// either commits or reports a typed error and leaves state unchanged.
type Store interface {
	// Restaurants
	GetRestaurant(ctx context.Context, id uuid.UUID) (*domain.Restaurant, error)
	ListSections(ctx context.Context, restaurantID uuid.UUID) ([]domain.Section, error)

	// Tables
	GetTable(ctx context.Context, id uuid.UUID) (*domain.Table, error)
	// FindAvailableTables returns clean tables with capacity >= partySize,
	// ordered by preference match desc then excess seats asc then number asc.
	FindAvailableTables(ctx context.Context, restaurantID uuid.UUID, partySize int, prefs TablePreferences) ([]TableMatch, error)
	// UpdateTableState routes an assertion through the state machine,
	// appends the audit row, and reconciles the current-visit pointer:
	// ML-asserted occupancy with no open visit creates a walk-in visit;
	// occupied->dirty closes the open visit.
	UpdateTableState(ctx context.Context, upd StateUpdate) (*domain.TableStateLog, error)
	ListStateLog(ctx context.Context, tableID uuid.UUID, limit int) ([]domain.TableStateLog, error)

	// Waiters and shifts
	GetWaiter(ctx context.Context, id uuid.UUID) (*domain.Waiter, error)
	ListWaiters(ctx context.Context, restaurantID uuid.UUID) ([]domain.Waiter, error)
	// ListCandidateWaiters returns waiters on non-ended shifts with a
	// snapshot of their live workload.
	ListCandidateWaiters(ctx context.Context, restaurantID uuid.UUID) ([]WaiterShift, error)
	UpdateWaiterTier(ctx context.Context, waiterID uuid.UUID, tier domain.Tier, composite float64) error

	// Visits
	GetVisit(ctx context.Context, id uuid.UUID) (*domain.Visit, error)
	// SeatParty creates the visit, marks the table occupied, updates the
	// waitlist entry, and bumps shift aggregates in one transaction.
	// Losing a race for the table returns KindConflict.
	SeatParty(ctx context.Context, req SeatRequest) (*domain.Visit, error)
	// CloseVisit records the money fields, stamps cleared_at, computes
	// duration and tip%, and transitions the table occupied->dirty.
	CloseVisit(ctx context.Context, visitID uuid.UUID, money VisitClose) (*domain.Visit, error)
	RecordVisitMilestone(ctx context.Context, visitID uuid.UUID, milestone string, at time.Time) error
	ListVisitsSince(ctx context.Context, restaurantID uuid.UUID, since time.Time) ([]domain.Visit, error)

	// Waitlist
	GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*domain.WaitlistEntry, error)
	ListWaitlist(ctx context.Context, restaurantID uuid.UUID) ([]domain.WaitlistEntry, error)

	// Cameras
	GetCamera(ctx context.Context, id uuid.UUID) (*domain.Camera, error)
	ListCameras(ctx context.Context) ([]domain.Camera, error)
	// InstallCropJSON stores the crop metadata and the json-table-id ->
	// physical table mapping, invalidating any cached mapping.
	InstallCropJSON(ctx context.Context, cameraID uuid.UUID, raw []byte, tableMap map[string]uuid.UUID) error
	GetCameraTableMap(ctx context.Context, cameraID uuid.UUID) (map[string]uuid.UUID, error)
	UpdateCameraCapture(ctx context.Context, cameraID uuid.UUID, frameIndex int64, at time.Time) error
	SetCameraDegraded(ctx context.Context, cameraID uuid.UUID, degraded bool) error

	// Crop dispatch ledger
	// AppendCropDispatch inserts the queued row for the dedupe key
	// (camera, json_table_id, frame_index). duplicate=true means the key
	// already exists and the caller must short-circuit.
	AppendCropDispatch(ctx context.Context, cameraID uuid.UUID, jsonTableID string, frameIndex int64) (rec *domain.CropDispatchLog, duplicate bool, err error)
	UpdateCropDispatch(ctx context.Context, id uuid.UUID, status domain.DispatchStatus, attempts int, lastError string) error

	// Scheduling inputs
	ListAvailability(ctx context.Context, restaurantID uuid.UUID) ([]domain.StaffAvailability, error)
	ListPreferences(ctx context.Context, restaurantID uuid.UUID) (map[uuid.UUID]*domain.StaffPreference, error)
	ListRequirements(ctx context.Context, restaurantID uuid.UUID) ([]domain.StaffingRequirement, error)

	// Scheduling outputs
	CreateScheduleRun(ctx context.Context, run *domain.ScheduleRun) error
	UpdateScheduleRun(ctx context.Context, run *domain.ScheduleRun) error
	CreateSchedule(ctx context.Context, sched *domain.Schedule) error
	InsertScheduleItem(ctx context.Context, item *domain.ScheduleItem) error
	InsertScheduleReasoning(ctx context.Context, r *domain.ScheduleReasoning) error
	ListScheduleItems(ctx context.Context, scheduleID uuid.UUID) ([]domain.ScheduleItem, error)
	// PublishSchedule archives any previously published schedule for the
	// same week and stamps the new version.
	PublishSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.Schedule, error)

	// Analytics rollups
	UpsertMetrics(ctx context.Context, kind string, rows []MetricsRow) error
	GetMetrics(ctx context.Context, kind string, restaurantID uuid.UUID, periodType string, periodStart time.Time) ([]MetricsRow, error)

	// Health
	Ping(ctx context.Context) error
}
