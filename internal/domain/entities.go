package domain

import (
	"time"

	"github.com/google/uuid"
)

// TableState is the lifecycle state of a physical table.
type TableState string

const (
	TableClean       TableState = "clean"
	TableOccupied    TableState = "occupied"
	TableDirty       TableState = "dirty"
	TableReserved    TableState = "reserved"
	TableUnavailable TableState = "unavailable"
)

func (s TableState) Valid() bool {
	switch s {
	case TableClean, TableOccupied, TableDirty, TableReserved, TableUnavailable:
		return true
	}
	return false
}

// StateSource identifies who asserted a table state change.
type StateSource string

const (
	SourceML     StateSource = "ml"
	SourceHost   StateSource = "host"
	SourceSystem StateSource = "system"
)

func (s StateSource) Valid() bool {
	return s == SourceML || s == SourceHost || s == SourceSystem
}

// Role is a staff member's job function.
type Role string

const (
	RoleServer    Role = "server"
	RoleBartender Role = "bartender"
	RoleHost      Role = "host"
	RoleBusser    Role = "busser"
	RoleRunner    Role = "runner"
)

// Seatable reports whether the role can be assigned parties by the router.
func (r Role) Seatable() bool { return r == RoleServer || r == RoleBartender }

// Tier is the coarse performance bucket derived from composite score.
type Tier string

const (
	TierStrong     Tier = "strong"
	TierStandard   Tier = "standard"
	TierDeveloping Tier = "developing"
)

// ShiftStatus tracks a waiter work session.
type ShiftStatus string

const (
	ShiftActive  ShiftStatus = "active"
	ShiftOnBreak ShiftStatus = "on_break"
	ShiftEnded   ShiftStatus = "ended"
)

// WaitlistStatus tracks a queued party.
type WaitlistStatus string

const (
	WaitlistWaiting    WaitlistStatus = "waiting"
	WaitlistSeated     WaitlistStatus = "seated"
	WaitlistWalkedAway WaitlistStatus = "walked_away"
)

// TableType and TableLocation describe the physical seat group.
type TableType string

const (
	TypeBooth TableType = "booth"
	TypeBar   TableType = "bar"
	TypeTable TableType = "table"
	TypeNone  TableType = "none" // preference wildcard, never stored on a table
)

type TableLocation string

const (
	LocInside  TableLocation = "inside"
	LocOutside TableLocation = "outside"
	LocPatio   TableLocation = "patio"
	LocNone    TableLocation = "none"
)

// DispatchStatus is the lifecycle of a crop dispatch attempt.
type DispatchStatus string

const (
	DispatchQueued     DispatchStatus = "queued"
	DispatchDispatched DispatchStatus = "dispatched"
	DispatchSucceeded  DispatchStatus = "succeeded"
	DispatchFailed     DispatchStatus = "failed"
)

// ScheduleStatus is the lifecycle of a weekly schedule.
type ScheduleStatus string

const (
	ScheduleDraft     ScheduleStatus = "draft"
	SchedulePublished ScheduleStatus = "published"
	ScheduleArchived  ScheduleStatus = "archived"
)

// AvailabilityType classifies a staff availability window.
type AvailabilityType string

const (
	AvailAvailable   AvailabilityType = "available"
	AvailUnavailable AvailabilityType = "unavailable"
	AvailPreferred   AvailabilityType = "preferred"
)

// ShiftType buckets shifts by time of day for preference matching.
type ShiftType string

const (
	ShiftMorning   ShiftType = "morning"
	ShiftAfternoon ShiftType = "afternoon"
	ShiftEvening   ShiftType = "evening"
	ShiftClosing   ShiftType = "closing"
)

// ShiftTypeOf buckets a start hour into a shift type.
func ShiftTypeOf(startHour int) ShiftType {
	switch {
	case startHour < 11:
		return ShiftMorning
	case startHour < 16:
		return ShiftAfternoon
	case startHour < 21:
		return ShiftEvening
	default:
		return ShiftClosing
	}
}

// Restaurant is the aggregate root. Config holds the per-restaurant routing
// and alerting settings.
type Restaurant struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	Name      string           `db:"name" json:"name"`
	Timezone  string           `db:"timezone" json:"timezone"`
	Config    RestaurantConfig `db:"-" json:"config"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// Section is a named area owning an ordered run of tables.
type Section struct {
	ID           uuid.UUID `db:"id" json:"id"`
	RestaurantID uuid.UUID `db:"restaurant_id" json:"restaurant_id"`
	Name         string    `db:"name" json:"name"`
	Position     int       `db:"position" json:"position"`
}

// Table is a physical seat group.
type Table struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	RestaurantID    uuid.UUID     `db:"restaurant_id" json:"restaurant_id"`
	SectionID       uuid.UUID     `db:"section_id" json:"section_id"`
	Number          int           `db:"number" json:"number"`
	Capacity        int           `db:"capacity" json:"capacity"`
	Type            TableType     `db:"table_type" json:"table_type"`
	Location        TableLocation `db:"location" json:"location"`
	State           TableState    `db:"state" json:"state"`
	StateConfidence float64       `db:"state_confidence" json:"state_confidence"`
	StateUpdatedAt  time.Time     `db:"state_updated_at" json:"state_updated_at"`
	CurrentVisitID  *uuid.UUID    `db:"current_visit_id" json:"current_visit_id,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
}

// TableStateLog is the append-only audit trail for table state changes.
type TableStateLog struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	TableID    uuid.UUID   `db:"table_id" json:"table_id"`
	Previous   TableState  `db:"previous_state" json:"previous_state"`
	Next       TableState  `db:"next_state" json:"next_state"`
	Confidence float64     `db:"confidence" json:"confidence"`
	Source     StateSource `db:"source" json:"source"`
	Detail     string      `db:"detail" json:"detail"` // model id, user id, or operation name
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// Waiter is a staff member with lifetime performance totals.
type Waiter struct {
	ID             uuid.UUID `db:"id" json:"id"`
	RestaurantID   uuid.UUID `db:"restaurant_id" json:"restaurant_id"`
	SectionID      *uuid.UUID `db:"section_id" json:"section_id,omitempty"`
	Name           string    `db:"name" json:"name"`
	Role           Role      `db:"role" json:"role"`
	Tier           Tier      `db:"tier" json:"tier"`
	CompositeScore float64   `db:"composite_score" json:"composite_score"` // 0..100
	TotalShifts    int       `db:"total_shifts" json:"total_shifts"`
	TotalCovers    int       `db:"total_covers" json:"total_covers"`
	TotalTips      float64   `db:"total_tips" json:"total_tips"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Shift is a waiter work session with mutable aggregates.
type Shift struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	RestaurantID uuid.UUID   `db:"restaurant_id" json:"restaurant_id"`
	WaiterID     uuid.UUID   `db:"waiter_id" json:"waiter_id"`
	Status       ShiftStatus `db:"status" json:"status"`
	StartedAt    time.Time   `db:"started_at" json:"started_at"`
	EndedAt      *time.Time  `db:"ended_at" json:"ended_at,omitempty"`
	TablesServed int         `db:"tables_served" json:"tables_served"`
	Covers       int         `db:"covers" json:"covers"`
	Tips         float64     `db:"tips" json:"tips"`
	Sales        float64     `db:"sales" json:"sales"`
}

// Visit is one table occupancy from seating to clearing.
type Visit struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	RestaurantID     uuid.UUID  `db:"restaurant_id" json:"restaurant_id"`
	TableID          uuid.UUID  `db:"table_id" json:"table_id"`
	WaiterID         uuid.UUID  `db:"waiter_id" json:"waiter_id"`
	OriginalWaiterID *uuid.UUID `db:"original_waiter_id" json:"original_waiter_id,omitempty"`
	WaitlistEntryID  *uuid.UUID `db:"waitlist_entry_id" json:"waitlist_entry_id,omitempty"`
	PartySize        int        `db:"party_size" json:"party_size"`
	Covers           int        `db:"covers" json:"covers"`
	SeatedAt         time.Time  `db:"seated_at" json:"seated_at"`
	FirstServedAt    *time.Time `db:"first_served_at" json:"first_served_at,omitempty"`
	PaymentAt        *time.Time `db:"payment_at" json:"payment_at,omitempty"`
	ClearedAt        *time.Time `db:"cleared_at" json:"cleared_at,omitempty"`
	DurationMinutes  *float64   `db:"duration_minutes" json:"duration_minutes,omitempty"`
	Subtotal         float64    `db:"subtotal" json:"subtotal"`
	Tax              float64    `db:"tax" json:"tax"`
	Total            float64    `db:"total" json:"total"`
	Tip              float64    `db:"tip" json:"tip"`
	TipPct           *float64   `db:"tip_pct" json:"tip_pct,omitempty"`
}

// Open reports whether the visit has not been cleared yet.
func (v *Visit) Open() bool { return v.ClearedAt == nil }

// WaitlistEntry is a queued party.
type WaitlistEntry struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	RestaurantID       uuid.UUID      `db:"restaurant_id" json:"restaurant_id"`
	PartyName          string         `db:"party_name" json:"party_name"`
	PartySize          int            `db:"party_size" json:"party_size"`
	TablePreference    TableType      `db:"table_preference" json:"table_preference"`
	LocationPreference TableLocation  `db:"location_preference" json:"location_preference"`
	Status             WaitlistStatus `db:"status" json:"status"`
	VisitID            *uuid.UUID     `db:"visit_id" json:"visit_id,omitempty"`
	QuotedWaitMinutes  int            `db:"quoted_wait_minutes" json:"quoted_wait_minutes"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
}

// Camera is a registered video source plus its installed crop metadata.
type Camera struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	RestaurantID   uuid.UUID  `db:"restaurant_id" json:"restaurant_id"`
	Name           string     `db:"name" json:"name"`
	SourceURI      string     `db:"source_uri" json:"source_uri"`
	CropJSON       []byte     `db:"crop_json" json:"-"`
	TableMap       map[string]uuid.UUID `db:"-" json:"table_map,omitempty"`
	LastCaptureAt  *time.Time `db:"last_capture_at" json:"last_capture_at,omitempty"`
	LastFrameIndex int64      `db:"last_frame_index" json:"last_frame_index"`
	Degraded       bool       `db:"degraded" json:"degraded"`
}

// CropDispatchLog is the idempotence ledger for classifier dispatches.
// (camera_id, json_table_id, frame_index) is unique.
type CropDispatchLog struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	CameraID    uuid.UUID      `db:"camera_id" json:"camera_id"`
	JSONTableID string         `db:"json_table_id" json:"json_table_id"`
	FrameIndex  int64          `db:"frame_index" json:"frame_index"`
	Status      DispatchStatus `db:"status" json:"status"`
	Attempts    int            `db:"attempts" json:"attempts"`
	LastError   string         `db:"last_error" json:"last_error"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// StaffAvailability is a recurring weekly window for one waiter. The
// effective range bounds the dates the window applies to; a nil bound
// is open-ended.
type StaffAvailability struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	WaiterID       uuid.UUID        `db:"waiter_id" json:"waiter_id"`
	DayOfWeek      int              `db:"day_of_week" json:"day_of_week"` // 0=Sunday
	StartMin       int              `db:"start_min" json:"start_min"`     // minutes from midnight
	EndMin         int              `db:"end_min" json:"end_min"`
	Type           AvailabilityType `db:"type" json:"type"`
	EffectiveFrom  *time.Time       `db:"effective_from" json:"effective_from,omitempty"`
	EffectiveUntil *time.Time       `db:"effective_until" json:"effective_until,omitempty"`
}

// InEffect reports whether the window applies on the given date.
// EffectiveUntil is inclusive of its date.
func (a StaffAvailability) InEffect(date time.Time) bool {
	if a.EffectiveFrom != nil && date.Before(*a.EffectiveFrom) {
		return false
	}
	if a.EffectiveUntil != nil && date.After(*a.EffectiveUntil) {
		return false
	}
	return true
}

// Covers reports whether the window fully contains [startMin, endMin).
func (a StaffAvailability) Covers(startMin, endMin int) bool {
	return a.StartMin <= startMin && a.EndMin >= endMin
}

// Overlaps reports whether the window intersects [startMin, endMin).
func (a StaffAvailability) Overlaps(startMin, endMin int) bool {
	return a.StartMin < endMin && startMin < a.EndMin
}

// StaffPreference is the single per-waiter scheduling preference record.
type StaffPreference struct {
	WaiterID          uuid.UUID   `db:"waiter_id" json:"waiter_id"`
	PreferredRoles    []Role      `db:"-" json:"preferred_roles"`
	PreferredShifts   []ShiftType `db:"-" json:"preferred_shift_types"`
	PreferredSections []uuid.UUID `db:"-" json:"preferred_sections"`
	MaxHoursPerWeek   float64     `db:"max_hours_per_week" json:"max_hours_per_week"`
	MinHoursPerWeek   float64     `db:"min_hours_per_week" json:"min_hours_per_week"`
	MaxShiftsPerWeek  int         `db:"max_shifts_per_week" json:"max_shifts_per_week"`
	AvoidClopening    bool        `db:"avoid_clopening" json:"avoid_clopening"`
}

// StaffingRequirement is one demand slot the scheduling engine must fill.
type StaffingRequirement struct {
	ID           uuid.UUID `db:"id" json:"id"`
	RestaurantID uuid.UUID `db:"restaurant_id" json:"restaurant_id"`
	DayOfWeek    int       `db:"day_of_week" json:"day_of_week"`
	StartMin     int       `db:"start_min" json:"start_min"`
	EndMin       int       `db:"end_min" json:"end_min"`
	Role         Role      `db:"role" json:"role"`
	MinStaff     int       `db:"min_staff" json:"min_staff"`
	MaxStaff     int       `db:"max_staff" json:"max_staff"`
	IsPrime      bool      `db:"is_prime" json:"is_prime_shift"`
}

// HoursLong returns the slot length in hours.
func (r StaffingRequirement) HoursLong() float64 {
	return float64(r.EndMin-r.StartMin) / 60.0
}

// Schedule is the weekly container for generated assignments.
type Schedule struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	RestaurantID uuid.UUID      `db:"restaurant_id" json:"restaurant_id"`
	WeekStart    time.Time      `db:"week_start" json:"week_start"`
	Status       ScheduleStatus `db:"status" json:"status"`
	Version      int            `db:"version" json:"version"`
	GeneratedBy  string         `db:"generated_by" json:"generated_by"` // manual|engine|suggestion
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// ScheduleItem is one assigned shift inside a schedule.
type ScheduleItem struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	ScheduleID          uuid.UUID  `db:"schedule_id" json:"schedule_id"`
	WaiterID            uuid.UUID  `db:"waiter_id" json:"waiter_id"`
	Role                Role       `db:"role" json:"role"`
	SectionID           *uuid.UUID `db:"section_id" json:"section_id,omitempty"`
	Date                time.Time  `db:"shift_date" json:"shift_date"`
	StartMin            int        `db:"start_min" json:"start_min"`
	EndMin              int        `db:"end_min" json:"end_min"`
	Source              string     `db:"source" json:"source"`
	PreferenceMatch     float64    `db:"preference_match_score" json:"preference_match_score"` // 0..100
	FairnessImpact      float64    `db:"fairness_impact_score" json:"fairness_impact_score"`   // signed
}

// Overlaps reports whether two items for the same waiter collide in time.
func (i ScheduleItem) Overlaps(o ScheduleItem) bool {
	if !i.Date.Equal(o.Date) {
		return false
	}
	return i.StartMin < o.EndMin && o.StartMin < i.EndMin
}

// Hours returns the item length in hours.
func (i ScheduleItem) Hours() float64 { return float64(i.EndMin-i.StartMin) / 60.0 }

// ScheduleReasoning is the structured rationale for one schedule item.
type ScheduleReasoning struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ScheduleItemID uuid.UUID `db:"schedule_item_id" json:"schedule_item_id"`
	Reasons        []string  `db:"-" json:"reasons"`
	Narrative      string    `db:"narrative" json:"narrative,omitempty"` // optional LLM paragraph
}

// ScheduleRun records one scheduling engine execution.
type ScheduleRun struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	RestaurantID  uuid.UUID  `db:"restaurant_id" json:"restaurant_id"`
	ScheduleID    *uuid.UUID `db:"schedule_id" json:"schedule_id,omitempty"`
	WeekStart     time.Time  `db:"week_start" json:"week_start"`
	SnapshotID    uuid.UUID  `db:"snapshot_id" json:"snapshot_id"`
	Status        string     `db:"status" json:"status"` // running|completed|failed
	ErrorMessage  string     `db:"error_message" json:"error_message,omitempty"`
	ItemsCreated  int        `db:"items_created" json:"items_created"`
	TotalHours    float64    `db:"total_hours" json:"total_hours"`
	CoveragePct   float64    `db:"coverage_pct" json:"coverage_pct"`
	FairnessGini  float64    `db:"fairness_gini" json:"fairness_gini"`
	PreferenceAvg float64    `db:"preference_avg" json:"preference_avg"`
	ForecastTrend string     `db:"forecast_trend" json:"forecast_trend"`
	Understaffed  int        `db:"understaffed_slots" json:"understaffed_slots"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	FinishedAt    *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}
