// Package schedule builds weekly shift assignments: a constraint
// validator over availability and preferences, and a score-and-rank
// engine that fills staffing requirements one slot at a time.
package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/floorops/floorops/internal/domain"
)

// Weekly hour ceilings. A waiter preference can lower the first but
// never raise the second.
const (
	defaultMaxHoursPerWeek = 40.0
	legalMaxHoursPerWeek   = 48.0
)

// Soft-constraint deductions.
const (
	deductShiftType    = 15.0
	deductSection      = 10.0
	deductClopening    = 20.0
	deductPerHourShort = 5.0

	// clopeningGap is the minimum rest between a closing and an opening
	// shift on consecutive days.
	clopeningGap = 10 * time.Hour
)

// Slot is one staffing vacancy the engine tries to fill.
type Slot struct {
	Date      time.Time
	DayOfWeek int
	StartMin  int
	EndMin    int
	Role      domain.Role
	SectionID *uuid.UUID
	IsPrime   bool
}

// Hours returns the slot length in hours.
func (s Slot) Hours() float64 { return float64(s.EndMin-s.StartMin) / 60.0 }

// ShiftType buckets the slot by its start hour.
func (s Slot) ShiftType() domain.ShiftType { return domain.ShiftTypeOf(s.StartMin / 60) }

// WaiterState is the running per-waiter tally inside one engine run.
type WaiterState struct {
	Hours      float64
	PrimeHours float64
	Shifts     int
	Items      []domain.ScheduleItem
}

// RejectError names the hard constraint a candidate failed.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return "hard constraint: " + e.Reason }

// CheckHard validates the five rejection rules for assigning slot to the
// waiter. nil means the assignment is legal.
func CheckHard(w domain.Waiter, pref *domain.StaffPreference, avail []domain.StaffAvailability, state WaiterState, slot Slot) error {
	covered := false
	for _, a := range avail {
		if a.DayOfWeek != slot.DayOfWeek || !a.InEffect(slot.Date) {
			continue
		}
		switch a.Type {
		case domain.AvailUnavailable:
			if a.Overlaps(slot.StartMin, slot.EndMin) {
				return &RejectError{Reason: "unavailable window overlaps shift"}
			}
		case domain.AvailAvailable, domain.AvailPreferred:
			if a.Covers(slot.StartMin, slot.EndMin) {
				covered = true
			}
		}
	}
	if !covered {
		return &RejectError{Reason: "no availability window covers shift"}
	}

	if pref != nil && len(pref.PreferredRoles) > 0 {
		if !containsRole(pref.PreferredRoles, slot.Role) {
			return &RejectError{Reason: "role outside preferred roles"}
		}
	} else if w.Role != slot.Role {
		return &RejectError{Reason: "role mismatch"}
	}

	maxHours := defaultMaxHoursPerWeek
	if pref != nil && pref.MaxHoursPerWeek > 0 {
		maxHours = pref.MaxHoursPerWeek
	}
	if maxHours > legalMaxHoursPerWeek {
		maxHours = legalMaxHoursPerWeek
	}
	if state.Hours+slot.Hours() > maxHours {
		return &RejectError{Reason: "weekly hour cap exceeded"}
	}

	if pref != nil && pref.MaxShiftsPerWeek > 0 && state.Shifts+1 > pref.MaxShiftsPerWeek {
		return &RejectError{Reason: "weekly shift cap exceeded"}
	}

	candidate := domain.ScheduleItem{Date: slot.Date, StartMin: slot.StartMin, EndMin: slot.EndMin}
	for _, item := range state.Items {
		if item.Overlaps(candidate) {
			return &RejectError{Reason: "overlaps an assigned shift"}
		}
	}
	return nil
}

// SoftDeductions totals the score deductions for slot and names each one.
func SoftDeductions(pref *domain.StaffPreference, state WaiterState, slot Slot) (float64, []string) {
	var total float64
	var reasons []string

	if pref == nil {
		return 0, nil
	}

	if len(pref.PreferredShifts) > 0 && !containsShift(pref.PreferredShifts, slot.ShiftType()) {
		total += deductShiftType
		reasons = append(reasons, fmt.Sprintf("%s shift outside preferred shift types", slot.ShiftType()))
	}

	if len(pref.PreferredSections) > 0 && slot.SectionID != nil && !containsID(pref.PreferredSections, *slot.SectionID) {
		total += deductSection
		reasons = append(reasons, "section outside preferred sections")
	}

	if pref.AvoidClopening && clopens(state.Items, slot) {
		total += deductClopening
		reasons = append(reasons, "clopening against an adjacent day's shift")
	}

	if pref.MinHoursPerWeek > 0 {
		projected := state.Hours + slot.Hours()
		if projected < pref.MinHoursPerWeek {
			short := pref.MinHoursPerWeek - projected
			total += deductPerHourShort * short
			reasons = append(reasons, fmt.Sprintf("%.1fh under weekly minimum", short))
		}
	}
	return total, reasons
}

// clopens reports whether slot starts or ends within clopeningGap of an
// assigned shift on an adjacent day.
func clopens(items []domain.ScheduleItem, slot Slot) bool {
	slotStart := slot.Date.Add(time.Duration(slot.StartMin) * time.Minute)
	slotEnd := slot.Date.Add(time.Duration(slot.EndMin) * time.Minute)

	for _, item := range items {
		itemStart := item.Date.Add(time.Duration(item.StartMin) * time.Minute)
		itemEnd := item.Date.Add(time.Duration(item.EndMin) * time.Minute)

		if itemEnd.Before(slotStart) && slotStart.Sub(itemEnd) < clopeningGap && !item.Date.Equal(slot.Date) {
			return true
		}
		if slotEnd.Before(itemStart) && itemStart.Sub(slotEnd) < clopeningGap && !item.Date.Equal(slot.Date) {
			return true
		}
	}
	return false
}

func containsRole(rs []domain.Role, r domain.Role) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

func containsShift(ss []domain.ShiftType, s domain.ShiftType) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
