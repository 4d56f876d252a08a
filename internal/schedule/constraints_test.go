package schedule

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floorops/floorops/internal/domain"
)

func saturday() time.Time {
	return time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC)
}

func brunchSlot() Slot {
	return Slot{
		Date:      saturday(),
		DayOfWeek: 6,
		StartMin:  11 * 60,
		EndMin:    15 * 60,
		Role:      domain.RoleServer,
	}
}

func allDayAvailability(waiterID uuid.UUID, day int) domain.StaffAvailability {
	return domain.StaffAvailability{
		ID: uuid.New(), WaiterID: waiterID, DayOfWeek: day,
		StartMin: 0, EndMin: 24 * 60, Type: domain.AvailAvailable,
	}
}

func TestCheckHardAvailability(t *testing.T) {
	w := domain.Waiter{ID: uuid.New(), Role: domain.RoleServer}
	slot := brunchSlot()

	t.Run("covered window passes", func(t *testing.T) {
		avail := []domain.StaffAvailability{allDayAvailability(w.ID, 6)}
		assert.NoError(t, CheckHard(w, nil, avail, WaiterState{}, slot))
	})

	t.Run("no window rejects", func(t *testing.T) {
		err := CheckHard(w, nil, nil, WaiterState{}, slot)
		var rej *RejectError
		require.ErrorAs(t, err, &rej)
		assert.Contains(t, rej.Reason, "availability")
	})

	t.Run("partial window rejects", func(t *testing.T) {
		avail := []domain.StaffAvailability{{
			WaiterID: w.ID, DayOfWeek: 6, StartMin: 12 * 60, EndMin: 18 * 60,
			Type: domain.AvailAvailable,
		}}
		assert.Error(t, CheckHard(w, nil, avail, WaiterState{}, slot))
	})

	t.Run("overlapping unavailable window rejects", func(t *testing.T) {
		avail := []domain.StaffAvailability{
			allDayAvailability(w.ID, 6),
			{WaiterID: w.ID, DayOfWeek: 6, StartMin: 13 * 60, EndMin: 14 * 60, Type: domain.AvailUnavailable},
		}
		err := CheckHard(w, nil, avail, WaiterState{}, slot)
		var rej *RejectError
		require.ErrorAs(t, err, &rej)
		assert.Contains(t, rej.Reason, "unavailable")
	})
}

func TestCheckHardAvailabilityEffectiveRange(t *testing.T) {
	w := domain.Waiter{ID: uuid.New(), Role: domain.RoleServer}
	slot := brunchSlot()
	lastMonth := saturday().AddDate(0, -1, 0)
	nextMonth := saturday().AddDate(0, 1, 0)

	t.Run("window expired before slot date rejects", func(t *testing.T) {
		a := allDayAvailability(w.ID, 6)
		a.EffectiveUntil = &lastMonth
		err := CheckHard(w, nil, []domain.StaffAvailability{a}, WaiterState{}, slot)
		var rej *RejectError
		require.ErrorAs(t, err, &rej)
		assert.Contains(t, rej.Reason, "availability")
	})

	t.Run("window not yet effective rejects", func(t *testing.T) {
		a := allDayAvailability(w.ID, 6)
		a.EffectiveFrom = &nextMonth
		assert.Error(t, CheckHard(w, nil, []domain.StaffAvailability{a}, WaiterState{}, slot))
	})

	t.Run("active range passes", func(t *testing.T) {
		a := allDayAvailability(w.ID, 6)
		a.EffectiveFrom = &lastMonth
		a.EffectiveUntil = &nextMonth
		assert.NoError(t, CheckHard(w, nil, []domain.StaffAvailability{a}, WaiterState{}, slot))
	})

	t.Run("expired unavailable block no longer blocks", func(t *testing.T) {
		avail := []domain.StaffAvailability{
			allDayAvailability(w.ID, 6),
			{WaiterID: w.ID, DayOfWeek: 6, StartMin: 13 * 60, EndMin: 14 * 60,
				Type: domain.AvailUnavailable, EffectiveUntil: &lastMonth},
		}
		assert.NoError(t, CheckHard(w, nil, avail, WaiterState{}, slot))
	})
}

func TestCheckHardRole(t *testing.T) {
	slot := brunchSlot()
	avail := func(id uuid.UUID) []domain.StaffAvailability {
		return []domain.StaffAvailability{allDayAvailability(id, 6)}
	}

	bartender := domain.Waiter{ID: uuid.New(), Role: domain.RoleBartender}
	assert.Error(t, CheckHard(bartender, nil, avail(bartender.ID), WaiterState{}, slot))

	// A preference list overrides the base role.
	pref := &domain.StaffPreference{
		WaiterID:       bartender.ID,
		PreferredRoles: []domain.Role{domain.RoleServer, domain.RoleBartender},
	}
	assert.NoError(t, CheckHard(bartender, pref, avail(bartender.ID), WaiterState{}, slot))
}

func TestCheckHardHourCaps(t *testing.T) {
	w := domain.Waiter{ID: uuid.New(), Role: domain.RoleServer}
	slot := brunchSlot() // 4 hours
	avail := []domain.StaffAvailability{allDayAvailability(w.ID, 6)}

	assert.Error(t, CheckHard(w, nil, avail, WaiterState{Hours: 38}, slot),
		"default 40h cap")
	assert.NoError(t, CheckHard(w, nil, avail, WaiterState{Hours: 36}, slot))

	// A preference can lower the cap but never beat the legal 48h.
	tight := &domain.StaffPreference{WaiterID: w.ID, MaxHoursPerWeek: 20}
	assert.Error(t, CheckHard(w, tight, avail, WaiterState{Hours: 18}, slot))

	loose := &domain.StaffPreference{WaiterID: w.ID, MaxHoursPerWeek: 60}
	assert.Error(t, CheckHard(w, loose, avail, WaiterState{Hours: 45}, slot))
	assert.NoError(t, CheckHard(w, loose, avail, WaiterState{Hours: 43}, slot))
}

func TestCheckHardShiftCapAndOverlap(t *testing.T) {
	w := domain.Waiter{ID: uuid.New(), Role: domain.RoleServer}
	slot := brunchSlot()
	avail := []domain.StaffAvailability{allDayAvailability(w.ID, 6)}

	pref := &domain.StaffPreference{WaiterID: w.ID, MaxShiftsPerWeek: 2}
	assert.Error(t, CheckHard(w, pref, avail, WaiterState{Shifts: 2}, slot))
	assert.NoError(t, CheckHard(w, pref, avail, WaiterState{Shifts: 1}, slot))

	overlapping := WaiterState{Items: []domain.ScheduleItem{{
		Date: saturday(), StartMin: 10 * 60, EndMin: 12 * 60,
	}}}
	err := CheckHard(w, nil, avail, overlapping, slot)
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Reason, "overlaps")
}

func TestSoftDeductions(t *testing.T) {
	section := uuid.New()
	otherSection := uuid.New()
	pref := &domain.StaffPreference{
		PreferredShifts:   []domain.ShiftType{domain.ShiftEvening},
		PreferredSections: []uuid.UUID{section},
		MinHoursPerWeek:   20,
		AvoidClopening:    true,
	}

	slot := brunchSlot() // morning start (11:00 -> afternoon), 4h
	slot.SectionID = &otherSection

	total, reasons := SoftDeductions(pref, WaiterState{Hours: 0}, slot)
	// -15 shift type, -10 section, -5*(20-4) under minimum.
	assert.InDelta(t, 15+10+5*16, total, 1e-9)
	assert.Len(t, reasons, 3)
}

func TestSoftDeductionClopening(t *testing.T) {
	pref := &domain.StaffPreference{AvoidClopening: true}

	// Closing Friday 18:00-23:30, then opening Saturday 08:00: 8.5h rest.
	friday := saturday().AddDate(0, 0, -1)
	state := WaiterState{Items: []domain.ScheduleItem{{
		Date: friday, StartMin: 18 * 60, EndMin: 23*60 + 30,
	}}}
	slot := Slot{Date: saturday(), DayOfWeek: 6, StartMin: 8 * 60, EndMin: 12 * 60, Role: domain.RoleServer}

	total, reasons := SoftDeductions(pref, state, slot)
	assert.InDelta(t, deductClopening, total, 1e-9)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "clopening")

	// Eleven hours of rest is fine.
	slot.StartMin = 11 * 60
	slot.EndMin = 15 * 60
	total, _ = SoftDeductions(pref, state, slot)
	assert.Zero(t, total)
}

func TestSoftDeductionsNoPreferenceRecord(t *testing.T) {
	total, reasons := SoftDeductions(nil, WaiterState{}, brunchSlot())
	assert.Zero(t, total)
	assert.Empty(t, reasons)
}
