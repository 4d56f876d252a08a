package fairness

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGini(t *testing.T) {
	tests := []struct {
		name string
		xs   []float64
		want float64
	}{
		{"equal", []float64{10, 10, 10, 10}, 0},
		{"empty", nil, 0},
		{"all zero", []float64{0, 0, 0}, 0},
		{"one has everything", []float64{100, 0, 0, 0}, 0.75},
		{"two of four", []float64{50, 50, 0, 0}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Gini(tt.xs), 1e-9)
		})
	}
}

func TestGiniBounded(t *testing.T) {
	xs := []float64{3, 17, 0, 42, 8, 8, 120}
	g := Gini(xs)
	assert.GreaterOrEqual(t, g, 0.0)
	assert.LessOrEqual(t, g, 1.0)
}

func TestEvaluateBalancedRoster(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	r := Evaluate([]Load{
		{WaiterID: a, Hours: 32, PrimeHours: 8},
		{WaiterID: b, Hours: 30, PrimeHours: 8},
		{WaiterID: c, Hours: 34, PrimeHours: 8},
	})

	assert.True(t, r.Balanced)
	assert.Less(t, r.HoursGini, 0.10)
	assert.Equal(t, "excellent", r.Rating)
	assert.InDelta(t, 0, r.PrimeGini, 1e-9)

	for _, id := range []uuid.UUID{a, b, c} {
		score, ok := r.PerWaiter[id]
		require.True(t, ok)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 100.0)
		assert.Greater(t, score, 45.0) // near-equal shares sit near 50
	}
}

func TestEvaluateLopsidedRoster(t *testing.T) {
	hog, idle := uuid.New(), uuid.New()
	r := Evaluate([]Load{
		{WaiterID: hog, Hours: 48, PrimeHours: 12},
		{WaiterID: idle, Hours: 4, PrimeHours: 0},
	})

	assert.False(t, r.Balanced)
	assert.GreaterOrEqual(t, r.HoursGini, 0.25)
	assert.Greater(t, r.PerWaiter[idle], r.PerWaiter[hog]-1)
	assert.Greater(t, r.HoursStdDev, 20.0)
}

func TestEvaluateEmptyRoster(t *testing.T) {
	r := Evaluate(nil)
	assert.True(t, r.Balanced)
	assert.Zero(t, r.HoursGini)
	assert.Empty(t, r.PerWaiter)
}
