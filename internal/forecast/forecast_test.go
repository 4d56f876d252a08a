package forecast

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floorops/floorops/internal/domain"
)

// seedWeeks lays down one visit per (week, day, hour) cell with the given
// covers, seated before weekStart.
func seedWeeks(weekStart time.Time, coversByWeek []float64, day, hour int) []domain.Visit {
	var out []domain.Visit
	for w, covers := range coversByWeek {
		// Middle of week w before weekStart, adjusted onto the target weekday.
		base := weekStart.AddDate(0, 0, -7*(w+1))
		seated := base.AddDate(0, 0, (day-int(base.Weekday())+7)%7)
		seated = time.Date(seated.Year(), seated.Month(), seated.Day(), hour, 30, 0, 0, time.UTC)
		out = append(out, domain.Visit{
			ID:       uuid.New(),
			TableID:  uuid.New(),
			Covers:   int(covers),
			SeatedAt: seated,
		})
	}
	return out
}

func weekStart() time.Time {
	// A Sunday.
	return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
}

func TestForecastFlatHistory(t *testing.T) {
	ws := weekStart()
	visits := seedWeeks(ws, []float64{40, 40, 40, 40, 40, 40, 40, 40}, 6, 19)

	f := Forecast(ws, visits)
	require.Len(t, f.Hours, 1)

	h := f.Hours[0]
	assert.Equal(t, 6, h.Day)
	assert.Equal(t, 19, h.Hour)
	assert.InDelta(t, 40, h.Covers, 0.5)
	assert.InDelta(t, 0, f.Trend, 1e-9)

	// Flat history has zero variance, so the band floor applies.
	assert.InDelta(t, h.Covers*0.9, h.Low, 0.5)
	assert.InDelta(t, h.Covers*1.1, h.High, 0.5)
}

func TestForecastRecentWeeksWeighMore(t *testing.T) {
	ws := weekStart()
	// Most recent week spikes; decay keeps the baseline closer to it than
	// a plain mean would.
	visits := seedWeeks(ws, []float64{100, 20, 20, 20, 20, 20, 20, 20}, 5, 18)

	f := Forecast(ws, visits)
	require.Len(t, f.Hours, 1)
	plainMean := 30.0
	assert.Greater(t, f.Hours[0].Covers, plainMean)
}

func TestForecastTrendCapped(t *testing.T) {
	ws := weekStart()
	// Steep growth, oldest to newest: 10 -> 360.
	visits := seedWeeks(ws, []float64{360, 310, 260, 210, 160, 110, 60, 10}, 3, 12)

	f := Forecast(ws, visits)
	assert.InDelta(t, trendCap, f.Trend, 1e-9)
}

func TestForecastDecliningTrend(t *testing.T) {
	ws := weekStart()
	visits := seedWeeks(ws, []float64{80, 85, 90, 95, 100, 105, 110, 115}, 2, 13)

	f := Forecast(ws, visits)
	assert.Negative(t, f.Trend)
}

func TestForecastIgnoresVisitsOutsideWindow(t *testing.T) {
	ws := weekStart()
	old := domain.Visit{ID: uuid.New(), Covers: 500, SeatedAt: ws.AddDate(0, 0, -7*10)}
	future := domain.Visit{ID: uuid.New(), Covers: 500, SeatedAt: ws.AddDate(0, 0, 1)}

	f := Forecast(ws, []domain.Visit{old, future})
	assert.Empty(t, f.Hours)
}

func TestMAPEWeeklyAccuracy(t *testing.T) {
	actual := []float64{55, 60, 50, 70, 120, 180, 200}
	predicted := []float64{52, 58, 55, 72, 115, 170, 210}

	m := MAPE(predicted, actual)
	assert.InDelta(t, 0.052, m, 0.005)
	assert.Equal(t, "excellent", Rating(m))
}

func TestRatingBuckets(t *testing.T) {
	tests := []struct {
		mape float64
		want string
	}{
		{0.05, "excellent"},
		{0.15, "good"},
		{0.25, "fair"},
		{0.45, "poor"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Rating(tt.mape))
	}
}

func TestTrendLabel(t *testing.T) {
	assert.Equal(t, "improving", TrendLabel([]float64{100, 100, 120, 130}))
	assert.Equal(t, "declining", TrendLabel([]float64{130, 120, 100, 95}))
	assert.Equal(t, "stable", TrendLabel([]float64{100, 101, 99, 100}))
	assert.Equal(t, "stable", TrendLabel([]float64{100}))
}
