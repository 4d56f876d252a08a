// Package forecast predicts per-hour covers for a target week from
// recent visit history. Exponentially weighted averages per
// (day-of-week, hour) bucket, with a linear trend correction.
package forecast

import (
	"math"
	"sort"
	"time"

	"github.com/floorops/floorops/internal/domain"
)

const (
	// HistoryWeeks is how far back the forecaster looks.
	HistoryWeeks = 8
	// decay is the per-week weight falloff.
	decay = 0.85
	// trendCap bounds the multiplicative trend correction.
	trendCap = 0.20
	// minBandPct is the confidence band floor as a share of the baseline.
	minBandPct = 0.10
)

// HourForecast is one (day, hour) cell of the target week.
type HourForecast struct {
	Day    int     `json:"day"` // 0=Sunday, matching time.Weekday
	Hour   int     `json:"hour"`
	Covers float64 `json:"covers"`
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
}

// WeekForecast is the full grid plus the trend applied to it.
type WeekForecast struct {
	WeekStart time.Time      `json:"week_start"`
	Hours     []HourForecast `json:"hours"`
	// Trend is the per-week relative change detected in the history,
	// after capping.
	Trend float64 `json:"trend"`
}

// Covers returns the cell for (day, hour), zero if absent.
func (f *WeekForecast) Covers(day, hour int) float64 {
	for _, h := range f.Hours {
		if h.Day == day && h.Hour == hour {
			return h.Covers
		}
	}
	return 0
}

// DailyTotals sums the grid per day of week.
func (f *WeekForecast) DailyTotals() [7]float64 {
	var out [7]float64
	for _, h := range f.Hours {
		out[h.Day] += h.Covers
	}
	return out
}

// visitCovers prefers the recorded cover count, falling back to party size.
func visitCovers(v domain.Visit) float64 {
	if v.Covers > 0 {
		return float64(v.Covers)
	}
	return float64(v.PartySize)
}

// Forecast builds the target week's grid from visits seated in the
// HistoryWeeks weeks before weekStart. Visits outside that window are
// ignored.
func Forecast(weekStart time.Time, visits []domain.Visit) *WeekForecast {
	// samples[day][hour][w] = covers seated w weeks before weekStart.
	var samples [7][24][HistoryWeeks]float64
	var weekTotals [HistoryWeeks]float64

	for _, v := range visits {
		if !v.SeatedAt.Before(weekStart) {
			continue
		}
		w := int(weekStart.Sub(v.SeatedAt).Hours() / (24 * 7))
		if w < 0 || w >= HistoryWeeks {
			continue
		}
		day := int(v.SeatedAt.Weekday())
		hour := v.SeatedAt.Hour()
		samples[day][hour][w] += visitCovers(v)
		weekTotals[w] += visitCovers(v)
	}

	trend := cappedTrend(weekTotals)
	multiplier := 1 + trend

	var out []HourForecast
	for day := 0; day < 7; day++ {
		for hour := 0; hour < 24; hour++ {
			baseline, stddev := weightedStats(samples[day][hour])
			if baseline == 0 && stddev == 0 {
				continue
			}
			covers := baseline * multiplier
			band := math.Max(stddev, minBandPct*covers)
			out = append(out, HourForecast{
				Day:    day,
				Hour:   hour,
				Covers: covers,
				Low:    math.Max(0, covers-band),
				High:   covers + band,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Hour < out[j].Hour
	})
	return &WeekForecast{WeekStart: weekStart, Hours: out, Trend: trend}
}

// weightedStats returns the decay-weighted mean and std dev over the
// per-week samples. All HistoryWeeks weeks count, zeros included, so a
// dead hour stays dead.
func weightedStats(xs [HistoryWeeks]float64) (mean, stddev float64) {
	var sum, wsum float64
	for w := 0; w < HistoryWeeks; w++ {
		weight := math.Pow(decay, float64(w))
		sum += weight * xs[w]
		wsum += weight
	}
	mean = sum / wsum

	var varsum float64
	for w := 0; w < HistoryWeeks; w++ {
		weight := math.Pow(decay, float64(w))
		d := xs[w] - mean
		varsum += weight * d * d
	}
	return mean, math.Sqrt(varsum / wsum)
}

// cappedTrend fits a least-squares line through the weekly totals
// (oldest first) and returns the relative per-week slope, capped.
func cappedTrend(totals [HistoryWeeks]float64) float64 {
	n := float64(HistoryWeeks)
	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < HistoryWeeks; i++ {
		// Chronological order: index 0 is the oldest week.
		x := float64(i)
		y := totals[HistoryWeeks-1-i]
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom
	mean := sumY / n
	if mean < 1 {
		mean = 1
	}
	trend := slope / mean
	return math.Max(-trendCap, math.Min(trendCap, trend))
}

// MAPE is the mean absolute percentage error over paired daily totals.
// Actual days under one cover are floored to one to keep the ratio sane.
func MAPE(predicted, actual []float64) float64 {
	n := len(predicted)
	if len(actual) < n {
		n = len(actual)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(predicted[i]-actual[i]) / math.Max(actual[i], 1)
	}
	return sum / float64(n)
}

// Rating buckets a MAPE value.
func Rating(mape float64) string {
	switch {
	case mape < 0.10:
		return "excellent"
	case mape < 0.20:
		return "good"
	case mape < 0.30:
		return "fair"
	default:
		return "poor"
	}
}

// TrendLabel compares the first and second halves of a weekly series.
func TrendLabel(weeklyTotals []float64) string {
	if len(weeklyTotals) < 2 {
		return "stable"
	}
	half := len(weeklyTotals) / 2
	var first, second float64
	for i, v := range weeklyTotals {
		if i < half {
			first += v
		} else {
			second += v
		}
	}
	first /= float64(half)
	second /= float64(len(weeklyTotals) - half)
	base := math.Max(first, 1)
	switch diff := (second - first) / base; {
	case diff > 0.05:
		return "improving"
	case diff < -0.05:
		return "declining"
	default:
		return "stable"
	}
}
