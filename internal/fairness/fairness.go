// Package fairness measures how evenly hours and prime-shift exposure
// are spread across a staff roster.
package fairness

import (
	"math"

	"github.com/google/uuid"
)

// Load is one waiter's assigned hours in the period under evaluation.
type Load struct {
	WaiterID   uuid.UUID
	Hours      float64
	PrimeHours float64
}

// Report is the evaluator's output.
type Report struct {
	HoursGini    float64               `json:"hours_gini"`
	PrimeGini    float64               `json:"prime_gini"`
	HoursStdDev  float64               `json:"hours_std_dev"`
	PerWaiter    map[uuid.UUID]float64 `json:"per_waiter"` // fairness_score 0..100
	Balanced     bool                  `json:"balanced"`
	Rating       string                `json:"rating"`
}

// balancedThreshold is the hours-gini above which the roster is
// considered lopsided.
const balancedThreshold = 0.25

// Evaluate computes the full report. An empty roster is trivially balanced.
func Evaluate(loads []Load) Report {
	r := Report{PerWaiter: make(map[uuid.UUID]float64, len(loads))}
	if len(loads) == 0 {
		r.Balanced = true
		r.Rating = "excellent"
		return r
	}

	hours := make([]float64, len(loads))
	prime := make([]float64, len(loads))
	for i, l := range loads {
		hours[i] = l.Hours
		prime[i] = l.PrimeHours
	}

	r.HoursGini = Gini(hours)
	r.PrimeGini = Gini(prime)
	r.HoursStdDev = stdDev(hours)
	r.Balanced = r.HoursGini < balancedThreshold
	r.Rating = GiniRating(r.HoursGini)

	var total float64
	for _, h := range hours {
		total += h
	}
	n := float64(len(loads))
	for _, l := range loads {
		share := 0.0
		if total > 0 {
			share = l.Hours / total
		}
		score := 50 - 50*math.Abs(share-1/n)
		r.PerWaiter[l.WaiterID] = clamp(score, 0, 100)
	}
	return r
}

// Gini computes G = Σ|xi−xj| / (2·N·Σxi). All-zero input is perfectly
// equal, giving 0.
func Gini(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	if sum == 0 {
		return 0
	}
	var diff float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			diff += math.Abs(xs[i] - xs[j])
		}
	}
	return diff / (2 * float64(n) * sum)
}

// GiniRating buckets an hours gini.
func GiniRating(g float64) string {
	switch {
	case g < 0.10:
		return "excellent"
	case g < 0.20:
		return "good"
	case g < 0.30:
		return "fair"
	default:
		return "poor"
	}
}

func stdDev(xs []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n
	var varsum float64
	for _, x := range xs {
		d := x - mean
		varsum += d * d
	}
	return math.Sqrt(varsum / n)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
