package domain

import "time"

// RoutingMode selects the router branch.
type RoutingMode string

const (
	ModeSection  RoutingMode = "section"
	ModeRotation RoutingMode = "rotation"
)

// RestaurantConfig is the per-restaurant configuration map, decoded
// from the restaurant row. Zero values are replaced by defaults at load.
type RestaurantConfig struct {
	RoutingMode           RoutingMode `json:"routing.mode"`
	MaxTablesPerWaiter    int         `json:"routing.max_tables_per_waiter"`
	EfficiencyWeight      float64     `json:"routing.efficiency_weight"`
	WorkloadPenalty       float64     `json:"routing.workload_penalty"`
	TipPenalty            float64     `json:"routing.tip_penalty"`
	RecencyPenaltyMinutes int         `json:"routing.recency_penalty_minutes"`
	RecencyPenaltyWeight  float64     `json:"routing.recency_penalty_weight"`
	UnderstaffedThreshold float64     `json:"alerts.understaffed_threshold"`
	OverstaffedThreshold  float64     `json:"alerts.overstaffed_threshold"`
}

// DefaultRestaurantConfig returns the stock routing defaults.
func DefaultRestaurantConfig() RestaurantConfig {
	return RestaurantConfig{
		RoutingMode:           ModeSection,
		MaxTablesPerWaiter:    5,
		EfficiencyWeight:      1.0,
		WorkloadPenalty:       3.0,
		TipPenalty:            2.0,
		RecencyPenaltyMinutes: 5,
		RecencyPenaltyWeight:  1.5,
		UnderstaffedThreshold: 0.8,
		OverstaffedThreshold:  1.3,
	}
}

// Normalize fills unset fields with defaults and clamps invalid values.
func (c RestaurantConfig) Normalize() RestaurantConfig {
	def := DefaultRestaurantConfig()
	if c.RoutingMode != ModeSection && c.RoutingMode != ModeRotation {
		c.RoutingMode = def.RoutingMode
	}
	if c.MaxTablesPerWaiter <= 0 {
		c.MaxTablesPerWaiter = def.MaxTablesPerWaiter
	}
	if c.EfficiencyWeight <= 0 {
		c.EfficiencyWeight = def.EfficiencyWeight
	}
	if c.WorkloadPenalty <= 0 {
		c.WorkloadPenalty = def.WorkloadPenalty
	}
	if c.TipPenalty <= 0 {
		c.TipPenalty = def.TipPenalty
	}
	if c.RecencyPenaltyMinutes <= 0 {
		c.RecencyPenaltyMinutes = def.RecencyPenaltyMinutes
	}
	if c.RecencyPenaltyWeight <= 0 {
		c.RecencyPenaltyWeight = def.RecencyPenaltyWeight
	}
	if c.UnderstaffedThreshold <= 0 {
		c.UnderstaffedThreshold = def.UnderstaffedThreshold
	}
	if c.OverstaffedThreshold <= 0 {
		c.OverstaffedThreshold = def.OverstaffedThreshold
	}
	return c
}

// RecencyWindow returns the recency penalty window as a duration.
func (c RestaurantConfig) RecencyWindow() time.Duration {
	return time.Duration(c.RecencyPenaltyMinutes) * time.Minute
}
