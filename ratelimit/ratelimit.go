// Package ratelimit implements the tiered admission limiter: a token
// bucket for bursts layered over 60-second and 3600-second sliding
// windows for sustained rate, both evaluated in a single atomic script
// against the shared store. Store faults fail open; traffic is never
// blocked on infrastructure.
package ratelimit

import (
	"encoding/json"
	"time"
)

// Tier classifies a client for limit selection. Tiers map from roles.
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierAdmin    Tier = "admin"

	// TierInternal is exempt from limiting entirely.
	TierInternal Tier = "internal"
)

// Limits fixes the caps applied to one tier or endpoint.
type Limits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`

	// Burst is the token bucket capacity.
	Burst int `json:"burst"`

	// RefillRate is tokens per second.
	RefillRate float64 `json:"refill_rate"`
}

// tighten returns the elementwise minimum of the two limit sets, keeping
// the slower refill.
func (l Limits) tighten(o Limits) Limits {
	out := l
	if o.PerMinute < out.PerMinute {
		out.PerMinute = o.PerMinute
	}
	if o.PerHour < out.PerHour {
		out.PerHour = o.PerHour
	}
	if o.Burst < out.Burst {
		out.Burst = o.Burst
	}
	if o.RefillRate < out.RefillRate {
		out.RefillRate = o.RefillRate
	}
	return out
}

// Config holds the tier table, per-endpoint overrides and store tuning
// for a limiter.
type Config struct {
	Tiers map[Tier]Limits

	// EndpointOverrides tighten caps for expensive paths; the effective
	// limit is the elementwise minimum of tier and override.
	EndpointOverrides map[string]Limits

	// StoreTimeout bounds each store round trip.
	StoreTimeout time.Duration
}

// DefaultConfig returns the standard tier table and overrides.
func DefaultConfig() *Config {
	return &Config{
		Tiers: map[Tier]Limits{
			TierFree:     {PerMinute: 10, PerHour: 100, Burst: 5, RefillRate: 0.1},
			TierStandard: {PerMinute: 60, PerHour: 1000, Burst: 20, RefillRate: 1},
			TierPremium:  {PerMinute: 300, PerHour: 5000, Burst: 50, RefillRate: 5},
			TierAdmin:    {PerMinute: 1000, PerHour: 20000, Burst: 100, RefillRate: 20},
		},
		EndpointOverrides: map[string]Limits{
			// Schedule generation is the most expensive path in the system.
			"schedule-generate": {PerMinute: 2, PerHour: 20, Burst: 1, RefillRate: 1.0 / 30},
		},
		StoreTimeout: 5 * time.Second,
	}
}

// Merge layers the other config over this one, field by field. Used to
// apply operator overrides on top of defaults.
func (c *Config) Merge(o *Config) *Config {
	out := &Config{
		Tiers:             make(map[Tier]Limits, len(c.Tiers)),
		EndpointOverrides: make(map[string]Limits, len(c.EndpointOverrides)),
		StoreTimeout:      c.StoreTimeout,
	}
	for k, v := range c.Tiers {
		out.Tiers[k] = v
	}
	for k, v := range c.EndpointOverrides {
		out.EndpointOverrides[k] = v
	}
	if o == nil {
		return out
	}
	for k, v := range o.Tiers {
		out.Tiers[k] = v
	}
	for k, v := range o.EndpointOverrides {
		out.EndpointOverrides[k] = v
	}
	if o.StoreTimeout != 0 {
		out.StoreTimeout = o.StoreTimeout
	}
	return out
}

// effective resolves the limits for a tier and endpoint, applying any
// endpoint override and, when present, a custom per-client policy.
func (c *Config) effective(tier Tier, endpoint string, custom *Limits) Limits {
	limits, ok := c.Tiers[tier]
	if !ok {
		limits = c.Tiers[TierFree]
	}
	if custom != nil {
		limits = *custom
	}
	if override, ok := c.EndpointOverrides[endpoint]; ok {
		limits = limits.tighten(override)
	}
	return limits
}

func limitsJSON(l Limits) (string, error) {
	b, err := json.Marshal(l)
	return string(b), err
}

// decodePolicy parses a stored custom policy.
func decodePolicy(raw string) (*Limits, error) {
	var l Limits
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, err
	}
	return &l, nil
}
