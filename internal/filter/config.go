package filter

import (
	"time"
)

// Limit is a per-type frequency ceiling. Zero disables that bucket.
type Limit struct {
	PerHour int
	PerDay  int
}

type Config struct {
	Weights map[string]float64
	// Multipliers apply when metadata[key] == "true" for an intent of that kind.
	Multipliers map[string]map[string]float64

	Limits         map[string]Limit
	FrequencyDelay time.Duration
	HighBypass     bool

	QuietStart     time.Duration // offset from local midnight
	QuietEnd       time.Duration
	QuietThreshold float64
	Location       *time.Location

	RapidFireCount  int
	RapidFireWindow time.Duration
	SenderHourlyMax int
	Blacklist       []string

	BatchWindow         time.Duration
	BatchScoreThreshold float64
	BatchKinds          []string

	DefaultReputation float64
}

const (
	engagementBoost = 1.2
	openRateWeight  = 0.2
	neutralScore    = 0.5
)

func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			"mention": 0.9,
			"comment": 0.7,
			"follow":  0.6,
			"like":    0.4,
			"system":  0.5,
		},
		Multipliers: map[string]map[string]float64{
			"comment": {"reply_to_own": 1.3},
			"mention": {"in_thread": 1.1},
			"follow":  {"mutual": 1.2},
			"like":    {"recent_post": 1.1},
		},
		Limits: map[string]Limit{
			"like":   {PerHour: 20, PerDay: 100},
			"system": {PerHour: 3, PerDay: 15},
		},
		FrequencyDelay:      time.Hour,
		QuietStart:          22 * time.Hour,
		QuietEnd:            8 * time.Hour,
		QuietThreshold:      0.7,
		Location:            time.UTC,
		RapidFireCount:      5,
		RapidFireWindow:     30 * time.Second,
		SenderHourlyMax:     10,
		BatchWindow:         5 * time.Minute,
		BatchScoreThreshold: 0.5,
		BatchKinds:          []string{"like", "follow"},
		DefaultReputation:   0.8,
	}
}

// Merge overlays non-zero fields of o onto c. Map entries are merged key by key.
func (c Config) Merge(o Config) Config {
	c.Weights = mergeMap(c.Weights, o.Weights)
	c.Limits = mergeMap(c.Limits, o.Limits)
	c.Multipliers = mergeMap(c.Multipliers, o.Multipliers)
	if o.FrequencyDelay > 0 {
		c.FrequencyDelay = o.FrequencyDelay
	}
	c.HighBypass = c.HighBypass || o.HighBypass
	if o.QuietStart > 0 || o.QuietEnd > 0 {
		c.QuietStart, c.QuietEnd = o.QuietStart, o.QuietEnd
	}
	if o.QuietThreshold > 0 {
		c.QuietThreshold = o.QuietThreshold
	}
	if o.Location != nil {
		c.Location = o.Location
	}
	if o.RapidFireCount > 0 {
		c.RapidFireCount = o.RapidFireCount
	}
	if o.RapidFireWindow > 0 {
		c.RapidFireWindow = o.RapidFireWindow
	}
	if o.SenderHourlyMax > 0 {
		c.SenderHourlyMax = o.SenderHourlyMax
	}
	if len(o.Blacklist) > 0 {
		c.Blacklist = o.Blacklist
	}
	if o.BatchWindow > 0 {
		c.BatchWindow = o.BatchWindow
	}
	if o.BatchScoreThreshold > 0 {
		c.BatchScoreThreshold = o.BatchScoreThreshold
	}
	if len(o.BatchKinds) > 0 {
		c.BatchKinds = o.BatchKinds
	}
	if o.DefaultReputation > 0 {
		c.DefaultReputation = o.DefaultReputation
	}
	return c
}

func mergeMap[V any](base, over map[string]V) map[string]V {
	out := make(map[string]V, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
