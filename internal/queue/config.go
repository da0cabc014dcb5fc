package queue

import (
	"time"
)

type Config struct {
	DrainSchedule string
	BatchSchedule string
	DrainTimeout  time.Duration
	SendTimeout   time.Duration

	MaxRetries    int
	RetryMaxDelay time.Duration

	// PerMinuteLimit caps immediate sends per user; 0 disables the gate.
	PerMinuteLimit int
	HighBypass     bool
	// CriticalKinds are delayed rather than dropped when a limit trips.
	CriticalKinds []string

	DrainBatchSize int
	BatchWindow    time.Duration
	BatchMaxSize   int
}

func DefaultConfig() Config {
	return Config{
		DrainSchedule:  "30s",
		BatchSchedule:  "15s",
		DrainTimeout:   25 * time.Second,
		SendTimeout:    10 * time.Second,
		MaxRetries:     3,
		RetryMaxDelay:  10 * time.Minute,
		PerMinuteLimit: 30,
		HighBypass:     true,
		CriticalKinds:  []string{"mention", "comment", "system"},
		DrainBatchSize: 100,
		BatchWindow:    5 * time.Minute,
		BatchMaxSize:   10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DrainSchedule == "" {
		c.DrainSchedule = d.DrainSchedule
	}
	if c.BatchSchedule == "" {
		c.BatchSchedule = d.BatchSchedule
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.PerMinuteLimit < 0 {
		c.PerMinuteLimit = 0
	}
	if c.CriticalKinds == nil {
		c.CriticalKinds = d.CriticalKinds
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = d.DrainBatchSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = d.BatchWindow
	}
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = d.BatchMaxSize
	}
	return c
}

// NextDelay is the retry backoff after the n-th failure: 2^n seconds,
// capped at max when max > 0.
func NextDelay(n int, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	d := time.Duration(1<<uint(n)) * time.Second
	if max > 0 && d > max {
		return max
	}
	return d
}
