package notify

import "time"

// Reason codes attached to decisions, admissions and analytics counters.
const (
	ReasonOK               = "ok"
	ReasonDisabledType     = "disabled_type"
	ReasonPushDisabled     = "push_disabled"
	ReasonBlacklisted      = "blacklisted"
	ReasonRapidFire        = "rapid_fire"
	ReasonSenderFlood      = "sender_flood"
	ReasonFrequencyLimited = "frequency_limited"
	ReasonQuietHours       = "quiet_hours"
	ReasonRateLimited      = "rate_limited"
	ReasonBatched          = "batched"
	ReasonScheduled        = "scheduled"
)

// Decision is the filtering verdict for one intent. It is never persisted.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Reason  string        `json:"reason,omitempty"`
	Score   float64       `json:"score"`
	Delay   time.Duration `json:"delay,omitempty"`
	Batch   bool          `json:"batch,omitempty"`
}

// AdmissionStatus is what a producer learns from Submit.
type AdmissionStatus string

const (
	StatusAllowed AdmissionStatus = "allowed"
	StatusDelayed AdmissionStatus = "delayed"
	StatusBatched AdmissionStatus = "batched"
	StatusSkipped AdmissionStatus = "skipped"
)

// Admission is the synchronous result of Submit. Delivery is asynchronous.
type Admission struct {
	Status    AdmissionStatus `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	ID        string          `json:"id"`
	Score     float64         `json:"score"`
	NotBefore time.Time       `json:"not_before,omitempty"`
}
