package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Filter    FilterConfig    `json:"filter"`
	Queue     QueueConfig     `json:"queue"`
	Realtime  RealtimeConfig  `json:"realtime"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Templates TemplatesConfig `json:"templates"`
	HTTP      HTTPConfig      `json:"http"`

	// Scheduler controls cron triggers (drain, batch sweep, journal prune).
	Scheduler SchedulerConfig `json:"scheduler"`
	// TaskEngine controls execution of scheduled jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Journal *JournalConfig `json:"journal,omitempty"`
	Intake  *IntakeConfig  `json:"intake,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity records to the Telegram alert chat
// configured under dispatch.telegram.alert_chat_id.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StoreConfig selects the shared rate/dedup/queue store.
//
// Example:
//
//	"store": { "driver": "redis", "addr": "127.0.0.1:6379" }
//
// Driver "memory" keeps everything in-process and is only suitable for a
// single instance (development, tests).
type StoreConfig struct {
	Driver      string `json:"driver"`
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"` // do not log
	DB          int    `json:"db,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
	OpTimeout   string `json:"op_timeout,omitempty"`
}

// FilterConfig tunes the filtering pipeline. Omitted fields keep defaults.
//
// Defaults:
//   - weights: mention 0.9, comment 0.7, follow 0.6, like 0.4, system 0.5
//   - limits: like 20/h 100/d, system 3/h 15/d
//   - frequency_delay: "1h"
//   - quiet_hours: 22:00-08:00, score threshold 0.7
//   - spam: 5 per 30s per batch, 10 per hour per sender
//   - batch: window "5m", 10 members, score <= 0.5, kinds like+follow
type FilterConfig struct {
	Weights           map[string]float64     `json:"weights,omitempty"`
	Limits            map[string]LimitConfig `json:"limits,omitempty"`
	FrequencyDelay    string                 `json:"frequency_delay,omitempty"`
	QuietHours        QuietHoursConfig       `json:"quiet_hours"`
	Spam              SpamConfig             `json:"spam"`
	Batch             BatchConfig            `json:"batch"`
	DefaultReputation float64                `json:"default_reputation,omitempty"`
	ReputationTTL     string                 `json:"reputation_ttl,omitempty"`
	Blacklist         []string               `json:"blacklist,omitempty"`
}

type LimitConfig struct {
	PerHour int `json:"per_hour"`
	PerDay  int `json:"per_day"`
}

type QuietHoursConfig struct {
	Start     string  `json:"start,omitempty"` // "22:00"
	End       string  `json:"end,omitempty"`   // "08:00"
	Threshold float64 `json:"threshold,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
}

type SpamConfig struct {
	RapidFireCount  int    `json:"rapid_fire_count,omitempty"`
	RapidFireWindow string `json:"rapid_fire_window,omitempty"`
	SenderHourlyMax int    `json:"sender_hourly_max,omitempty"`
}

type BatchConfig struct {
	Window         string   `json:"window,omitempty"`
	MaxSize        int      `json:"max_size,omitempty"`
	ScoreThreshold float64  `json:"score_threshold,omitempty"`
	Kinds          []string `json:"kinds,omitempty"`
}

// QueueConfig controls the scheduler/queue manager.
//
// Defaults:
//   - drain_schedule: "@every 30s"
//   - batch_schedule: "@every 30s"
//   - max_retries: 3
//   - retry_max_delay: "10m"
//   - send_timeout: "10s"
//   - per_minute_limit: 30 (0 disables the gate)
//   - high_bypass: true
//   - critical_kinds: mention, comment, system
type QueueConfig struct {
	DrainSchedule  string   `json:"drain_schedule,omitempty"`
	BatchSchedule  string   `json:"batch_schedule,omitempty"`
	DrainTimeout   string   `json:"drain_timeout,omitempty"`
	SendTimeout    string   `json:"send_timeout,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	RetryMaxDelay  string   `json:"retry_max_delay,omitempty"`
	PerMinuteLimit int      `json:"per_minute_limit,omitempty"`
	HighBypass     *bool    `json:"high_bypass,omitempty"`
	CriticalKinds  []string `json:"critical_kinds,omitempty"`
	DrainBatchSize int      `json:"drain_batch_size,omitempty"`
}

type RealtimeConfig struct {
	DedupTTL    string `json:"dedup_ttl,omitempty"`    // default "60s"
	MailboxSize int    `json:"mailbox_size,omitempty"` // default 64
	PresenceTTL string `json:"presence_ttl,omitempty"` // default "45s"
	Relay       bool   `json:"relay"`
	Channel     string `json:"channel,omitempty"` // default "notifyd:realtime"
}

type DispatchConfig struct {
	Concurrency int            `json:"concurrency,omitempty"`
	SendTimeout string         `json:"send_timeout,omitempty"`
	RatePerSec  int            `json:"rate_per_sec,omitempty"`
	Breaker     BreakerConfig  `json:"breaker"`
	FCM         FCMConfig      `json:"fcm"`
	Telegram    TelegramConfig `json:"telegram"`
	Log         LogSinkConfig  `json:"log"`
}

type BreakerConfig struct {
	MaxFailures int    `json:"max_failures,omitempty"`
	OpenTimeout string `json:"open_timeout,omitempty"`
}

type FCMConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"` // do not log
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
}

type LogSinkConfig struct {
	Enabled bool `json:"enabled"`
}

type TemplatesConfig struct {
	Dir           string `json:"dir,omitempty"`
	DefaultLocale string `json:"default_locale,omitempty"`
}

// HTTPConfig controls the producer/health HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the job execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// JournalConfig controls the terminal-outcome journal. Nil disables it.
//
// Example:
//
//	"journal": { "driver": "file", "path": "./notifyd_journal", "retention": "720h" }
type JournalConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// IntakeConfig enables the AMQP intent consumer. Nil disables it.
type IntakeConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"` // do not log
	Exchange   string `json:"exchange,omitempty"`
	Queue      string `json:"queue,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
	DeadLetter string `json:"dead_letter,omitempty"`
	Prefetch   int    `json:"prefetch,omitempty"`
}
