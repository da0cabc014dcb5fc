package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/config"
	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
	"github.com/moorej2400/sobertube-app-sub003/internal/filter"
	"github.com/moorej2400/sobertube-app-sub003/internal/httpapi"
	"github.com/moorej2400/sobertube-app-sub003/internal/intake"
	"github.com/moorej2400/sobertube-app-sub003/internal/journal"
	"github.com/moorej2400/sobertube-app-sub003/internal/queue"
	"github.com/moorej2400/sobertube-app-sub003/internal/realtime"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	"github.com/moorej2400/sobertube-app-sub003/internal/task/engine"
	"github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const (
	defaultRelayChannel   = "notifyd:realtime"
	defaultPresenceTTL    = 45 * time.Second
	defaultMailbox        = 64
	defaultRetention      = 30 * 24 * time.Hour
	defaultPruneSchedule  = "30 3 * * *"
	defaultReputationTTL  = 10 * time.Minute
	defaultTemplateLocale = "en"
)

// validate rejects a config that any mapping would refuse. It runs at
// startup and before a hot reload is committed.
func validate(cfg *config.Config) error {
	if _, err := mapStore(cfg); err != nil {
		return err
	}
	if _, err := mapFilter(cfg); err != nil {
		return err
	}
	if _, err := mapQueue(cfg); err != nil {
		return err
	}
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, _, err := mapJournal(cfg); err != nil {
		return err
	}
	if _, _, err := mapRealtime(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if cfg.Intake != nil && cfg.Intake.Enabled && strings.TrimSpace(cfg.Intake.URL) == "" {
		return fmt.Errorf("intake.url is required when intake.enabled is true")
	}
	return nil
}

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert:   logx.AlertConfig{Enabled: l.Alert.Enabled, MinLevel: l.Alert.MinLevel, RatePerSec: l.Alert.RatePerSec},
	}
}

func mapStore(cfg *config.Config) (store.Config, error) {
	sc := cfg.Store
	dial, err := config.ParseDurationField("store.dial_timeout", sc.DialTimeout)
	if err != nil {
		return store.Config{}, err
	}
	op, err := config.ParseDurationField("store.op_timeout", sc.OpTimeout)
	if err != nil {
		return store.Config{}, err
	}
	drv := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch drv {
	case "", "memory", "mem", "redis":
	default:
		return store.Config{}, fmt.Errorf("unknown store.driver: %s", sc.Driver)
	}
	if drv == "redis" && strings.TrimSpace(sc.Addr) == "" {
		return store.Config{}, fmt.Errorf("store.addr is required when store.driver=redis")
	}
	return store.Config{
		Driver:      drv,
		Addr:        strings.TrimSpace(sc.Addr),
		Password:    sc.Password,
		DB:          sc.DB,
		KeyPrefix:   sc.KeyPrefix,
		DialTimeout: dial,
		OpTimeout:   op,
	}, nil
}

// mapFilter overlays the file settings on filter.DefaultConfig.
func mapFilter(cfg *config.Config) (filter.Config, error) {
	fc := cfg.Filter
	out := filter.DefaultConfig()
	var err error

	for k, w := range fc.Weights {
		if w < 0 || w > 1 {
			return filter.Config{}, fmt.Errorf("filter.weights.%s must be within [0,1]", k)
		}
		out.Weights[strings.ToLower(k)] = w
	}
	for k, l := range fc.Limits {
		if l.PerHour < 0 || l.PerDay < 0 {
			return filter.Config{}, fmt.Errorf("filter.limits.%s must be >= 0", k)
		}
		out.Limits[strings.ToLower(k)] = filter.Limit{PerHour: l.PerHour, PerDay: l.PerDay}
	}
	if out.FrequencyDelay, err = config.ParseDurationOrDefault("filter.frequency_delay", fc.FrequencyDelay, out.FrequencyDelay); err != nil {
		return filter.Config{}, err
	}
	out.HighBypass = highBypass(cfg)

	q := fc.QuietHours
	if out.QuietStart, err = config.ParseClock("filter.quiet_hours.start", q.Start, out.QuietStart); err != nil {
		return filter.Config{}, err
	}
	if out.QuietEnd, err = config.ParseClock("filter.quiet_hours.end", q.End, out.QuietEnd); err != nil {
		return filter.Config{}, err
	}
	if q.Threshold != 0 {
		out.QuietThreshold = q.Threshold
	}
	if tz := strings.TrimSpace(q.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return filter.Config{}, fmt.Errorf("filter.quiet_hours.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}

	s := fc.Spam
	if s.RapidFireCount > 0 {
		out.RapidFireCount = s.RapidFireCount
	}
	if out.RapidFireWindow, err = config.ParseDurationOrDefault("filter.spam.rapid_fire_window", s.RapidFireWindow, out.RapidFireWindow); err != nil {
		return filter.Config{}, err
	}
	if s.SenderHourlyMax > 0 {
		out.SenderHourlyMax = s.SenderHourlyMax
	}
	out.Blacklist = append(out.Blacklist, fc.Blacklist...)

	b := fc.Batch
	if out.BatchWindow, err = config.ParseDurationOrDefault("filter.batch.window", b.Window, out.BatchWindow); err != nil {
		return filter.Config{}, err
	}
	if b.ScoreThreshold != 0 {
		out.BatchScoreThreshold = b.ScoreThreshold
	}
	if len(b.Kinds) > 0 {
		out.BatchKinds = append([]string(nil), b.Kinds...)
	}
	if fc.DefaultReputation != 0 {
		out.DefaultReputation = fc.DefaultReputation
	}
	return out, nil
}

func highBypass(cfg *config.Config) bool {
	if cfg.Queue.HighBypass == nil {
		return true
	}
	return *cfg.Queue.HighBypass
}

func mapQueue(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	var (
		out queue.Config
		err error
	)
	if qc.MaxRetries < 0 || qc.PerMinuteLimit < 0 || qc.DrainBatchSize < 0 {
		return queue.Config{}, fmt.Errorf("queue: max_retries, per_minute_limit and drain_batch_size must be >= 0")
	}
	out.DrainSchedule = strings.TrimSpace(qc.DrainSchedule)
	out.BatchSchedule = strings.TrimSpace(qc.BatchSchedule)
	if out.DrainTimeout, err = config.ParseDurationField("queue.drain_timeout", qc.DrainTimeout); err != nil {
		return queue.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("queue.send_timeout", qc.SendTimeout); err != nil {
		return queue.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("queue.retry_max_delay", qc.RetryMaxDelay); err != nil {
		return queue.Config{}, err
	}
	if out.BatchWindow, err = config.ParseDurationField("filter.batch.window", cfg.Filter.Batch.Window); err != nil {
		return queue.Config{}, err
	}
	out.MaxRetries = qc.MaxRetries
	out.PerMinuteLimit = qc.PerMinuteLimit
	out.HighBypass = highBypass(cfg)
	out.CriticalKinds = qc.CriticalKinds
	out.DrainBatchSize = qc.DrainBatchSize
	out.BatchMaxSize = cfg.Filter.Batch.MaxSize
	return out, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	send, err := config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	open, err := config.ParseDurationField("dispatch.breaker.open_timeout", dc.Breaker.OpenTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	if dc.Telegram.Enabled && strings.TrimSpace(dc.Telegram.Token) == "" {
		return dispatch.Config{}, fmt.Errorf("dispatch.telegram.token is required when telegram is enabled")
	}
	return dispatch.Config{
		Concurrency:        dc.Concurrency,
		SendTimeout:        send,
		RatePerSec:         dc.RatePerSec,
		BreakerMaxFailures: dc.Breaker.MaxFailures,
		BreakerOpenTimeout: open,
	}, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// 0 keeps SSE streams open
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// mapEngine sizes the job engine. The engine always runs: on-demand drains
// go through it even while the scheduler is off.
func mapEngine(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 2, QueueSize: 64, HistorySize: 200}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	d, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

type journalPlan struct {
	retention     time.Duration
	pruneSchedule string
}

func mapJournal(cfg *config.Config) (journal.Config, journalPlan, error) {
	plan := journalPlan{retention: defaultRetention, pruneSchedule: defaultPruneSchedule}
	jc := cfg.Journal
	if jc == nil {
		return journal.Config{}, plan, nil
	}
	drv := strings.ToLower(strings.TrimSpace(jc.Driver))
	path := strings.TrimSpace(jc.Path)
	switch drv {
	case "", "none":
		return journal.Config{}, plan, nil
	case "file":
	case "sqlite", "sqlite3":
		if path == "" {
			return journal.Config{}, plan, fmt.Errorf("journal.path is required when journal.driver=sqlite")
		}
	default:
		return journal.Config{}, plan, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
	if err != nil {
		return journal.Config{}, plan, err
	}
	if plan.retention, err = config.ParseDurationOrDefault("journal.retention", jc.Retention, defaultRetention); err != nil {
		return journal.Config{}, plan, err
	}
	if s := strings.TrimSpace(jc.PruneSchedule); s != "" {
		plan.pruneSchedule = s
	}
	return journal.Config{Driver: drv, Path: path, BusyTimeout: busy}, plan, nil
}

type realtimePlan struct {
	mailbox     int
	presenceTTL time.Duration
	relay       bool
	channel     string
}

func mapRealtime(cfg *config.Config) (realtime.BroadcasterConfig, realtimePlan, error) {
	rc := cfg.Realtime
	dedup, err := config.ParseDurationField("realtime.dedup_ttl", rc.DedupTTL)
	if err != nil {
		return realtime.BroadcasterConfig{}, realtimePlan{}, err
	}
	plan := realtimePlan{mailbox: rc.MailboxSize, relay: rc.Relay, channel: strings.TrimSpace(rc.Channel)}
	if plan.mailbox <= 0 {
		plan.mailbox = defaultMailbox
	}
	if plan.channel == "" {
		plan.channel = defaultRelayChannel
	}
	if plan.presenceTTL, err = config.ParseDurationOrDefault("realtime.presence_ttl", rc.PresenceTTL, defaultPresenceTTL); err != nil {
		return realtime.BroadcasterConfig{}, realtimePlan{}, err
	}
	if plan.relay && !strings.EqualFold(strings.TrimSpace(cfg.Store.Driver), "redis") {
		return realtime.BroadcasterConfig{}, realtimePlan{}, fmt.Errorf("realtime.relay requires store.driver=redis")
	}
	return realtime.BroadcasterConfig{DedupTTL: dedup}, plan, nil
}

func mapIntake(cfg *config.Config) (intake.Config, bool) {
	ic := cfg.Intake
	if ic == nil || !ic.Enabled {
		return intake.Config{}, false
	}
	return intake.Config{
		URL:        strings.TrimSpace(ic.URL),
		Exchange:   ic.Exchange,
		Queue:      ic.Queue,
		RoutingKey: ic.RoutingKey,
		DeadLetter: ic.DeadLetter,
		Prefetch:   ic.Prefetch,
	}, true
}

func reputationTTL(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("filter.reputation_ttl", cfg.Filter.ReputationTTL, defaultReputationTTL)
	if err != nil {
		return defaultReputationTTL
	}
	return d
}
