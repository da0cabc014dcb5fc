package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens, passwords, URLs with
// credentials) are only reported as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	oS, nS := oldCfg.Store, newCfg.Store
	if oS.Driver != nS.Driver || oS.Addr != nS.Addr || oS.DB != nS.DB || oS.KeyPrefix != nS.KeyPrefix ||
		oS.DialTimeout != nS.DialTimeout || oS.OpTimeout != nS.OpTimeout || isSet(oS.Password) != isSet(nS.Password) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(nS.Driver)),
			logx.String("store.addr", strings.TrimSpace(nS.Addr)),
			logx.Bool("store.password_set", isSet(nS.Password)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Filter, newCfg.Filter) {
		changed = append(changed, "filter")
		attrs = append(attrs,
			logx.Int("filter.limits", len(newCfg.Filter.Limits)),
			logx.String("filter.quiet_start", newCfg.Filter.QuietHours.Start),
			logx.String("filter.quiet_end", newCfg.Filter.QuietHours.End),
			logx.String("filter.batch_window", newCfg.Filter.Batch.Window),
			logx.Int("filter.blacklist", len(newCfg.Filter.Blacklist)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.drain_schedule", newCfg.Queue.DrainSchedule),
			logx.Int("queue.max_retries", newCfg.Queue.MaxRetries),
			logx.Int("queue.per_minute_limit", newCfg.Queue.PerMinuteLimit),
		)
	}

	if !reflect.DeepEqual(oldCfg.Realtime, newCfg.Realtime) {
		changed = append(changed, "realtime")
		attrs = append(attrs,
			logx.Bool("realtime.relay", newCfg.Realtime.Relay),
			logx.String("realtime.dedup_ttl", newCfg.Realtime.DedupTTL),
		)
	}

	nD := newCfg.Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, nD) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.fcm", nD.FCM.Enabled),
			logx.Bool("dispatch.telegram", nD.Telegram.Enabled),
			logx.Bool("dispatch.telegram_token_set", isSet(newCfg.Dispatch.Telegram.Token)),
			logx.Bool("dispatch.log", nD.Log.Enabled),
			logx.Int("dispatch.concurrency", nD.Concurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "templates")
		attrs = append(attrs, logx.String("templates.dir", newCfg.Templates.Dir))
	}

	nH := newCfg.HTTP
	if oldCfg.HTTP != nH {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.token_set", isSet(newCfg.HTTP.Token)),
			logx.Bool("http.pprof", nH.Pprof),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler || !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
		if newCfg.Journal != nil {
			attrs = append(attrs, logx.String("journal.driver", newCfg.Journal.Driver))
		}
	}

	oI, nI := derefIntake(oldCfg.Intake), derefIntake(newCfg.Intake)
	if oI != nI {
		changed = append(changed, "intake")
		attrs = append(attrs,
			logx.Bool("intake.enabled", nI.Enabled),
			logx.String("intake.queue", nI.Queue),
			logx.Bool("intake.url_set", isSet(nI.URL)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }

func derefIntake(c *IntakeConfig) IntakeConfig {
	if c == nil {
		return IntakeConfig{}
	}
	return *c
}
