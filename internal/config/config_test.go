package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"bogus":1}`))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{} {}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	src := `
store:
  driver: redis
  addr: 127.0.0.1:6379
filter:
  limits:
    like: {per_hour: 20, per_day: 100}
  quiet_hours:
    start: "22:00"
    end: "08:00"
`
	cfg, err := Decode("c.yaml", []byte(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.Addr != "127.0.0.1:6379" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if got := cfg.Filter.Limits["like"]; got.PerHour != 20 || got.PerDay != 100 {
		t.Fatalf("like limit = %+v", got)
	}
	if cfg.Filter.QuietHours.Start != "22:00" {
		t.Fatalf("quiet start = %q", cfg.Filter.QuietHours.Start)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.yml", nil); err != nil {
		t.Fatalf("Decode empty: %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvRedisAddr:        "redis:6379",
		EnvRedisDB:          "2",
		EnvHTTPToken:        "secret",
		EnvAMQPURL:          "amqp://guest:guest@mq:5672/",
		EnvTelegramAlertCID: "-100123",
		EnvLogLevel:         "  ",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	ApplyEnv(cfg, lookup)

	if cfg.Store.Addr != "redis:6379" || cfg.Store.DB != 2 {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.HTTP.Token != "secret" {
		t.Fatalf("http token not applied")
	}
	if cfg.Intake == nil || !cfg.Intake.Enabled || cfg.Intake.URL == "" {
		t.Fatalf("intake = %+v", cfg.Intake)
	}
	if cfg.Dispatch.Telegram.AlertChatID != -100123 {
		t.Fatalf("alert chat = %d", cfg.Dispatch.Telegram.AlertChatID)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("blank env must not override, got %q", cfg.Logging.Level)
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"22:00", 22 * time.Hour, false},
		{"08:30", 8*time.Hour + 30*time.Minute, false},
		{"", 7 * time.Hour, false},
		{"24:00", 0, true},
		{"8", 0, true},
		{"ab:cd", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseClock("quiet", tc.in, 7*time.Hour)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseClock(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseClock(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Minute); err == nil {
		t.Fatal("expected negative duration error")
	}
	if d, _ := ParseDurationOrDefault("x", "90s", time.Minute); d != 90*time.Second {
		t.Fatalf("got %v", d)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{HTTP: HTTPConfig{Token: "a"}}
	newCfg := &Config{HTTP: HTTPConfig{Token: "b"}, Queue: QueueConfig{MaxRetries: 5}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "http,queue" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "notifyd.json")
	if err := os.WriteFile(path, []byte(`{"queue":{"max_retries":3}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Queue.MaxRetries != 5 {
				t.Fatalf("max_retries = %d", cfg.Queue.MaxRetries)
			}
			if m.Get().Queue.MaxRetries != 5 {
				t.Fatal("config not committed")
			}
			return
		case <-tick.C:
			// rewrite until the watcher is up and sees it
			_ = os.WriteFile(path, []byte(`{"queue":{"max_retries":5}}`), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
