package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. Secrets should be set
// here rather than in the config file.
const (
	EnvLogLevel         = "NOTIFYD_LOG_LEVEL"
	EnvStoreDriver      = "NOTIFYD_STORE_DRIVER"
	EnvRedisAddr        = "NOTIFYD_REDIS_ADDR"
	EnvRedisPassword    = "NOTIFYD_REDIS_PASSWORD"
	EnvRedisDB          = "NOTIFYD_REDIS_DB"
	EnvHTTPAddr         = "NOTIFYD_HTTP_ADDR"
	EnvHTTPToken        = "NOTIFYD_HTTP_TOKEN"
	EnvTelegramToken    = "NOTIFYD_TELEGRAM_TOKEN"
	EnvFCMCredentials   = "NOTIFYD_FCM_CREDENTIALS"
	EnvAMQPURL          = "NOTIFYD_AMQP_URL"
	EnvTelegramAlertCID = "NOTIFYD_TELEGRAM_ALERT_CHAT_ID"
)

// loadDotenv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotenv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays NOTIFYD_* variables onto cfg. lookup is os.LookupEnv in
// production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str(EnvLogLevel, &cfg.Logging.Level)
	str(EnvStoreDriver, &cfg.Store.Driver)
	str(EnvRedisAddr, &cfg.Store.Addr)
	str(EnvRedisPassword, &cfg.Store.Password)
	if v, ok := lookup(EnvRedisDB); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Store.DB = n
		}
	}
	str(EnvHTTPAddr, &cfg.HTTP.Addr)
	str(EnvHTTPToken, &cfg.HTTP.Token)
	str(EnvTelegramToken, &cfg.Dispatch.Telegram.Token)
	if v, ok := lookup(EnvTelegramAlertCID); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.Dispatch.Telegram.AlertChatID = n
		}
	}
	str(EnvFCMCredentials, &cfg.Dispatch.FCM.CredentialsFile)

	if v, ok := lookup(EnvAMQPURL); ok && strings.TrimSpace(v) != "" {
		if cfg.Intake == nil {
			cfg.Intake = &IntakeConfig{Enabled: true}
		}
		cfg.Intake.URL = strings.TrimSpace(v)
	}
}
