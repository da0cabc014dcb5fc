package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// Config is the runtime store configuration mapped from config.StoreConfig.
type Config struct {
	Driver      string // "redis" | "memory"
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// Open selects the driver. An empty driver means memory.
func Open(cfg Config, clock notify.Clock, log logx.Logger) (Store, error) {
	drv := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch drv {
	case "", "memory", "mem":
		log.Info("store opened", logx.String("driver", "memory"))
		return NewMemory(clock), nil
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("store: redis addr required")
		}
		s := NewRedis(cfg)
		log.Info("store opened", logx.String("driver", "redis"), logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
