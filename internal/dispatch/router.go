package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

type Config struct {
	Concurrency int
	SendTimeout time.Duration
	RatePerSec  int

	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 50
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	return c
}

type route struct {
	p       Provider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Router is the delivery dispatcher: one guarded route per provider kind.
type Router struct {
	cfg Config
	log logx.Logger
	sem *semaphore.Weighted

	mu     sync.RWMutex
	routes map[string]*route
}

func NewRouter(cfg Config, log logx.Logger) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:    cfg,
		log:    log,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		routes: map[string]*route{},
	}
}

// Register installs p for destinations whose Kind equals p.Name().
func (r *Router) Register(p Provider) {
	name := p.Name()
	log := r.log
	maxFail := uint32(r.cfg.BreakerMaxFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= maxFail },
		// a dead token says nothing about provider health
		IsSuccessful: func(err error) bool { return err == nil || notify.IsPermanent(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("provider breaker state changed", logx.String("provider", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	r.mu.Lock()
	r.routes[name] = &route{
		p:       p,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(r.cfg.RatePerSec), r.cfg.RatePerSec),
	}
	r.mu.Unlock()
	r.log.Info("provider registered", logx.String("provider", name))
}

// Providers lists registered provider names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BreakerStates maps provider name to breaker state ("closed", "open", "half-open").
func (r *Router) BreakerStates() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.routes))
	for k, rt := range r.routes {
		out[k] = rt.cb.State().String()
	}
	return out
}

// Send delivers msg to one destination, bounded by the send timeout.
func (r *Router) Send(ctx context.Context, d Destination, msg Message) error {
	r.mu.RLock()
	rt := r.routes[d.Kind]
	r.mu.RUnlock()
	if rt == nil {
		return notify.Permanent(fmt.Errorf("%w: %q", ErrNoProvider, d.Kind))
	}
	if err := rt.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	_, err := rt.cb.Execute(func() (any, error) {
		return nil, rt.p.Send(ctx, d.Token, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("provider %s: %w", d.Kind, err)
	}
	return err
}

// SendAll fans msg out to every destination. One destination's failure never
// affects the others; results keep the input order.
func (r *Router) SendAll(ctx context.Context, dests []Destination, msg Message) []Result {
	results := make([]Result, len(dests))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range dests {
		i, d := i, d
		results[i].Destination = d
		if err := r.sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			defer r.sem.Release(1)
			err := r.Send(gctx, d, msg)
			results[i].Err = err
			if err != nil {
				r.log.Warn("destination send failed",
					logx.String("provider", d.Kind),
					logx.String("token", maskToken(d.Token)),
					logx.Bool("permanent", notify.IsPermanent(err)),
					logx.Err(err))
			}
			// never cancel siblings
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func maskToken(tok string) string {
	if len(tok) <= 8 {
		return "***"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}
