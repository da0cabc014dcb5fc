package app

import (
	"context"
	"runtime"
	"runtime/metrics"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/queue"
	"github.com/moorej2400/sobertube-app-sub003/internal/task/engine"
)

// HealthReport is served on /healthz.
type HealthReport struct {
	Status     string            `json:"status"`
	Instance   string            `json:"instance"`
	Uptime     string            `json:"uptime"`
	Queue      queue.Snapshot    `json:"queue"`
	Breakers   map[string]string `json:"breakers"`
	Sessions   int               `json:"sessions"`
	Engine     engine.Snapshot   `json:"engine"`
	FirstError string            `json:"first_error,omitempty"`
}

// Health is unhealthy when the store is unreachable or a supervised loop
// failed. An open provider breaker only degrades it.
func (a *App) Health(ctx context.Context) (any, bool) {
	snap := a.queue.Snapshot(ctx)
	eng := a.engine.Snapshot()
	eng.History = nil
	rep := HealthReport{
		Status:   "running",
		Instance: a.presence.Instance(),
		Queue:    snap,
		Breakers: a.router.BreakerStates(),
		Sessions: a.hub.Count(),
		Engine:   eng,
	}
	if !a.started.IsZero() {
		rep.Uptime = a.clock.Now().Sub(a.started).Truncate(time.Second).String()
	}
	for _, st := range rep.Breakers {
		if st != "closed" {
			rep.Status = "degraded"
		}
	}
	ok := snap.StoreOK
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			rep.FirstError = err.Error()
			ok = false
		}
	}
	if !ok {
		rep.Status = "unhealthy"
	}
	return rep, ok
}

// Metrics flattens queue, engine, realtime and process counters.
func (a *App) Metrics(ctx context.Context) map[string]float64 {
	q := a.queue.Snapshot(ctx)
	eng := a.engine.Snapshot()
	out := map[string]float64{
		"notifyd_queue_priority":          float64(q.Priority),
		"notifyd_queue_main":              float64(q.Main),
		"notifyd_queue_delayed":           float64(q.Delayed),
		"notifyd_queue_batches_due":       float64(q.BatchesDue),
		"notifyd_intents_submitted_total": float64(q.Submitted),
		"notifyd_intents_sent_total":      float64(q.Sent),
		"notifyd_intents_retried_total":   float64(q.Retried),
		"notifyd_intents_dead_total":      float64(q.Dead),
		"notifyd_intents_dropped_total":   float64(q.Dropped),
		"notifyd_store_errors_total":      float64(q.Errors),
		"notifyd_last_drain_seconds":      q.LastDrain.Duration.Seconds(),
		"notifyd_last_drain_timestamp":    unixSeconds(q.LastDrain.Started),
		"notifyd_engine_queue_len":        float64(eng.QueueLen),
		"notifyd_engine_in_flight":        float64(eng.InFlight),
		"notifyd_engine_dropped_total":    float64(eng.Dropped),
		"notifyd_engine_skipped_total":    float64(eng.Skipped),
		"notifyd_realtime_sessions":       float64(a.hub.Count()),
		"notifyd_goroutines":              float64(runtime.NumGoroutine()),
	}
	if q.StoreOK {
		out["notifyd_store_up"] = 1
	} else {
		out["notifyd_store_up"] = 0
	}
	for name, st := range a.router.BreakerStates() {
		v := 0.0
		switch st {
		case "half-open":
			v = 1
		case "open":
			v = 2
		}
		out["notifyd_breaker_state{provider=\""+name+"\"}"] = v
	}

	for name, v := range processMetrics() {
		out[name] = v
	}
	return out
}

var runtimeSamples = map[string]string{
	"/cpu/classes/total:cpu-seconds":     "notifyd_cpu_seconds_total",
	"/cpu/classes/user:cpu-seconds":      "notifyd_cpu_user_seconds_total",
	"/memory/classes/heap/objects:bytes": "notifyd_heap_objects_bytes",
	"/memory/classes/total:bytes":        "notifyd_memory_total_bytes",
	"/gc/cycles/total:gc-cycles":         "notifyd_gc_cycles_total",
	"/sched/goroutines:goroutines":       "notifyd_sched_goroutines",
}

// processMetrics reads CPU and memory figures from the Go runtime. Samples
// the running toolchain does not know are skipped.
func processMetrics() map[string]float64 {
	samples := make([]metrics.Sample, 0, len(runtimeSamples))
	for k := range runtimeSamples {
		samples = append(samples, metrics.Sample{Name: k})
	}
	metrics.Read(samples)
	out := make(map[string]float64, len(samples))
	for _, s := range samples {
		switch s.Value.Kind() {
		case metrics.KindUint64:
			out[runtimeSamples[s.Name]] = float64(s.Value.Uint64())
		case metrics.KindFloat64:
			out[runtimeSamples[s.Name]] = s.Value.Float64()
		}
	}
	return out
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
