package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moorej2400/sobertube-app-sub003/internal/analytics"
	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
	"github.com/moorej2400/sobertube-app-sub003/internal/journal"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/profile"
	"github.com/moorej2400/sobertube-app-sub003/internal/realtime"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const (
	streamKeepAlive = 15 * time.Second
	defaultDeadList = 50
	maxDeadList     = 500
)

type Intents interface {
	Submit(ctx context.Context, in *notify.Intent) (notify.Admission, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

type Broadcasts interface {
	Broadcast(ctx context.Context, eventID string, targets []string, ev realtime.Event) realtime.Report
	Publish(ctx context.Context, eventID string, targets []string, ev realtime.Event) realtime.Report
}

type Streams interface {
	Attach(ctx context.Context, userID string) *realtime.Session
	Detach(ctx context.Context, s *realtime.Session)
}

type Counts interface {
	Counts(ctx context.Context, day time.Time) ([]analytics.Count, error)
}

// Profiles is the optional write side of the profile store.
type Profiles interface {
	SetPreferences(ctx context.Context, userID string, p profile.Prefs) error
	AddDestination(ctx context.Context, userID string, d dispatch.Destination) error
}

// Senders edits the runtime sender blacklist.
type Senders interface {
	Block(ctx context.Context, senderID string) error
	Unblock(ctx context.Context, senderID string) error
}

// Deps wires handlers to the pipeline. Nil members disable their routes.
type Deps struct {
	Intents    Intents
	Broadcasts Broadcasts
	Streams    Streams
	Followers  profile.Followers
	Profiles   Profiles
	Senders    Senders
	Journal    journal.Journal
	Analytics  Counts
	// Health reports a JSON-able snapshot and whether the process is healthy.
	Health func(ctx context.Context) (any, bool)
	// Metrics returns gauge and counter values keyed by metric name.
	Metrics func(ctx context.Context) map[string]float64
}

// Routes builds the gin handler for cfg.
func (s *Server) Routes(cfg Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	d := s.deps
	r.GET("/healthz", s.health)

	api := r.Group("/", requireToken(cfg.Token))
	if d.Metrics != nil {
		api.GET("/metrics", s.metrics)
	}
	v1 := api.Group("/v1")
	if d.Intents != nil {
		v1.POST("/intents", s.submitIntent)
		v1.DELETE("/intents/:id", s.cancelIntent)
	}
	if d.Broadcasts != nil {
		v1.POST("/broadcasts", s.broadcast)
	}
	if d.Streams != nil {
		v1.GET("/stream/:user_id", s.stream)
	}
	if d.Journal != nil {
		v1.GET("/dead", s.dead)
	}
	if d.Analytics != nil {
		v1.GET("/analytics/:date", s.analytics)
	}
	if d.Profiles != nil {
		v1.PUT("/users/:user_id/preferences", s.putPreferences)
		v1.POST("/users/:user_id/destinations", s.addDestination)
	}
	if d.Senders != nil {
		v1.PUT("/senders/:sender_id/block", s.blockSender)
		v1.DELETE("/senders/:sender_id/block", s.unblockSender)
	}
	if cfg.Pprof {
		api.GET("/debug/pprof/*name", gin.WrapF(pprofHandler))
	}
	return r
}

func pprofHandler(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(r.URL.Path, "/debug/pprof/") {
	case "cmdline":
		hpprof.Cmdline(w, r)
	case "profile":
		hpprof.Profile(w, r)
	case "symbol":
		hpprof.Symbol(w, r)
	case "trace":
		hpprof.Trace(w, r)
	default:
		hpprof.Index(w, r)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method), logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()), logx.Duration("took", time.Since(start)))
	}
}

func respondError(c *gin.Context, status int, message string, err error) {
	body := gin.H{"error": message}
	if err != nil {
		body["detail"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	snap, ok := s.deps.Health(c.Request.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snap)
}

// metrics writes one "name value" line per metric, sorted by name.
func (s *Server) metrics(c *gin.Context) {
	m := s.deps.Metrics(c.Request.Context())
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(m[k], 'g', -1, 64))
		b.WriteByte('\n')
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
}

func (s *Server) submitIntent(c *gin.Context) {
	var in notify.Intent
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid json", err)
		return
	}
	adm, err := s.deps.Intents.Submit(c.Request.Context(), &in)
	if errors.Is(err, notify.ErrInvalidIntent) {
		respondError(c, http.StatusBadRequest, "invalid intent", err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "submit failed", err)
		return
	}
	c.JSON(http.StatusAccepted, adm)
}

func (s *Server) cancelIntent(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.deps.Intents.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "cancel failed", err)
		return
	}
	if !ok {
		respondError(c, http.StatusNotFound, "intent not pending", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "cancelled": true})
}

type broadcastRequest struct {
	EventID     string          `json:"event_id"`
	Targets     []string        `json:"targets,omitempty"`
	FollowersOf string          `json:"followers_of,omitempty"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	// Resource switches to last-writer-wins delivery keyed by resource.
	Resource string    `json:"resource,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

func (s *Server) broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid json", err)
		return
	}
	if strings.TrimSpace(req.EventID) == "" || strings.TrimSpace(req.Name) == "" {
		respondError(c, http.StatusBadRequest, "event_id and name required", nil)
		return
	}
	ctx := c.Request.Context()
	targets := req.Targets
	if req.FollowersOf != "" {
		followers := s.deps.Followers
		if followers == nil {
			followers = profile.NoFollowers{}
		}
		got, err := followers.Followers(ctx, req.FollowersOf)
		if errors.Is(err, profile.ErrFollowersUnavailable) {
			respondError(c, http.StatusNotImplemented, "followers lookup unavailable", nil)
			return
		}
		if err != nil {
			respondError(c, http.StatusServiceUnavailable, "followers lookup failed", err)
			return
		}
		targets = append(targets, got...)
	}
	if len(targets) == 0 {
		c.JSON(http.StatusOK, realtime.Report{})
		return
	}

	ev := realtime.Event{ID: req.EventID, Name: req.Name, Payload: req.Payload, Priority: req.Priority, Resource: req.Resource, At: req.At}
	var rep realtime.Report
	if req.Resource != "" {
		rep = s.deps.Broadcasts.Publish(ctx, req.EventID, targets, ev)
	} else {
		rep = s.deps.Broadcasts.Broadcast(ctx, req.EventID, targets, ev)
	}
	c.JSON(http.StatusOK, rep)
}

// stream serves one SSE session. The first event is "ready" carrying the
// session id.
func (s *Server) stream(c *gin.Context) {
	user := c.Param("user_id")
	ctx := c.Request.Context()
	sess := s.deps.Streams.Attach(ctx, user)
	defer s.deps.Streams.Detach(context.WithoutCancel(ctx), sess)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("ready", gin.H{"session": sess.ID})
	c.Writer.Flush()

	keep := time.NewTicker(streamKeepAlive)
	defer keep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			c.SSEvent(ev.Name, ev)
		case <-keep.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
		}
		c.Writer.Flush()
	}
}

func (s *Server) dead(c *gin.Context) {
	limit := defaultDeadList
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxDeadList)
	}
	entries, err := s.deps.Journal.Recent(c.Request.Context(), journal.OutcomeDead, limit)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "journal unavailable", err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) analytics(c *gin.Context) {
	day, err := analytics.ParseDay(c.Param("date"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "date must be YYYY-MM-DD", err)
		return
	}
	counts, err := s.deps.Analytics.Counts(c.Request.Context(), day)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "analytics unavailable", err)
		return
	}
	if counts == nil {
		counts = []analytics.Count{}
	}
	c.JSON(http.StatusOK, gin.H{"date": c.Param("date"), "counts": counts})
}

func (s *Server) putPreferences(c *gin.Context) {
	var p profile.Prefs
	if err := c.ShouldBindJSON(&p); err != nil {
		respondError(c, http.StatusBadRequest, "invalid json", err)
		return
	}
	if err := s.deps.Profiles.SetPreferences(c.Request.Context(), c.Param("user_id"), p); err != nil {
		respondError(c, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) addDestination(c *gin.Context) {
	var d dispatch.Destination
	if err := c.ShouldBindJSON(&d); err != nil {
		respondError(c, http.StatusBadRequest, "invalid json", err)
		return
	}
	if strings.TrimSpace(d.Kind) == "" || strings.TrimSpace(d.Token) == "" {
		respondError(c, http.StatusBadRequest, "kind and token required", nil)
		return
	}
	if err := s.deps.Profiles.AddDestination(c.Request.Context(), c.Param("user_id"), d); err != nil {
		respondError(c, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) blockSender(c *gin.Context) {
	if err := s.deps.Senders.Block(c.Request.Context(), c.Param("sender_id")); err != nil {
		respondError(c, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	s.log.Info("sender blocked", logx.String("sender", c.Param("sender_id")))
	c.Status(http.StatusNoContent)
}

func (s *Server) unblockSender(c *gin.Context) {
	if err := s.deps.Senders.Unblock(c.Request.Context(), c.Param("sender_id")); err != nil {
		respondError(c, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	s.log.Info("sender unblocked", logx.String("sender", c.Param("sender_id")))
	c.Status(http.StatusNoContent)
}
