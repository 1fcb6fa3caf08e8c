// Package gateway is the session gateway: it accepts websocket connections
// on /<document name>, resolves the name to a canonical id, attaches the
// session to the shared live document and relays sync and awareness frames
// until the connection ends.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/net/netutil"

	"github.com/hazyhaar/docsync/auth"
	"github.com/hazyhaar/docsync/dbopen"
	"github.com/hazyhaar/docsync/identity"
	"github.com/hazyhaar/docsync/idgen"
	"github.com/hazyhaar/docsync/observability"
	"github.com/hazyhaar/docsync/registry"
	"github.com/hazyhaar/docsync/shield"
	"github.com/hazyhaar/docsync/snapshot"
	"github.com/hazyhaar/docsync/vtq"
)

// AliveText is the body of a plain HTTP request to a document path.
const AliveText = "docsync gateway alive"

// RetryQueue is the vtq queue name holding failed flushes.
const RetryQueue = "docsync_flush"

// Server owns every component of a running gateway.
type Server struct {
	cfg *Config
	log *slog.Logger

	db    *sql.DB
	obsDB *sql.DB
	owned []*sql.DB

	snaps    *snapshot.Store
	resolver *identity.Resolver
	retry    *vtq.Q
	reg      *registry.Registry

	metrics   *observability.MetricsManager
	events    *observability.EventLog
	heartbeat *observability.HeartbeatWriter

	maint   *shield.MaintenanceMode
	limiter *shield.RateLimiter

	mcp      *mcp.Server
	upgrader websocket.Upgrader
	router   chi.Router
	newID    idgen.Generator

	// closing ends every attached session on shutdown. admitMu orders
	// session admission against it so wg.Add never races wg.Wait.
	closing context.Context
	stop    context.CancelFunc
	admitMu sync.Mutex
	wg      sync.WaitGroup

	startOnce sync.Once
	started   bool
	closeOnce sync.Once
	bgCancel  context.CancelFunc
	bgDone    sync.WaitGroup
}

// Option customises a Server.
type Option func(*Server)

// WithDB uses db as the document database instead of opening cfg.DBPath.
// The caller keeps ownership.
func WithDB(db *sql.DB) Option { return func(s *Server) { s.db = db } }

// WithObservabilityDB uses db for metrics, heartbeats and session events
// instead of opening cfg.ObservabilityDBPath. The caller keeps ownership.
func WithObservabilityDB(db *sql.DB) Option { return func(s *Server) { s.obsDB = db } }

// WithSessionIDs overrides the session id generator (default ULID).
func WithSessionIDs(gen idgen.Generator) Option { return func(s *Server) { s.newID = gen } }

// New builds a Server from cfg. It opens the databases, applies schemas and
// wires every component, but starts nothing; call Serve or Start.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, log: logger, newID: idgen.ULID()}
	for _, o := range opts {
		o(s)
	}
	s.closing, s.stop = context.WithCancel(context.Background())

	if err := s.openStores(); err != nil {
		s.closeDBs()
		return nil, err
	}
	if err := s.wire(); err != nil {
		s.closeDBs()
		return nil, err
	}
	return s, nil
}

func (s *Server) openStores() error {
	schemas := []dbopen.Option{
		dbopen.WithSchema(snapshot.Schema),
		dbopen.WithSchema(identity.Schema),
		dbopen.WithSchema(shield.Schema),
	}
	if s.db == nil {
		db, err := dbopen.Open(s.cfg.DBPath, append(schemas, dbopen.WithMkdirAll())...)
		if err != nil {
			return fmt.Errorf("gateway: open %s: %w", s.cfg.DBPath, err)
		}
		s.db = db
		s.owned = append(s.owned, db)
	} else {
		for _, stmt := range []string{snapshot.Schema, identity.Schema, shield.Schema} {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("gateway: schema: %w", err)
			}
		}
	}

	if s.obsDB == nil {
		db, err := dbopen.Open(s.cfg.ObservabilityDBPath,
			dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			return fmt.Errorf("gateway: open %s: %w", s.cfg.ObservabilityDBPath, err)
		}
		s.obsDB = db
		s.owned = append(s.owned, db)
	} else if err := observability.Init(s.obsDB); err != nil {
		return fmt.Errorf("gateway: observability schema: %w", err)
	}
	return nil
}

func (s *Server) wire() error {
	cfg := s.cfg

	s.snaps = snapshot.New(s.db)
	resolver, err := identity.NewResolver(identity.NewSQLite(s.db), identity.Options{
		CacheSize: cfg.IdentityCacheSize,
		Logger:    s.log,
	})
	if err != nil {
		return err
	}
	s.resolver = resolver

	s.metrics = observability.NewMetricsManager(s.obsDB, cfg.MetricsBuffer, cfg.MetricsFlush)
	s.events = observability.NewEventLog(s.obsDB, 1000)

	policy, _ := registry.ParsePolicy(cfg.LoadFailurePolicy)
	var reg *registry.Registry
	s.retry = vtq.New(s.db, vtq.Options{
		Queue:        RetryQueue,
		Visibility:   cfg.Retry.Visibility,
		PollInterval: cfg.Retry.PollInterval,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Backoff:      vtq.ExponentialBackoff(cfg.Retry.BaseBackoff, cfg.Retry.MaxBackoff),
		OnDiscard:    func(job *vtq.Job) { reg.GiveUp(job) },
		Logger:       s.log,
	})
	if err := s.retry.EnsureTable(context.Background()); err != nil {
		return fmt.Errorf("gateway: retry queue: %w", err)
	}
	reg = registry.New(s.snaps, registry.Options{
		Retry:             s.retry,
		RetryDelay:        cfg.Retry.Delay,
		LoadFailurePolicy: policy,
		FlushTimeout:      cfg.FlushTimeout,
		Metrics:           s.metrics,
		Logger:            s.log,
	})
	s.reg = reg

	s.heartbeat = observability.NewHeartbeatWriter(s.obsDB, "docsync-gateway", cfg.HeartbeatInterval, s.load)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Browsers connect from the editing app's origin; tokens, not
		// origins, gate access.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	if cfg.MCPEnabled {
		s.mcp = mcp.NewServer(&mcp.Implementation{Name: "docsync", Version: "1.0.0"}, nil)
		s.RegisterMCP(s.mcp)
	}
	s.router = s.routes()
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	stack, mm, rl := shield.DefaultStack(s.db)
	s.maint, s.limiter = mm, rl
	for _, mw := range stack {
		r.Use(mw)
	}
	if s.cfg.JWTSecret != "" {
		r.Use(auth.Middleware([]byte(s.cfg.JWTSecret)))
	}

	r.Get("/healthz", s.handleHealth)
	if s.mcp != nil {
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil))
	}

	r.Group(func(r chi.Router) {
		if s.cfg.RequireAuth {
			r.Use(auth.RequireAuth)
		}
		r.Get("/*", s.handleDocument)
	})
	return r
}

// Handler returns the HTTP handler of the gateway.
func (s *Server) Handler() http.Handler { return s.router }

// Registry exposes the document registry.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Resolver exposes the identity resolver.
func (s *Server) Resolver() *identity.Resolver { return s.resolver }

// Snapshots exposes the snapshot store.
func (s *Server) Snapshots() *snapshot.Store { return s.snaps }

// Maintenance exposes the maintenance switch.
func (s *Server) Maintenance() *shield.MaintenanceMode { return s.maint }

// Events exposes the session event log.
func (s *Server) Events() *observability.EventLog { return s.events }

// Metrics exposes the metrics manager.
func (s *Server) Metrics() *observability.MetricsManager { return s.metrics }

// Start launches the background workers: flush retries, checkpoints,
// heartbeats, shield reloaders and observability retention. Serve calls it.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		bg, cancel := context.WithCancel(ctx)
		s.bgCancel = cancel
		s.started = true

		s.maint.StartReloader(bg.Done())
		s.limiter.StartReloader(bg.Done())
		s.heartbeat.Start(bg)

		s.goBackground(func() {
			if err := s.reg.RunRetries(bg); err != nil {
				s.log.Error("gateway: retry worker", "error", err)
			}
		})
		s.goBackground(func() { s.reg.RunCheckpoints(bg, s.cfg.CheckpointInterval) })
		s.goBackground(func() { s.runRetention(bg) })
	})
}

func (s *Server) goBackground(fn func()) {
	s.bgDone.Add(1)
	go func() {
		defer s.bgDone.Done()
		fn()
	}()
}

func (s *Server) runRetention(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := observability.Cleanup(ctx, s.obsDB, observability.RetentionConfig{
			MetricsDays:       s.cfg.RetentionDays,
			HeartbeatsDays:    s.cfg.RetentionDays,
			SessionEventsDays: 4 * s.cfg.RetentionDays,
		})
		if err != nil && ctx.Err() == nil {
			s.log.Warn("gateway: observability retention", "error", err)
		} else if n > 0 {
			s.log.Info("gateway: observability retention", "deleted", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ListenAndServe listens on cfg.Addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, capped at cfg.MaxConnections, until ctx
// ends, then shuts down gracefully: stop accepting, end every session (each
// one flushes on release) and flush whatever is still live.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.Start(ctx)
	ln = netutil.LimitListener(ln, s.cfg.MaxConnections)

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("gateway: listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	s.log.Info("gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("gateway: http shutdown", "error", err)
	}
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Error("gateway: shutdown", "error", err)
	}
	return serveErr
}

// Shutdown ends every session, waits for their releases, flushes the
// registry and closes the observability writers and owned databases.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.admitMu.Lock()
		s.stop()
		s.admitMu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("gateway: sessions still detaching at shutdown deadline")
		}

		err = s.reg.Close(context.WithoutCancel(ctx))

		if s.started {
			s.bgCancel()
			s.bgDone.Wait()
			s.heartbeat.Stop()
		}
		s.events.Close()
		s.metrics.Close()
		s.closeDBs()
		s.log.Info("gateway: stopped")
	})
	return err
}

// admit registers a new session unless the server is shutting down.
func (s *Server) admit() bool {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if s.closing.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) closeDBs() {
	for _, db := range s.owned {
		db.Close()
	}
	s.owned = nil
}

// load reports live documents and attached sessions for heartbeats and health.
func (s *Server) load() (docs, sessions int) {
	for _, st := range s.reg.Live() {
		docs++
		sessions += st.Sessions
	}
	return docs, sessions
}

type healthResponse struct {
	Status         string `json:"status"`
	LiveDocuments  int    `json:"live_documents"`
	Sessions       int    `json:"sessions"`
	PendingFlushes int    `json:"pending_flushes"`
	Maintenance    bool   `json:"maintenance"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	docs, sessions := s.load()
	pending, err := s.reg.PendingFlushes(r.Context())
	resp := healthResponse{
		Status:         "ok",
		LiveDocuments:  docs,
		Sessions:       sessions,
		PendingFlushes: pending,
		Maintenance:    s.maint.Active(),
	}
	code := http.StatusOK
	if err != nil {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(AliveText))
		return
	}

	name := documentName(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		shield.GetLogger(r.Context()).Warn("gateway: upgrade failed", "name", name, "error", err)
		return
	}
	s.serveConn(r.Context(), conn, name)
}

// documentName returns the URL path after "/", unescaped exactly once. chi
// matches on RawPath when it is set and on the decoded Path otherwise.
func documentName(r *http.Request) string {
	param := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return param
	}
	if name, err := url.PathUnescape(param); err == nil {
		return name
	}
	return param
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
