package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Request classes used as rate_limits.endpoint keys.
const (
	ClassUpgrade = "ws"
	ClassMCP     = "mcp"
	ClassHTTP    = "http"
)

// RateLimitConfig defines the rate limit for a single request class.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-class rate limiting backed by the
// rate_limits table (see Schema). Rules are reloaded periodically and expired
// buckets are garbage collected. A class without a rule is unlimited.
type RateLimiter struct {
	db       *sql.DB
	rules    map[string]RateLimitConfig
	buckets  sync.Map
	mu       sync.RWMutex
	exclude  []string // path prefixes excluded from rate limiting
	classify func(*http.Request) string
}

// NewRateLimiter creates a rate limiter that reads rules from the rate_limits
// table in db. Call StartReloader to enable periodic rule refresh and GC.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:       db,
		rules:    make(map[string]RateLimitConfig),
		exclude:  excludePrefixes,
		classify: Classify,
	}
	rl.reload()
	return rl
}

// Classify maps a request to ClassUpgrade for websocket handshakes, ClassMCP
// for the MCP endpoint and ClassHTTP otherwise.
func Classify(r *http.Request) string {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return ClassUpgrade
	}
	if strings.HasPrefix(r.URL.Path, "/mcp") {
		return ClassMCP
	}
	return ClassHTTP
}

// SetRule upserts the rule for class and reloads.
func (rl *RateLimiter) SetRule(class string, cfg RateLimitConfig) error {
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := rl.db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			max_requests = excluded.max_requests,
			window_seconds = excluded.window_seconds,
			enabled = excluded.enabled`,
		class, cfg.MaxRequests, cfg.WindowSeconds, enabled)
	if err != nil {
		return err
	}
	rl.reload()
	return nil
}

// StartReloader starts background goroutines for rule reloading (every 60s)
// and bucket GC (every 5min). Stops when done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reloadTick := time.NewTicker(60 * time.Second)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-reloadTick.C:
				rl.reload()
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var class string
		var cfg RateLimitConfig
		var enabled int
		if err := rows.Scan(&class, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		cfg.Enabled = enabled == 1
		rules[class] = cfg
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()

	slog.Debug("ratelimit: rules reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) allow(ip, class string) bool {
	rl.mu.RLock()
	cfg, ok := rl.rules[class]
	rl.mu.RUnlock()

	if !ok || !cfg.Enabled {
		return true
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second
	now := time.Now()
	val, _ := rl.buckets.LoadOrStore(ip+":"+class, &bucket{resetAt: now.Add(window)})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(window)
	}
	b.count++
	return b.count <= cfg.MaxRequests
}

// Middleware enforces the rate limits with a 429 JSON response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		class := rl.classify(r)
		ip := ExtractIP(r)
		if rl.allow(ip, class) {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "class", class)
		w.Header().Set("Retry-After", "60")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "rate limit exceeded",
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
