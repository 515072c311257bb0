package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is a dependency probed by the liveness checker.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the session health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedState     string    `json:"feed_state"`
	Symbol        string    `json:"symbol"`
	LastPriceTime time.Time `json:"last_price_time"`
	RunState      string    `json:"run_state"`

	RedisEnabled   bool    `json:"redis_enabled"`
	RedisConnected bool    `json:"redis_connected"`
	RedisLatencyMs float64 `json:"redis_latency_ms"`

	LastCheckAt time.Time `json:"last_check_at"`
	StartedAt   time.Time `json:"started_at"`

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		FeedState: "DISCONNECTED",
		RunState:  "IDLE",
		StartedAt: time.Now(),
		now:       time.Now,
	}
}

func (h *HealthStatus) SetFeedState(s string) {
	h.mu.Lock()
	h.FeedState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetSymbol(s string) {
	h.mu.Lock()
	h.Symbol = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastPriceTime(t time.Time) {
	h.mu.Lock()
	h.LastPriceTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRunState(s string) {
	h.mu.Lock()
	h.RunState = s
	h.mu.Unlock()
}

// EnableRedis marks Redis as a dependency that counts toward health.
func (h *HealthStatus) EnableRedis() {
	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = true
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, p Pinger) {
	start := h.now()
	err := p.Ping(ctx)
	latency := h.now().Sub(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, redis Pinger, interval time.Duration) {
	if redis == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.CheckRedis(probeCtx, redis)
				cancel()
			}
		}
	}()
}

// Report is the JSON body of /healthz.
type Report struct {
	Status         string  `json:"status"`
	Uptime         string  `json:"uptime"`
	Symbol         string  `json:"symbol"`
	FeedState      string  `json:"feed_state"`
	LastPriceTime  string  `json:"last_price_time"`
	PriceAge       string  `json:"price_age"`
	RunState       string  `json:"run_state"`
	RedisEnabled   bool    `json:"redis_enabled"`
	RedisConnected bool    `json:"redis_connected"`
	RedisLatencyMs float64 `json:"redis_latency_ms"`
	LastCheckAt    string  `json:"last_check_at"`
}

// Report evaluates the overall status. The feed is healthy while streaming
// or polling; a FAILED stream without polling is unhealthy.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, code := "healthy", http.StatusOK
	switch h.FeedState {
	case "CONNECTED", "POLLING":
	case "FAILED", "STOPPED":
		status, code = "unhealthy", http.StatusServiceUnavailable
	default:
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if h.RedisEnabled && !h.RedisConnected && status == "healthy" {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	priceAge := ""
	if !h.LastPriceTime.IsZero() {
		priceAge = h.now().Sub(h.LastPriceTime).Round(time.Millisecond).String()
	}

	return Report{
		Status:         status,
		Uptime:         h.now().Sub(h.StartedAt).Round(time.Second).String(),
		Symbol:         h.Symbol,
		FeedState:      h.FeedState,
		LastPriceTime:  h.LastPriceTime.Format(time.RFC3339),
		PriceAge:       priceAge,
		RunState:       h.RunState,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. gatherer defaults to
// prometheus.DefaultGatherer when nil.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", slog.String("component", "metrics"), slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.String("component", "metrics"), slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}
