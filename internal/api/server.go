package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/proxylease/internal/audit"
	"github.com/VenkatGGG/proxylease/internal/cleanup"
	"github.com/VenkatGGG/proxylease/internal/lease"
	"github.com/VenkatGGG/proxylease/internal/proxy"
	"github.com/VenkatGGG/proxylease/pkg/httpx"
)

// LeaseService is the lease engine as seen by the HTTP layer.
type LeaseService interface {
	RegisterOrRenew(ctx context.Context, clientID string) (proxy.Grant, error)
	Release(ctx context.Context, clientID string) (cleanup.Outcome, error)
	Status(clientID string) proxy.Status
	Health() proxy.Health
	Leases() []lease.Lease
}

type Options struct {
	Host               string
	Group              string
	LeaseDuration      time.Duration
	APIKey             string
	RateLimitPerMinute int
	TrustForwardedFor  bool
	StaticDir          string
	Version            string
}

type Server struct {
	leases  LeaseService
	journal *audit.Journal
	metrics *Metrics
	opts    Options
	logger  *zap.Logger

	requiredAPIKey string
	rateLimiter    *clientLimiter
}

func NewServer(leases LeaseService, journal *audit.Journal, metrics *Metrics, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(leases)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	var limiter *clientLimiter
	if opts.RateLimitPerMinute > 0 {
		limiter = newClientLimiter(opts.RateLimitPerMinute, time.Minute)
	}
	return &Server{
		leases:         leases,
		journal:        journal,
		metrics:        metrics,
		opts:           opts,
		logger:         logger,
		requiredAPIKey: strings.TrimSpace(opts.APIKey),
		rateLimiter:    limiter,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleDashboard)
	mux.Handle("/api", s.metrics.instrument("api", http.HandlerFunc(s.handleAPIInfo)))
	mux.Handle("/connect", s.metrics.instrument("connect", http.HandlerFunc(s.handleConnect)))
	mux.Handle("/disconnect", s.metrics.instrument("disconnect", http.HandlerFunc(s.handleDisconnect)))
	mux.Handle("/status", s.metrics.instrument("status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("/health", s.metrics.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/v1/leases", s.metrics.instrument("leases", http.HandlerFunc(s.handleLeases)))
	mux.Handle("/v1/events", s.metrics.instrument("events", http.HandlerFunc(s.handleEvents)))
	// Not instrumented: the status recorder would hide the connection hijacker.
	mux.HandleFunc("/v1/events/stream", s.handleEventStream)

	return s.withAPISecurity(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type apiInfoResponse struct {
	Service            string            `json:"service"`
	Version            string            `json:"version"`
	Endpoints          map[string]string `json:"endpoints"`
	FortiGateIP        string            `json:"fortigate_ip"`
	AddressGroup       string            `json:"address_group"`
	TimerDurationHours float64           `json:"timer_duration_hours"`
}

func (s *Server) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, apiInfoResponse{
		Service: "FortiGate Proxy Lease Manager",
		Version: s.opts.Version,
		Endpoints: map[string]string{
			"/connect":          "Grant or renew a proxy lease for the calling address",
			"/disconnect":       "Revoke the caller's lease and wait for cleanup",
			"/status":           "Lease status for the calling address",
			"/health":           "Service and firewall health",
			"/metrics":          "Prometheus metrics",
			"/v1/leases":        "Every active lease with its remaining time",
			"/v1/events":        "Recent lease events",
			"/v1/events/stream": "Live lease events over websocket",
		},
		FortiGateIP:        s.opts.Host,
		AddressGroup:       s.opts.Group,
		TimerDurationHours: s.opts.LeaseDuration.Hours(),
	})
}
