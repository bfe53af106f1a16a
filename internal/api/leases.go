package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/proxylease/internal/cleanup"
	"github.com/VenkatGGG/proxylease/internal/fortigate"
	"github.com/VenkatGGG/proxylease/internal/proxy"
	"github.com/VenkatGGG/proxylease/pkg/httpx"
)

type connectResponse struct {
	Message          string         `json:"message"`
	ClientIP         string         `json:"client_ip"`
	AddressName      string         `json:"address_name"`
	Mode             fortigate.Mode `json:"mode"`
	CleanupInSeconds int64          `json:"cleanup_in_seconds"`
	ExpiresAt        time.Time      `json:"expires_at"`
	Renewed          bool           `json:"renewed"`
}

type disconnectResponse struct {
	Message       string `json:"message"`
	ClientIP      string `json:"client_ip"`
	AddressName   string `json:"address_name,omitempty"`
	ObjectDeleted bool   `json:"object_deleted"`
}

type statusResponse struct {
	Connected      bool           `json:"connected"`
	ClientIP       string         `json:"client_ip"`
	HasActiveProxy bool           `json:"has_active_proxy"`
	Host           string         `json:"host"`
	AddressGroup   string         `json:"address_group"`
	Mode           fortigate.Mode `json:"mode"`
	AddressName    *string        `json:"address_name"`
	TimerRemaining *float64       `json:"timer_remaining"`
}

type healthResponse struct {
	Status         string         `json:"status"`
	Connected      bool           `json:"connected"`
	Host           *string        `json:"host"`
	Mode           fortigate.Mode `json:"mode"`
	ActiveTimers   int            `json:"active_timers"`
	AddressObjects int            `json:"address_objects"`
	QueueSize      int            `json:"queue_size"`
	MemoryUsage    float64        `json:"memory_usage"`
	Uptime         string         `json:"uptime"`
	LastError      *string        `json:"last_error"`
	Timestamp      time.Time      `json:"timestamp"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	clientID := requestClientIdentity(r, s.opts.TrustForwardedFor)

	grant, err := s.leases.RegisterOrRenew(r.Context(), clientID)
	if err != nil {
		s.metrics.observeOperation("register", err)
		s.writeLeaseError(w, clientID, err)
		return
	}

	message := "proxy lease granted"
	op := "register"
	if grant.Renewed {
		message = "proxy lease renewed"
		op = "renew"
	}
	s.metrics.observeOperation(op, nil)
	httpx.WriteJSON(w, http.StatusOK, connectResponse{
		Message:          message,
		ClientIP:         clientID,
		AddressName:      grant.ResourceName,
		Mode:             grant.Mode,
		CleanupInSeconds: int64(grant.ExpiresIn / time.Second),
		ExpiresAt:        grant.ExpiresAt,
		Renewed:          grant.Renewed,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	clientID := requestClientIdentity(r, s.opts.TrustForwardedFor)

	outcome, err := s.leases.Release(r.Context(), clientID)
	s.metrics.observeOperation("release", err)
	if err != nil {
		s.writeLeaseError(w, clientID, err)
		return
	}

	message := "proxy lease revoked"
	if outcome.AlreadyClean {
		message = "proxy lease already expired"
	}
	httpx.WriteJSON(w, http.StatusOK, disconnectResponse{
		Message:       message,
		ClientIP:      clientID,
		AddressName:   outcome.ResourceName,
		ObjectDeleted: outcome.ObjectDeleted,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	clientID := requestClientIdentity(r, s.opts.TrustForwardedFor)
	status := s.leases.Status(clientID)

	resp := statusResponse{
		Connected:      status.Connected,
		ClientIP:       clientID,
		HasActiveProxy: status.HasLease,
		Host:           status.Host,
		AddressGroup:   status.Group,
		Mode:           status.Mode,
	}
	if status.HasLease {
		name := status.ResourceName
		resp.AddressName = &name
	}
	if status.Remaining != nil {
		seconds := status.Remaining.Seconds()
		resp.TimerRemaining = &seconds
	}
	httpx.WriteLiveJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	health := s.leases.Health()

	resp := healthResponse{
		Status:         "healthy",
		Connected:      health.Connected,
		Mode:           health.Mode,
		ActiveTimers:   health.ActiveTimers,
		AddressObjects: health.Leases,
		QueueSize:      health.QueueSize,
		MemoryUsage:    health.MemoryMB,
		Uptime:         health.Uptime.Truncate(time.Second).String(),
		Timestamp:      health.Timestamp,
	}
	if health.Host != "" {
		host := health.Host
		resp.Host = &host
	}
	if health.LastError != "" {
		lastErr := health.LastError
		resp.LastError = &lastErr
	}
	httpx.WriteLiveJSON(w, http.StatusOK, resp)
}

type leaseEntry struct {
	ClientIP       string   `json:"client_ip"`
	AddressName    string   `json:"address_name"`
	TimerRemaining *float64 `json:"timer_remaining"`
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	leases := s.leases.Leases()
	entries := make([]leaseEntry, 0, len(leases))
	for _, current := range leases {
		entry := leaseEntry{ClientIP: current.ClientID, AddressName: current.ResourceName}
		if remaining := s.leases.Status(current.ClientID).Remaining; remaining != nil {
			seconds := remaining.Seconds()
			entry.TimerRemaining = &seconds
		}
		entries = append(entries, entry)
	}
	httpx.WriteLiveJSON(w, http.StatusOK, map[string]any{"leases": entries})
}

func (s *Server) writeLeaseError(w http.ResponseWriter, clientID string, err error) {
	var (
		regErr    *proxy.RegistrationError
		revokeErr *cleanup.RevocationError
	)
	switch {
	case errors.Is(err, proxy.ErrLeaseNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "no active proxy lease for this client")
	case errors.Is(err, proxy.ErrNotConnected):
		httpx.WriteError(w, http.StatusServiceUnavailable, "firewall_unavailable", err.Error())
	case errors.Is(err, cleanup.ErrWorkerStopped):
		httpx.WriteError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, http.StatusGatewayTimeout, "timeout", "request ended before the operation completed")
	case errors.As(err, &regErr):
		s.logger.Error("connect failed", zap.String("client_id", clientID), zap.String("step", regErr.Step), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "register_failed", err.Error())
	case errors.As(err, &revokeErr):
		s.logger.Error("disconnect failed", zap.String("client_id", clientID), zap.String("step", revokeErr.Step), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "revoke_failed", err.Error())
	default:
		s.logger.Error("lease request failed", zap.String("client_id", clientID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
