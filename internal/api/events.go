package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/VenkatGGG/proxylease/pkg/httpx"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.journal == nil {
		httpx.WriteError(w, http.StatusNotFound, "journal_disabled", "lease journal is not configured")
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if parsed > 1000 {
			parsed = 1000
		}
		limit = parsed
	}

	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "journal_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		httpx.WriteError(w, http.StatusNotFound, "journal_disabled", "lease journal is not configured")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	events, unsubscribe := s.journal.Subscribe(32)
	defer unsubscribe()

	// Clients never send; CloseRead cancels ctx once they hang up.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "journal closed")
				return
			}
			raw, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
