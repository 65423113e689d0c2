package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	defaultChannelBuffer = 64
	defaultWriteWait     = 10 * time.Second
)

// CloseRequest asks the relay to end every channel of a task with a close frame.
type CloseRequest struct {
	Code   int    `json:"code,omitempty" minimum:"1000" maximum:"4999" doc:"Close code, 1000 when omitted"`
	Reason string `json:"reason,omitempty" maxLength:"120"`
}

// serveChannel upgrades GET /ws/{id} and forwards every report published for
// the task until the client leaves, a close is requested, or the relay stops.
func (s *Relay) serveChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.requireTask(id); err != nil {
		writeAPIError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("channel upgrade failed", slog.String("task_id", id), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	if !s.trackChannel() {
		s.writeClose(conn, websocket.CloseGoingAway, "relay shutting down")
		return
	}
	defer s.channels.Done()
	logger := s.logger.With(slog.String("task_id", id))

	frames := make(chan []byte, s.cfg.ChannelBuffer)
	unsubscribe, err := s.broker.Subscribe(ReportsSubject(id), func(data []byte) {
		select {
		case frames <- data:
		default:
			s.metrics.framesDropped.Inc()
			logger.Warn("channel subscriber behind, dropping frame", slog.Int("bytes", len(data)))
		}
	})
	if err != nil {
		logger.Error("subscribe reports", slog.String("error", err.Error()))
		s.writeClose(conn, websocket.CloseInternalServerErr, "broker unavailable")
		return
	}
	defer unsubscribe()

	closes := make(chan CloseRequest, 1)
	unsubscribeControl, err := s.broker.Subscribe(ControlSubject(id), func(data []byte) {
		var req CloseRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("ignoring control message", slog.String("error", err.Error()))
			return
		}
		select {
		case closes <- req:
		default:
		}
	})
	if err != nil {
		logger.Error("subscribe control", slog.String("error", err.Error()))
		s.writeClose(conn, websocket.CloseInternalServerErr, "broker unavailable")
		return
	}
	defer unsubscribeControl()

	s.metrics.channelsOpen.Inc()
	defer s.metrics.channelsOpen.Dec()
	logger.Info("channel open", slog.String("remote", r.RemoteAddr))

	// The client never sends data; reading only surfaces its close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			logger.Info("channel closed by client")
			return
		case <-s.stopping:
			s.writeClose(conn, websocket.CloseGoingAway, "relay shutting down")
			return
		case req := <-closes:
			code := req.Code
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			s.writeClose(conn, code, req.Reason)
			s.awaitClose(gone)
			return
		case data := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("channel write failed", slog.String("error", err.Error()))
				return
			}
			s.metrics.framesForwarded.Inc()
		}
	}
}

// validCloseCode accepts 0 (normal closure) and the codes a peer may send:
// 1000-1003, 1007-1014 and the registered and private 3000-4999 ranges.
func validCloseCode(code int) bool {
	switch {
	case code == 0:
		return true
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

func (s *Relay) writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
}

// awaitClose gives the client a moment to answer the close frame.
func (s *Relay) awaitClose(gone <-chan struct{}) {
	select {
	case <-gone:
	case <-time.After(s.cfg.WriteWait):
	}
}
