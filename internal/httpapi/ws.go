package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/atelier/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleAutosaveWS streams a save_status event on connect and after every
// save state change until the client goes away.
func (s *Server) handleAutosaveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.state.SubscribeSaveStatus()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})
		for {
			// Inbound frames carry nothing; reading drives pong and close handling.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			s.logger.Debug("autosave ws write failed", zap.Error(err))
			return false
		}
		return true
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	if write(protocol.NewSaveStatusEvent(s.state.SaveStatus(), s.state.Mode(), s.degraded)) {
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case st, ok := <-updates:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(time.Second))
					break loop
				}
				if !write(protocol.NewSaveStatusEvent(st, s.state.Mode(), s.degraded)) {
					break loop
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					break loop
				}
			}
		}
	}

	cancel()
	_ = conn.Close()
	<-readerDone
}
