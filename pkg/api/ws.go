package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

type linesMessage struct {
	Lines []string `json:"lines"`
}

// handleLogRelay streams the open session's tail to a browser: the current
// buffer first, then each new batch, in the {"lines": [...]} shape the
// controller uses. The socket closes when the session stops.
func (s *Server) handleLogRelay(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusNotFound, "no_status", "status feeds are not enabled")
		return
	}
	sess := s.opts.Status.Current()
	if sess == nil {
		writeError(w, http.StatusConflict, "no_session", "no node session open")
		return
	}
	backlog, batches, unsubscribe := sess.SubscribeWithBacklog()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("log relay upgrade failed")
		return
	}
	defer conn.Close()
	log := s.log.With().Str("nodeId", sess.NodeID()).Str("session", sess.ID()).Logger()
	log.Debug().Msg("log relay subscriber connected")

	// reader goroutine notices the browser going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(linesMessage{Lines: backlog}); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			log.Debug().Msg("log relay subscriber disconnected")
			return
		case batch, ok := <-batches:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"))
				return
			}
			if err := conn.WriteJSON(linesMessage{Lines: batch}); err != nil {
				return
			}
		}
	}
}
