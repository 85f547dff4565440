package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"deedchain/core/types"
)

const wsWriteTimeout = 10 * time.Second

// handleEventsWS streams ledger events over a websocket. The buffered backlog
// is replayed first, then live events follow until the client disconnects.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn) error {
	updates, cancel, backlog := s.node.SubscribeEvents(ctx)
	defer cancel()

	for _, evt := range backlog {
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt types.Event) error {
	data, err := json.Marshal(eventJSON{Type: evt.Type, Attributes: evt.Attributes})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
