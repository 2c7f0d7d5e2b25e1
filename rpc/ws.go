package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"svtchain/core"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsSubscribeBuffer = 16
)

// handleEventsWS streams committed block events. A cursor query parameter
// names the last block height the client has seen; retained batches above it
// are replayed before live delivery begins.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	// Subscribe before replaying the backlog so batches committed while the
	// replay runs are not lost; duplicates are filtered by height below.
	updates, cancel := s.node.SubscribeEvents(wsSubscribeBuffer)
	defer cancel()

	delivered := cursor
	for _, batch := range s.node.EventsSince(cursor) {
		if err := writeBlockEvents(ctx, conn, batch); err != nil {
			return err
		}
		delivered = batch.Height
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-updates:
			if !ok {
				return nil
			}
			if batch.Height <= delivered {
				continue
			}
			if err := writeBlockEvents(ctx, conn, batch); err != nil {
				return err
			}
			delivered = batch.Height
		}
	}
}

func writeBlockEvents(ctx context.Context, conn *websocket.Conn, batch core.BlockEvents) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
