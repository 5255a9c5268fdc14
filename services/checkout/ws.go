package checkout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const wsWriteTimeout = 10 * time.Second

// handleSessionStream pushes session snapshots until the session is terminal.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.reference(w, r)
	if !ok {
		return
	}
	updates, unsubscribe, err := s.sessions.Subscribe(r.Context(), ref)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	defer unsubscribe()

	origins := s.cfg.WebsocketOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// the stream is server to client only; CloseRead handles pings and close frames
	ctx := conn.CloseRead(r.Context())
	if err := streamSession(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session complete")
}

func streamSession(ctx context.Context, conn *websocket.Conn, updates <-chan Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sess, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeSession(ctx, conn, sess); err != nil {
				return err
			}
		}
	}
}

func writeSession(ctx context.Context, conn *websocket.Conn, sess Session) error {
	data, err := json.Marshal(sessionResponse{Session: sess})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
