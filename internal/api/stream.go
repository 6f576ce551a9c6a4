package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Stream message types
const (
	MessageState = "state"
	MessageRun   = "run"
)

// Message is one frame on the /ws stream
type Message struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

const writeTimeout = 5 * time.Second

// stream sends the current status, then every state change and completed
// run, until the client goes away or the server shuts down
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	states := s.deps.Syncer.SubscribeState(s.config.StreamBuffer)
	defer states.Unsubscribe()
	runs := s.deps.Syncer.SubscribeRuns(s.config.StreamBuffer)
	defer runs.Unsubscribe()

	// Clients only listen; CloseRead handles their close frames
	ctx := conn.CloseRead(s.ctx)

	s.logger.Debug("stream client connected", "remote", r.RemoteAddr)

	if err := s.send(ctx, conn, MessageState, s.deps.Syncer.Status()); err != nil {
		return
	}

	for {
		select {
		case change, ok := <-states.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "orchestrator stopped")
				return
			}
			if err := s.send(ctx, conn, MessageState, change); err != nil {
				return
			}
		case run, ok := <-runs.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "orchestrator stopped")
				return
			}
			if err := s.send(ctx, conn, MessageRun, run); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			s.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, typ string, data any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := wsjson.Write(ctx, conn, Message{Type: typ, At: time.Now(), Data: data})
	if err != nil {
		s.logger.Debug("stream write failed", "error", err)
	}
	return err
}
