package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"

	"chatsync/pkg/auth"
	"chatsync/pkg/logger"
	chatsync "chatsync/pkg/sync"
	"chatsync/pkg/telemetry"
)

const defaultWriteTimeout = 10 * time.Second

// syncCommand is a client request to switch what the connection streams.
// Subscribing to a new target closes the previous subscription first, so a
// connection never holds two live subscriptions for one stream kind.
type syncCommand struct {
	Stream         string `json:"stream"` // "conversations" | "messages"
	ConversationID string `json:"conversation_id,omitempty"`
}

type syncFrame struct {
	Stream         string      `json:"stream"`
	ConversationID string      `json:"conversation_id,omitempty"`
	State          interface{} `json:"state"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens via the session token; origin policy is handled by the
	// CORS layer for browsers that enforce it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSync upgrades to a websocket and streams live snapshot states from
// the sync core. Each connection owns its own directory and message log,
// which are closed on every exit path. A sign-out for the connected user
// terminates the stream.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	telemetry.WSClients.Inc()
	defer telemetry.WSClients.Dec()
	defer conn.Close()

	dir := chatsync.NewDirectory(s.st)
	defer dir.Close()
	log := chatsync.NewMessageLog(s.st)
	defer log.Close()

	writeTimeout := s.cfg.Sync.WriteTimeout.Duration()
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	authEvents, unwatch := s.auth.Watch()
	defer unwatch()

	// closed when the handler returns so the reader never blocks on a
	// command nobody will consume
	done := make(chan struct{})
	defer close(done)

	// reader: commands and connection liveness
	cmds := make(chan syncCommand)
	readErr := make(chan error, 1)
	go func() {
		defer close(cmds)
		for {
			var cmd syncCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				readErr <- err
				return
			}
			select {
			case cmds <- cmd:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			switch cmd.Stream {
			case "conversations":
				dir.Subscribe(r.Context(), userID)
			case "messages":
				c, err := s.st.GetConversation(cmd.ConversationID)
				if err != nil || !c.HasParticipant(userID) {
					s.writeFrame(conn, writeTimeout, syncFrame{
						Stream:         "messages",
						ConversationID: cmd.ConversationID,
						State:          chatsync.MessageLogState{ConversationID: cmd.ConversationID, Err: "conversation not found"},
					})
					continue
				}
				log.Subscribe(r.Context(), cmd.ConversationID)
			default:
				logger.Debug("ws_unknown_stream", "stream", cmd.Stream)
			}
		case st, ok := <-dir.Updates():
			if !ok {
				return
			}
			if !s.writeFrame(conn, writeTimeout, syncFrame{Stream: "conversations", State: st}) {
				return
			}
		case st, ok := <-log.Updates():
			if !ok {
				return
			}
			if !s.writeFrame(conn, writeTimeout, syncFrame{Stream: "messages", ConversationID: st.ConversationID, State: st}) {
				return
			}
		case ev := <-authEvents:
			if ev.UserID == userID && !ev.SignedIn {
				logger.Info("ws_closed_on_signout", "user", userID)
				deadline := time.Now().Add(writeTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "signed out"), deadline)
				return
			}
		case <-readErr:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeFrame marshals a frame into a pooled buffer and writes it with a
// deadline. It reports false when the connection is no longer usable.
func (s *Server) writeFrame(conn *websocket.Conn, timeout time.Duration, f syncFrame) bool {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	enc := json.NewEncoder(buf)
	if err := enc.Encode(f); err != nil {
		logger.Error("ws_frame_encode_failed", "error", err)
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		logger.Debug("ws_write_failed", "error", err)
		return false
	}
	return true
}
