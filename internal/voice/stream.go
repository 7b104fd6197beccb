// ABOUTME: Websocket audio stream handler for connected calls
// ABOUTME: Binds from the start frame's parameters; call session is deleted when the stream ends

package voice

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helpmesh/omnigate/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The provider's media host connects here, not a browser.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamFrame is the envelope the provider sends over the media socket.
type streamFrame struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID        string            `json:"streamSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// StreamHandler accepts the provider's bidirectional audio connection.
type StreamHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(st store.Store, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		store:  st,
		logger: logger.With("component", "voice-stream"),
	}
}

// ServeHTTP upgrades the connection and runs the media loop. The session,
// call and chatbot identifiers arrive in the start frame's parameters, so no
// database lookup is needed to bind the stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrading media connection", "error", err)
		return
	}
	defer conn.Close()

	var sessionID string
	defer func() {
		if sessionID == "" {
			return
		}
		// Use a fresh context: the request context is already done here.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.DeleteCallSession(ctx, sessionID); err != nil {
			h.logger.Warn("deleting call session", "call_session_id", sessionID, "error", err)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("media connection closed unexpectedly", "error", err)
			}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("unparseable media frame", "error", err)
			continue
		}

		switch frame.Event {
		case "start":
			if frame.Start == nil {
				continue
			}
			sessionID = frame.Start.CustomParameters["session_id"]
			h.logger.Info("media stream started",
				"call_session_id", sessionID,
				"chatbot_id", frame.Start.CustomParameters["chatbot_id"],
				"stream_sid", frame.Start.StreamSID)

		case "media":
			// Audio frames are consumed by the speech pipeline; the bootstrap
			// core only owns session lifecycle.

		case "stop":
			h.logger.Info("media stream stopped", "call_session_id", sessionID)
			return
		}
	}
}
