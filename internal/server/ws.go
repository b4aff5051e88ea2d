package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ashita-ai/kehai/internal/model"
	"github.com/ashita-ai/kehai/internal/service/perception"
)

const (
	wsWriteWait      = 5 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 4 << 10
)

// Client message types.
const (
	wsMsgSubscribe = "subscribe"
	wsMsgMarkRead  = "mark_read"
)

// Server message types.
const (
	wsMsgSnapshot = "snapshot"
	wsMsgAlert    = "alert"
	wsMsgMarked   = "marked"
	wsMsgError    = "error"
)

type wsClientMessage struct {
	Type       string    `json:"type"`
	ObserverID uuid.UUID `json:"observer_id"`
}

type wsServerMessage struct {
	Type        string                  `json:"type"`
	ObserverID  *uuid.UUID              `json:"observer_id,omitempty"`
	Events      []model.PerceptionEvent `json:"events,omitempty"`
	Event       *model.PerceptionEvent  `json:"event,omitempty"`
	UnreadCount *int                    `json:"unread_count,omitempty"`
	Marked      *int64                  `json:"marked,omitempty"`
	Message     string                  `json:"message,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandlePerceptionWS handles GET /v1/sessions/{session_id}/perception/ws.
//
// The client sends {"type":"subscribe","observer_id":...} to start (or
// switch) its feed and {"type":"mark_read"} to clear the unread count. All
// writes happen on the handler goroutine.
func (h *Handlers) HandlePerceptionWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("ws: upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Detach from the request so the hijacked connection's lifetime is ours.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	inbound := make(chan wsClientMessage)
	readErr := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			var msg wsClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
					msg = wsClientMessage{Type: "invalid"}
				} else {
					readErr <- err
					return
				}
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	var sub *perception.Subscription
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	write := func(msg wsServerMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg) == nil
	}

	for {
		// A nil channel never fires, so without a subscription only client
		// messages and pings are served.
		var alerts <-chan perception.Alert
		if sub != nil {
			alerts = sub.Alerts()
		}

		select {
		case <-ctx.Done():
			select {
			case err := <-readErr:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("ws: read failed", "error", err)
				}
			default:
			}
			return

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}

		case alert, ok := <-alerts:
			if !ok {
				if h.hub.Closed() {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
						time.Now().Add(wsWriteWait))
					return
				}
				// Replaced by another subscriber for the same observer.
				sub = nil
				if !write(wsServerMessage{Type: wsMsgError, Message: "subscription closed"}) {
					return
				}
				continue
			}
			ev := alert.Event
			unread := alert.Unread
			if !write(wsServerMessage{Type: wsMsgAlert, Event: &ev, UnreadCount: &unread}) {
				return
			}

		case msg := <-inbound:
			reply, next := h.handleWSMessage(ctx, sessionID, sub, msg)
			if next != sub {
				if sub != nil {
					sub.Close()
				}
				sub = next
			}
			if !write(reply) {
				return
			}
		}
	}
}

// handleWSMessage applies one client message and returns the reply and the
// subscription to use from now on.
func (h *Handlers) handleWSMessage(ctx context.Context, sessionID uuid.UUID, sub *perception.Subscription, msg wsClientMessage) (wsServerMessage, *perception.Subscription) {
	switch msg.Type {
	case wsMsgSubscribe:
		if msg.ObserverID == uuid.Nil {
			return wsServerMessage{Type: wsMsgError, Message: "observer_id is required"}, sub
		}
		// The caller closes the previous subscription once this returns.
		next, err := h.hub.Subscribe(ctx, sessionID, msg.ObserverID)
		if err != nil {
			h.logger.Warn("ws: subscribe failed", "session_id", sessionID, "observer_id", msg.ObserverID, "error", err)
			return wsServerMessage{Type: wsMsgError, Message: "subscribe failed"}, nil
		}
		events, unread := next.Snapshot()
		observer := msg.ObserverID
		return wsServerMessage{Type: wsMsgSnapshot, ObserverID: &observer, Events: nonNil(events), UnreadCount: &unread}, next

	case wsMsgMarkRead:
		if sub == nil {
			return wsServerMessage{Type: wsMsgError, Message: "subscribe first"}, nil
		}
		marked, err := sub.MarkRead(ctx)
		if err != nil {
			h.logger.Warn("ws: mark read failed", "session_id", sessionID, "observer_id", sub.ObserverID(), "error", err)
			return wsServerMessage{Type: wsMsgError, Message: "mark read failed"}, sub
		}
		_, unread := sub.Snapshot()
		return wsServerMessage{Type: wsMsgMarked, Marked: &marked, UnreadCount: &unread}, sub

	default:
		return wsServerMessage{Type: wsMsgError, Message: "unknown message type"}, sub
	}
}
