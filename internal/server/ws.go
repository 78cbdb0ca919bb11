package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cowritelabs/cowrite/internal/auth"
	"github.com/cowritelabs/cowrite/internal/crdt"
	"github.com/cowritelabs/cowrite/internal/documents"
	"github.com/cowritelabs/cowrite/internal/presence"
	"github.com/cowritelabs/cowrite/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingPeriod      = (wsPongWait * 9) / 10
	wsMaxMessageBytes = 1 << 20
	wsSendQueueSize   = 64
	wsActionTimeout   = 5 * time.Second

	wsFrameUpdate        = "update"
	wsFramePresenceJoin  = "presence_join"
	wsFramePresenceLeave = "presence_leave"

	wsEventRate  rate.Limit = 120
	wsEventBurst            = 240
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsInboundFrame struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

type wsOutboundFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Payload  []byte `json:"payload"`
}

// wsBridge couples one websocket connection to one document channel. The
// read pump turns inbound frames into relay publications; the write pump
// turns relay events into outbound frames.
type wsBridge struct {
	handler    *httpHandler
	conn       *websocket.Conn
	send       chan wsOutboundFrame
	done       chan struct{}
	clientID   string
	identity   auth.Identity
	documentID documents.DocumentID
	limiter    *rate.Limiter
	logger     *zap.Logger

	// announced tracks whether this connection published a join that a
	// departure must balance. Only the read pump touches it.
	announced bool
}

// handleWebSocket bridges a websocket connection onto the document's relay
// channel. Inbound update frames are validated and published under the
// connection's client id; presence frames announce the authenticated user.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		clientID = "ws-" + uuid.NewString()
	}

	hub, err := h.hubs.acquire(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return
	}

	bridge := &wsBridge{
		handler:    h,
		conn:       conn,
		send:       make(chan wsOutboundFrame, wsSendQueueSize),
		done:       make(chan struct{}),
		clientID:   clientID,
		identity:   identity,
		documentID: documentID,
		limiter:    rate.NewLimiter(wsEventRate, wsEventBurst),
		logger: h.logger.With(
			zap.String("document_id", documentID.String()),
			zap.String("client_id", clientID)),
	}

	unsubscribe, err := h.relay.Subscribe(c.Request.Context(), relay.DocumentChannel(documentID.String()), bridge.forwardEvent)
	if err != nil {
		bridge.logger.Error("websocket subscribe failed", zap.Error(err))
		conn.Close()
		return
	}

	go bridge.writePump()
	bridge.sendRoster(hub.Peers())
	bridge.readPump(unsubscribe)
}

// forwardEvent runs on the relay's dispatch goroutine.
func (b *wsBridge) forwardEvent(event relay.Event) {
	if event.Name == relay.EventUpdate && event.ClientID == b.clientID {
		return
	}
	b.enqueue(wsOutboundFrame{Type: event.Name, ClientID: event.ClientID, Payload: event.Payload})
}

func (b *wsBridge) sendRoster(entries []presence.Entry) {
	for _, entry := range entries {
		payload, err := presence.EncodeEvent(presence.Event{
			Action:   presence.ActionJoin,
			UserID:   entry.UserID,
			Username: entry.Username,
		})
		if err != nil {
			continue
		}
		b.enqueue(wsOutboundFrame{Type: relay.EventPresence, ClientID: entry.ClientID, Payload: payload})
	}
}

func (b *wsBridge) enqueue(frame wsOutboundFrame) {
	select {
	case b.send <- frame:
	case <-b.done:
	}
}

func (b *wsBridge) readPump(unsubscribe func()) {
	defer func() {
		unsubscribe()
		b.farewell()
		close(b.done)
	}()
	b.conn.SetReadLimit(wsMaxMessageBytes)
	b.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	b.conn.SetPongHandler(func(string) error {
		b.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if !b.limiter.Allow() {
			b.logger.Warn("websocket frame rate exceeded")
			return
		}
		var frame wsInboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			b.logger.Warn("websocket frame malformed", zap.Error(err))
			continue
		}
		if err := b.dispatch(frame); err != nil {
			b.logger.Warn("websocket frame rejected",
				zap.String("type", frame.Type),
				zap.Error(err))
		}
	}
}

func (b *wsBridge) writePump() {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		b.conn.Close()
	}()
	for {
		select {
		case frame := <-b.send:
			b.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := b.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ping.C:
			b.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-b.done:
			b.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (b *wsBridge) dispatch(frame wsInboundFrame) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
	defer cancel()

	switch frame.Type {
	case wsFrameUpdate:
		if _, err := crdt.DecodeUpdate(frame.Payload); err != nil {
			return err
		}
		return b.handler.relay.Publish(ctx, relay.DocumentChannel(b.documentID.String()), relay.Event{
			Name:     relay.EventUpdate,
			ClientID: b.clientID,
			Payload:  frame.Payload,
		})
	case wsFramePresenceJoin:
		userID, err := documents.NewUserID(b.identity.UserID)
		if err != nil {
			return err
		}
		if err := b.handler.documents.UpsertCollaborator(ctx, b.documentID, userID, b.identity.Username, documents.RoleEditor); err != nil {
			return err
		}
		change := presence.Event{Action: presence.ActionJoin, UserID: b.identity.UserID, Username: b.identity.Username}
		if err := b.handler.publishPresence(ctx, b.documentID, b.clientID, change); err != nil {
			return err
		}
		b.announced = true
		return nil
	case wsFramePresenceLeave:
		change := presence.Event{Action: presence.ActionLeave, UserID: b.identity.UserID, Username: b.identity.Username}
		if err := b.handler.publishPresence(ctx, b.documentID, b.clientID, change); err != nil {
			return err
		}
		b.announced = false
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// farewell balances an announced join when the peer drops without sending
// an explicit leave.
func (b *wsBridge) farewell() {
	if !b.announced {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
	defer cancel()
	change := presence.Event{Action: presence.ActionLeave, UserID: b.identity.UserID, Username: b.identity.Username}
	if err := b.handler.publishPresence(ctx, b.documentID, b.clientID, change); err != nil {
		b.logger.Warn("failed to publish departure", zap.Error(err))
	}
}
