package room

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"payload-tracker/backend/internal/room/catchup"
	teledomain "payload-tracker/backend/internal/telemetry/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound viewer messages.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checking is the proxy layer's job in this deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TelemetryStore is the store access a connection needs for detail lookups.
type TelemetryStore interface {
	GetByPayloadAndEventTime(ctx context.Context, payloadID string, eventTime time.Time) (*teledomain.Telemetry, error)
}

// Server upgrades viewer connections and runs their pumps against a hub.
type Server struct {
	hub    *Hub
	engine *catchup.Engine
	store  TelemetryStore
}

// NewServer wires the websocket endpoint.
func NewServer(hub *Hub, engine *catchup.Engine, store TelemetryStore) *Server {
	return &Server{hub: hub, engine: engine, store: store}
}

type client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// ServeHTTP handles GET /api/v1/ws: upgrades and runs the connection until
// the viewer leaves or is dropped.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("room: websocket upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		id:     uuid.NewString(),
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, s.hub.sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.hub.register(c)

	go c.writePump()
	s.readPump(c)
}

// readPump processes inbound viewer messages until disconnect. Disconnect
// tears down the subscription and cancels any in-flight catch-up query.
func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.unregister(c)
		c.cancel()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("room: viewer %s read error: %v", c.id, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", ErrKindBadMessage, "invalid JSON")
			continue
		}

		switch msg.Type {
		case MsgSetViewport:
			s.handleSetViewport(c, &msg)
		case MsgGetTelemetry:
			s.handleGetTelemetry(c, &msg)
		default:
			c.sendError(msg.RequestID, ErrKindBadMessage, "unknown message type: "+msg.Type)
		}
	}
}

// handleSetViewport swaps the stored box and streams the catch-up delta for
// the newly visible region. Catch-up runs off the read loop so a slow store
// query does not stall further viewer messages; it is bound to the connection
// context and dies with the connection.
func (s *Server) handleSetViewport(c *client, msg *ClientMessage) {
	if msg.Viewport == nil || !msg.Viewport.BBox.Valid() {
		c.sendError(msg.RequestID, ErrKindBadViewport, "viewport bbox is missing or invalid")
		return
	}
	var horizon time.Duration
	if msg.Viewport.HistoryHorizon != "" {
		d, err := time.ParseDuration(msg.Viewport.HistoryHorizon)
		if err != nil || d < 0 {
			c.sendError(msg.RequestID, ErrKindBadViewport, "invalid historyHorizon")
			return
		}
		horizon = d
	}

	oldBox, ok := s.hub.setViewport(c, msg.Viewport.BBox)
	if !ok {
		return
	}

	newBox := msg.Viewport.BBox
	requestID := msg.RequestID
	go func() {
		points, err := s.engine.Delta(c.ctx, oldBox, newBox, horizon)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("room: catch-up for viewer %s: %v", c.id, err)
			c.sendError(requestID, ErrKindInternal, "catch-up query failed")
			return
		}
		if points == nil {
			points = []teledomain.Point{}
		}
		if !c.enqueue(ServerMessage{Type: MsgCatchUp, RequestID: requestID, Points: points}) {
			// The viewer cannot even absorb its own catch-up batch.
			c.cancel()
		}
	}()
}

func (s *Server) handleGetTelemetry(c *client, msg *ClientMessage) {
	if msg.Telemetry == nil || msg.Telemetry.PayloadID == "" {
		c.sendError(msg.RequestID, ErrKindBadMessage, "telemetry query is missing payloadId")
		return
	}
	q := *msg.Telemetry
	requestID := msg.RequestID
	go func() {
		t, err := s.store.GetByPayloadAndEventTime(c.ctx, q.PayloadID, q.EventTime)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("room: telemetry lookup for viewer %s: %v", c.id, err)
			c.sendError(requestID, ErrKindInternal, "telemetry lookup failed")
			return
		}
		if t == nil {
			c.sendError(requestID, ErrKindNotFound, "no telemetry for that payload and time")
			return
		}
		c.enqueue(ServerMessage{Type: MsgTelemetry, RequestID: requestID, Telemetry: t})
	}()
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. It exits when the connection context is
// cancelled (disconnect or drop-slow-consumer).
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// enqueue queues a message for the viewer without blocking. Returns false
// when the bounded queue is full.
func (c *client) enqueue(msg ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("room: marshaling %s message: %v", msg.Type, err)
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendError reports a per-message protocol failure; the connection stays open.
func (c *client) sendError(requestID, kind, message string) {
	c.enqueue(ServerMessage{
		Type:      MsgError,
		RequestID: requestID,
		Error:     &ProtocolError{Kind: kind, Message: message},
	})
}
