package subhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/redmist-timing/engine/internal/bus"
	"github.com/redmist-timing/engine/internal/publish"
)

// Server upgrades client websocket connections and translates their
// subscribe/unsubscribe commands into Hub calls, forwarding whatever C6
// publishes on the event's bus channel back out as the wire messages
// spec.md §6 names (ReceiveCarPatches/ReceiveSessionPatch/ReceiveReset).
// Grounded on the teacher's ws.Server/client pair: one send channel, one
// writePump goroutine per connection.
type Server struct {
	hub    *Hub
	bus    bus.Bus
	secret []byte
	log    *logrus.Entry

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, b bus.Bus, secret []byte, log *logrus.Entry) *Server {
	return &Server{
		hub:      hub,
		bus:      b,
		secret:   secret,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

type clientConn struct {
	conn         *websocket.Conn
	send         chan []byte
	mu           sync.Mutex
	eventSub     bus.Subscription
	connectionID string
}

func newClientConn(conn *websocket.Conn, connectionID string) *clientConn {
	c := &clientConn{conn: conn, send: make(chan []byte, 64), connectionID: connectionID}
	go c.writePump()
	return c
}

func (c *clientConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *clientConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventSub != nil {
		c.eventSub.Unsubscribe()
		c.eventSub = nil
	}
	close(c.send)
}

func (c *clientConn) setEventSubscription(sub bus.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventSub != nil {
		c.eventSub.Unsubscribe()
	}
	c.eventSub = sub
}

// command mirrors relayhub's envelope: one method, one JSON args blob.
type command struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// wireMessage is what reaches the client, named after spec.md §6's
// Receive* method family.
type wireMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromToken(r, s.secret)
	if clientID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("subscriber websocket upgrade failed")
		return
	}

	connectionID := uuid.NewString()
	cc := newClientConn(conn, connectionID)
	ctx := r.Context()
	if err := s.hub.OnConnect(ctx, connectionID, clientID); err != nil {
		s.log.WithError(err).Warn("registering subscriber connection failed")
	}

	defer func() {
		cc.close()
		s.hub.OnDisconnect(context.Background(), connectionID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(ctx, cc, data)
	}
}

// clientClaims is the expected payload of a subscriber bearer token: just
// a client id, unlike the relay principal which also carries an
// organization id (spec.md §4.1/§4.8 — subscribers aren't scoped to an
// organization, only relays writing data are).
type clientClaims struct {
	ClientID string `json:"clientId"`
	jwt.RegisteredClaims
}

func clientIDFromToken(r *http.Request, secret []byte) string {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if raw == "" {
		return ""
	}

	var claims clientClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid || claims.ClientID == "" {
		return ""
	}
	return claims.ClientID
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.log.WithError(err).Warn("malformed subscriber command")
		return
	}

	switch cmd.Method {
	case "SubscribeToEvent", "SubscribeToEventV2":
		var args struct{ EventID int }
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return
		}
		if err := s.hub.SubscribeToEvent(ctx, cc.connectionID, args.EventID); err != nil {
			s.log.WithError(err).Warn("SubscribeToEvent failed")
			return
		}
		s.attachEventForwarding(cc, args.EventID)
	case "UnsubscribeFromEvent", "UnsubscribeFromEventV2":
		var args struct{ EventID int }
		if err := json.Unmarshal(cmd.Args, &args); err == nil {
			s.hub.UnsubscribeFromEvent(ctx, cc.connectionID, args.EventID)
		}
		cc.setEventSubscription(nil)
	case "SubscribeToControlLogs":
		var args struct{ EventID int }
		if err := json.Unmarshal(cmd.Args, &args); err == nil {
			s.hub.SubscribeToControlLogs(ctx, cc.connectionID, args.EventID)
		}
	case "UnsubscribeFromControlLogs":
		var args struct{ EventID int }
		if err := json.Unmarshal(cmd.Args, &args); err == nil {
			s.hub.UnsubscribeFromControlLogs(ctx, cc.connectionID, args.EventID)
		}
	case "SubscribeToCarControlLogs":
		var args struct {
			EventID   int
			CarNumber string
		}
		if err := json.Unmarshal(cmd.Args, &args); err == nil {
			s.hub.SubscribeToCarControlLogs(ctx, cc.connectionID, args.EventID, args.CarNumber)
		}
	case "UnsubscribeFromCarControlLogs":
		var args struct {
			EventID   int
			CarNumber string
		}
		if err := json.Unmarshal(cmd.Args, &args); err == nil {
			s.hub.UnsubscribeFromCarControlLogs(ctx, cc.connectionID, args.EventID, args.CarNumber)
		}
	case "SubscribeToInCarDriverEvent", "SubscribeToInCarDriverEventV2":
		var args struct {
			EventID int
			Car     string
		}
		if err := json.Unmarshal(cmd.Args, &args); err == nil {
			s.hub.SubscribeToInCarDriverEvent(ctx, cc.connectionID, args.EventID, args.Car)
		}
	case "UnsubscribeFromInCarDriverEvent", "UnsubscribeFromInCarDriverEventV2":
		var args struct {
			EventID int
			Car     string
		}
		if err := json.Unmarshal(cmd.Args, &args); err == nil {
			s.hub.UnsubscribeFromInCarDriverEvent(ctx, cc.connectionID, args.EventID, args.Car)
		}
	default:
		s.log.WithField("method", cmd.Method).Warn("unrecognized subscriber command")
	}
}

// attachEventForwarding subscribes cc to eventID's patch channel (written
// by C6) and to its own per-connection snapshot channel, translating each
// publish.Message into the Receive* wire shape and pushing it onto cc's
// send queue. Replaces any prior event subscription this connection held.
func (s *Server) attachEventForwarding(cc *clientConn, eventID int) {
	ctx := context.Background()
	sub, err := s.bus.Subscribe(ctx, fmt.Sprintf("status_event_patches:%d", eventID), func(payload []byte) {
		s.forward(cc, payload)
	})
	if err != nil {
		s.log.WithError(err).Warn("subscribing to event patch channel failed")
		return
	}
	cc.setEventSubscription(sub)

	// Per-connection channel carries the paced full-snapshot messages C6
	// sends this specific connection (spec.md §4.6).
	if _, err := s.bus.Subscribe(ctx, fmt.Sprintf("status_connection_message:%s", cc.connectionID), func(payload []byte) {
		s.forward(cc, payload)
	}); err != nil {
		s.log.WithError(err).Warn("subscribing to connection message channel failed")
	}
}

func (s *Server) forward(cc *clientConn, payload []byte) {
	var msg publish.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.WithError(err).Warn("malformed publish message, dropping")
		return
	}

	var out wireMessage
	switch msg.Type {
	case publish.MsgCarPatches:
		out = wireMessage{Type: "ReceiveCarPatches", Payload: msg.Payload}
	case publish.MsgSessionPatch:
		out = wireMessage{Type: "ReceiveSessionPatch", Payload: msg.Payload}
	case publish.MsgSnapshot:
		out = wireMessage{Type: "ReceiveMessage", Payload: msg.Payload}
	case publish.MsgReset:
		out = wireMessage{Type: "ReceiveReset"}
	default:
		return
	}

	data, err := json.Marshal(out)
	if err != nil {
		return
	}

	select {
	case cc.send <- data:
	default:
		s.log.WithField("connection_id", cc.connectionID).Warn("subscriber too slow, dropping message")
	}
}
