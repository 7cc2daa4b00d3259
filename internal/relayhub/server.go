package relayhub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server upgrades relay websocket connections, authenticates them, and
// dispatches their command stream to a Hub. Grounded on the teacher's
// ws.Server (internal/ws/server.go: handleWS/authorize/checkOrigin).
type Server struct {
	hub            *Hub
	secret         []byte
	allowedOrigins map[string]bool
	log            *logrus.Entry
	upgrader       websocket.Upgrader
}

func NewServer(hub *Hub, secret []byte, allowedOrigins []string, log *logrus.Entry) *Server {
	s := &Server{hub: hub, secret: secret, log: log, allowedOrigins: make(map[string]bool)}
	for _, o := range allowedOrigins {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			s.allowedOrigins[trimmed] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return s.allowedOrigins[origin]
}

// command is the envelope every relay command arrives as: one method name
// plus its JSON-encoded arguments.
type command struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// ServeHTTP authenticates the bearer token, upgrades to a websocket, and
// reads command frames until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	principal, err := ParsePrincipal(token, s.secret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("relay websocket upgrade failed")
		return
	}
	defer conn.Close()

	connectionID := uuid.NewString()
	ctx := r.Context()
	if err := s.hub.Connect(ctx, connectionID, principal); err != nil {
		s.log.WithError(err).Warn("registering relay connection failed")
	}
	defer func() {
		s.hub.Disconnect(context.Background(), connectionID)
		s.hub.leaveAllGroups(connectionID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(ctx, connectionID, principal, data)
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) dispatch(ctx context.Context, connectionID string, p Principal, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.log.WithError(err).Warn("malformed relay command")
		return
	}

	var err error
	switch cmd.Method {
	case "SendHeartbeat":
		var args struct{ EventID int `json:"eventId"` }
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = s.hub.SendHeartbeat(ctx, connectionID, p, args.EventID)
		}
	case "SendRMonitor":
		var args struct {
			EventID, SessionID int
			Line               string
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = s.hub.SendRMonitor(ctx, connectionID, p, args.EventID, args.SessionID, args.Line)
		}
	case "SendSessionChange":
		var args struct {
			EventID, SessionID int
			SessionName        string
			TimeZoneOffset     float64
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = s.hub.SendSessionChange(ctx, connectionID, p, args.EventID, args.SessionID, args.SessionName, args.TimeZoneOffset)
		}
	case "SendPassings":
		var args struct {
			EventID, SessionID int
			Passings           []json.RawMessage
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = s.hub.SendPassings(ctx, connectionID, p, args.EventID, args.SessionID, args.Passings)
		}
	case "SendLoopChange":
		var args struct {
			EventID int
			Loops   []json.RawMessage
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = s.hub.SendLoopChange(ctx, connectionID, p, args.EventID, args.Loops)
		}
	case "SendFlags":
		var args struct {
			EventID, SessionID int
			Flags              []json.RawMessage
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = s.hub.SendFlags(ctx, connectionID, p, args.EventID, args.SessionID, args.Flags)
		}
	case "SendCompetitorMetadata":
		var args struct {
			EventID     int
			Competitors json.RawMessage
		}
		if err = json.Unmarshal(cmd.Args, &args); err == nil {
			err = s.hub.SendCompetitorMetadata(ctx, connectionID, p, args.EventID, args.Competitors)
		}
	default:
		s.log.WithField("method", cmd.Method).Warn("unrecognized relay command")
		return
	}

	if err != nil {
		s.log.WithError(err).WithField("method", cmd.Method).Warn("relay command failed")
	}
}
