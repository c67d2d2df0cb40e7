package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// TopicPrefix is where chat messages for a project are delivered.
	TopicPrefix = "/topic/chat/"
	// AppPrefix is where clients publish chat messages for a project.
	AppPrefix = "/app/chat/"

	jsonContentType = "application/json"
)

// ChatMessage is the body of every MESSAGE frame on a chat topic.
type ChatMessage struct {
	ID        string    `json:"id"`
	ProjectID uint64    `json:"projectId"`
	SenderID  uint64    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type chatRequest struct {
	Content string `json:"content" validate:"required,max=2000"`
}

// ServerConfig tunes connection handling.
type ServerConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	OutboundBuffer   int
	MaxFrameBytes    int64
	// AllowedOrigins lists browser origins accepted on upgrade; empty keeps
	// the same-origin check.
	AllowedOrigins []string
	// Now stamps chat messages.
	Now func() time.Time
}

func (config ServerConfig) withDefaults() ServerConfig {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.OutboundBuffer <= 0 {
		config.OutboundBuffer = 64
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = 64 * 1024
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return config
}

// Server upgrades HTTP requests to STOMP-over-websocket sessions.
type Server struct {
	guard    *HandshakeGuard
	hub      *Hub
	config   ServerConfig
	upgrader websocket.Upgrader
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer wires a guard and hub into a websocket endpoint.
func NewServer(guard *HandshakeGuard, hub *Hub, config ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	}
	if len(config.AllowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(config.AllowedOrigins))
		for _, origin := range config.AllowedOrigins {
			allowed[strings.ToLower(origin)] = struct{}{}
		}
		upgrader.CheckOrigin = func(request *http.Request) bool {
			origin := request.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[strings.ToLower(origin)]
			return ok
		}
	}
	return &Server{
		guard:    guard,
		hub:      hub,
		config:   config,
		upgrader: upgrader,
		validate: validator.New(),
		logger:   logger,
	}
}

// Handler serves the websocket endpoint.
func (server *Server) Handler() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		socket, upgradeErr := server.upgrader.Upgrade(contextGin.Writer, contextGin.Request, nil)
		if upgradeErr != nil {
			// The upgrader already wrote the HTTP error response.
			server.logger.Info("websocket upgrade failed",
				zap.String("code", "channel.upgrade.failed"),
				zap.Error(upgradeErr))
			return
		}
		server.serve(contextGin.Request.Context(), socket)
	}
}

type connection struct {
	socket        *websocket.Conn
	outbound      chan []byte
	userID        uint64
	subscriptions map[string]string
}

func (conn *connection) deliver(frame []byte) bool {
	select {
	case conn.outbound <- frame:
		return true
	default:
		return false
	}
}

func (server *Server) serve(ctx context.Context, socket *websocket.Conn) {
	socket.SetReadLimit(server.config.MaxFrameBytes)
	userID, ok := server.handshake(ctx, socket)
	if !ok {
		return
	}

	conn := &connection{
		socket:        socket,
		outbound:      make(chan []byte, server.config.OutboundBuffer),
		userID:        userID,
		subscriptions: make(map[string]string),
	}
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		server.writeLoop(conn)
	}()

	server.logger.Info("channel connected",
		zap.String("code", "channel.connect.accepted"),
		zap.Uint64("user_id", userID))
	server.readLoop(conn)

	server.hub.Remove(conn)
	close(conn.outbound)
	writer.Wait()
	server.logger.Info("channel closed",
		zap.String("code", "channel.closed"),
		zap.Uint64("user_id", userID))
}

func (server *Server) handshake(ctx context.Context, socket *websocket.Conn) (uint64, bool) {
	_ = socket.SetReadDeadline(time.Now().Add(server.config.HandshakeTimeout))
	payload, readErr := server.readFrame(socket)
	if readErr != nil {
		_ = socket.Close()
		return 0, false
	}
	_ = socket.SetReadDeadline(time.Time{})

	frame, parseErr := Parse(payload)
	if parseErr != nil {
		server.refuse(socket, "malformed frame")
		return 0, false
	}
	userID, authErr := server.guard.Authenticate(ctx, frame)
	if authErr != nil {
		server.refuse(socket, "authentication failed")
		return 0, false
	}

	connected := NewFrame(CommandConnected, nil,
		"version", negotiateVersion(frame),
		"heart-beat", "0,0",
		"server", "ascent-core",
		"user-name", strconv.FormatUint(userID, 10),
	)
	_ = socket.SetWriteDeadline(time.Now().Add(server.config.WriteTimeout))
	if writeErr := socket.WriteMessage(websocket.TextMessage, connected.Encode()); writeErr != nil {
		_ = socket.Close()
		return 0, false
	}
	return userID, true
}

// readFrame skips heartbeats and returns the next frame payload.
func (server *Server) readFrame(socket *websocket.Conn) ([]byte, error) {
	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			return nil, err
		}
		if !IsHeartbeat(payload) {
			return payload, nil
		}
	}
}

func negotiateVersion(frame Frame) string {
	accepted, ok := frame.Header("accept-version")
	if !ok {
		return "1.0"
	}
	best := ""
	for _, version := range strings.Split(accepted, ",") {
		version = strings.TrimSpace(version)
		if version == "1.2" || version == "1.1" || version == "1.0" {
			if version > best {
				best = version
			}
		}
	}
	if best == "" {
		return "1.2"
	}
	return best
}

func (server *Server) refuse(socket *websocket.Conn, message string) {
	deadline := time.Now().Add(server.config.WriteTimeout)
	_ = socket.SetWriteDeadline(deadline)
	_ = socket.WriteMessage(websocket.TextMessage, errorFrame(message, "", "").Encode())
	_ = socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), deadline)
	_ = socket.Close()
}

func (server *Server) writeLoop(conn *connection) {
	failed := false
	for frame := range conn.outbound {
		if failed {
			continue
		}
		_ = conn.socket.SetWriteDeadline(time.Now().Add(server.config.WriteTimeout))
		if err := conn.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			failed = true
			// Closing unblocks the read loop.
			_ = conn.socket.Close()
		}
	}
	if !failed {
		deadline := time.Now().Add(server.config.WriteTimeout)
		_ = conn.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	_ = conn.socket.Close()
}

func (server *Server) readLoop(conn *connection) {
	for {
		payload, readErr := server.readFrame(conn.socket)
		if readErr != nil {
			return
		}
		frame, parseErr := Parse(payload)
		if parseErr != nil {
			conn.outbound <- errorFrame("malformed frame", "", parseErr.Error()).Encode()
			return
		}
		if !server.dispatch(conn, frame) {
			return
		}
	}
}

// dispatch handles one frame and reports whether the session stays open.
func (server *Server) dispatch(conn *connection, frame Frame) bool {
	receiptID, _ := frame.Header("receipt")
	fail := func(message string) bool {
		server.logger.Info("channel frame rejected",
			zap.String("code", "channel.frame.rejected"),
			zap.String("command", frame.Command),
			zap.String("reason", message),
			zap.Uint64("user_id", conn.userID))
		conn.outbound <- errorFrame(message, receiptID, "").Encode()
		return false
	}

	switch frame.Command {
	case CommandSubscribe:
		subscriptionID, _ := frame.Header("id")
		destination, _ := frame.Header("destination")
		if subscriptionID == "" {
			return fail("subscription id required")
		}
		projectID, ok := projectFromDestination(destination, TopicPrefix)
		if !ok {
			return fail("unknown destination")
		}
		if _, taken := conn.subscriptions[subscriptionID]; taken {
			return fail("subscription id already in use")
		}
		topic := TopicPrefix + strconv.FormatUint(projectID, 10)
		conn.subscriptions[subscriptionID] = topic
		server.hub.Subscribe(topic, conn, subscriptionID)

	case CommandUnsubscribe:
		subscriptionID, _ := frame.Header("id")
		if subscriptionID == "" {
			return fail("subscription id required")
		}
		if topic, ok := conn.subscriptions[subscriptionID]; ok {
			server.hub.Unsubscribe(topic, conn, subscriptionID)
			delete(conn.subscriptions, subscriptionID)
		}

	case CommandSend:
		destination, _ := frame.Header("destination")
		projectID, ok := projectFromDestination(destination, AppPrefix)
		if !ok {
			return fail("unknown destination")
		}
		var request chatRequest
		if decodeErr := json.Unmarshal(frame.Body, &request); decodeErr != nil {
			return fail("malformed message body")
		}
		request.Content = strings.TrimSpace(request.Content)
		if validateErr := server.validate.Struct(request); validateErr != nil {
			return fail("content must be 1 to 2000 characters")
		}
		message := ChatMessage{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			SenderID:  conn.userID,
			Content:   request.Content,
			CreatedAt: server.config.Now().UTC(),
		}
		body, encodeErr := json.Marshal(message)
		if encodeErr != nil {
			return fail("internal error")
		}
		topic := TopicPrefix + strconv.FormatUint(projectID, 10)
		reached := server.hub.Publish(topic, jsonContentType, body)
		server.logger.Debug("chat message published",
			zap.String("code", "channel.send.published"),
			zap.Uint64("project_id", projectID),
			zap.Uint64("user_id", conn.userID),
			zap.Int("subscribers", reached))

	case CommandDisconnect:
		if receiptID != "" {
			conn.outbound <- NewFrame(CommandReceipt, nil, "receipt-id", receiptID).Encode()
		}
		return false

	case CommandConnect, CommandStomp:
		return fail("already connected")

	default:
		return fail("unsupported command")
	}

	if receiptID != "" {
		conn.outbound <- NewFrame(CommandReceipt, nil, "receipt-id", receiptID).Encode()
	}
	return true
}

func projectFromDestination(destination string, prefix string) (uint64, bool) {
	if !strings.HasPrefix(destination, prefix) {
		return 0, false
	}
	projectID, err := strconv.ParseUint(destination[len(prefix):], 10, 64)
	if err != nil || projectID == 0 {
		return 0, false
	}
	return projectID, true
}

func errorFrame(message string, receiptID string, detail string) Frame {
	frame := NewFrame(CommandError, []byte(detail), "message", message)
	if receiptID != "" {
		frame.Headers = append(frame.Headers, Header{Name: "receipt-id", Value: receiptID})
	}
	if detail != "" {
		frame.Headers = append(frame.Headers, Header{Name: "content-type", Value: "text/plain"})
	}
	return frame
}
