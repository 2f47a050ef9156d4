package session

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/common/config"
	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// handshakeTimeout bounds the wait for the Hello frame after upgrade.
const handshakeTimeout = 10 * time.Second

// Connector admits an authenticated session into the live agent set. The
// registry implements it; returning an error rejects the connection before
// any frames flow.
type Connector interface {
	FrameHandler

	// Connect registers the session and returns the Welcome to send. The
	// session pumps are not running yet.
	Connect(identity *v1.AgentIdentity, hello *HelloPayload, sess *Session) (*WelcomePayload, error)
}

// Gateway accepts agent websocket connections and runs the Hello/Welcome
// handshake before handing the session to the registry.
type Gateway struct {
	auth      Authenticator
	connector Connector
	cfg       config.SessionConfig
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

// NewGateway creates a Gateway.
func NewGateway(auth Authenticator, connector Connector, cfg config.SessionConfig, log *logger.Logger) *Gateway {
	return &Gateway{
		auth:      auth,
		connector: connector,
		cfg:       cfg,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are machine peers, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and performs the handshake.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	hello, err := g.readHello(conn)
	if err != nil {
		g.log.Warn("Handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		g.reject(conn, err)
		return
	}

	identity, err := g.auth.Authenticate(r.Context(), hello)
	if err != nil {
		g.log.Warn("Agent authentication refused",
			zap.String("agent_id", hello.AgentID),
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		g.reject(conn, err)
		return
	}

	sess := New(uuid.New().String(), identity.AgentID, conn, g.connector, Options{
		MaxFrameSize:         g.cfg.MaxFrameSize,
		ReadDeadline:         g.cfg.HeartbeatTimeout,
		SendBuffer:           g.cfg.SendBuffer,
		ProtocolErrorsPerSec: g.cfg.ProtocolErrorsPerSec,
	}, g.log)

	welcome, err := g.connector.Connect(identity, hello, sess)
	if err != nil {
		g.log.Error("Failed to admit agent session",
			zap.String("agent_id", identity.AgentID),
			zap.Error(err))
		g.reject(conn, err)
		return
	}

	frame, err := NewFrame(KindWelcome, welcome)
	if err != nil {
		sess.Close(err)
		return
	}
	sess.Run()
	if err := sess.Send(frame); err != nil {
		sess.Close(err)
	}
}

func (g *Gateway) readHello(conn *websocket.Conn) (*HelloPayload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, apperrors.Unavailable("failed to read hello", err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, apperrors.InvalidArgument("hello must be a binary frame")
	}
	frame, err := DecodeFrame(data, g.cfg.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	if frame.Kind != KindHello {
		return nil, apperrors.InvalidArgumentf("expected Hello, got %s", frame.Kind)
	}
	var hello HelloPayload
	if err := frame.Decode(&hello); err != nil {
		return nil, err
	}
	return &hello, nil
}

func (g *Gateway) reject(conn *websocket.Conn, err error) {
	code := websocket.ClosePolicyViolation
	if apperrors.CodeOf(err) == apperrors.ErrCodeUnavailable {
		code = websocket.CloseTryAgainLater
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, msg),
		time.Now().Add(time.Second))
	_ = conn.Close()
}
