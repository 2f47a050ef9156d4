package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/common/logger"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
)

// FrameHandler receives inbound frames and lifecycle notifications for a
// session. Handlers must not block; slow work belongs on the callee's side.
type FrameHandler interface {
	// HandleFrame is called for every decoded inbound frame.
	HandleFrame(sess *Session, frame *Frame) error

	// SessionClosed is called exactly once when the session terminates,
	// whatever the cause.
	SessionClosed(sess *Session, err error)
}

// Session is one live duplex channel to a connected agent. It owns two
// goroutines (read pump, write pump); all outbound frames go through the
// send queue so frames are delivered in send order.
type Session struct {
	ID         string
	AgentID    string
	RemoteAddr string
	OpenedAt   time.Time

	conn    *websocket.Conn
	send    chan []byte
	handler FrameHandler
	log     *logger.Logger

	maxFrameSize int
	readDeadline time.Duration

	lastSeen atomic.Int64 // unix nanos

	// protocol error accounting for the malformed-peer defence
	errWindowStart atomic.Int64
	errWindowCount atomic.Int64
	errThreshold   int

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Options configures a Session.
type Options struct {
	// MaxFrameSize bounds inbound payload length; 0 selects the default.
	MaxFrameSize int
	// ReadDeadline is the per-frame read deadline; typically H_timeout.
	ReadDeadline time.Duration
	// SendBuffer is the outbound queue depth.
	SendBuffer int
	// ProtocolErrorsPerSec closes the session when malformed frames exceed
	// this rate. 0 disables the defence.
	ProtocolErrorsPerSec int
}

// New wraps an accepted websocket connection in a Session. The caller must
// invoke Run to start the pumps.
func New(id, agentID string, conn *websocket.Conn, handler FrameHandler, opts Options, log *logger.Logger) *Session {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	s := &Session{
		ID:           id,
		AgentID:      agentID,
		RemoteAddr:   conn.RemoteAddr().String(),
		OpenedAt:     time.Now().UTC(),
		conn:         conn,
		send:         make(chan []byte, opts.SendBuffer),
		handler:      handler,
		log:          log.WithAgentID(agentID).WithFields(zap.String("connection_id", id)),
		maxFrameSize: opts.MaxFrameSize,
		readDeadline: opts.ReadDeadline,
		errThreshold: opts.ProtocolErrorsPerSec,
		closed:       make(chan struct{}),
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

// Run starts the read and write pumps. It returns immediately.
func (s *Session) Run() {
	go s.writePump()
	go s.readPump()
}

// Send queues a frame for delivery. It fails when the session is closed or
// the outbound queue is full; the caller decides what a failed send means
// (for an Assigned job it means the agent is effectively gone).
func (s *Session) Send(frame *Frame) error {
	data := frame.Encode()
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// LastSeen returns the time the last inbound frame arrived.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Close terminates the session. Safe to call multiple times.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// Done returns a channel closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) readPump() {
	defer func() {
		s.Close(s.closeErr)
		s.handler.SessionClosed(s, s.closeErr)
	}()

	s.conn.SetReadLimit(int64(s.maxFrameSize + frameHeaderSize))
	for {
		if s.readDeadline > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeErr = err
			return
		}
		s.lastSeen.Store(time.Now().UnixNano())
		if msgType != websocket.BinaryMessage {
			if s.noteProtocolError() {
				s.closeErr = ErrProtocolFlood
				return
			}
			continue
		}

		frame, err := DecodeFrame(data, s.maxFrameSize)
		if err != nil {
			// Drop the offending frame; a flood of them closes the session.
			s.log.Warn("Dropping malformed frame", zap.Error(err))
			if s.noteProtocolError() {
				s.closeErr = ErrProtocolFlood
				return
			}
			continue
		}

		if err := s.handler.HandleFrame(s, frame); err != nil {
			s.log.Warn("Frame handler rejected frame",
				zap.String("kind", frame.Kind.String()),
				zap.Error(err))
			if s.noteProtocolError() {
				s.closeErr = ErrProtocolFlood
				return
			}
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.Close(err)
				return
			}
		case <-s.closed:
			return
		}
	}
}

// noteProtocolError counts a malformed inbound frame against the per-second
// threshold and reports whether the session should be closed.
func (s *Session) noteProtocolError() bool {
	if s.errThreshold <= 0 {
		return false
	}
	now := time.Now().UnixNano()
	start := s.errWindowStart.Load()
	if now-start > int64(time.Second) {
		s.errWindowStart.Store(now)
		s.errWindowCount.Store(1)
		return false
	}
	return s.errWindowCount.Add(1) > int64(s.errThreshold)
}
