// Package session implements the per-agent duplex channel: wire framing,
// heartbeat tracking, and the websocket gateway agents connect through.
package session

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// FrameKind identifies the frame type on the wire.
type FrameKind uint8

const (
	KindHello      FrameKind = 0x01
	KindWelcome    FrameKind = 0x02
	KindHeartbeat  FrameKind = 0x10
	KindDeliver    FrameKind = 0x20
	KindAckReject  FrameKind = 0x21
	KindStart      FrameKind = 0x22
	KindProgress   FrameKind = 0x23
	KindResult     FrameKind = 0x24
	KindError      FrameKind = 0x25
	KindCancel     FrameKind = 0x26
	KindStreamItem FrameKind = 0x30
)

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion uint16 = 1

// frameHeaderSize is u8 kind + u16 version + u32 payload length.
const frameHeaderSize = 1 + 2 + 4

// DefaultMaxFrameSize bounds the payload length accepted from a peer.
const DefaultMaxFrameSize = 4 * 1024 * 1024

// Frame is one protocol frame: a kind tag, protocol version and an opaque
// payload. Payloads are JSON documents carried as the frame body.
type Frame struct {
	Kind    FrameKind
	Version uint16
	Payload []byte
}

// NewFrame encodes payload as JSON and wraps it in a frame of the given kind.
func NewFrame(kind FrameKind, payload interface{}) (*Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Frame{Kind: kind, Version: ProtocolVersion, Payload: body}, nil
}

// Encode serializes the frame: u8 kind | u16 version | u32 length | payload.
// Integers are big-endian.
func (f *Frame) Encode() []byte {
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint16(buf[1:3], f.Version)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Payload)))
	copy(buf[frameHeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses a frame from raw bytes. maxSize bounds the declared
// payload length; pass 0 for the default.
func DecodeFrame(data []byte, maxSize int) (*Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(data) < frameHeaderSize {
		return nil, apperrors.InvalidArgumentf("frame too short: %d bytes", len(data))
	}
	kind := FrameKind(data[0])
	version := binary.BigEndian.Uint16(data[1:3])
	length := binary.BigEndian.Uint32(data[3:7])
	if version != ProtocolVersion {
		return nil, apperrors.InvalidArgumentf("unsupported protocol version %d", version)
	}
	if int(length) > maxSize {
		return nil, apperrors.InvalidArgumentf("frame payload of %d bytes exceeds limit", length)
	}
	if len(data)-frameHeaderSize != int(length) {
		return nil, apperrors.InvalidArgumentf("frame length mismatch: declared %d, got %d", length, len(data)-frameHeaderSize)
	}
	return &Frame{Kind: kind, Version: version, Payload: data[frameHeaderSize:]}, nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v interface{}) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return apperrors.InvalidArgumentf("malformed %s payload: %v", f.Kind, err)
	}
	return nil
}

// String returns a short name for the frame kind, for logs.
func (k FrameKind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindWelcome:
		return "Welcome"
	case KindHeartbeat:
		return "Heartbeat"
	case KindDeliver:
		return "Deliver"
	case KindAckReject:
		return "AckReject"
	case KindStart:
		return "Start"
	case KindProgress:
		return "Progress"
	case KindResult:
		return "Result"
	case KindError:
		return "Error"
	case KindCancel:
		return "Cancel"
	case KindStreamItem:
		return "StreamItem"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(k))
	}
}

// HelloPayload is the first frame an agent sends after connecting.
type HelloPayload struct {
	AgentID      string          `json:"agent_id"`
	Name         string          `json:"name"`
	Token        string          `json:"token"`
	Capabilities []v1.Capability `json:"capabilities,omitempty"`
	Group        string          `json:"group,omitempty"`
	ResumeToken  string          `json:"resume_token,omitempty"`
}

// WelcomePayload is the server's handshake response.
type WelcomePayload struct {
	ConnectionID      string        `json:"connection_id"`
	ServerID          string        `json:"server_id"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ResumeToken       string        `json:"resume_token"`
	ServerTime        time.Time     `json:"server_time"`
}

// HeartbeatPayload is sent periodically in both directions.
type HeartbeatPayload struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
	MemPercent float64   `json:"mem_percent,omitempty"`
	ActiveJobs int       `json:"active_jobs,omitempty"`
}

// DeliverPayload assigns a job to the agent.
type DeliverPayload struct {
	JobID          string        `json:"job_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Command        string        `json:"command"`
	Payload        []byte        `json:"payload,omitempty"`
	Priority       int           `json:"priority"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	Attempt        int           `json:"attempt"`
}

// AckRejectPayload is the agent's response to a Deliver.
type AckRejectPayload struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// StartPayload reports that execution began.
type StartPayload struct {
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
}

// ProgressPayload reports execution progress.
type ProgressPayload struct {
	JobID   string  `json:"job_id"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
	Step    string  `json:"step,omitempty"`
}

// ResultPayload reports successful completion.
type ResultPayload struct {
	JobID  string `json:"job_id"`
	Result []byte `json:"result,omitempty"`
}

// ErrorPayload reports a job failure.
type ErrorPayload struct {
	JobID     string `json:"job_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// CancelPayload asks the agent to abort a job.
type CancelPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// StreamItemPayload carries one chunk of a streamed job output.
type StreamItemPayload struct {
	JobID       string `json:"job_id"`
	Seq         int64  `json:"seq"`
	Data        []byte `json:"data"`
	ContentType string `json:"content_type,omitempty"`
	IsLast      bool   `json:"is_last"`
}
