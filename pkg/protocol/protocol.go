package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

// Client -> server
const (
	KindAuth         Kind = "auth"
	KindChat         Kind = "chat"
	KindBiometric    Kind = "biometric"
	KindInterruption Kind = "interruption"
	KindClose        Kind = "close"
)

// Server -> client
const (
	KindAuthConfirmed    Kind = "auth_confirmed"
	KindStreamChunk      Kind = "stream_chunk"
	KindStreamEnd        Kind = "stream_end"
	KindBiometricRequest Kind = "biometric_request"
	KindEntrainmentStart Kind = "entrainment_start"
	KindEntrainmentEnd   Kind = "entrainment_end"
	KindError            Kind = "error"
)

var (
	ErrEmpty       = errors.New("empty frame")
	ErrMissingType = errors.New("frame without type")
	ErrUnknownKind = errors.New("unknown message kind")
)

// Envelope is the JSON frame exchanged on the socket. Clients put their
// payload in "data", the bridge answers with "payload"; both are accepted.
type Envelope struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (e *Envelope) body() json.RawMessage {
	if len(e.Payload) > 0 {
		return e.Payload
	}
	return e.Data
}

// Outbound is the closed set of messages a client may send.
type Outbound interface {
	Kind() Kind
	isOutbound()
}

// Inbound is the closed set of messages a client may receive.
type Inbound interface {
	Kind() Kind
	isInbound()
}

type Auth struct {
	Token         string   `json:"token,omitempty"`
	UserID        string   `json:"userId"`
	ClientVersion string   `json:"clientVersion"`
	Capabilities  []string `json:"capabilities"`
}

type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type ChatContext struct {
	ConversationID      string         `json:"conversationId,omitempty"`
	ConversationHistory []HistoryEntry `json:"conversationHistory"`
}

type Chat struct {
	Message   string      `json:"message"`
	Context   ChatContext `json:"context"`
	Streaming bool        `json:"streaming"`
	Timestamp int64       `json:"timestamp"`
}

type Biometric struct {
	PulseRate        *float64 `json:"pulseRate"`
	BreathPhase      string   `json:"breathPhase"`
	EmotionalValence string   `json:"emotionalValence"`
	Timestamp        int64    `json:"timestamp"`
	Source           string   `json:"source"`
	Confidence       float64  `json:"confidence"`
	DeviceName       string   `json:"deviceName,omitempty"`
}

type Interruption struct {
	Timestamp      int64  `json:"timestamp"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Close struct {
	Timestamp int64 `json:"timestamp"`
}

func (Auth) Kind() Kind         { return KindAuth }
func (Chat) Kind() Kind         { return KindChat }
func (Biometric) Kind() Kind    { return KindBiometric }
func (Interruption) Kind() Kind { return KindInterruption }
func (Close) Kind() Kind        { return KindClose }

func (Auth) isOutbound()         {}
func (Chat) isOutbound()         {}
func (Biometric) isOutbound()    {}
func (Interruption) isOutbound() {}
func (Close) isOutbound()        {}

type AuthConfirmed struct {
	ConversationID string `json:"conversationId,omitempty"`
}

type StreamChunk struct {
	Content string `json:"content"`
}

type StreamEnd struct {
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

type BiometricRequest struct{}

type EntrainmentStart struct {
	Activity string `json:"activity,omitempty"`
}

type EntrainmentEnd struct{}

type ServerError struct {
	Message string `json:"message"`
}

// Unknown carries frames whose type this client does not model, so they
// can still be re-emitted by name.
type Unknown struct {
	Type    Kind
	Payload json.RawMessage
}

func (AuthConfirmed) Kind() Kind    { return KindAuthConfirmed }
func (StreamChunk) Kind() Kind      { return KindStreamChunk }
func (StreamEnd) Kind() Kind        { return KindStreamEnd }
func (BiometricRequest) Kind() Kind { return KindBiometricRequest }
func (EntrainmentStart) Kind() Kind { return KindEntrainmentStart }
func (EntrainmentEnd) Kind() Kind   { return KindEntrainmentEnd }
func (ServerError) Kind() Kind      { return KindError }
func (u Unknown) Kind() Kind        { return u.Type }

func (AuthConfirmed) isInbound()    {}
func (StreamChunk) isInbound()      {}
func (StreamEnd) isInbound()        {}
func (BiometricRequest) isInbound() {}
func (EntrainmentStart) isInbound() {}
func (EntrainmentEnd) isInbound()   {}
func (ServerError) isInbound()      {}
func (Unknown) isInbound()          {}

// Frame is a decoded message plus its envelope metadata.
type Frame[T any] struct {
	ID        string
	Timestamp time.Time
	Message   T
}

func Now() int64 {
	return time.Now().UnixMilli()
}

// Encode wraps an outbound message into a client envelope.
func Encode(msg Outbound) ([]byte, error) {
	return encode(msg.Kind(), msg, false)
}

// EncodeReply wraps an inbound message into a server envelope.
func EncodeReply(msg Inbound) ([]byte, error) {
	if u, ok := msg.(Unknown); ok {
		env := Envelope{Type: u.Type, Payload: u.Payload, Timestamp: Now(), ID: uuid.NewString()}
		return json.Marshal(env)
	}
	return encode(msg.Kind(), msg, true)
}

func encode(kind Kind, payload any, reply bool) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	env := Envelope{
		Type:      kind,
		Timestamp: Now(),
		ID:        uuid.NewString(),
	}
	if reply {
		env.Payload = raw
	} else {
		env.Data = raw
	}

	return json.Marshal(env)
}

func unwrap(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	return &env, nil
}

func meta[T any](env *Envelope, msg T) *Frame[T] {
	f := &Frame[T]{ID: env.ID, Message: msg}
	if env.Timestamp > 0 {
		f.Timestamp = time.UnixMilli(env.Timestamp)
	}
	return f
}

func into[T any](body json.RawMessage) (T, error) {
	var v T
	if len(body) == 0 || string(body) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return v, nil
}

// Decode parses a frame received by a client. A top level "error" field
// turns any frame into a ServerError.
func Decode(data []byte) (*Frame[Inbound], error) {
	env, err := unwrap(data)
	if err != nil {
		return nil, err
	}

	if env.Error != "" {
		return meta[Inbound](env, ServerError{Message: env.Error}), nil
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	body := env.body()

	var msg Inbound
	switch env.Type {
	case KindAuthConfirmed:
		msg, err = into[AuthConfirmed](body)
	case KindStreamChunk:
		msg, err = into[StreamChunk](body)
	case KindStreamEnd:
		msg, err = into[StreamEnd](body)
	case KindBiometricRequest:
		msg = BiometricRequest{}
	case KindEntrainmentStart:
		msg, err = into[EntrainmentStart](body)
	case KindEntrainmentEnd:
		msg = EntrainmentEnd{}
	case KindError:
		msg, err = into[ServerError](body)
	default:
		msg = Unknown{Type: env.Type, Payload: body}
	}
	if err != nil {
		return nil, err
	}

	return meta(env, msg), nil
}

// DecodeRequest parses a frame received by the bridge.
func DecodeRequest(data []byte) (*Frame[Outbound], error) {
	env, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	body := env.body()

	var msg Outbound
	switch env.Type {
	case KindAuth:
		msg, err = into[Auth](body)
	case KindChat:
		msg, err = into[Chat](body)
	case KindBiometric:
		msg, err = into[Biometric](body)
	case KindInterruption:
		msg, err = into[Interruption](body)
	case KindClose:
		msg, err = into[Close](body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return nil, err
	}

	return meta(env, msg), nil
}
