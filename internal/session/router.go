package session

import (
	log "log/slog"

	"sofie/pkg/protocol"
)

// Handlers receives inbound messages by variant. Nil handlers are skipped.
type Handlers struct {
	AuthConfirmed    func(protocol.AuthConfirmed)
	StreamChunk      func(protocol.StreamChunk)
	StreamEnd        func(protocol.StreamEnd)
	BiometricRequest func()
	EntrainmentStart func(protocol.EntrainmentStart)
	EntrainmentEnd   func()
	Error            func(protocol.ServerError)
	Unknown          func(protocol.Unknown)
}

// Route dispatches msg to its handler. An auth confirmation also adopts the
// conversation id it carries. The id on stream_end is left to the handler,
// which knows whether the stream still belongs to a live turn.
func (s *Session) Route(msg protocol.Inbound, h Handlers) {
	switch m := msg.(type) {
	case protocol.AuthConfirmed:
		s.SetConversationID(m.ConversationID)
		if h.AuthConfirmed != nil {
			h.AuthConfirmed(m)
		}
	case protocol.StreamChunk:
		if h.StreamChunk != nil {
			h.StreamChunk(m)
		}
	case protocol.StreamEnd:
		if h.StreamEnd != nil {
			h.StreamEnd(m)
		}
	case protocol.BiometricRequest:
		if h.BiometricRequest != nil {
			h.BiometricRequest()
		}
	case protocol.EntrainmentStart:
		if h.EntrainmentStart != nil {
			h.EntrainmentStart(m)
		}
	case protocol.EntrainmentEnd:
		if h.EntrainmentEnd != nil {
			h.EntrainmentEnd()
		}
	case protocol.ServerError:
		if h.Error != nil {
			h.Error(m)
		}
	case protocol.Unknown:
		if h.Unknown != nil {
			h.Unknown(m)
			return
		}
		log.Debug("Unhandled message", "type", m.Type)
	default:
		log.Warn("Unexpected inbound variant", "kind", msg.Kind())
	}
}
