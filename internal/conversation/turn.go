package conversation

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"

	"sofie/internal/biometric"
	"sofie/internal/bridge"
	"sofie/internal/session"
	"sofie/internal/voice"
	"sofie/pkg/protocol"
)

// StartListening opens the microphone. Outside the dormant phase it returns
// ErrBusy. Capture failures such as a denied permission are recorded in
// Errors and leave the machine dormant.
func (m *Machine) StartListening() error {
	var err error
	if derr := m.do(func() { err = m.startListening() }); derr != nil {
		return derr
	}
	return err
}

func (m *Machine) startListening() error {
	if m.phase != Dormant {
		return ErrBusy
	}
	if m.tr.Info().Status == bridge.StatusDisconnected {
		m.tr.Connect(m.ctx)
	}

	events, err := m.in.Start(m.ctx)
	if err != nil {
		log.Error("Failed to start listening", "err", err)
		msg := "Failed to start voice recognition"
		if errors.Is(err, voice.ErrPermission) {
			msg = "Microphone permission denied"
		}
		m.fail("voice", fmt.Sprintf("%s: %v", msg, err))
		return nil
	}

	m.turn++
	turn := m.turn
	m.stopping = false
	m.transcript = ""
	m.setPhase(Listening)
	m.userSpeaking = true

	go func() {
		for ev := range events {
			m.box.put(func() { m.onTranscript(turn, ev) })
		}
		m.box.put(func() { m.onInputEnded(turn) })
	}()

	if m.opt.Cue != nil {
		go m.opt.Cue.Listening(m.ctx)
	}
	log.Info("Listening")
	return nil
}

// StopListening ends capture and sends whatever was heard. It is a no-op
// unless the machine is listening.
func (m *Machine) StopListening() error {
	return m.do(func() {
		if m.phase == Listening && !m.stopping {
			m.finishListening(m.turn, m.transcript)
		}
	})
}

func (m *Machine) onTranscript(turn uint64, ev voice.Event) {
	if turn != m.turn || m.phase != Listening || m.stopping {
		return
	}

	switch ev.Kind {
	case voice.Interim:
		m.userSpeaking = true
	case voice.Final:
		m.transcript = ev.Text
		if strings.TrimSpace(ev.Text) == "" {
			m.in.Abort()
			m.setPhase(Dormant)
			return
		}
		m.setPhase(Processing)
		m.finishListening(turn, ev.Text)
	case voice.Silence:
		log.Debug("Silence, stopping capture")
		m.finishListening(turn, m.transcript)
	case voice.Error:
		m.onRecognitionError(ev.Err)
	}
}

func (m *Machine) onRecognitionError(err error) {
	m.fail("voice", err.Error())

	var re *voice.RecognitionError
	fatal := errors.Is(err, voice.ErrPermission) ||
		(errors.As(err, &re) && re.Code == voice.CodeAudioCapture)
	if !fatal {
		return
	}
	m.turn++
	m.in.Abort()
	m.transcript = ""
	m.setPhase(Dormant)
}

// onInputEnded handles the engine ending on its own while listening.
func (m *Machine) onInputEnded(turn uint64) {
	if turn != m.turn || m.phase != Listening || m.stopping {
		return
	}
	m.finishListening(turn, m.transcript)
}

// finishListening stops the recorder off the loop; StopRecording may wait
// for the engine to flush. The result comes back through transcribed.
func (m *Machine) finishListening(turn uint64, heard string) {
	m.stopping = true
	m.userSpeaking = false

	in := m.in
	go func() {
		text := in.StopRecording()
		if strings.TrimSpace(text) == "" {
			text = heard
		}
		m.box.put(func() { m.transcribed(turn, text) })
	}()
}

func (m *Machine) transcribed(turn uint64, text string) {
	if turn != m.turn || !m.stopping {
		return
	}
	if m.phase != Listening && m.phase != Processing {
		return
	}
	m.stopping = false

	text = strings.TrimSpace(text)
	if text == "" {
		log.Info("Nothing was said")
		m.setPhase(Dormant)
		return
	}
	m.sendToAI(text)
}

// SendMessage sends typed text as a user turn. Listening is abandoned; a
// turn that is already being answered makes it fail with ErrBusy.
func (m *Machine) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var err error
	if derr := m.do(func() {
		switch m.phase {
		case Processing, Speaking:
			err = ErrBusy
			return
		case Listening:
			m.turn++
			m.in.Abort()
		}
		m.sendToAI(text)
	}); derr != nil {
		return derr
	}
	return err
}

func (m *Machine) sendToAI(text string) {
	m.buffer = ""
	m.transcript = ""
	m.speech++
	m.setPhase(Processing)

	history := session.Wire(m.sess.Recent(m.opt.HistoryContext))
	m.sess.Append(session.RoleUser, text)

	log.Info("Sending to AI", "chars", len(text), "context", len(history))
	if err := m.tr.SendChat(text, history); err != nil {
		log.Error("Failed to send message", "err", err)
		m.fail("bridge", "Failed to send message to AI: "+err.Error())
		m.setPhase(Dormant)
	}
}

// AbortSpeaking cancels the reply in flight: speech stops, the server is
// told to stop streaming and the machine goes dormant. Calling it again, or
// while dormant, does nothing.
func (m *Machine) AbortSpeaking() error {
	return m.do(func() {
		if m.phase == Dormant {
			return
		}
		m.abortTurn(true)
		m.setPhase(Dormant)
	})
}

func (m *Machine) abortTurn(interrupt bool) {
	switch m.phase {
	case Listening:
		m.in.Abort()
	case Processing, Speaking:
		m.out.StopSpeaking()
		if interrupt {
			if err := m.tr.SendInterruption(); err != nil {
				log.Warn("Failed to send interruption", "err", err)
			}
		}
	}
	m.turn++
	m.speech++
	m.stopping = false
	m.buffer = ""
	m.transcript = ""
}

// ClearConversation forgets the history and the conversation id, ending
// any turn in flight.
func (m *Machine) ClearConversation() error {
	return m.do(func() {
		if m.phase == Listening || m.phase == Processing || m.phase == Speaking {
			m.abortTurn(true)
			m.setPhase(Dormant)
		}
		m.buffer = ""
		m.sess.Clear()
		log.Info("Conversation cleared")
	})
}

// EndEntrainment leaves the entrainment phase.
func (m *Machine) EndEntrainment() error {
	return m.do(func() {
		if m.phase == Entrainment {
			m.setPhase(Dormant)
		}
	})
}

// CaptureBiometric takes one reading with the configured method, keeps it
// as the latest snapshot and sends it to the bridge. It returns nil when no
// source produced a reading.
func (m *Machine) CaptureBiometric(ctx context.Context) (*biometric.Snapshot, error) {
	if m.opt.Biometrics == nil {
		return nil, nil
	}
	s, err := m.opt.Biometrics.Capture(ctx, m.opt.BiometricMethod)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if err := m.do(func() { m.recordBiometric(s) }); err != nil {
		return nil, err
	}
	return s, nil
}

// captureAsync takes a reading off the loop. Only one runs at a time.
func (m *Machine) captureAsync() {
	if m.opt.Biometrics == nil || m.capturing {
		return
	}
	m.capturing = true

	go func() {
		s, err := m.opt.Biometrics.Capture(m.ctx, m.opt.BiometricMethod)
		m.box.put(func() {
			m.capturing = false
			if err != nil {
				log.Debug("Biometric capture failed", "err", err)
				return
			}
			if s != nil {
				m.recordBiometric(s)
			}
		})
	}()
}

func (m *Machine) recordBiometric(s *biometric.Snapshot) {
	m.bio = s
	if err := m.tr.SendBiometric(s.Wire()); err != nil {
		log.Debug("Biometric not sent", "err", err)
	}
}

func (m *Machine) onStatus(ev bridge.Event) {
	m.presence = ev.Status.Presence()
	m.mode = ev.Mode
}

func (m *Machine) onMessage(ev bridge.Event) {
	m.sess.Route(ev.Message, session.Handlers{
		StreamChunk: m.onChunk,
		StreamEnd:   m.onStreamEnd,
		BiometricRequest: func() {
			m.captureAsync()
		},
		EntrainmentStart: func(protocol.EntrainmentStart) {
			if m.phase == Dormant {
				m.setPhase(Entrainment)
			}
		},
		EntrainmentEnd: func() {
			if m.phase == Entrainment {
				m.setPhase(Dormant)
			}
		},
	})
}

func (m *Machine) onChunk(c protocol.StreamChunk) {
	if m.phase != Processing && m.phase != Speaking {
		log.Debug("Dropping stale chunk", "phase", m.phase)
		return
	}
	m.buffer += c.Content
	m.setPhase(Speaking)
	if m.opt.OnChunk != nil {
		m.opt.OnChunk(c.Content)
	}
}

func (m *Machine) onStreamEnd(end protocol.StreamEnd) {
	if m.phase != Processing && m.phase != Speaking {
		log.Debug("Dropping stale stream end", "phase", m.phase)
		return
	}
	m.sess.SetConversationID(end.ConversationID)

	text := m.buffer
	if strings.TrimSpace(text) == "" {
		m.buffer = ""
		m.setPhase(Dormant)
		return
	}

	m.sess.Append(session.RoleAssistant, text)
	m.setPhase(Speaking)
	m.speech++
	id := m.speech

	out, onSentence := m.out, m.opt.OnSentence
	go func() {
		err := out.Speak(m.ctx, text, onSentence)
		m.box.put(func() { m.spoken(id, err) })
	}()
}

func (m *Machine) spoken(id uint64, err error) {
	if id != m.speech || m.phase != Speaking {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Speech failed", "err", err)
		m.fail("voice", "Speech output failed: "+err.Error())
	}
	m.buffer = ""
	m.setPhase(Dormant)
}

// onError handles transport failures: the turn in flight is dropped and
// the error is recorded for the user.
func (m *Machine) onError(ev bridge.Event) {
	msg := "AI connection error"
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	log.Warn("Bridge error", "source", ev.Source, "err", ev.Err)
	m.fail(string(ev.Source), msg)

	if ev.Source == bridge.ErrorParse || m.phase == Dormant || m.phase == Entrainment {
		return
	}
	m.abortTurn(false)
	m.setPhase(Dormant)
}
