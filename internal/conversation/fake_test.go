package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sofie/internal/biometric"
	"sofie/internal/bridge"
	"sofie/internal/session"
	"sofie/internal/voice"
	"sofie/pkg/protocol"
)

const waitFor = 2 * time.Second

type fakeTransport struct {
	mu            sync.Mutex
	handlers      map[bridge.EventName][]bridge.Handler
	status        bridge.Status
	chats         []protocol.Chat
	biometrics    []protocol.Biometric
	interruptions int
	connects      int
	disconnects   int
	sendErr       error
}

func newTransport() *fakeTransport {
	return &fakeTransport{handlers: map[bridge.EventName][]bridge.Handler{}}
}

func (f *fakeTransport) On(name bridge.EventName, h bridge.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = append(f.handlers[name], h)
	idx := len(f.handlers[name]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[name][idx] = nil
	}
}

func (f *fakeTransport) Connect(context.Context) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) Info() bridge.ConnectionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bridge.ConnectionInfo{Status: f.status, Mode: bridge.ModeWebSocket}
}

func (f *fakeTransport) SendChat(message string, history []protocol.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.chats = append(f.chats, protocol.Chat{
		Message: message,
		Context: protocol.ChatContext{ConversationHistory: history},
	})
	return nil
}

func (f *fakeTransport) SendBiometric(b protocol.Biometric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.biometrics = append(f.biometrics, b)
	return nil
}

func (f *fakeTransport) SendInterruption() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interruptions++
	return nil
}

func (f *fakeTransport) emit(ev bridge.Event) {
	f.mu.Lock()
	hs := append([]bridge.Handler(nil), f.handlers[ev.Name]...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(ev)
		}
	}
}

func (f *fakeTransport) message(msg protocol.Inbound) {
	f.emit(bridge.Event{Name: bridge.EventMessage, Message: msg})
}

func (f *fakeTransport) chunk(s string) { f.message(protocol.StreamChunk{Content: s}) }

func (f *fakeTransport) end() { f.message(protocol.StreamEnd{}) }

func (f *fakeTransport) sent() []protocol.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Chat(nil), f.chats...)
}

func (f *fakeTransport) interrupted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interruptions
}

// fakeRecognizer is driven by the test through push and end.
type fakeRecognizer struct {
	mu      sync.Mutex
	out     chan voice.Recognition
	closed  bool
	permErr error
}

func (r *fakeRecognizer) RequestPermission(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permErr
}

func (r *fakeRecognizer) Start(context.Context, string) (<-chan voice.Recognition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = make(chan voice.Recognition, 16)
	r.closed = false
	return r.out, nil
}

func (r *fakeRecognizer) Stop() error  { r.end(); return nil }
func (r *fakeRecognizer) Abort() error { r.end(); return nil }

func (r *fakeRecognizer) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out != nil && !r.closed {
		close(r.out)
		r.closed = true
	}
}

func (r *fakeRecognizer) push(rec voice.Recognition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out != nil && !r.closed {
		r.out <- rec
	}
}

type fakeSynth struct {
	mu      sync.Mutex
	said    []string
	block   bool
	started chan string
}

func newSynth() *fakeSynth {
	return &fakeSynth{started: make(chan string, 32)}
}

func (s *fakeSynth) Voices() []voice.Voice { return nil }

func (s *fakeSynth) Speak(ctx context.Context, u voice.Utterance) error {
	s.mu.Lock()
	s.said = append(s.said, u.Text)
	block := s.block
	s.mu.Unlock()

	s.started <- u.Text
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.said...)
}

type fakeBiometrics struct {
	mu      sync.Mutex
	calls   int
	methods []biometric.Method
}

func (b *fakeBiometrics) Capture(_ context.Context, method biometric.Method) (*biometric.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.methods = append(b.methods, method)
	s := biometric.ManualSnapshot(time.UnixMilli(1000))
	return &s, nil
}

type rig struct {
	tr    *fakeTransport
	rec   *fakeRecognizer
	synth *fakeSynth
	sess  *session.Session
	m     *Machine
}

func newRig(t *testing.T, opt Options) *rig {
	t.Helper()
	return build(t, voice.InputOptions{SilenceTimeout: time.Minute, StopTimeout: 200 * time.Millisecond}, opt)
}

func build(t *testing.T, inOpt voice.InputOptions, opt Options) *rig {
	t.Helper()
	r := &rig{
		tr:    newTransport(),
		rec:   &fakeRecognizer{},
		synth: newSynth(),
		sess:  session.New(),
	}
	if opt.BiometricInterval == 0 {
		opt.BiometricInterval = -1
	}
	in := voice.NewInput(r.rec, inOpt)
	out := voice.NewOutput(r.synth, voice.OutputOptions{})
	r.m = New(r.tr, r.sess, in, out, opt)
	t.Cleanup(r.m.Close)
	return r
}

func waitState(t *testing.T, m *Machine, what string, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		s := m.State()
		if ok(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state %+v", what, s)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func inPhase(p Phase) func(Snapshot) bool {
	return func(s Snapshot) bool { return s.Phase == p }
}

func waitChats(t *testing.T, tr *fakeTransport, n int) []protocol.Chat {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		if chats := tr.sent(); len(chats) >= n {
			return chats
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d chats", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
