// Package conversation ties speech capture, speech synthesis and the bridge
// channel into one turn-taking loop. All state is owned by a single
// goroutine; actions and transport events are posted to it and run one at
// a time.
package conversation

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sofie/internal/biometric"
	"sofie/internal/bridge"
	"sofie/internal/session"
	"sofie/internal/voice"
	"sofie/pkg/protocol"
)

var (
	ErrBusy   = errors.New("conversation: a turn is already in progress")
	ErrClosed = errors.New("conversation: closed")
)

type Phase string

const (
	Dormant     Phase = "dormant"
	Listening   Phase = "listening"
	Processing  Phase = "processing"
	Speaking    Phase = "speaking"
	Entrainment Phase = "entrainment"
)

// Transport is the part of bridge.Channel the machine drives.
type Transport interface {
	On(name bridge.EventName, h bridge.Handler) func()
	Connect(ctx context.Context)
	Disconnect()
	Info() bridge.ConnectionInfo
	SendChat(message string, history []protocol.HistoryEntry) error
	SendBiometric(b protocol.Biometric) error
	SendInterruption() error
}

type Listener interface {
	Start(ctx context.Context) (<-chan voice.Event, error)
	StopRecording() string
	Abort()
}

type Speaker interface {
	Speak(ctx context.Context, text string, onChunk func(sentence string, idx int)) error
	StopSpeaking()
}

type Biometrics interface {
	Capture(ctx context.Context, method biometric.Method) (*biometric.Snapshot, error)
}

type Cue interface {
	Listening(ctx context.Context)
}

type Options struct {
	// HistoryContext is how many past messages accompany each chat.
	HistoryContext int
	// BiometricInterval is the capture period outside the dormant phase.
	// Negative disables periodic capture.
	BiometricInterval time.Duration
	BiometricMethod   biometric.Method
	MaxErrors         int

	Biometrics Biometrics
	Cue        Cue

	// OnChunk sees every reply chunk as it arrives. Speech still starts
	// only once the whole reply has streamed in.
	OnChunk func(chunk string)
	// OnSentence fires as each spoken sentence starts.
	OnSentence func(sentence string, idx int)
}

func (o *Options) defaults() {
	if o.HistoryContext <= 0 {
		o.HistoryContext = 10
	}
	if o.BiometricInterval == 0 {
		o.BiometricInterval = 5 * time.Second
	}
	if o.BiometricMethod == "" {
		o.BiometricMethod = biometric.Auto
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 20
	}
}

type Error struct {
	Source  string
	Message string
	Time    time.Time
}

// Snapshot is the state shown to the user.
type Snapshot struct {
	Phase            Phase
	CurrentResponse  string
	Transcript       string
	History          []session.Message
	ConversationID   string
	ConnectionStatus bridge.Presence
	Mode             bridge.Mode
	IsUserSpeaking   bool
	CanInterrupt     bool
	Errors           []Error
	Biometric        *biometric.Snapshot
}

type Machine struct {
	tr   Transport
	sess *session.Session
	in   Listener
	out  Speaker
	opt  Options

	ctx    context.Context
	cancel context.CancelFunc
	box    *mailbox
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	unsubs []func()

	latest atomic.Pointer[Snapshot]
	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int

	// Owned by the loop goroutine.
	phase        Phase
	buffer       string
	transcript   string
	userSpeaking bool
	turn         uint64
	stopping     bool
	speech       uint64
	presence     bridge.Presence
	mode         bridge.Mode
	errs         []Error
	bio          *biometric.Snapshot
	capturing    bool
}

// New wires the machine to its collaborators and starts its loop. Call
// Start to open the transport and Close to release everything.
func New(tr Transport, sess *session.Session, in Listener, out Speaker, opt Options) *Machine {
	opt.defaults()
	ctx, cancel := context.WithCancel(context.Background())

	info := tr.Info()
	m := &Machine{
		tr:       tr,
		sess:     sess,
		in:       in,
		out:      out,
		opt:      opt,
		ctx:      ctx,
		cancel:   cancel,
		box:      newMailbox(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[int]chan Snapshot),
		phase:    Dormant,
		presence: info.Status.Presence(),
		mode:     info.Mode,
	}
	m.publish()

	m.unsubs = []func(){
		tr.On(bridge.EventStatus, func(ev bridge.Event) {
			m.box.put(func() { m.onStatus(ev) })
		}),
		tr.On(bridge.EventMessage, func(ev bridge.Event) {
			m.box.put(func() { m.onMessage(ev) })
		}),
		tr.On(bridge.EventError, func(ev bridge.Event) {
			m.box.put(func() { m.onError(ev) })
		}),
	}

	go m.loop()
	return m
}

// Start opens the transport. It never fails; an unreachable bridge ends up
// in fallback mode.
func (m *Machine) Start(ctx context.Context) {
	m.tr.Connect(ctx)
}

// Close stops any turn in flight, the loop and the transport.
func (m *Machine) Close() {
	m.once.Do(func() {
		for _, unsub := range m.unsubs {
			unsub()
		}
		m.do(func() {
			m.abortTurn(false)
			m.setPhase(Dormant)
		})
		close(m.quit)
		<-m.done
		m.cancel()
		m.tr.Disconnect()

		m.subMu.Lock()
		for id, ch := range m.subs {
			close(ch)
			delete(m.subs, id)
		}
		m.subMu.Unlock()
	})
}

// State returns the latest published snapshot.
func (m *Machine) State() Snapshot {
	return *m.latest.Load()
}

// Subscribe delivers every state change. Slow readers only see the most
// recent snapshot. The channel is closed by the returned func or Close.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- m.State()

	m.subMu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if _, ok := m.subs[id]; ok {
				close(ch)
				delete(m.subs, id)
			}
		})
	}
}

func (m *Machine) loop() {
	defer close(m.done)

	var tick <-chan time.Time
	if m.opt.Biometrics != nil && m.opt.BiometricInterval > 0 {
		t := time.NewTicker(m.opt.BiometricInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-m.quit:
			return
		case <-m.box.wake:
			for _, fn := range m.box.take() {
				fn()
			}
			m.publish()
		case <-tick:
			if m.phase != Dormant {
				m.captureAsync()
			}
		}
	}
}

// do runs fn on the loop and waits for it.
func (m *Machine) do(fn func()) error {
	ran := make(chan struct{})
	m.box.put(func() {
		fn()
		m.publish()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

func (m *Machine) publish() {
	s := &Snapshot{
		Phase:            m.phase,
		CurrentResponse:  m.buffer,
		Transcript:       m.transcript,
		History:          m.sess.History(),
		ConversationID:   m.sess.ConversationID(),
		ConnectionStatus: m.presence,
		Mode:             m.mode,
		IsUserSpeaking:   m.userSpeaking,
		CanInterrupt:     m.phase == Speaking,
		Errors:           append([]Error(nil), m.errs...),
		Biometric:        m.bio,
	}
	m.latest.Store(s)

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- *s
	}
}

func (m *Machine) setPhase(p Phase) {
	if m.phase == p {
		return
	}
	log.Debug("Phase", "from", m.phase, "to", p)
	m.phase = p
	if p != Listening {
		m.userSpeaking = false
	}
}

func (m *Machine) fail(source, message string) {
	m.errs = append(m.errs, Error{Source: source, Message: message, Time: time.Now()})
	if n := len(m.errs) - m.opt.MaxErrors; n > 0 {
		m.errs = append([]Error(nil), m.errs[n:]...)
	}
}

// mailbox is an unbounded queue of loop steps. Posting never blocks, so
// transport callbacks are safe even while the loop itself is calling into
// the transport.
type mailbox struct {
	mu   sync.Mutex
	q    []func()
	wake chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (b *mailbox) put(fn func()) {
	b.mu.Lock()
	b.q = append(b.q, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *mailbox) take() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.q
	b.q = nil
	return q
}
