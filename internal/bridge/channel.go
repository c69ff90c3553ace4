// Package bridge delivers conversation messages to the remote AI service.
// A Channel prefers a persistent authenticated WebSocket and degrades to an
// HTTP streaming endpoint, emitting the same events in both modes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	log "log/slog"
	"slices"
	"sync"
	"time"

	"sofie/pkg/protocol"
)

var (
	ErrNotStarted = errors.New("bridge: connect was never called")
	ErrClosed     = errors.New("bridge: disconnected")
)

const ClientVersion = "1.0.0"

var DefaultCapabilities = []string{"biometric", "voice", "streaming"}

// Socket is the subset of a protocol connection the channel drives.
type Socket interface {
	Read() protocol.Income
	Write(payload []byte) error
	Close(reason string) error
}

type DialFunc func(ctx context.Context, url string, timeout time.Duration) (Socket, error)

// Streamer performs one streamed chat completion over HTTP.
type Streamer interface {
	Stream(ctx context.Context, chat protocol.Chat) iter.Seq2[string, error]
}

// Conversation is the part of the session the channel reads and updates.
type Conversation interface {
	ConversationID() string
	SetConversationID(id string)
}

type Options struct {
	URL string

	ConnectTimeout time.Duration
	// AuthTimeout bounds the wait for auth_confirmed after the socket opens.
	// Zero means ConnectTimeout.
	AuthTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxReconnectAttempts is the number of redials before falling back.
	// Zero means 5; a negative value falls back on the first drop.
	MaxReconnectAttempts int
	MaxConsecutiveErrors int

	ClientVersion string
	Capabilities  []string

	Tokens       TokenStore
	Conversation Conversation
	Fallback     Streamer
	Dial         DialFunc
}

func (o *Options) defaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 3 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = o.ConnectTimeout
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 5
	}
	if o.ClientVersion == "" {
		o.ClientVersion = ClientVersion
	}
	if o.Capabilities == nil {
		o.Capabilities = DefaultCapabilities
	}
	if o.Tokens == nil {
		o.Tokens = StaticTokens{}
	}
	if o.Conversation == nil {
		o.Conversation = &localConversation{}
	}
	if o.Dial == nil {
		o.Dial = WebSocketDialer()
	}
}

// WebSocketDialer dials real sockets with the given options.
func WebSocketDialer(opts ...protocol.DialOption) DialFunc {
	return func(ctx context.Context, url string, timeout time.Duration) (Socket, error) {
		conn, err := protocol.Dial(ctx, url, timeout, opts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type localConversation struct {
	mu sync.Mutex
	id string
}

func (c *localConversation) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *localConversation) SetConversationID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

type Channel struct {
	opt Options
	bus bus

	mu              sync.Mutex
	status          Status
	mode            Mode
	started         bool
	shouldReconnect bool
	conn            Socket
	gen             uint64
	queue           []protocol.Outbound
	backoff         *Backoff
	attempts        int
	errorsInRow     int
	retryTimer      *time.Timer
	authTimer       *time.Timer
	cancelHTTP      context.CancelFunc
	httpSeq         uint64

	// writeMu orders socket writes; it is always taken while mu is held so
	// the queue flush cannot be overtaken by a concurrent Send.
	writeMu sync.Mutex
}

func New(opt Options) *Channel {
	opt.defaults()
	return &Channel{
		opt:     opt,
		mode:    ModeWebSocket,
		backoff: NewBackoff(opt.ReconnectBase, opt.ReconnectMax),
	}
}

// On subscribes h to name and returns a function that removes it. Every
// inbound server message is emitted under its own kind and as "message".
func (c *Channel) On(name EventName, h Handler) func() {
	return c.bus.on(name, h)
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Channel) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		Status:            c.status,
		Mode:              c.mode,
		ReconnectAttempts: c.attempts,
		Fallback:          c.mode == ModeFallback,
	}
}

func (c *Channel) Ready() bool {
	return c.Status() == StatusAuthenticated
}

func (c *Channel) ConversationID() string {
	return c.opt.Conversation.ConversationID()
}

func (c *Channel) SetConversationID(id string) {
	c.opt.Conversation.SetConversationID(id)
}

// Connect starts socket mode. It is a no-op while a connection is open or
// being opened, and in fallback mode. Failures never surface as errors:
// the channel switches to fallback instead.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.mode == ModeFallback || c.status != StatusDisconnected {
		c.mu.Unlock()
		return
	}

	c.started = true
	c.shouldReconnect = true
	c.status = StatusConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	log.Info("Connecting to bridge", "url", c.opt.URL)
	c.emitStatus()

	go c.dial(ctx, gen, false)
}

// Reconnect drops the current connection, forgets past failures (including
// a fallback switch) and connects again.
func (c *Channel) Reconnect(ctx context.Context) {
	c.mu.Lock()
	conn := c.resetLocked()
	c.attempts = 0
	c.errorsInRow = 0
	c.backoff.Reset()
	c.mode = ModeWebSocket
	c.status = StatusDisconnected
	c.mu.Unlock()

	if conn != nil {
		go conn.Close("client reconnect")
	}
	c.Connect(ctx)
}

// Disconnect stops reconnection, aborts in-flight requests, drops queued
// messages and closes the socket, sending a close message first when the
// channel is authenticated.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	wasAuthenticated := c.status == StatusAuthenticated && c.mode == ModeWebSocket
	conn := c.resetLocked()
	c.queue = nil
	c.mode = ModeWebSocket
	c.status = StatusDisconnected
	c.mu.Unlock()

	if conn != nil {
		if wasAuthenticated {
			if err := c.write(conn, protocol.Close{Timestamp: protocol.Now()}); err != nil {
				log.Debug("Failed to send close", "err", err)
			}
		}
		if err := conn.Close("client disconnect"); err != nil {
			log.Debug("Close socket", "err", err)
		}
	}

	log.Info("Bridge disconnected")
	c.emitStatus()
}

// resetLocked invalidates the current generation, stops timers and the
// in-flight HTTP request and detaches the socket, which it returns.
func (c *Channel) resetLocked() Socket {
	c.gen++
	c.stopTimersLocked()
	c.abortHTTPLocked()
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Channel) stopTimersLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

func (c *Channel) abortHTTPLocked() {
	if c.cancelHTTP != nil {
		c.cancelHTTP()
		c.cancelHTTP = nil
	}
}

// Send delivers msg. In fallback mode chats become HTTP requests,
// interruptions abort the in-flight request and other kinds are dropped.
// In socket mode msg is queued until the channel is authenticated.
func (c *Channel) Send(msg protocol.Outbound) error {
	c.mu.Lock()

	if c.mode == ModeFallback {
		switch m := msg.(type) {
		case protocol.Chat:
			c.mu.Unlock()
			c.streamHTTP(m)
		case protocol.Interruption:
			c.abortHTTPLocked()
			c.mu.Unlock()
		default:
			c.mu.Unlock()
			log.Debug("Not supported in fallback mode", "type", msg.Kind())
		}
		return nil
	}

	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if !c.shouldReconnect {
		c.mu.Unlock()
		return ErrClosed
	}

	if c.status != StatusAuthenticated || c.conn == nil {
		c.enqueueLocked(msg)
		log.Debug("Queued message", "type", msg.Kind(), "queued", len(c.queue))
		c.mu.Unlock()
		return nil
	}

	conn := c.conn
	c.writeMu.Lock()
	c.mu.Unlock()

	err := c.writeLocked(conn, msg)
	c.writeMu.Unlock()

	if err != nil {
		log.Warn("Write failed, queueing", "type", msg.Kind(), "err", err)
		c.mu.Lock()
		c.enqueueLocked(msg)
		c.mu.Unlock()
	}
	return nil
}

// enqueueLocked holds msg for the next flush. Only the newest biometric
// snapshot is kept; older ones would replay stale readings.
func (c *Channel) enqueueLocked(msg protocol.Outbound) {
	if _, ok := msg.(protocol.Biometric); ok {
		c.queue = slices.DeleteFunc(c.queue, func(m protocol.Outbound) bool {
			_, bio := m.(protocol.Biometric)
			return bio
		})
	}
	c.queue = append(c.queue, msg)
}

// SendChat sends a streaming chat tagged with the current conversation id.
func (c *Channel) SendChat(message string, history []protocol.HistoryEntry) error {
	if history == nil {
		history = []protocol.HistoryEntry{}
	}
	return c.Send(protocol.Chat{
		Message: message,
		Context: protocol.ChatContext{
			ConversationID:      c.ConversationID(),
			ConversationHistory: history,
		},
		Streaming: true,
		Timestamp: protocol.Now(),
	})
}

// SendBiometric is best effort: it is dropped in fallback mode, and while
// disconnected a newer snapshot replaces the queued one.
func (c *Channel) SendBiometric(b protocol.Biometric) error {
	return c.Send(b)
}

// SendInterruption aborts the in-flight HTTP request in fallback mode or
// asks the server to stop streaming in socket mode. It does nothing when
// there is nothing to interrupt.
func (c *Channel) SendInterruption() error {
	c.mu.Lock()
	if c.mode == ModeFallback {
		c.abortHTTPLocked()
		c.mu.Unlock()
		return nil
	}
	ready := c.status == StatusAuthenticated && c.conn != nil
	c.mu.Unlock()

	if !ready {
		return nil
	}
	return c.Send(protocol.Interruption{
		Timestamp:      protocol.Now(),
		ConversationID: c.ConversationID(),
	})
}

func (c *Channel) write(conn Socket, msg protocol.Outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(conn, msg)
}

func (c *Channel) writeLocked(conn Socket, msg protocol.Outbound) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Write(raw)
}

func (c *Channel) dial(ctx context.Context, gen uint64, reconnecting bool) {
	conn, err := c.opt.Dial(ctx, c.opt.URL, c.opt.ConnectTimeout)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close("stale connection")
		}
		return
	}

	if err != nil {
		if !reconnecting {
			log.Warn("Bridge unreachable, switching to HTTP fallback", "url", c.opt.URL, "err", err)
			c.fallbackLocked()
			return
		}

		c.errorsInRow++
		log.Warn("Reconnect failed", "attempt", c.attempts, "errors", c.errorsInRow, "err", err)
		c.status = StatusDisconnected
		c.mu.Unlock()

		c.emitError(ErrorWebSocket, fmt.Errorf("reconnect: %w", err))
		c.emitStatus()

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.scheduleReconnectLocked()
		return
	}

	c.conn = conn
	c.status = StatusConnected
	c.authTimer = time.AfterFunc(c.opt.AuthTimeout, func() { c.authExpired(gen) })
	auth := protocol.Auth{
		Token:         c.opt.Tokens.Token(),
		UserID:        c.opt.Tokens.UserID(),
		ClientVersion: c.opt.ClientVersion,
		Capabilities:  c.opt.Capabilities,
	}
	c.mu.Unlock()

	log.Info("Bridge socket open, authenticating", "user", auth.UserID)
	c.emitStatus()

	go c.readLoop(conn, gen)

	if err := c.write(conn, auth); err != nil {
		log.Warn("Failed to send auth", "err", err)
	}
}

func (c *Channel) authExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.status == StatusAuthenticated || c.mode == ModeFallback {
		c.mu.Unlock()
		return
	}
	log.Warn("Authentication never confirmed, switching to HTTP fallback")
	c.fallbackLocked()
}

func (c *Channel) readLoop(conn Socket, gen uint64) {
	for {
		in := conn.Read()
		switch in.Kind {
		case protocol.READ_OK:
			if !c.current(gen) {
				return
			}
			c.handleFrame(conn, gen, in.Msg)
		default:
			c.handleClosed(gen, in.Err)
			return
		}
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Channel) handleFrame(conn Socket, gen uint64, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		log.Warn("Failed to parse frame", "msg", string(raw), "err", err)
		c.emitError(ErrorParse, fmt.Errorf("invalid message format: %w", err))
		return
	}

	if ack, ok := frame.Message.(protocol.AuthConfirmed); ok {
		c.authenticated(conn, gen, ack)
		return
	}

	c.dispatch(frame)
}

func (c *Channel) authenticated(conn Socket, gen uint64, ack protocol.AuthConfirmed) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.status = StatusAuthenticated
	c.attempts = 0
	c.errorsInRow = 0
	c.backoff.Reset()
	if ack.ConversationID != "" {
		c.opt.Conversation.SetConversationID(ack.ConversationID)
	}

	pending := c.queue
	c.queue = nil

	c.writeMu.Lock()
	c.mu.Unlock()

	var left []protocol.Outbound
	for i, msg := range pending {
		if err := c.writeLocked(conn, msg); err != nil {
			log.Warn("Flush interrupted", "sent", i, "left", len(pending)-i, "err", err)
			left = pending[i:]
			break
		}
	}
	c.writeMu.Unlock()

	if len(left) > 0 {
		c.mu.Lock()
		c.queue = append(append([]protocol.Outbound(nil), left...), c.queue...)
		c.mu.Unlock()
	}

	log.Info("Bridge authenticated", "conversation", ack.ConversationID, "flushed", len(pending))
	c.emitStatus()
	c.bus.emit(Event{Name: EventAuthenticated, Status: StatusAuthenticated, Mode: ModeWebSocket, Message: ack})
}

func (c *Channel) handleClosed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	c.gen++
	c.stopTimersLocked()
	c.conn = nil
	c.status = StatusDisconnected
	log.Warn("Bridge socket closed", "err", err, "clean", protocol.IsClosed(err))

	if !c.shouldReconnect {
		c.mu.Unlock()
		c.emitStatus()
		return
	}
	c.mu.Unlock()

	c.emitStatus()

	c.mu.Lock()
	if !c.shouldReconnect || c.mode == ModeFallback || c.status != StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the next backoff attempt or gives up and
// switches to fallback. It releases mu.
func (c *Channel) scheduleReconnectLocked() {
	if c.attempts >= c.opt.MaxReconnectAttempts || c.errorsInRow >= c.opt.MaxConsecutiveErrors {
		log.Warn("Giving up on websocket, switching to HTTP fallback",
			"attempts", c.attempts, "errors", c.errorsInRow)
		c.fallbackLocked()
		return
	}

	c.attempts++
	delay := c.backoff.Next()
	gen := c.gen
	attempt := c.attempts
	c.retryTimer = time.AfterFunc(delay, func() { c.redial(gen) })
	c.mu.Unlock()

	log.Info("Reconnecting", "in", delay, "attempt", attempt, "max", c.opt.MaxReconnectAttempts)
}

func (c *Channel) redial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.shouldReconnect || c.mode == ModeFallback {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.gen++
	next := c.gen
	c.status = StatusConnecting
	c.mu.Unlock()

	c.emitStatus()
	c.dial(context.Background(), next, true)
}

// fallbackLocked switches permanently to HTTP fallback and replays queued
// chats over HTTP. It releases mu.
func (c *Channel) fallbackLocked() {
	conn := c.resetLocked()
	c.mode = ModeFallback
	c.status = StatusAuthenticated

	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	if conn != nil {
		go conn.Close("switching to fallback")
	}

	c.emitStatus()
	c.bus.emit(Event{Name: EventAuthenticated, Status: StatusAuthenticated, Mode: ModeFallback})

	for _, msg := range pending {
		if err := c.Send(msg); err != nil {
			log.Warn("Failed to replay queued message", "type", msg.Kind(), "err", err)
		}
	}
}

func (c *Channel) dispatch(frame *protocol.Frame[protocol.Inbound]) {
	ev := Event{
		Message:   frame.Message,
		ID:        frame.ID,
		Timestamp: frame.Timestamp,
	}

	if se, ok := frame.Message.(protocol.ServerError); ok {
		ev.Source = ErrorServer
		ev.Err = errors.New(se.Message)
	}

	ev.Name = EventFor(frame.Message.Kind())
	c.bus.emit(ev)

	ev.Name = EventMessage
	c.bus.emit(ev)
}

func (c *Channel) emitStatus() {
	c.mu.Lock()
	ev := Event{Name: EventStatus, Status: c.status, Mode: c.mode}
	c.mu.Unlock()
	c.bus.emit(ev)
}

func (c *Channel) emitError(src ErrorSource, err error) {
	c.bus.emit(Event{Name: EventError, Source: src, Err: err, Timestamp: time.Now()})
}
