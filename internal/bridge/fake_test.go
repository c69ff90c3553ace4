package bridge

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sofie/pkg/protocol"
)

const waitFor = 2 * time.Second

// fakeSocket is an in-memory Socket. Frames pushed with reply are returned
// by Read; everything written is recorded on writes.
type fakeSocket struct {
	in     chan protocol.Income
	writes chan protocol.Outbound
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan protocol.Income, 64),
		writes: make(chan protocol.Outbound, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) Read() protocol.Income {
	select {
	case in := <-f.in:
		return in
	case <-f.closed:
		return protocol.Income{Kind: protocol.READ_FAILURE, Err: errors.New("use of closed connection")}
	}
}

func (f *fakeSocket) Write(payload []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed socket")
	default:
	}
	frame, err := protocol.DecodeRequest(payload)
	if err != nil {
		return err
	}
	f.writes <- frame.Message
	return nil
}

func (f *fakeSocket) Close(string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) reply(t *testing.T, msg protocol.Inbound) {
	t.Helper()
	raw, err := protocol.EncodeReply(msg)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	f.in <- protocol.Income{Kind: protocol.READ_OK, Msg: raw}
}

func (f *fakeSocket) raw(b string) {
	f.in <- protocol.Income{Kind: protocol.READ_OK, Msg: []byte(b)}
}

// drop simulates the server going away.
func (f *fakeSocket) drop() {
	f.Close("")
}

func (f *fakeSocket) next(t *testing.T) protocol.Outbound {
	t.Helper()
	select {
	case m := <-f.writes:
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a write")
		return nil
	}
}

// dialer hands out scripted sockets; once the script runs out every dial fails.
type dialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	calls   atomic.Int32
}

func (d *dialer) dial(context.Context, string, time.Duration) (Socket, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil, errors.New("connection refused")
	}
	s := d.sockets[0]
	d.sockets = d.sockets[1:]
	return s, nil
}

type cannedStreamer struct {
	chunks []string
	err    error
	block  bool

	calls   atomic.Int32
	started chan protocol.Chat
	aborted chan struct{}
}

func newCanned(chunks ...string) *cannedStreamer {
	return &cannedStreamer{
		chunks:  chunks,
		started: make(chan protocol.Chat, 8),
		aborted: make(chan struct{}, 8),
	}
}

func (s *cannedStreamer) Stream(ctx context.Context, chat protocol.Chat) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.calls.Add(1)
		s.started <- chat
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.block {
			<-ctx.Done()
			s.aborted <- struct{}{}
			yield("", ctx.Err())
			return
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

type recorder struct {
	ch chan Event
}

func record(c *Channel, names ...EventName) *recorder {
	r := &recorder{ch: make(chan Event, 256)}
	for _, n := range names {
		c.On(n, func(ev Event) { r.ch <- ev })
	}
	return r
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func (r *recorder) until(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-r.ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching event")
			return Event{}
		}
	}
}

func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %q %#v", ev.Name, ev.Message)
	case <-time.After(d):
	}
}

func authenticatedIn(mode Mode) func(Event) bool {
	return func(ev Event) bool {
		return ev.Name == EventAuthenticated && ev.Mode == mode
	}
}

func fastOptions(d *dialer, fb Streamer) Options {
	return Options{
		URL:                  "ws://bridge.test/ws",
		ConnectTimeout:       time.Second,
		ReconnectBase:        time.Millisecond,
		ReconnectMax:         5 * time.Millisecond,
		MaxReconnectAttempts: 5,
		MaxConsecutiveErrors: 5,
		Fallback:             fb,
		Dial:                 d.dial,
	}
}
