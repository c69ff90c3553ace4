package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const waitFor = 2 * time.Second

// fakeRecognizer hands the test a results channel to drive. Stop closes it
// unless hang is set, which models an engine that never reports its end.
type fakeRecognizer struct {
	mu      sync.Mutex
	out     chan Recognition
	closed  bool
	hang    bool
	permErr error
	starts  int
	stops   int
	aborts  int
}

func (f *fakeRecognizer) RequestPermission(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permErr
}

func (f *fakeRecognizer) Start(context.Context, string) (<-chan Recognition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.out = make(chan Recognition, 16)
	f.closed = false
	return f.out, nil
}

func (f *fakeRecognizer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if !f.hang {
		f.closeLocked()
	}
	return nil
}

func (f *fakeRecognizer) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	f.closeLocked()
	return nil
}

func (f *fakeRecognizer) closeLocked() {
	if !f.closed && f.out != nil {
		close(f.out)
		f.closed = true
	}
}

func (f *fakeRecognizer) push(r Recognition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.out <- r
	}
}

func (f *fakeRecognizer) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func drained(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var evs []Event
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-deadline:
			t.Fatal("event stream was not closed")
			return nil
		}
	}
}

type spoken struct {
	text  string
	voice string
}

type fakeSynth struct {
	mu      sync.Mutex
	voices  []Voice
	said    []spoken
	fail    map[string]bool
	block   map[string]bool
	started chan string
}

func newSynth() *fakeSynth {
	return &fakeSynth{
		fail:    map[string]bool{},
		block:   map[string]bool{},
		started: make(chan string, 32),
	}
}

func (s *fakeSynth) Voices() []Voice { return s.voices }

func (s *fakeSynth) Speak(ctx context.Context, u Utterance) error {
	s.mu.Lock()
	sp := spoken{text: u.Text}
	if u.Voice != nil {
		sp.voice = u.Voice.Name
	}
	s.said = append(s.said, sp)
	fail, block := s.fail[u.Text], s.block[u.Text]
	s.mu.Unlock()

	s.started <- u.Text
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("synthesis-failed")
	}
	return nil
}

func (s *fakeSynth) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.said))
	for i, sp := range s.said {
		out[i] = sp.text
	}
	return out
}

type fakeDucker struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDucker) Duck(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "duck")
	return nil
}

func (d *fakeDucker) Unduck(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "unduck")
	return nil
}
