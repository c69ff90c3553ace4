package voice

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"
)

type EventKind int

const (
	Interim EventKind = iota
	Final
	Silence
	Error
)

func (k EventKind) String() string {
	switch k {
	case Interim:
		return "interim"
	case Final:
		return "final"
	case Silence:
		return "silence"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a transcript update. For Final events Text is the cumulative
// finalized transcript of the capture so far.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

type InputOptions struct {
	Language       string
	SilenceTimeout time.Duration
	StopTimeout    time.Duration
}

func (o *InputOptions) defaults() {
	if o.Language == "" {
		o.Language = "en-US"
	}
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = 2 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = time.Second
	}
}

const eventBuffer = 64

type capture struct {
	events chan Event
	ended  chan struct{}
	quit   chan struct{}
	once   sync.Once

	silence    *time.Timer
	transcript string
	paused     bool
	discarded  bool
}

func (c *capture) stop() {
	c.once.Do(func() { close(c.quit) })
}

// Input is the microphone side of the pipeline: one capture at a time,
// interim and cumulative final transcripts, and a silence timer that fires
// when neither a result nor speech activity has arrived for SilenceTimeout.
type Input struct {
	rec Recognizer
	opt InputOptions

	mu       sync.Mutex
	cur      *capture
	starting bool
	last     string
}

func NewInput(rec Recognizer, opt InputOptions) *Input {
	opt.defaults()
	return &Input{rec: rec, opt: opt}
}

func (in *Input) Recording() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cur != nil || in.starting
}

// Start begins a capture and returns its event stream. The stream is
// closed once the engine has ended. The silence timer is armed
// immediately, so Silence fires even if nothing is ever said.
func (in *Input) Start(ctx context.Context) (<-chan Event, error) {
	if in.rec == nil {
		return nil, ErrUnavailable
	}

	in.mu.Lock()
	if in.cur != nil || in.starting {
		in.mu.Unlock()
		return nil, ErrBusy
	}
	in.starting = true
	in.mu.Unlock()

	results, err := in.open(ctx)

	in.mu.Lock()
	defer in.mu.Unlock()
	in.starting = false
	if err != nil {
		return nil, err
	}

	c := &capture{
		events:  make(chan Event, eventBuffer),
		ended:   make(chan struct{}),
		quit:    make(chan struct{}),
		silence: time.NewTimer(in.opt.SilenceTimeout),
	}
	in.cur = c
	in.last = ""

	go in.pump(c, results)

	log.Debug("Recording started", "lang", in.opt.Language)
	return c.events, nil
}

func (in *Input) open(ctx context.Context) (<-chan Recognition, error) {
	if p, ok := in.rec.(PermissionRequester); ok {
		if err := p.RequestPermission(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPermission, err)
		}
	}

	results, err := in.rec.Start(ctx, in.opt.Language)
	if err != nil {
		return nil, fmt.Errorf("start recognizer: %w", err)
	}
	return results, nil
}

func (in *Input) pump(c *capture, results <-chan Recognition) {
	defer close(c.events)
	defer close(c.ended)
	defer c.silence.Stop()

	for {
		select {
		case r, ok := <-results:
			if !ok {
				in.finish(c)
				return
			}
			if ev, ok := in.handle(c, r); ok {
				in.emit(c, ev)
			}
		case <-c.silence.C:
			in.mu.Lock()
			skip := c.discarded || c.paused
			in.mu.Unlock()
			if !skip {
				log.Debug("Silence detected")
				in.emit(c, Event{Kind: Silence})
			}
		}
	}
}

func (in *Input) handle(c *capture, r Recognition) (Event, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if c.discarded {
		return Event{}, false
	}

	if r.Err != nil {
		if r.Err.Benign() {
			log.Info("Recognition ended without speech", "code", r.Err.Code)
			return Event{}, false
		}
		log.Warn("Recognition error", "code", r.Err.Code, "err", r.Err.Err)
		return Event{Kind: Error, Err: r.Err}, true
	}

	if !c.paused {
		c.silence.Reset(in.opt.SilenceTimeout)
	}
	if r.Activity {
		return Event{}, false
	}

	text := strings.TrimSpace(r.Text)
	if r.Final {
		if text == "" {
			return Event{}, false
		}
		c.transcript = joinTranscript(c.transcript, text)
		log.Debug("Final transcript updated", "text", c.transcript)
		return Event{Kind: Final, Text: c.transcript}, true
	}
	if text == "" {
		return Event{}, false
	}
	return Event{Kind: Interim, Text: text}, true
}

func (in *Input) emit(c *capture, ev Event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (in *Input) finish(c *capture) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.cur == c {
		in.cur = nil
		in.last = c.transcript
	}
	log.Debug("Recording ended")
}

// StopRecording asks the engine to stop and returns the accumulated
// transcript. It returns once the engine has ended or StopTimeout has
// passed, whichever is first. An empty string means nothing was said.
func (in *Input) StopRecording() string {
	in.mu.Lock()
	c := in.cur
	if c == nil {
		last := in.last
		in.mu.Unlock()
		return last
	}
	c.silence.Stop()
	in.mu.Unlock()

	go func() {
		if err := in.rec.Stop(); err != nil {
			log.Warn("Failed to stop recognizer", "err", err)
		}
	}()

	timer := time.NewTimer(in.opt.StopTimeout)
	defer timer.Stop()
	select {
	case <-c.ended:
	case <-timer.C:
		log.Info("Recognizer did not end in time, using transcript so far")
		if err := in.rec.Abort(); err != nil {
			log.Warn("Failed to abort recognizer", "err", err)
		}
	}

	in.mu.Lock()
	c.discarded = true
	text := c.transcript
	if in.cur == c {
		in.cur = nil
	}
	in.last = text
	in.mu.Unlock()

	c.stop()
	return text
}

// Abort ends the capture at once and discards anything still in flight.
// Safe to call when idle.
func (in *Input) Abort() {
	in.mu.Lock()
	c := in.cur
	in.cur = nil
	in.last = ""
	if c != nil {
		c.discarded = true
		c.silence.Stop()
	}
	in.mu.Unlock()

	if c == nil {
		return
	}
	c.stop()
	if err := in.rec.Abort(); err != nil {
		log.Warn("Failed to abort recognizer", "err", err)
	}
}

// Pause suspends the silence timer; Resume re-arms it from zero.
func (in *Input) Pause() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if c := in.cur; c != nil && !c.paused {
		c.paused = true
		c.silence.Stop()
	}
}

func (in *Input) Resume() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if c := in.cur; c != nil && c.paused {
		c.paused = false
		c.silence.Reset(in.opt.SilenceTimeout)
	}
}

func joinTranscript(acc, text string) string {
	if acc == "" {
		return text
	}
	return acc + " " + text
}
