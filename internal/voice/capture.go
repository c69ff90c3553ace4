package voice

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"
)

// SampleRate of frames delivered by a FrameSource.
const SampleRate = 16000

// FrameSource delivers mono float32 frames at SampleRate until ctx is
// cancelled, then closes the channel.
type FrameSource interface {
	Frames(ctx context.Context) (<-chan []float32, error)
}

// ActivityDetector classifies a single frame as speech or not.
type ActivityDetector interface {
	Speech(frame []float32) bool
}

// Transcriber turns a segment of SampleRate mono audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []float32, lang string) (string, error)
}

type CaptureOptions struct {
	// Pause of non-speech that ends a segment.
	Pause time.Duration
	// MaxSegment forces a segment to be transcribed once it gets this long.
	MaxSegment time.Duration
	// InterimEvery, when positive, transcribes the running segment this
	// often and reports it as an interim result.
	InterimEvery time.Duration
	// ActivityEvery is how often, in speech audio, ongoing speech is
	// reported. It must stay below the listener's silence timeout.
	ActivityEvery time.Duration
}

func (o *CaptureOptions) defaults() {
	if o.Pause <= 0 {
		o.Pause = 600 * time.Millisecond
	}
	if o.MaxSegment <= 0 {
		o.MaxSegment = 15 * time.Second
	}
	if o.ActivityEvery <= 0 {
		o.ActivityEvery = 100 * time.Millisecond
	}
}

// CaptureRecognizer is a Recognizer assembled from a microphone, a voice
// activity detector and an offline transcriber. Each stretch of speech
// followed by a pause becomes one final result.
type CaptureRecognizer struct {
	src FrameSource
	vad ActivityDetector
	stt Transcriber
	opt CaptureOptions

	mu      sync.Mutex
	running bool
	gen     uint64
	stop    context.CancelFunc
	abort   context.CancelFunc
}

func NewCaptureRecognizer(src FrameSource, vad ActivityDetector, stt Transcriber, opt CaptureOptions) *CaptureRecognizer {
	opt.defaults()
	return &CaptureRecognizer{src: src, vad: vad, stt: stt, opt: opt}
}

func (r *CaptureRecognizer) Start(ctx context.Context, lang string) (<-chan Recognition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil, ErrBusy
	}

	actx, abort := context.WithCancel(ctx)
	fctx, stop := context.WithCancel(actx)

	frames, err := r.src.Frames(fctx)
	if err != nil {
		stop()
		abort()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	r.running = true
	r.gen++
	r.stop = stop
	r.abort = abort

	out := make(chan Recognition, 16)
	go r.run(actx, r.gen, frames, lang, out)
	return out, nil
}

// RequestPermission asks the frame source when it knows how to check its
// device.
func (r *CaptureRecognizer) RequestPermission(ctx context.Context) error {
	if p, ok := r.src.(PermissionRequester); ok {
		return p.RequestPermission(ctx)
	}
	return nil
}

func (r *CaptureRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		r.stop()
	}
	return nil
}

// Abort frees the recognizer at once, even when a transcription is still
// stuck in flight; that run's results are dropped.
func (r *CaptureRecognizer) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abort != nil {
		r.abort()
	}
	r.release()
	return nil
}

func (r *CaptureRecognizer) release() {
	r.running = false
	r.stop, r.abort = nil, nil
}

type segmenter struct {
	pauseSamples   int
	maxSamples     int
	interimSamples int

	seg         []float32
	inSpeech    bool
	silent      int
	lastInterim int
	heard       bool
}

func (r *CaptureRecognizer) run(ctx context.Context, gen uint64, frames <-chan []float32, lang string, out chan<- Recognition) {
	defer close(out)
	defer func() {
		r.mu.Lock()
		if r.gen == gen {
			r.release()
		}
		r.mu.Unlock()
	}()

	s := &segmenter{
		pauseSamples:   samples(r.opt.Pause),
		maxSamples:     samples(r.opt.MaxSegment),
		interimSamples: samples(r.opt.InterimEvery),
	}
	activityEvery := samples(r.opt.ActivityEvery)
	spoken := 0

	send := func(rec Recognition) bool {
		select {
		case out <- rec:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for frame := range frames {
		if ctx.Err() != nil {
			break
		}

		speech := r.vad.Speech(frame)
		if speech {
			// Report speech as it starts and then every activityEvery, so
			// the listener's silence timer sees a long utterance.
			if spoken == 0 && !send(Recognition{Activity: true}) {
				return
			}
			spoken += len(frame)
			if spoken >= activityEvery {
				spoken = 0
			}
		}

		done := s.push(frame, speech)
		if done {
			if !r.flush(ctx, s, lang, send) {
				return
			}
			continue
		}

		if s.interimSamples > 0 && s.inSpeech && len(s.seg)-s.lastInterim >= s.interimSamples {
			s.lastInterim = len(s.seg)
			text, err := r.stt.Transcribe(ctx, s.seg, lang)
			if err == nil && strings.TrimSpace(text) != "" {
				if !send(Recognition{Text: text}) {
					return
				}
			}
		}
	}

	if ctx.Err() != nil {
		send(Recognition{Err: &RecognitionError{Code: CodeAborted}})
		return
	}

	if len(s.seg) > 0 {
		if !r.flush(ctx, s, lang, send) {
			return
		}
	}
	if !s.heard {
		send(Recognition{Err: &RecognitionError{Code: CodeNoSpeech}})
	}
}

func (r *CaptureRecognizer) flush(ctx context.Context, s *segmenter, lang string, send func(Recognition) bool) bool {
	pcm := s.take()
	text, err := r.stt.Transcribe(ctx, pcm, lang)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		log.Warn("Transcription failed", "samples", len(pcm), "err", err)
		return send(Recognition{Err: &RecognitionError{Code: CodeTranscription, Err: err}})
	}
	if strings.TrimSpace(text) == "" {
		return true
	}
	s.heard = true
	return send(Recognition{Text: text, Final: true})
}

// push adds a frame and reports whether the current segment is complete.
func (s *segmenter) push(frame []float32, speech bool) bool {
	if speech {
		s.inSpeech = true
		s.silent = 0
		s.seg = append(s.seg, frame...)
		return len(s.seg) >= s.maxSamples
	}
	if !s.inSpeech {
		return false
	}
	s.silent += len(frame)
	s.seg = append(s.seg, frame...)
	return s.silent >= s.pauseSamples || len(s.seg) >= s.maxSamples
}

func (s *segmenter) take() []float32 {
	pcm := s.seg
	s.seg = nil
	s.inSpeech = false
	s.silent = 0
	s.lastInterim = 0
	return pcm
}

func samples(d time.Duration) int {
	return int(d.Seconds() * SampleRate)
}
