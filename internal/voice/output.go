package voice

import (
	"context"
	log "log/slog"
	"sync"
)

type OutputOptions struct {
	Language string
	Rate     float64
	Pitch    float64
	Volume   float64
	Ducker   Ducker
}

func (o *OutputOptions) defaults() {
	if o.Language == "" {
		o.Language = "en-US"
	}
	if o.Rate <= 0 {
		o.Rate = 1
	}
	if o.Pitch <= 0 {
		o.Pitch = 1
	}
	if o.Volume <= 0 {
		o.Volume = 1
	}
}

// Output speaks text sentence by sentence through a Synthesizer. Only one
// Speak is active at a time: a new one, or StopSpeaking, cancels the
// current one and drops its remaining sentences.
type Output struct {
	syn Synthesizer
	opt OutputOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

func NewOutput(syn Synthesizer, opt OutputOptions) *Output {
	opt.defaults()
	return &Output{syn: syn, opt: opt}
}

func (o *Output) Speaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel != nil
}

// Speak blocks until every sentence has been spoken or the call was
// cancelled by StopSpeaking or a newer Speak, in which case it returns nil.
// onChunk, when set, is called as each sentence starts.
func (o *Output) Speak(ctx context.Context, text string, onChunk func(sentence string, idx int)) error {
	sentences := SplitSentences(text)
	if o.syn == nil || len(sentences) == 0 {
		return nil
	}

	o.StopSpeaking()

	sctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.gen == gen {
			o.cancel = nil
		}
		o.mu.Unlock()
		cancel()
	}()

	var voice *Voice
	if v, ok := SelectVoice(o.syn.Voices(), o.opt.Language); ok {
		voice = &v
	}

	if d := o.opt.Ducker; d != nil {
		if err := d.Duck(sctx); err != nil {
			log.Warn("Failed to duck audio", "err", err)
		}
		defer func() {
			if err := d.Unduck(context.WithoutCancel(ctx)); err != nil {
				log.Warn("Failed to restore audio", "err", err)
			}
		}()
	}

	for i, s := range sentences {
		if sctx.Err() != nil {
			break
		}
		if onChunk != nil {
			onChunk(s, i)
		}

		err := o.syn.Speak(sctx, Utterance{
			Text:   s,
			Lang:   o.opt.Language,
			Voice:  voice,
			Rate:   o.opt.Rate,
			Pitch:  o.opt.Pitch,
			Volume: o.opt.Volume,
		})
		if err != nil && sctx.Err() == nil {
			log.Warn("TTS error, skipping sentence", "idx", i, "err", err)
		}
	}

	return ctx.Err()
}

// StopSpeaking cancels the active Speak, if any.
func (o *Output) StopSpeaking() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
		o.gen++
	}
}
