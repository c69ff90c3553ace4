package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

const outputRate = beep.SampleRate(44100)

// Player owns the speaker. Sounds are resampled to one output rate so the
// speaker is initialised only once.
type Player struct {
	mu     sync.Mutex
	inited bool
}

func NewPlayer() *Player { return &Player{} }

func (p *Player) init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inited {
		return nil
	}
	if err := speaker.Init(outputRate, outputRate.N(time.Second/10)); err != nil {
		return fmt.Errorf("speaker init: %w", err)
	}
	p.inited = true
	return nil
}

// Play blocks until s is exhausted or ctx is done; in the latter case
// playback is cut immediately.
func (p *Player) Play(ctx context.Context, s beep.Streamer, rate beep.SampleRate) error {
	if err := p.init(); err != nil {
		return err
	}
	if rate != outputRate {
		s = beep.Resample(3, rate, outputRate, s)
	}

	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(s, beep.Callback(func() { close(done) }))}
	speaker.Play(ctrl)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
		return ctx.Err()
	}
}

// PlayPCM plays mono float32 samples.
func (p *Player) PlayPCM(ctx context.Context, pcm []float32, sampleRate int) error {
	if len(pcm) == 0 {
		return nil
	}
	return p.Play(ctx, &monoStreamer{pcm: pcm}, beep.SampleRate(sampleRate))
}

type monoStreamer struct {
	pcm []float32
	pos int
}

func (m *monoStreamer) Stream(samples [][2]float64) (int, bool) {
	if m.pos >= len(m.pcm) {
		return 0, false
	}
	n := copy2(samples, m.pcm[m.pos:])
	m.pos += n
	return n, true
}

func (m *monoStreamer) Err() error { return nil }

func copy2(dst [][2]float64, src []float32) int {
	n := min(len(dst), len(src))
	for i := range n {
		v := float64(src[i])
		dst[i][0], dst[i][1] = v, v
	}
	return n
}
