package audio

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"sofie/internal/voice"
)

var ErrNoInputDevice = errors.New("no default input device")

// Microphone streams the default input device as mono frames at
// voice.SampleRate. Init must be called once before use.
type Microphone struct {
	FrameSize int

	mu   sync.Mutex
	open bool
}

func NewMicrophone() *Microphone { return &Microphone{FrameSize: 320} } // 20ms

func (m *Microphone) Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	return nil
}

func (m *Microphone) Close() {
	portaudio.Terminate()
}

// RequestPermission checks that an input device is present and usable.
func (m *Microphone) RequestPermission(context.Context) error {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoInputDevice, err)
	}
	if dev == nil || dev.MaxInputChannels < 1 {
		return ErrNoInputDevice
	}
	return nil
}

func (m *Microphone) Frames(ctx context.Context) (<-chan []float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil, voice.ErrBusy
	}

	buf := make([]float32, m.FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(voice.SampleRate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	m.open = true

	out := make(chan []float32, 32)
	go func() {
		defer func() {
			stream.Stop()
			stream.Close()
			m.mu.Lock()
			m.open = false
			m.mu.Unlock()
			close(out)
		}()

		for ctx.Err() == nil {
			if err := stream.Read(); err != nil {
				if errors.Is(err, portaudio.InputOverflowed) {
					continue
				}
				log.Error("Microphone read failed", "err", err)
				return
			}

			frame := make([]float32, len(buf))
			copy(frame, buf)
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
