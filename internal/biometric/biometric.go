// Package biometric produces snapshots of the user's physiological state
// from a webcam, a BLE heart-rate wearable or a manual fallback.
package biometric

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"math"
	"time"

	"sofie/pkg/protocol"
)

type BreathPhase string

const (
	Inhale        BreathPhase = "inhale"
	Hold          BreathPhase = "hold"
	Exhale        BreathPhase = "exhale"
	BreathUnknown BreathPhase = "unknown"
)

type Valence string

const (
	Anxious Valence = "anxious"
	Calm    Valence = "calm"
	Neutral Valence = "neutral"
	Focused Valence = "focused"
)

type Source string

const (
	SourceWebcam   Source = "webcam"
	SourceWearable Source = "wearable_ble"
	SourceManual   Source = "manual"
)

type Method string

const (
	Auto     Method = "auto"
	Webcam   Method = "webcam"
	Wearable Method = "wearable"
	Manual   Method = "manual"
)

var ErrUnknownMethod = errors.New("unknown capture method")

func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case Auto, Webcam, Wearable, Manual:
		return m, nil
	case "":
		return Auto, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

type Snapshot struct {
	PulseRate        *float64
	BreathPhase      BreathPhase
	EmotionalValence Valence
	Timestamp        time.Time
	Source           Source
	Confidence       float64
	DeviceName       string
	RawValue         float64
}

func (s Snapshot) Wire() protocol.Biometric {
	return protocol.Biometric{
		PulseRate:        s.PulseRate,
		BreathPhase:      string(s.BreathPhase),
		EmotionalValence: string(s.EmotionalValence),
		Timestamp:        s.Timestamp.UnixMilli(),
		Source:           string(s.Source),
		Confidence:       s.Confidence,
		DeviceName:       s.DeviceName,
	}
}

// Capturer takes one reading. A nil snapshot with a nil error means the
// source has nothing to report right now.
type Capturer interface {
	Capture(ctx context.Context) (*Snapshot, error)
}

type Options struct {
	// Auto mode accepts a reading only above these confidences.
	WebcamThreshold   float64
	WearableThreshold float64
	Now               func() time.Time
}

func (o *Options) defaults() {
	if o.WebcamThreshold <= 0 {
		o.WebcamThreshold = 0.5
	}
	if o.WearableThreshold <= 0 {
		o.WearableThreshold = 0.7
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Adapter picks a capture strategy. Either source may be nil.
type Adapter struct {
	webcam   Capturer
	wearable Capturer
	opt      Options
}

func NewAdapter(webcam, wearable Capturer, opt Options) *Adapter {
	opt.defaults()
	return &Adapter{webcam: webcam, wearable: wearable, opt: opt}
}

// Capture never fails in auto and manual mode; it falls back to a manual
// snapshot. Explicit webcam or wearable requests return nil when the source
// has no reading.
func (a *Adapter) Capture(ctx context.Context, method Method) (*Snapshot, error) {
	switch method {
	case Webcam:
		return capture(ctx, a.webcam, "webcam")
	case Wearable:
		return capture(ctx, a.wearable, "wearable")
	case Manual:
		s := ManualSnapshot(a.opt.Now())
		return &s, nil
	case Auto, "":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	if s, err := capture(ctx, a.webcam, "webcam"); err == nil && s != nil && s.Confidence > a.opt.WebcamThreshold {
		return s, nil
	}
	if s, err := capture(ctx, a.wearable, "wearable"); err == nil && s != nil && s.Confidence > a.opt.WearableThreshold {
		return s, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := ManualSnapshot(a.opt.Now())
	return &s, nil
}

func capture(ctx context.Context, c Capturer, name string) (*Snapshot, error) {
	if c == nil {
		return nil, nil
	}
	s, err := c.Capture(ctx)
	if err != nil {
		log.Debug("Biometric capture failed", "source", name, "err", err)
		return nil, fmt.Errorf("%s capture: %w", name, err)
	}
	return s, nil
}

// ManualSnapshot is the no-sensor reading: unknown pulse, zero confidence.
func ManualSnapshot(now time.Time) Snapshot {
	return Snapshot{
		BreathPhase:      BreathUnknown,
		EmotionalValence: Neutral,
		Timestamp:        now,
		Source:           SourceManual,
	}
}

const breathCycle = 4 * time.Second

// EstimateBreathPhase assumes a fixed four second breathing cycle.
func EstimateBreathPhase(t time.Time) BreathPhase {
	pos := float64(t.UnixMilli()%breathCycle.Milliseconds()) / float64(breathCycle.Milliseconds())
	switch {
	case pos < 0.4:
		return Inhale
	case pos < 0.5:
		return Hold
	case pos < 0.9:
		return Exhale
	default:
		return Hold
	}
}

func EstimateValence(hr float64) Valence {
	switch {
	case hr <= 0:
		return Neutral
	case hr > 100:
		return Anxious
	case hr < 60:
		return Calm
	case hr >= 70 && hr <= 80:
		return Focused
	default:
		return Neutral
	}
}

// HRFromBrightness maps an average channel value (0..255) onto 60..100 bpm.
func HRFromBrightness(b float64) float64 {
	return math.Round(60 + (b/255)*40)
}

func snapshotFor(hr float64, now time.Time, src Source, confidence float64) *Snapshot {
	return &Snapshot{
		PulseRate:        &hr,
		BreathPhase:      EstimateBreathPhase(now),
		EmotionalValence: EstimateValence(hr),
		Timestamp:        now,
		Source:           src,
		Confidence:       confidence,
	}
}
