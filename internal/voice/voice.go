package voice

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrBusy        = errors.New("voice: capture already in progress")
	ErrPermission  = errors.New("voice: microphone permission denied")
	ErrUnavailable = errors.New("voice: engine unavailable")
)

// Recognition error codes reported by engines.
const (
	CodeNoSpeech      = "no-speech"
	CodeAborted       = "aborted"
	CodeNotAllowed    = "not-allowed"
	CodeAudioCapture  = "audio-capture"
	CodeTranscription = "transcription"
)

// RecognitionError is an engine-side failure carried on the result stream.
type RecognitionError struct {
	Code string
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err == nil {
		return "recognition: " + e.Code
	}
	return fmt.Sprintf("recognition: %s: %v", e.Code, e.Err)
}

func (e *RecognitionError) Unwrap() error {
	if e.Code == CodeNotAllowed {
		return ErrPermission
	}
	return e.Err
}

// Benign reports whether the code means "nothing happened" rather than a
// failure worth surfacing.
func (e *RecognitionError) Benign() bool {
	return e.Code == CodeNoSpeech || e.Code == CodeAborted
}

// Recognition is one result from a speech recognition engine. Final text is
// a newly finalized portion, not the cumulative transcript. Activity marks
// speech that is being heard but has no text yet.
type Recognition struct {
	Text     string
	Final    bool
	Activity bool
	Err      *RecognitionError
}

// Recognizer is a speech-to-text engine. Start returns a stream of results
// that the engine closes when it has ended, either on its own, after Stop
// has flushed pending audio, or after Abort.
type Recognizer interface {
	Start(ctx context.Context, lang string) (<-chan Recognition, error)
	// Stop asks the engine to finish the current utterance. It must not block.
	Stop() error
	// Abort ends capture immediately and drops pending results.
	Abort() error
}

// PermissionRequester is implemented by recognizers that need microphone
// access granted before the first capture.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) error
}

type Voice struct {
	Name string
	Lang string
}

type Utterance struct {
	Text   string
	Lang   string
	Voice  *Voice
	Rate   float64
	Pitch  float64
	Volume float64
}

// Synthesizer is a text-to-speech engine. Speak blocks until the utterance
// has been played or ctx is cancelled.
type Synthesizer interface {
	Voices() []Voice
	Speak(ctx context.Context, u Utterance) error
}

// Ducker lowers other audio while speech is playing.
type Ducker interface {
	Duck(ctx context.Context) error
	Unduck(ctx context.Context) error
}
