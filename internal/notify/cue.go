// Package notify gives audible and desktop feedback when the assistant
// starts listening.
package notify

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/vorbis"
	"github.com/faiface/beep/wav"
)

var ErrUnsupportedCue = errors.New("unsupported cue format")

// Player plays a beep stream to completion.
type Player interface {
	Play(ctx context.Context, s beep.Streamer, rate beep.SampleRate) error
}

// Cue plays a short sound file and optionally pops a desktop notification.
type Cue struct {
	Path    string
	Player  Player
	Desktop bool
}

// Listening signals that capture has started. Failures are logged, never
// returned: a missing cue must not stop the conversation.
func (c *Cue) Listening(ctx context.Context) {
	if c == nil {
		return
	}
	if c.Desktop {
		if err := Desktop(ctx, "Sofie", "Listening..."); err != nil {
			log.Debug("Desktop notification failed", "err", err)
		}
	}
	if c.Path == "" || c.Player == nil {
		return
	}
	if err := c.play(ctx); err != nil {
		log.Warn("Failed to play cue", "path", c.Path, "err", err)
	}
}

func (c *Cue) play(ctx context.Context) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	s, format, err := decode(f, c.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	return c.Player.Play(ctx, s, format.SampleRate)
}

func decode(f *os.File, path string) (beep.StreamSeekCloser, beep.Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return mp3.Decode(f)
	case ".wav":
		return wav.Decode(f)
	case ".ogg", ".oga":
		return vorbis.Decode(f)
	}
	return nil, beep.Format{}, fmt.Errorf("%w: %s", ErrUnsupportedCue, path)
}

// Desktop sends a notification through notify-send when it is installed.
func Desktop(ctx context.Context, title, body string) error {
	bin, err := exec.LookPath("notify-send")
	if err != nil {
		return err
	}
	return exec.CommandContext(ctx, bin, "-a", "sofie", title, body).Run()
}
