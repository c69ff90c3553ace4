package stt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"sofie/pkg/audioconv"
)

// WhisperCLI shells out to a whisper.cpp binary for each segment.
type WhisperCLI struct {
	ExecPath  string
	ModelPath string
}

func NewWhisperCLI(execPath, modelPath string) *WhisperCLI {
	return &WhisperCLI{ExecPath: execPath, ModelPath: modelPath}
}

func (s *WhisperCLI) Transcribe(ctx context.Context, pcm []float32, lang string) (string, error) {
	if len(pcm) == 0 {
		return "", ErrNoAudio
	}

	f, err := os.CreateTemp("", "sofie-*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(f.Name())

	err = audioconv.EncodeWAV(f, pcm, audioconv.TargetRate)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}

	args := []string{"-m", s.ModelPath, "-f", f.Name(), "-nt", "-np"}
	if l := PrimaryLanguage(lang); l != "" {
		args = append(args, "-l", l)
	}

	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, s.ExecPath, args...)
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", s.ExecPath, err, strings.TrimSpace(errOut.String()))
	}

	return strings.Join(strings.Fields(out.String()), " "), nil
}
