package biometric

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// BrightnessSampler returns the average green value (0..255) of the
// centre of one camera frame.
type BrightnessSampler interface {
	SampleGreen(ctx context.Context) (float64, error)
}

const webcamConfidence = 0.4

// WebcamSource is a rough single-frame photoplethysmography estimate.
type WebcamSource struct {
	Sampler BrightnessSampler
	Now     func() time.Time
}

func NewWebcamSource(s BrightnessSampler) *WebcamSource {
	return &WebcamSource{Sampler: s, Now: time.Now}
}

func (w *WebcamSource) Capture(ctx context.Context) (*Snapshot, error) {
	green, err := w.Sampler.SampleGreen(ctx)
	if err != nil {
		return nil, err
	}
	s := snapshotFor(HRFromBrightness(green), w.Now(), SourceWebcam, webcamConfidence)
	s.RawValue = green
	return s, nil
}

// FFmpegSampler grabs one frame from a V4L2 device with ffmpeg and
// averages a Size x Size patch at its centre.
type FFmpegSampler struct {
	Device string
	Size   int
}

func (f FFmpegSampler) SampleGreen(ctx context.Context) (float64, error) {
	size := f.Size
	if size <= 0 {
		size = 50
	}
	crop := "crop=" + strconv.Itoa(size) + ":" + strconv.Itoa(size)

	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-loglevel", "error",
		"-f", "v4l2", "-i", f.Device,
		"-frames:v", "1",
		"-vf", crop,
		"-pix_fmt", "rgb24", "-f", "rawvideo", "-",
	)
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffmpeg %s: %w: %s", f.Device, err, bytes.TrimSpace(errOut.Bytes()))
	}
	return meanGreen(out.Bytes())
}

var errNoPixels = errors.New("empty frame")

// meanGreen averages the G channel of packed rgb24 pixels.
func meanGreen(rgb []byte) (float64, error) {
	n := len(rgb) / 3
	if n == 0 {
		return 0, errNoPixels
	}
	var total int
	for i := 0; i < n; i++ {
		total += int(rgb[3*i+1])
	}
	return float64(total) / float64(n), nil
}
