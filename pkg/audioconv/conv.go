package audioconv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

// TargetRate is the sample rate every decoder resamples to.
const TargetRate = 16000

type Format string

const (
	WAV  Format = "wav"
	MP3  Format = "mp3"
	OGG  Format = "ogg" // vorbis, then opus
	Opus Format = "opus"
)

var ErrUnsupported = errors.New("unsupported audio format")

type Options struct {
	MaxSamples int
}

// FormatOf guesses a format from a file extension, falling back to the
// first bytes of the stream.
func FormatOf(path string, head []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return WAV, nil
	case ".mp3":
		return MP3, nil
	case ".ogg", ".oga":
		return OGG, nil
	case ".opus":
		return Opus, nil
	}
	switch {
	case bytes.HasPrefix(head, []byte("RIFF")):
		return WAV, nil
	case bytes.HasPrefix(head, []byte("OggS")):
		return OGG, nil
	case bytes.HasPrefix(head, []byte("ID3")), len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return MP3, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, path)
}

func ConvertFileToPCM16k(_ context.Context, path string, opt Options) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head, _ := bufio.NewReader(f).Peek(4)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	format, err := FormatOf(path, head)
	if err != nil {
		return nil, err
	}
	return Decode(f, format, opt)
}

// Decode reads a whole stream of the given format into mono PCM at
// TargetRate.
func Decode(r io.Reader, format Format, opt Options) ([]float32, error) {
	var (
		pcm []float32
		err error
	)
	switch format {
	case WAV:
		pcm, err = decodeWAVTo16k(seeker(r))
	case MP3:
		pcm, err = decodeMP3To16k(r)
	case Opus:
		pcm, err = decodeOggOpusTo16k(r)
	case OGG:
		rs := seeker(r)
		pcm, err = decodeOggVorbisTo16k(rs)
		if err != nil {
			if _, serr := rs.Seek(0, io.SeekStart); serr != nil {
				return nil, serr
			}
			var oerr error
			if pcm, oerr = decodeOggOpusTo16k(rs); oerr != nil {
				return nil, fmt.Errorf("ogg is neither vorbis (%v) nor opus: %w", err, oerr)
			}
			err = nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}

	if opt.MaxSamples > 0 && len(pcm) > opt.MaxSamples {
		pcm = pcm[:opt.MaxSamples]
	}
	return pcm, nil
}

// seeker buffers r in memory unless it can already seek.
func seeker(r io.Reader) io.ReadSeeker {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return &failingReader{err: err}
	}
	return bytes.NewReader(b)
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error)       { return 0, f.err }
func (f *failingReader) Seek(int64, int) (int64, error) { return 0, f.err }

func decodeWAVTo16k(r io.ReadSeeker) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav")
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if pb == nil || pb.Data == nil {
		return nil, errors.New("empty wav")
	}

	bd := int(dec.BitDepth)
	if bd == 0 {
		bd = 16
	}
	ch, sr := 1, 44100
	if pb.Format != nil {
		ch = max(pb.Format.NumChannels, 1)
		if pb.Format.SampleRate > 0 {
			sr = pb.Format.SampleRate
		}
	}
	return toTarget(intSliceToFloat32(pb.Data, bd), ch, sr), nil
}

func decodeMP3To16k(r io.Reader) ([]float32, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}
	ints := make([]int16, len(raw)/2)
	if err := binary.Read(bytes.NewReader(raw[:len(ints)*2]), binary.LittleEndian, &ints); err != nil {
		return nil, err
	}

	sr := dec.SampleRate()
	if sr <= 0 {
		sr = 44100
	}
	// go-mp3 always decodes to interleaved stereo.
	return toTarget(int16SliceToFloat32(ints), 2, sr), nil
}

func decodeOggVorbisTo16k(r io.Reader) ([]float32, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, errors.New("invalid ogg/vorbis stream")
	}
	return toTarget(pcm, format.Channels, format.SampleRate), nil
}

func decodeOggOpusTo16k(r io.Reader) ([]float32, error) {
	dec, err := popus.NewDecoder(seeker(r))
	if err != nil {
		return nil, err
	}
	defer dec.Destroy()

	ch := max(dec.ChannelCount(), 1)

	// Opus always decodes at 48 kHz; read ~0.5s at a time.
	var (
		pcm48 []float32
		buf   = make([]int16, 48_000*ch/2)
	)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			pcm48 = append(pcm48, int16SliceToFloat32(buf[:n*ch])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(pcm48) == 0 {
		return nil, nil
	}
	return toTarget(pcm48, ch, 48000), nil
}

func toTarget(pcm []float32, channels, rate int) []float32 {
	return resampleLinear(downmixInterleaved(pcm, channels), rate, TargetRate)
}

// helpers

func intSliceToFloat32(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	for i, v := range data {
		out[i] = float32(clamp(float64(v)*scale, -1.0, 1.0))
	}
	return out
}

func int16SliceToFloat32(data []int16) []float32 {
	out := make([]float32, len(data))
	const scale = 1.0 / 32768.0
	for i, v := range data {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

func downmixInterleaved(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	nFrames := len(in) / channels
	out := make([]float32, nFrames)
	for i := 0; i < nFrames; i++ {
		sum := 0.0
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += float64(in[base+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

func resampleLinear(in []float32, inSR, outSR int) []float32 {
	if inSR == outSR || len(in) == 0 {
		return in
	}
	ratio := float64(outSR) / float64(inSR)
	outN := int(math.Ceil(float64(len(in)) * ratio))
	out := make([]float32, outN)
	for i := 0; i < outN; i++ {
		src := float64(i) / ratio
		i0 := int(math.Floor(src))
		i1 := i0 + 1
		if i0 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		if i1 >= len(in) {
			out[i] = in[i0]
			continue
		}
		a := float32(src - float64(i0))
		out[i] = in[i0]*(1-a) + in[i1]*a
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
