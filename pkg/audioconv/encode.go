package audioconv

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV writes mono pcm as 16-bit PCM WAV.
func EncodeWAV(w io.WriteSeeker, pcm []float32, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(pcm)),
		SourceBitDepth: 16,
	}
	for i, x := range pcm {
		buf.Data[i] = int(math.Round(clamp(float64(x), -1, 1) * math.MaxInt16))
	}

	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav: %w", err)
	}
	return nil
}

// WAVBytes is EncodeWAV into memory.
func WAVBytes(pcm []float32, sampleRate int) ([]byte, error) {
	var m memFile
	if err := EncodeWAV(&m, pcm, sampleRate); err != nil {
		return nil, err
	}
	return m.buf, nil
}

// Resample converts mono pcm between sample rates.
func Resample(pcm []float32, from, to int) []float32 {
	return resampleLinear(pcm, from, to)
}

// PCM16 converts little-endian signed 16-bit mono samples.
func PCM16(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		v := int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out
}

// memFile is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += n
	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = m.pos
	case io.SeekEnd:
		base = len(m.buf)
	default:
		return 0, errors.New("memFile: bad whence")
	}
	pos := base + int(offset)
	if pos < 0 {
		return 0, errors.New("memFile: negative position")
	}
	m.pos = pos
	return int64(pos), nil
}
