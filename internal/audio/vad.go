package audio

import "math"

// DefaultSpeechRMS is the level above which a frame counts as speech.
const DefaultSpeechRMS = 0.015

// RMSDetector is an energy based voice activity detector.
type RMSDetector struct {
	Threshold float64
}

func (d RMSDetector) Speech(frame []float32) bool {
	th := d.Threshold
	if th <= 0 {
		th = DefaultSpeechRMS
	}
	return frameRMS(frame) > th
}

func frameRMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s / float64(len(f)))
}
