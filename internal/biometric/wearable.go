package biometric

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"strings"
	"sync"
	"time"
)

var ErrShortMeasurement = errors.New("heart rate measurement too short")

// ParseHeartRate decodes a BLE Heart Rate Measurement characteristic
// value. Bit 0 of the flags byte selects a uint8 or little-endian uint16
// heart rate.
func ParseHeartRate(value []byte) (int, error) {
	if len(value) < 2 {
		return 0, ErrShortMeasurement
	}
	if value[0]&0x1 == 0 {
		return int(value[1]), nil
	}
	if len(value) < 3 {
		return 0, ErrShortMeasurement
	}
	return int(value[1]) | int(value[2])<<8, nil
}

// ParseNotification extracts the value bytes from a gatttool style
// notification line, e.g.
//
//	Notification handle = 0x000f value: 16 4c 03
func ParseNotification(line string) ([]byte, bool) {
	_, after, ok := strings.Cut(line, "value:")
	if !ok {
		return nil, false
	}
	b, err := hex.DecodeString(strings.Join(strings.Fields(after), ""))
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

const wearableConfidence = 0.9

// WearableSource keeps the latest heart rate pushed by a BLE monitor.
type WearableSource struct {
	DeviceName string
	// Settle is how long Capture waits for a fresh notification.
	Settle time.Duration
	Now    func() time.Time

	mu   sync.Mutex
	last int
}

func NewWearableSource(device string) *WearableSource {
	return &WearableSource{DeviceName: device, Settle: time.Second, Now: time.Now}
}

// Notify records one Heart Rate Measurement value.
func (w *WearableSource) Notify(value []byte) error {
	hr, err := ParseHeartRate(value)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.last = hr
	w.mu.Unlock()
	return nil
}

// Follow reads notification lines from r until EOF or ctx is done.
func (w *WearableSource) Follow(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		value, ok := ParseNotification(sc.Text())
		if !ok {
			continue
		}
		if err := w.Notify(value); err != nil {
			log.Debug("Bad heart rate notification", "line", sc.Text(), "err", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read notifications: %w", err)
	}
	return nil
}

func (w *WearableSource) Capture(ctx context.Context) (*Snapshot, error) {
	if w.Settle > 0 {
		t := time.NewTimer(w.Settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	w.mu.Lock()
	hr := w.last
	w.mu.Unlock()
	if hr <= 0 {
		return nil, nil
	}

	s := snapshotFor(float64(hr), w.Now(), SourceWearable, wearableConfidence)
	s.DeviceName = w.DeviceName
	return s, nil
}
