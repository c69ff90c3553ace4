package audio

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	percentRe = regexp.MustCompile(`(\d+)\s*%`)
)

type streamInfo struct {
	ID      int
	Volume  int
	AppName string
}

type fadeTarget struct {
	id   int
	from int
	to   int
}

// Ducker fades every PulseAudio sink input except our own (matched by
// application.name) down while the assistant speaks and back up after.
type Ducker struct {
	// Factor applied to other streams' volume by Duck.
	Factor float64
	// Fade is how long Duck and Unduck take.
	Fade time.Duration

	mu          sync.Mutex
	active      bool
	selfNames   []string
	originalVol map[int]int // sink input id -> volume % before ducking
	minVolume   int
}

func NewDucker(selfNames []string, minVolume int) *Ducker {
	if minVolume < 0 {
		minVolume = 0
	}
	if minVolume > 150 {
		minVolume = 150
	}

	d := &Ducker{
		Factor:      0.3,
		Fade:        200 * time.Millisecond,
		selfNames:   append([]string(nil), selfNames...),
		originalVol: make(map[int]int),
		minVolume:   minVolume,
	}

	return d
}

// Duck lowers other streams with the configured factor and fade.
func (d *Ducker) Duck(ctx context.Context) error {
	return d.DuckOthers(ctx, d.Factor, d.Fade)
}

func (d *Ducker) Unduck(ctx context.Context) error {
	return d.UnduckOthers(ctx, d.Fade)
}

// DuckOthers fades other streams to current*factor, never below minVolume.
func (d *Ducker) DuckOthers(ctx context.Context, factor float64, duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		return nil
	}

	streams, err := listStreams(ctx)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}

	targets, original := d.planDuck(streams, factor)
	d.originalVol = original
	if err := fadeInputs(ctx, targets, duration); err != nil {
		return err
	}
	d.active = true
	return nil
}

// UnduckOthers fades ducked streams back to where they were.
func (d *Ducker) UnduckOthers(ctx context.Context, duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return nil
	}

	streams, err := listStreams(ctx)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}

	if err := fadeInputs(ctx, d.planUnduck(streams), duration); err != nil {
		return err
	}
	d.originalVol = make(map[int]int)
	d.active = false
	return nil
}

func (d *Ducker) planDuck(streams []streamInfo, factor float64) ([]fadeTarget, map[int]int) {
	original := make(map[int]int)
	var targets []fadeTarget

	for _, s := range streams {
		if slices.Contains(d.selfNames, s.AppName) {
			continue
		}
		to := math.Round(float64(s.Volume) * factor)
		to = math.Min(math.Max(to, float64(d.minVolume)), 150)

		original[s.ID] = s.Volume
		targets = append(targets, fadeTarget{id: s.ID, from: s.Volume, to: int(to)})
	}
	return targets, original
}

// planUnduck restores streams seen by Duck; streams that appeared since
// are left alone.
func (d *Ducker) planUnduck(streams []streamInfo) []fadeTarget {
	var targets []fadeTarget
	for _, s := range streams {
		if slices.Contains(d.selfNames, s.AppName) {
			continue
		}
		if orig, ok := d.originalVol[s.ID]; ok {
			targets = append(targets, fadeTarget{id: s.ID, from: s.Volume, to: orig})
		}
	}
	return targets
}

func (t fadeTarget) at(frac float64) int {
	return int(math.Round(float64(t.from) + float64(t.to-t.from)*frac))
}

const fadeStep = 10 * time.Millisecond

// fadeInputs steps every target from its start to its end volume.
func fadeInputs(ctx context.Context, targets []fadeTarget, duration time.Duration) error {
	if len(targets) == 0 {
		return nil
	}

	steps := max(int(duration/fadeStep), 1)
	if duration <= 0 {
		steps = 0
	}

	for i := 0; i <= steps; i++ {
		frac := 1.0
		if steps > 0 {
			frac = float64(i) / float64(steps)
		}
		for _, t := range targets {
			if err := setSinkInputVolume(ctx, t.id, t.at(frac)); err != nil {
				return fmt.Errorf("set volume id=%d: %w", t.id, err)
			}
		}
		if i == steps {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(duration / time.Duration(steps)):
		}
	}
	return nil
}

func listStreams(ctx context.Context) ([]streamInfo, error) {
	out, err := exec.CommandContext(ctx, "pactl", "list", "sink-inputs").Output()
	if err != nil {
		return nil, fmt.Errorf("pactl list sink-inputs: %w", err)
	}
	return parseSinkInputs(string(out)), nil
}

// parseSinkInputs reads the id, first volume percentage and
// application.name of every block in `pactl list sink-inputs` output.
func parseSinkInputs(text string) []streamInfo {
	parts := strings.Split(text, "Sink Input #")
	if len(parts) <= 1 {
		return nil
	}

	var res []streamInfo
	for _, block := range parts[1:] {
		newline := strings.IndexByte(block, '\n')
		if newline <= 0 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(block[:newline]))
		if err != nil {
			continue
		}

		s := streamInfo{ID: id}
		for _, line := range strings.Split(block[newline+1:], "\n") {
			line = strings.TrimSpace(line)

			if strings.HasPrefix(line, "Volume:") && s.Volume == 0 {
				if m := percentRe.FindStringSubmatch(line); len(m) >= 2 {
					if v, err := strconv.Atoi(m[1]); err == nil {
						s.Volume = v
					}
				}
			}

			if name, ok := strings.CutPrefix(line, "application.name ="); ok && s.AppName == "" {
				s.AppName = strings.Trim(strings.TrimSpace(name), `"`)
			}
		}

		if s.Volume == 0 && s.AppName == "" {
			continue
		}
		res = append(res, s)
	}
	return res
}

func setSinkInputVolume(ctx context.Context, id int, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 150 {
		percent = 150
	}

	return exec.CommandContext(ctx, "pactl", "set-sink-input-volume", strconv.Itoa(id), fmt.Sprintf("%d%%", percent)).Run()
}
