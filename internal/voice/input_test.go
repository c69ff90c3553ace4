package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"sofie/pkg/util"
)

func TestInputFinalIsCumulative(t *testing.T) {
	rec := &fakeRecognizer{}
	in := NewInput(rec, InputOptions{SilenceTimeout: time.Minute})

	events, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec.push(Recognition{Text: "hel"})
	rec.push(Recognition{Text: "hello", Final: true})
	rec.push(Recognition{Text: " world ", Final: true})

	want := []Event{
		{Kind: Interim, Text: "hel"},
		{Kind: Final, Text: "hello"},
		{Kind: Final, Text: "hello world"},
	}
	for i, w := range want {
		got := nextEvent(t, events)
		if got.Kind != w.Kind || got.Text != w.Text {
			t.Fatalf("event %d = %v %q, want %v %q", i, got.Kind, got.Text, w.Kind, w.Text)
		}
	}

	if got := in.StopRecording(); got != "hello world" {
		t.Fatalf("StopRecording = %q", got)
	}
	if in.Recording() {
		t.Fatal("still recording after stop")
	}
}

func TestInputSilenceWithoutSpeech(t *testing.T) {
	rec := &fakeRecognizer{}
	in := NewInput(rec, InputOptions{SilenceTimeout: 20 * time.Millisecond, StopTimeout: time.Second})

	events, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if ev := nextEvent(t, events); ev.Kind != Silence {
		t.Fatalf("got %v, want silence", ev.Kind)
	}
	if got := in.StopRecording(); got != "" {
		t.Fatalf("StopRecording = %q, want empty", got)
	}
	if rec.stops != 1 {
		t.Fatalf("recognizer stopped %d times", rec.stops)
	}
}

func TestStopRecordingIsBounded(t *testing.T) {
	rec := &fakeRecognizer{hang: true}
	const stopTimeout = 50 * time.Millisecond
	in := NewInput(rec, InputOptions{SilenceTimeout: time.Minute, StopTimeout: stopTimeout})

	events, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.push(Recognition{Text: "still here", Final: true})
	nextEvent(t, events)

	start := time.Now()
	got := in.StopRecording()
	elapsed := time.Since(start)

	if got != "still here" {
		t.Fatalf("StopRecording = %q", got)
	}
	if elapsed < stopTimeout || elapsed > stopTimeout+500*time.Millisecond {
		t.Fatalf("StopRecording took %v", elapsed)
	}

	// A late end from the engine must not leak anything.
	rec.push(Recognition{Text: "late", Final: true})
	rec.end()
	for _, ev := range drained(t, events) {
		t.Fatalf("unexpected event after stop: %v %q", ev.Kind, ev.Text)
	}
}

func TestInputBusy(t *testing.T) {
	rec := &fakeRecognizer{}
	in := NewInput(rec, InputOptions{SilenceTimeout: time.Minute})

	if _, err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := in.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
	in.Abort()
}

func TestInputPermissionDenied(t *testing.T) {
	rec := &fakeRecognizer{permErr: errors.New("denied by user")}
	in := NewInput(rec, InputOptions{SilenceTimeout: time.Minute})

	if _, err := in.Start(context.Background()); !errors.Is(err, ErrPermission) {
		t.Fatalf("Start = %v, want ErrPermission", err)
	}
	if in.Recording() {
		t.Fatal("recording after permission failure")
	}

	rec.permErr = nil
	if _, err := in.Start(context.Background()); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	in.Abort()
}

func TestInputUnavailable(t *testing.T) {
	in := NewInput(nil, InputOptions{})
	if _, err := in.Start(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Start = %v, want ErrUnavailable", err)
	}
}

func TestInputErrors(t *testing.T) {
	rec := &fakeRecognizer{}
	in := NewInput(rec, InputOptions{SilenceTimeout: time.Minute})

	events, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec.push(Recognition{Err: &RecognitionError{Code: CodeNoSpeech}})
	rec.push(Recognition{Err: &RecognitionError{Code: CodeAborted}})
	rec.push(Recognition{Err: &RecognitionError{Code: CodeNotAllowed}})

	ev := nextEvent(t, events)
	if ev.Kind != Error {
		t.Fatalf("got %v, want error", ev.Kind)
	}
	if !errors.Is(ev.Err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", ev.Err)
	}
	in.Abort()
}

func TestInputAbortDiscards(t *testing.T) {
	rec := &fakeRecognizer{}
	in := NewInput(rec, InputOptions{SilenceTimeout: time.Minute})

	events, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.push(Recognition{Text: "first", Final: true})
	nextEvent(t, events)

	in.Abort()
	in.Abort()

	drained(t, events)
	if got := in.StopRecording(); got != "" {
		t.Fatalf("StopRecording after abort = %q", got)
	}
	if rec.aborts != 1 {
		t.Fatalf("recognizer aborted %d times", rec.aborts)
	}
}

func TestInputEngineEndsOnItsOwn(t *testing.T) {
	rec := &fakeRecognizer{}
	in := NewInput(rec, InputOptions{SilenceTimeout: time.Minute})

	events, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.push(Recognition{Text: "done", Final: true})
	rec.end()

	got := drained(t, events)
	if len(got) != 1 || got[0].Text != "done" {
		t.Fatalf("events = %v", got)
	}
	if in.Recording() {
		t.Fatal("still recording after engine end")
	}
	if text := in.StopRecording(); text != "done" {
		t.Fatalf("StopRecording = %q", text)
	}
}

func TestInputPauseHoldsSilence(t *testing.T) {
	rec := &fakeRecognizer{}
	in := NewInput(rec, InputOptions{SilenceTimeout: 20 * time.Millisecond})

	events, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	in.Pause()

	select {
	case ev := <-events:
		t.Fatalf("unexpected %v while paused", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	in.Resume()
	if ev := nextEvent(t, events); ev.Kind != Silence {
		t.Fatalf("got %v, want silence", ev.Kind)
	}
	in.Abort()
}

func TestEventKindString(t *testing.T) {
	var got []string
	for _, k := range []EventKind{Interim, Final, Silence, Error} {
		got = append(got, k.String())
	}
	want := []string{"interim", "final", "silence", "error"}
	if !util.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTimedOutStopReleasesRecognizer(t *testing.T) {
	rec := &fakeRecognizer{hang: true}
	in := NewInput(rec, InputOptions{SilenceTimeout: time.Minute, StopTimeout: 20 * time.Millisecond})

	if _, err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	in.StopRecording()

	rec.mu.Lock()
	aborts := rec.aborts
	rec.mu.Unlock()
	if aborts != 1 {
		t.Fatalf("recognizer aborted %d times after a timed-out stop", aborts)
	}

	if _, err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start after timed-out stop: %v", err)
	}
	in.Abort()
}

func TestActivityResetsSilenceWithoutEvents(t *testing.T) {
	rec := &fakeRecognizer{}
	in := NewInput(rec, InputOptions{SilenceTimeout: 80 * time.Millisecond})

	events, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	for i := 0; i < 6; i++ {
		rec.push(Recognition{Activity: true})
		time.Sleep(40 * time.Millisecond)
	}

	ev := nextEvent(t, events)
	if ev.Kind != Silence {
		t.Fatalf("got %v %q, want silence only", ev.Kind, ev.Text)
	}
	if elapsed := time.Since(start); elapsed < 240*time.Millisecond {
		t.Fatalf("silence after %v despite ongoing activity", elapsed)
	}
	in.Abort()
}
