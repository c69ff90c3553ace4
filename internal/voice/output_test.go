package voice

import (
	"context"
	"testing"
	"time"

	"sofie/pkg/util"
)

func TestSpeakInOrder(t *testing.T) {
	syn := newSynth()
	out := NewOutput(syn, OutputOptions{})

	type chunk struct {
		s   string
		idx int
	}
	var chunks []chunk
	err := out.Speak(context.Background(), "Hello there. How are you? Fine!", func(s string, idx int) {
		chunks = append(chunks, chunk{s, idx})
	})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	want := []string{"Hello there.", "How are you?", "Fine!"}
	if got := syn.texts(); !util.Equal(got, want) {
		t.Fatalf("spoken %q, want %q", got, want)
	}
	for i, c := range chunks {
		if c.idx != i || c.s != want[i] {
			t.Fatalf("chunk %d = %+v", i, c)
		}
	}
	if out.Speaking() {
		t.Fatal("still speaking after Speak returned")
	}
}

func TestSpeakBlankIsNoop(t *testing.T) {
	syn := newSynth()
	out := NewOutput(syn, OutputOptions{})

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := out.Speak(context.Background(), text, nil); err != nil {
			t.Fatalf("Speak(%q): %v", text, err)
		}
	}
	if got := syn.texts(); len(got) != 0 {
		t.Fatalf("spoke %q", got)
	}
}

func TestStopSpeakingDropsQueue(t *testing.T) {
	syn := newSynth()
	syn.block["One."] = true
	out := NewOutput(syn, OutputOptions{})

	done := make(chan error, 1)
	go func() { done <- out.Speak(context.Background(), "One. Two. Three.", nil) }()

	select {
	case <-syn.started:
	case <-time.After(waitFor):
		t.Fatal("speech never started")
	}

	out.StopSpeaking()
	out.StopSpeaking()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Speak: %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Speak did not return after StopSpeaking")
	}

	if got := syn.texts(); !util.Equal(got, []string{"One."}) {
		t.Fatalf("spoken %q", got)
	}
}

func TestNewSpeakCancelsPrevious(t *testing.T) {
	syn := newSynth()
	syn.block["Long."] = true
	out := NewOutput(syn, OutputOptions{})

	first := make(chan error, 1)
	go func() { first <- out.Speak(context.Background(), "Long. Never said.", nil) }()
	<-syn.started

	if err := out.Speak(context.Background(), "Short.", nil); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first Speak: %v", err)
	}

	if got := syn.texts(); !util.Equal(got, []string{"Long.", "Short."}) {
		t.Fatalf("spoken %q", got)
	}
}

func TestSpeakSkipsFailedSentence(t *testing.T) {
	syn := newSynth()
	syn.fail["Broken."] = true
	out := NewOutput(syn, OutputOptions{})

	if err := out.Speak(context.Background(), "Fine. Broken. After.", nil); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := syn.texts(); !util.Equal(got, []string{"Fine.", "Broken.", "After."}) {
		t.Fatalf("spoken %q", got)
	}
}

func TestSpeakDucksAndRestores(t *testing.T) {
	syn := newSynth()
	d := &fakeDucker{}
	out := NewOutput(syn, OutputOptions{Ducker: d})

	if err := out.Speak(context.Background(), "Quiet please.", nil); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if !util.Equal(d.calls, []string{"duck", "unduck"}) {
		t.Fatalf("ducker calls %v", d.calls)
	}
}

func TestSpeakUsesSelectedVoice(t *testing.T) {
	syn := newSynth()
	syn.voices = []Voice{{Name: "espeak-de", Lang: "de"}, {Name: "english", Lang: "en-GB"}}
	out := NewOutput(syn, OutputOptions{Language: "en-US"})

	if err := out.Speak(context.Background(), "Hi.", nil); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := syn.said[0].voice; got != "english" {
		t.Fatalf("voice = %q", got)
	}
}

func TestStopSpeakingIdle(t *testing.T) {
	out := NewOutput(newSynth(), OutputOptions{})
	out.StopSpeaking()
	if out.Speaking() {
		t.Fatal("speaking after idle stop")
	}
}
