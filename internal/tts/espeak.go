package tts

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <string.h>
#include <espeak-ng/speak_lib.h>

static int
sofie_init(void)
{
	return espeak_Initialize(AUDIO_OUTPUT_PLAYBACK, 500, NULL, 0);
}

static int
sofie_voice(const char *name, const char *lang)
{
	if (name && *name)
	{ return espeak_SetVoiceByName(name); }

	espeak_VOICE specs;
	memset(&specs, 0, sizeof specs);
	specs.languages = lang;
	return espeak_SetVoiceByProperties(&specs);
}

static int
sofie_say(const char *text, int rate, int pitch, int volume)
{
	if (!text)
	{ return -1; }

	espeak_SetParameter(espeakRATE, rate, 0);
	espeak_SetParameter(espeakPITCH, pitch, 0);
	espeak_SetParameter(espeakVOLUME, volume, 0);

	espeak_ERROR rc = espeak_Synth(text, strlen(text) + 1, 0, POS_CHARACTER, 0, espeakCHARS_AUTO, NULL, NULL);
	if (rc != EE_OK)
	{ return rc; }

	return espeak_Synchronize();
}

static void
sofie_cancel(void)
{
	espeak_Cancel();
}

static const espeak_VOICE *
sofie_voice_at(int i)
{
	const espeak_VOICE **v = espeak_ListVoices(NULL);
	for (int n = 0; v[n]; n++)
	{
		if (n == i) { return v[n]; }
	}
	return NULL;
}

// languages is a list of (priority byte, name) pairs; return the first name.
static const char *
sofie_voice_lang(const espeak_VOICE *v)
{
	return v->languages ? v->languages + 1 : "";
}
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"sofie/internal/voice"
	"sofie/pkg/stt"
)

const (
	espeakRate   = 175 // words per minute at Rate 1
	espeakPitch  = 50
	espeakVolume = 100
)

// Espeak speaks through libespeak-ng on the default output device.
type Espeak struct {
	mu     sync.Mutex
	voices []voice.Voice
}

func NewEspeak() (*Espeak, error) {
	if rc := C.sofie_init(); rc < 0 {
		return nil, fmt.Errorf("espeak init failed: %d", int(rc))
	}
	e := &Espeak{}
	for i := 0; ; i++ {
		v := C.sofie_voice_at(C.int(i))
		if v == nil {
			break
		}
		e.voices = append(e.voices, voice.Voice{
			Name: C.GoString(v.name),
			Lang: C.GoString(C.sofie_voice_lang(v)),
		})
	}
	return e, nil
}

func (e *Espeak) Voices() []voice.Voice {
	return append([]voice.Voice(nil), e.voices...)
}

// Speak plays one utterance. Cancelling ctx cuts playback short.
func (e *Espeak) Speak(ctx context.Context, u voice.Utterance) error {
	if u.Text == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var name string
	if u.Voice != nil {
		name = u.Voice.Name
	}
	cname := C.CString(name)
	clang := C.CString(stt.PrimaryLanguage(u.Lang))
	defer C.free(unsafe.Pointer(cname))
	defer C.free(unsafe.Pointer(clang))
	if rc := C.sofie_voice(cname, clang); rc != 0 {
		return fmt.Errorf("espeak voice %q: %d", name, int(rc))
	}

	ctext := C.CString(u.Text)
	defer C.free(unsafe.Pointer(ctext))

	done := make(chan C.int, 1)
	go func() {
		done <- C.sofie_say(ctext, scale(u.Rate, espeakRate), scale(u.Pitch, espeakPitch), scale(u.Volume, espeakVolume))
	}()

	select {
	case rc := <-done:
		if rc != 0 {
			return fmt.Errorf("espeak_say failed: %d", int(rc))
		}
		return nil
	case <-ctx.Done():
		C.sofie_cancel()
		<-done
		return ctx.Err()
	}
}

func scale(f float64, base int) C.int {
	if f <= 0 {
		f = 1
	}
	return C.int(f * float64(base))
}
