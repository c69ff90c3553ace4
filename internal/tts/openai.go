package tts

import (
	"context"
	"fmt"

	openai "github.com/openai/openai-go/v3"

	"sofie/internal/voice"
	"sofie/pkg/audioconv"
)

// Player plays mono PCM.
type Player interface {
	PlayPCM(ctx context.Context, pcm []float32, sampleRate int) error
}

var openAIVoices = []string{"alloy", "ash", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"}

type OpenAIOptions struct {
	Model  string
	Voice  string
	Format audioconv.Format // mp3, opus or wav
}

// OpenAI synthesizes each utterance with the hosted speech endpoint and
// plays the decoded audio locally.
type OpenAI struct {
	api    openai.Client
	player Player
	opt    OpenAIOptions
}

func NewOpenAI(api openai.Client, player Player, opt OpenAIOptions) *OpenAI {
	if opt.Model == "" {
		opt.Model = string(openai.SpeechModelTTS1)
	}
	if opt.Voice == "" {
		opt.Voice = "nova"
	}
	if opt.Format == "" {
		opt.Format = audioconv.MP3
	}
	return &OpenAI{api: api, player: player, opt: opt}
}

func (o *OpenAI) Voices() []voice.Voice {
	vs := make([]voice.Voice, len(openAIVoices))
	for i, name := range openAIVoices {
		vs[i] = voice.Voice{Name: name}
	}
	return vs
}

func (o *OpenAI) Speak(ctx context.Context, u voice.Utterance) error {
	if u.Text == "" {
		return nil
	}

	name := o.opt.Voice
	if u.Voice != nil && u.Voice.Name != "" {
		name = u.Voice.Name
	}

	params := openai.AudioSpeechNewParams{
		Input:          u.Text,
		Model:          openai.SpeechModel(o.opt.Model),
		Voice:          openai.AudioSpeechNewParamsVoice(name),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(o.opt.Format),
	}
	if u.Rate > 0 && u.Rate != 1 {
		params.Speed = openai.Float(u.Rate)
	}

	res, err := o.api.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("speech: %w", err)
	}
	defer res.Body.Close()

	pcm, err := audioconv.Decode(res.Body, o.opt.Format, audioconv.Options{})
	if err != nil {
		return err
	}
	return o.player.PlayPCM(ctx, pcm, audioconv.TargetRate)
}
