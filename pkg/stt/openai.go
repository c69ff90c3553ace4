package stt

import (
	"bytes"
	"context"
	"fmt"

	openai "github.com/openai/openai-go/v3"

	"sofie/pkg/audioconv"
)

// OpenAI transcribes through the hosted transcription endpoint.
type OpenAI struct {
	api   openai.Client
	model string
}

func NewOpenAI(api openai.Client, model string) *OpenAI {
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &OpenAI{api: api, model: model}
}

func (o *OpenAI) Transcribe(ctx context.Context, pcm []float32, lang string) (string, error) {
	if len(pcm) == 0 {
		return "", ErrNoAudio
	}

	data, err := audioconv.WAVBytes(pcm, audioconv.TargetRate)
	if err != nil {
		return "", err
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(data), "speech.wav", "audio/wav"),
		Model: openai.AudioModel(o.model),
	}
	if l := PrimaryLanguage(lang); l != "" {
		params.Language = openai.String(l)
	}

	res, err := o.api.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return res.Text, nil
}
