package main

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os/exec"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"sofie/internal/audio"
	"sofie/internal/biometric"
	"sofie/internal/bridge"
	"sofie/internal/config"
	"sofie/internal/conversation"
	"sofie/internal/llm"
	"sofie/internal/notify"
	"sofie/internal/proxy"
	"sofie/internal/session"
	"sofie/internal/tts"
	"sofie/internal/voice"
	"sofie/pkg/protocol"
	"sofie/pkg/stt"
)

type apis struct {
	// hosted is the OpenAI API used by the openai speech engines.
	hosted openai.Client
	// fallback is the chat completions endpoint used when the bridge is down.
	fallback openai.Client
}

func newAPIs(cfg *config.Config) (*apis, error) {
	if cfg.NeedsOpenAI() && cfg.OpenAIKey == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}

	httpClient, err := proxy.NewHTTPClient(cfg.Proxy, cfg.Fallback.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dial socks proxy %s: %w", cfg.Proxy, err)
	}

	key := cfg.OpenAIKey
	if key == "" {
		key = "none"
	}

	return &apis{
		hosted: openai.NewClient(
			option.WithAPIKey(key),
			option.WithHTTPClient(httpClient),
		),
		fallback: openai.NewClient(
			option.WithAPIKey(key),
			option.WithHTTPClient(httpClient),
			option.WithBaseURL(cfg.Fallback.URL),
		),
	}, nil
}

func newChannel(ctx context.Context, cfg *config.Config, a *apis, sess *session.Session) (*bridge.Channel, error) {
	netDial, err := proxy.NetDial(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	var tokens bridge.TokenStore = bridge.StaticTokens{User: cfg.Bridge.UserID}
	if cfg.Bridge.TokenFile != "" {
		store, err := bridge.OpenTokenStore(cfg.Bridge.TokenFile, cfg.Bridge.UserID)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := store.Watch(ctx); err != nil {
				log.Warn("Token file watch stopped", "path", cfg.Bridge.TokenFile, "err", err)
			}
		}()
		tokens = store
	}

	llmOpt := llm.DefaultOptions(cfg.Fallback.Model)
	llmOpt.Timeout = cfg.Fallback.Timeout
	llmOpt.History = cfg.Conversation.HistoryContext

	attempts := cfg.Bridge.ReconnectAttempts
	if attempts == 0 {
		attempts = -1
	}

	return bridge.New(bridge.Options{
		URL:                  cfg.Bridge.URL,
		ConnectTimeout:       cfg.Bridge.ConnectTimeout,
		ReconnectBase:        cfg.Bridge.ReconnectBase,
		ReconnectMax:         cfg.Bridge.ReconnectMax,
		MaxReconnectAttempts: attempts,
		MaxConsecutiveErrors: cfg.Bridge.MaxConsecutiveErrors,
		Tokens:               tokens,
		Conversation:         sess,
		Fallback:             llm.New(a.fallback, llmOpt),
		Dial:                 bridge.WebSocketDialer(protocol.WithNetDial(netDial)),
	}), nil
}

// newInput builds microphone capture and the configured transcriber. The
// returned func releases the audio device and the model.
func newInput(cfg *config.Config, a *apis) (*voice.Input, func(), error) {
	mic := audio.NewMicrophone()
	if err := mic.Init(); err != nil {
		return nil, nil, fmt.Errorf("init audio: %w", err)
	}
	closers := []func(){mic.Close}
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var tr voice.Transcriber
	switch cfg.Voice.STT {
	case "whisper":
		w, err := stt.NewWhisper(cfg.Voice.WhisperModel, stt.Options{})
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("init whisper: %w", err)
		}
		closers = append(closers, func() { w.Close() })
		tr = w
	case "whisper-cli":
		tr = stt.NewWhisperCLI(cfg.Voice.WhisperCLI, cfg.Voice.WhisperModel)
	case "openai":
		tr = stt.NewOpenAI(a.hosted, "")
	}

	rec := voice.NewCaptureRecognizer(mic, audio.RMSDetector{}, tr, voice.CaptureOptions{})
	in := voice.NewInput(rec, voice.InputOptions{
		Language:       cfg.Voice.Language,
		SilenceTimeout: cfg.Voice.SilenceTimeout,
		StopTimeout:    cfg.Voice.StopTimeout,
	})
	return in, release, nil
}

func newOutput(cfg *config.Config, a *apis) (*voice.Output, *audio.Player, error) {
	player := audio.NewPlayer()

	var syn voice.Synthesizer
	switch cfg.Voice.TTS {
	case "espeak":
		e, err := tts.NewEspeak()
		if err != nil {
			return nil, nil, err
		}
		syn = e
	case "openai":
		syn = tts.NewOpenAI(a.hosted, player, tts.OpenAIOptions{Voice: cfg.Voice.Voice})
	}

	opt := voice.OutputOptions{Language: cfg.Voice.Language}
	if cfg.Voice.Duck {
		opt.Ducker = audio.NewDucker([]string{"sofie", "espeak"}, 10)
	}
	return voice.NewOutput(syn, opt), player, nil
}

func newCue(cfg *config.Config, player *audio.Player) conversation.Cue {
	if cfg.Voice.CueFile == "" {
		return nil
	}
	return &notify.Cue{Path: cfg.Voice.CueFile, Player: player, Desktop: true}
}

// newBiometrics assembles the sensors that are configured. A wearable is
// followed for the daemon's lifetime through the command that streams its
// notifications.
func newBiometrics(ctx context.Context, cfg *config.Config) *biometric.Adapter {
	var webcam, wearable biometric.Capturer

	if dev := cfg.Biometric.WebcamDevice; dev != "" {
		webcam = biometric.NewWebcamSource(biometric.FFmpegSampler{Device: dev})
		log.Debug("Webcam biometrics enabled", "device", dev)
	}

	if cmdline := cfg.Biometric.WearableCmd; cmdline != "" {
		w := biometric.NewWearableSource(cfg.Biometric.WearableName)
		go followWearable(ctx, cmdline, w)
		wearable = w
	}

	return biometric.NewAdapter(webcam, wearable, biometric.Options{
		WebcamThreshold:   cfg.Biometric.WebcamConfidence,
		WearableThreshold: cfg.Biometric.WearableConfidence,
	})
}

func followWearable(ctx context.Context, cmdline string, w *biometric.WearableSource) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Warn("Wearable command failed", "err", err)
		return
	}
	if err := cmd.Start(); err != nil {
		log.Warn("Wearable command failed", "cmd", cmdline, "err", err)
		return
	}
	log.Info("Following wearable", "device", w.DeviceName)

	if err := w.Follow(ctx, stdout); err != nil && ctx.Err() == nil {
		log.Warn("Wearable stream ended", "err", err)
	}
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		log.Warn("Wearable command exited", "err", err)
	}
}
