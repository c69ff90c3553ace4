// Package config loads daemon, control and bridge settings from flags,
// an optional env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
)

type Config struct {
	EnvFile       string
	LogLevel      string
	Proxy         string
	ControlSocket string
	OpenAIKey     string
	// Args are the positional arguments left after flag parsing.
	Args []string

	Bridge       BridgeConfig
	Fallback     FallbackConfig
	Voice        VoiceConfig
	Conversation ConversationConfig
	Biometric    BiometricConfig
	Server       ServerConfig
}

type BridgeConfig struct {
	URL                  string
	ConnectTimeout       time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectAttempts    int
	MaxConsecutiveErrors int
	TokenFile            string
	UserID               string
}

// FallbackConfig points at an OpenAI compatible chat completions endpoint.
type FallbackConfig struct {
	URL     string
	Model   string
	Timeout time.Duration
}

type VoiceConfig struct {
	Language       string
	SilenceTimeout time.Duration
	StopTimeout    time.Duration
	STT            string // whisper | whisper-cli | openai
	TTS            string // espeak | openai
	WhisperModel   string
	WhisperCLI     string
	Voice          string
	CueFile        string
	Duck           bool
}

type ConversationConfig struct {
	HistoryContext    int
	BiometricInterval time.Duration
}

type BiometricConfig struct {
	Method             string // auto | webcam | wearable | manual
	WebcamConfidence   float64
	WearableConfidence float64
	// WebcamDevice is a V4L2 device; empty disables the webcam source.
	WebcamDevice string
	WearableName string
	// WearableCmd prints heart rate notifications, e.g. gatttool --listen.
	// Empty disables the wearable source.
	WearableCmd string
}

type ServerConfig struct {
	Listen    string
	JWTSecret string
	Model     string
	ChatRate  float64
	ChatBurst int
}

// Load parses args with a fresh flag set, loads the env file it names and
// fills the rest from the environment. Explicit flags win over env values.
func Load(name string, args []string) (*Config, error) {
	fs := cli.NewFlagSet(name, cli.ContinueOnError)
	envFile := fs.StringP("env", "e", ".env", "Env file path")
	logLevel := fs.StringP("log", "l", "info", "Log level")
	proxyAddr := fs.StringP("proxy", "p", "", "Socks proxy address")
	url := fs.StringP("url", "u", "", "Bridge websocket url")
	listen := fs.String("listen", "", "Bridge listen address")
	socket := fs.String("socket", "", "Control socket path")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", *envFile, err)
	}

	cfg := FromEnv()
	cfg.EnvFile = *envFile
	cfg.Args = fs.Args()
	cfg.LogLevel = getEnv("SOFIE_LOG", *logLevel)

	if fs.Changed("log") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("proxy") {
		cfg.Proxy = *proxyAddr
	}
	if fs.Changed("url") {
		cfg.Bridge.URL = *url
	}
	if fs.Changed("listen") {
		cfg.Server.Listen = *listen
	}
	if fs.Changed("socket") {
		cfg.ControlSocket = *socket
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a configuration from environment variables and defaults.
func FromEnv() *Config {
	return &Config{
		LogLevel:      getEnv("SOFIE_LOG", "info"),
		Proxy:         getEnv("SOFIE_PROXY", ""),
		ControlSocket: getEnv("SOFIE_CONTROL_SOCKET", ""),
		OpenAIKey:     getEnv("OPENAI_API_KEY", ""),
		Bridge: BridgeConfig{
			URL:                  getEnv("SOFIE_BRIDGE_URL", "ws://localhost:3001/ws"),
			ConnectTimeout:       getEnvDuration("SOFIE_CONNECT_TIMEOUT", 3*time.Second),
			ReconnectBase:        getEnvDuration("SOFIE_RECONNECT_BASE", time.Second),
			ReconnectMax:         getEnvDuration("SOFIE_RECONNECT_MAX", 30*time.Second),
			ReconnectAttempts:    getEnvInt("SOFIE_RECONNECT_ATTEMPTS", 5),
			MaxConsecutiveErrors: getEnvInt("SOFIE_MAX_CONSECUTIVE_ERRORS", 5),
			TokenFile:            getEnv("SOFIE_TOKEN_FILE", ""),
			UserID:               getEnv("SOFIE_USER_ID", "anonymous"),
		},
		Fallback: FallbackConfig{
			URL:     getEnv("SOFIE_FALLBACK_URL", "http://localhost:8000/v1"),
			Model:   getEnv("SOFIE_FALLBACK_MODEL", "sofie-llama"),
			Timeout: getEnvDuration("SOFIE_FALLBACK_TIMEOUT", 30*time.Second),
		},
		Voice: VoiceConfig{
			Language:       getEnv("SOFIE_LANGUAGE", "en-US"),
			SilenceTimeout: getEnvDuration("SOFIE_SILENCE_TIMEOUT", 2*time.Second),
			StopTimeout:    getEnvDuration("SOFIE_STOP_TIMEOUT", time.Second),
			STT:            getEnv("SOFIE_STT", "whisper"),
			TTS:            getEnv("SOFIE_TTS", "espeak"),
			WhisperModel:   getEnv("SOFIE_WHISPER_MODEL", "third_party/whisper.cpp/models/ggml-base.en.bin"),
			WhisperCLI:     getEnv("SOFIE_WHISPER_CLI", "/usr/local/bin/whisper-cli"),
			Voice:          getEnv("SOFIE_VOICE", ""),
			CueFile:        getEnv("SOFIE_CUE_FILE", "beep.mp3"),
			Duck:           getEnvBool("SOFIE_DUCK", true),
		},
		Conversation: ConversationConfig{
			HistoryContext:    getEnvInt("SOFIE_HISTORY_CONTEXT", 10),
			BiometricInterval: getEnvDuration("SOFIE_BIOMETRIC_INTERVAL", 5*time.Second),
		},
		Biometric: BiometricConfig{
			Method:             getEnv("SOFIE_BIOMETRIC_METHOD", "auto"),
			WebcamConfidence:   getEnvFloat("SOFIE_WEBCAM_CONFIDENCE", 0.5),
			WearableConfidence: getEnvFloat("SOFIE_WEARABLE_CONFIDENCE", 0.7),
			WebcamDevice:       getEnv("SOFIE_WEBCAM_DEVICE", ""),
			WearableName:       getEnv("SOFIE_WEARABLE_NAME", "heart rate monitor"),
			WearableCmd:        getEnv("SOFIE_WEARABLE_CMD", ""),
		},
		Server: ServerConfig{
			Listen:    getEnv("SOFIE_LISTEN", ":3001"),
			JWTSecret: getEnv("SOFIE_JWT_SECRET", ""),
			Model:     getEnv("SOFIE_MODEL", "gpt-4o-mini"),
			ChatRate:  getEnvFloat("SOFIE_CHAT_RATE", 1),
			ChatBurst: getEnvInt("SOFIE_CHAT_BURST", 3),
		},
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Bridge.URL == "" {
		errs = append(errs, errors.New("SOFIE_BRIDGE_URL cannot be empty"))
	}
	if c.Bridge.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("SOFIE_CONNECT_TIMEOUT must be > 0"))
	}
	if c.Bridge.ReconnectBase <= 0 || c.Bridge.ReconnectMax < c.Bridge.ReconnectBase {
		errs = append(errs, errors.New("SOFIE_RECONNECT_BASE must be > 0 and <= SOFIE_RECONNECT_MAX"))
	}
	if c.Bridge.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("SOFIE_RECONNECT_ATTEMPTS must be >= 0"))
	}
	if c.Bridge.MaxConsecutiveErrors <= 0 {
		errs = append(errs, errors.New("SOFIE_MAX_CONSECUTIVE_ERRORS must be > 0"))
	}
	if c.Voice.SilenceTimeout <= 0 || c.Voice.StopTimeout <= 0 {
		errs = append(errs, errors.New("SOFIE_SILENCE_TIMEOUT and SOFIE_STOP_TIMEOUT must be > 0"))
	}
	if c.Conversation.HistoryContext < 0 {
		errs = append(errs, errors.New("SOFIE_HISTORY_CONTEXT must be >= 0"))
	}
	if !inUnit(c.Biometric.WebcamConfidence) || !inUnit(c.Biometric.WearableConfidence) {
		errs = append(errs, errors.New("biometric confidence thresholds must be within [0,1]"))
	}
	switch c.Biometric.Method {
	case "auto", "webcam", "wearable", "manual":
	default:
		errs = append(errs, fmt.Errorf("unknown SOFIE_BIOMETRIC_METHOD %q", c.Biometric.Method))
	}
	switch c.Voice.STT {
	case "whisper", "whisper-cli", "openai":
	default:
		errs = append(errs, fmt.Errorf("unknown SOFIE_STT %q", c.Voice.STT))
	}
	switch c.Voice.TTS {
	case "espeak", "openai":
	default:
		errs = append(errs, fmt.Errorf("unknown SOFIE_TTS %q", c.Voice.TTS))
	}
	if c.Server.ChatRate <= 0 || c.Server.ChatBurst <= 0 {
		errs = append(errs, errors.New("SOFIE_CHAT_RATE and SOFIE_CHAT_BURST must be > 0"))
	}

	return errors.Join(errs...)
}

// NeedsOpenAI reports whether any configured engine calls the OpenAI API.
func (c *Config) NeedsOpenAI() bool {
	return c.Voice.STT == "openai" || c.Voice.TTS == "openai"
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("2s") or bare milliseconds ("2000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
