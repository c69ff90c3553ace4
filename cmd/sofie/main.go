package main

import (
	"context"
	log "log/slog"
	"os"
	"os/signal"
	"syscall"

	"sofie/internal/biometric"
	"sofie/internal/bridge"
	"sofie/internal/config"
	"sofie/internal/conversation"
	"sofie/internal/ipc"
	"sofie/internal/logger"
	"sofie/internal/session"
	"sofie/internal/voice"
)

func main() {
	cfg, err := config.Load("sofie", os.Args[1:])
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(1)
	}

	logger.Setup(os.Stdout, cfg.LogLevel)
	log.Info("Booting up")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error("Daemon stopped", "err", err)
		os.Exit(1)
	}
	log.Info("Bye")
}

func run(ctx context.Context, cfg *config.Config) error {
	apis, err := newAPIs(cfg)
	if err != nil {
		return err
	}
	log.Debug("Loaded API clients")

	sess := session.New()

	channel, err := newChannel(ctx, cfg, apis, sess)
	if err != nil {
		return err
	}
	log.Debug("Loaded bridge channel", "url", cfg.Bridge.URL)

	in, closeIn, err := newInput(cfg, apis)
	if err != nil {
		return err
	}
	defer closeIn()
	log.Debug("Loaded speech input", "stt", cfg.Voice.STT)

	out, player, err := newOutput(cfg, apis)
	if err != nil {
		return err
	}
	log.Debug("Loaded speech output", "tts", cfg.Voice.TTS)

	method, err := biometric.ParseMethod(cfg.Biometric.Method)
	if err != nil {
		return err
	}

	m := conversation.New(channel, sess, in, out, conversation.Options{
		HistoryContext:    cfg.Conversation.HistoryContext,
		BiometricInterval: cfg.Conversation.BiometricInterval,
		BiometricMethod:   method,
		Biometrics:        newBiometrics(ctx, cfg),
		Cue:               newCue(cfg, player),
		OnSentence: func(sentence string, idx int) {
			log.Debug("Speaking", "idx", idx, "sentence", sentence)
		},
	})
	defer m.Close()

	go report(ctx, m)

	m.Start(ctx)
	log.Info("Boot up - successful")

	socket := cfg.ControlSocket
	if socket == "" {
		socket = ipc.DefaultSocketPath()
	}
	log.Info("Control socket listening", "path", socket)

	return ipc.Serve(ctx, socket, control(m))
}

// control maps control socket commands onto the machine. talk is a toggle:
// it starts a turn, ends listening, or cuts a reply short.
func control(m *conversation.Machine) ipc.Handler {
	return func(ctx context.Context, msg ipc.ControlMessage) ipc.Reply {
		var err error

		switch msg.Cmd {
		case ipc.CmdTalk:
			switch m.State().Phase {
			case conversation.Listening:
				err = m.StopListening()
			case conversation.Processing, conversation.Speaking:
				err = m.AbortSpeaking()
			case conversation.Entrainment:
				err = m.EndEntrainment()
			default:
				err = m.StartListening()
			}
		case ipc.CmdStop:
			err = m.StopListening()
		case ipc.CmdAbort:
			err = m.AbortSpeaking()
		case ipc.CmdClear:
			err = m.ClearConversation()
		case ipc.CmdSay:
			err = m.SendMessage(msg.Text)
		case ipc.CmdStatus:
		default:
			log.Warn("Unknown command", "cmd", msg.Cmd)
			return ipc.Reply{Error: "unknown command " + string(msg.Cmd)}
		}

		st := m.State()
		r := ipc.Reply{
			OK:     err == nil,
			Phase:  string(st.Phase),
			Status: string(st.ConnectionStatus),
			Mode:   string(st.Mode),
		}
		if err != nil {
			r.Error = err.Error()
		} else if n := len(st.Errors); n > 0 && msg.Cmd == ipc.CmdStatus {
			r.Error = st.Errors[n-1].Message
		}
		return r
	}
}

// report logs phase and connection changes as they happen.
func report(ctx context.Context, m *conversation.Machine) {
	states, cancel := m.Subscribe()
	defer cancel()

	var last conversation.Snapshot
	errs := 0
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Phase != last.Phase {
				log.Info("Phase", "phase", st.Phase)
				if st.Phase == conversation.Dormant && last.Phase == conversation.Speaking {
					log.Info("Reply", "text", lastReply(st))
				}
			}
			if st.ConnectionStatus != last.ConnectionStatus || st.Mode != last.Mode {
				log.Info("Connection", "status", st.ConnectionStatus, "mode", st.Mode)
			}
			if len(st.Errors) != errs {
				if n := len(st.Errors); n > 0 {
					e := st.Errors[n-1]
					log.Warn("Conversation error", "source", e.Source, "err", e.Message)
				}
				errs = len(st.Errors)
			}
			last = st
		}
	}
}

func lastReply(st conversation.Snapshot) string {
	for i := len(st.History) - 1; i >= 0; i-- {
		if st.History[i].Role == session.RoleAssistant {
			return st.History[i].Content
		}
	}
	return ""
}

var (
	_ conversation.Transport = (*bridge.Channel)(nil)
	_ conversation.Listener  = (*voice.Input)(nil)
	_ conversation.Speaker   = (*voice.Output)(nil)
)
