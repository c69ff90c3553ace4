package main

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"sofie/internal/bridgeserver"
	"sofie/internal/config"
	"sofie/internal/llm"
	"sofie/internal/logger"
	"sofie/internal/proxy"
)

const tokenTTL = 30 * 24 * time.Hour

func main() {
	cfg, err := config.Load("sofie-bridge", os.Args[1:])
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(1)
	}

	logger.Setup(os.Stderr, cfg.LogLevel)

	// sofie-bridge token <user> prints a token for a client.
	if len(cfg.Args) > 0 && cfg.Args[0] == "token" {
		if err := issue(cfg); err != nil {
			log.Error("Failed to issue token", "err", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Error("Bridge stopped", "err", err)
		os.Exit(1)
	}
}

func issue(cfg *config.Config) error {
	if cfg.Server.JWTSecret == "" {
		return errors.New("SOFIE_JWT_SECRET not set")
	}
	user := cfg.Bridge.UserID
	if len(cfg.Args) > 1 {
		user = cfg.Args[1]
	}
	tok, err := bridgeserver.IssueToken([]byte(cfg.Server.JWTSecret), user, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.OpenAIKey == "" {
		return errors.New("OPENAI_API_KEY not set")
	}

	httpClient, err := proxy.NewHTTPClient(cfg.Proxy, cfg.Fallback.Timeout)
	if err != nil {
		return fmt.Errorf("dial socks proxy %s: %w", cfg.Proxy, err)
	}

	api := openai.NewClient(
		option.WithAPIKey(cfg.OpenAIKey),
		option.WithHTTPClient(httpClient),
	)

	opt := llm.DefaultOptions(cfg.Server.Model)
	opt.Timeout = cfg.Fallback.Timeout
	opt.History = cfg.Conversation.HistoryContext

	srv := bridgeserver.New(llm.New(api, opt), bridgeserver.Options{
		Secret:    []byte(cfg.Server.JWTSecret),
		ChatRate:  cfg.Server.ChatRate,
		ChatBurst: cfg.Server.ChatBurst,
	})
	if cfg.Server.JWTSecret == "" {
		log.Warn("SOFIE_JWT_SECRET not set, accepting any token")
	}

	hs := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("Bridge listening", "addr", cfg.Server.Listen, "model", cfg.Server.Model)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.Close()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
