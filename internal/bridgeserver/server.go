// Package bridgeserver is the remote end of the bridge: it authenticates
// clients over a WebSocket and streams chat replies from a backend.
package bridgeserver

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	log "log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	ws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"sofie/pkg/protocol"
)

// Backend produces the reply to one chat, chunk by chunk.
type Backend interface {
	Stream(ctx context.Context, chat protocol.Chat) iter.Seq2[string, error]
}

type Options struct {
	// Secret verifies auth tokens. Empty accepts any token.
	Secret []byte
	// ChatRate limits chats per second on each connection; zero means no
	// limit.
	ChatRate    float64
	ChatBurst   int
	AuthTimeout time.Duration
}

func (o *Options) defaults() {
	if o.ChatBurst <= 0 {
		o.ChatBurst = 3
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
}

type Server struct {
	backend  Backend
	opt      Options
	upgrader ws.Upgrader
	started  time.Time

	mu    sync.Mutex
	peers map[*peer]struct{}

	chats      atomic.Int64
	biometrics atomic.Int64
	lastBio    atomic.Pointer[protocol.Biometric]
}

func New(backend Backend, opt Options) *Server {
	opt.defaults()
	return &Server{
		backend: backend,
		opt:     opt,
		upgrader: ws.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
		peers:   make(map[*peer]struct{}),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/bridge/status", s.handleStatus)
	})
	return r
}

type Status struct {
	Connections   int     `json:"connections"`
	Authenticated int     `json:"authenticated"`
	Chats         int64   `json:"chats"`
	Biometrics    int64   `json:"biometrics"`
	Uptime        float64 `json:"uptimeSeconds"`
	AuthRequired  bool    `json:"authRequired"`

	LastBiometric *protocol.Biometric `json:"lastBiometric,omitempty"`
}

func (s *Server) Status() Status {
	s.mu.Lock()
	st := Status{Connections: len(s.peers)}
	for p := range s.peers {
		if p.authed() {
			st.Authenticated++
		}
	}
	s.mu.Unlock()

	st.Chats = s.chats.Load()
	st.Biometrics = s.biometrics.Load()
	st.Uptime = time.Since(s.started).Seconds()
	st.AuthRequired = len(s.opt.Secret) > 0
	st.LastBiometric = s.lastBio.Load()
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Write response", "err", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	p := &peer{srv: s, conn: protocol.NewConn(conn)}
	if s.opt.ChatRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(s.opt.ChatRate), s.opt.ChatBurst)
	}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	p.serve()
}

// Close says goodbye to every open connection. http.Server.Shutdown does
// not touch hijacked websocket connections.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.interrupt()
		p.conn.Close("server shutting down")
	}
}

var errAuthFirst = errors.New("authenticate first")
