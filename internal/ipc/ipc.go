// Package ipc is the local control protocol between sofie-ctl and the
// daemon: one JSON request and one JSON reply per unix socket connection.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

const DefaultSocket = "sofie.sock"

// DefaultSocketPath prefers $XDG_RUNTIME_DIR and falls back to the temp dir.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, DefaultSocket)
	}
	return filepath.Join(os.TempDir(), DefaultSocket)
}

type Command string

const (
	CmdTalk   Command = "talk"
	CmdStop   Command = "stop"
	CmdAbort  Command = "abort"
	CmdClear  Command = "clear"
	CmdSay    Command = "say"
	CmdStatus Command = "status"
)

type ControlMessage struct {
	Cmd  Command `json:"cmd"`
	Text string  `json:"text,omitempty"`
}

type Reply struct {
	OK     bool   `json:"ok"`
	Phase  string `json:"phase,omitempty"`
	Status string `json:"status,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Handler func(ctx context.Context, msg ControlMessage) Reply

const ioTimeout = 5 * time.Second

// Serve accepts control connections on path until ctx is done. A stale
// socket file left by a previous run is removed first.
func Serve(ctx context.Context, path string, h Handler) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("Control socket ready", "path", path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Warn("Accept failed", "err", err)
			continue
		}
		go handleConn(ctx, conn, h)
	}
}

func handleConn(ctx context.Context, conn net.Conn, h Handler) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	var msg ControlMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		log.Debug("Bad control message", "err", err)
		_ = json.NewEncoder(conn).Encode(Reply{Error: "bad request: " + err.Error()})
		return
	}
	log.Debug("Control command", "cmd", msg.Cmd)

	reply := h(ctx, msg)
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		log.Debug("Write control reply", "err", err)
	}
}

// Send delivers one command and waits for the reply.
func Send(path string, msg ControlMessage) (Reply, error) {
	conn, err := net.DialTimeout("unix", path, ioTimeout)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return Reply{}, fmt.Errorf("send: %w", err)
	}

	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}
