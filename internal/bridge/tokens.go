package bridge

import (
	"context"
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const defaultUserID = "anonymous"

// TokenStore is the read-only view of stored credentials used for the
// auth handshake.
type TokenStore interface {
	Token() string
	UserID() string
}

type StaticTokens struct {
	AuthToken string
	User      string
}

func (s StaticTokens) Token() string { return s.AuthToken }

func (s StaticTokens) UserID() string {
	if s.User == "" {
		return defaultUserID
	}
	return s.User
}

type storedToken struct {
	Token     string `yaml:"token"`
	UserID    string `yaml:"user_id"`
	ExpiresAt int64  `yaml:"expires_at,omitempty"`
}

// FileTokenStore reads credentials from a yaml file and can follow edits
// to it with Watch.
type FileTokenStore struct {
	path        string
	defaultUser string

	mu  sync.RWMutex
	tok storedToken
}

// OpenTokenStore loads path. A missing file is not an error; the store
// then reports no token and the default user.
func OpenTokenStore(path, defaultUser string) (*FileTokenStore, error) {
	if defaultUser == "" {
		defaultUser = defaultUserID
	}
	s := &FileTokenStore{path: path, defaultUser: defaultUser}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileTokenStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.set(storedToken{})
			return nil
		}
		return fmt.Errorf("read token: %w", err)
	}

	var tok storedToken
	if err := yaml.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	s.set(tok)
	return nil
}

func (s *FileTokenStore) set(tok storedToken) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

// Token returns the stored token, or "" when absent or expired.
func (s *FileTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tok.ExpiresAt != 0 && time.Now().Unix() >= s.tok.ExpiresAt {
		return ""
	}
	return s.tok.Token
}

func (s *FileTokenStore) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tok.UserID == "" {
		return s.defaultUser
	}
	return s.tok.UserID
}

// Watch reloads the store whenever the file is written, created or removed,
// until ctx is done. The parent directory is watched so editors that
// replace the file are followed too.
func (s *FileTokenStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				log.Warn("Failed to reload token", "path", s.path, "err", err)
				continue
			}
			log.Debug("Token reloaded", "path", s.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Token watcher error", "err", err)
		}
	}
}
