package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileTokenStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.yaml")

	s, err := OpenTokenStore(path, "")
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if s.Token() != "" || s.UserID() != "anonymous" {
		t.Fatalf("empty store = %q %q", s.Token(), s.UserID())
	}

	if err := os.WriteFile(path, []byte("token: abc\nuser_id: u42\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if s.Token() != "abc" || s.UserID() != "u42" {
		t.Fatalf("loaded = %q %q", s.Token(), s.UserID())
	}

	expired := fmt.Sprintf("token: old\nexpires_at: %d\n", time.Now().Add(-time.Hour).Unix())
	if err := os.WriteFile(path, []byte(expired), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if s.Token() != "" {
		t.Fatalf("expired token returned: %q", s.Token())
	}

	if err := os.WriteFile(path, []byte("token: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFileTokenStoreWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.yaml")

	s, err := OpenTokenStore(path, "someone")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(3 * time.Second)
	for s.Token() != "fresh" {
		if time.Now().After(deadline) {
			t.Fatal("watch did not pick up the new token")
		}
		os.WriteFile(path, []byte("token: fresh\n"), 0o600)
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStaticTokens(t *testing.T) {
	if (StaticTokens{}).UserID() != "anonymous" {
		t.Fatal("default user")
	}
	if (StaticTokens{User: "u"}).UserID() != "u" {
		t.Fatal("explicit user")
	}
}
