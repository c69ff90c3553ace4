package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"sofie/pkg/protocol"
)

func newBridgeServer(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn := protocol.NewConn(ws)
		defer conn.Close("done")

		send := func(msg protocol.Inbound) {
			raw, _ := protocol.EncodeReply(msg)
			conn.Write(raw)
		}

		for {
			in := conn.Read()
			if in.Kind != protocol.READ_OK {
				return
			}
			frame, err := protocol.DecodeRequest(in.Msg)
			if err != nil {
				send(protocol.ServerError{Message: err.Error()})
				continue
			}
			switch frame.Message.(type) {
			case protocol.Auth:
				send(protocol.AuthConfirmed{ConversationID: "srv-1"})
			case protocol.Chat:
				for _, r := range replies {
					send(protocol.StreamChunk{Content: r})
				}
				send(protocol.StreamEnd{ConversationID: "srv-1"})
			case protocol.Close:
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := newBridgeServer(t, "Hi", " there", "!")
	c := New(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	rec := record(c, EventAuthenticated, EventStreamChunk, EventStreamEnd)

	c.Connect(context.Background())
	rec.until(t, authenticatedIn(ModeWebSocket))
	if c.ConversationID() != "srv-1" {
		t.Fatalf("conversation id = %q", c.ConversationID())
	}

	if err := c.SendChat("Hello", nil); err != nil {
		t.Fatal(err)
	}

	var text strings.Builder
	for {
		ev := rec.next(t)
		if ev.Name == EventStreamEnd {
			break
		}
		text.WriteString(ev.Message.(protocol.StreamChunk).Content)
	}
	if text.String() != "Hi there!" {
		t.Fatalf("streamed %q", text.String())
	}

	c.Disconnect()
}
