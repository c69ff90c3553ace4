package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"sofie/pkg/protocol"
)

type capturedRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Stream      bool    `json:"stream"`
}

func sseServer(t *testing.T, chunks []string, got *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if got != nil {
			if err := json.Unmarshal(body, got); err != nil {
				t.Errorf("request body: %v", err)
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", c)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(url string) *Client {
	api := openai.NewClient(
		option.WithBaseURL(url),
		option.WithAPIKey("test"),
		option.WithMaxRetries(0),
	)
	return New(api, DefaultOptions("sofie-llama"))
}

func TestStreamYieldsDeltasInOrder(t *testing.T) {
	var req capturedRequest
	srv := sseServer(t, []string{"Hi", " there", "!"}, &req)
	c := newClient(srv.URL)

	history := make([]protocol.HistoryEntry, 0, 8)
	for i := range 8 {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, protocol.HistoryEntry{Role: role, Content: fmt.Sprint("m", i)})
	}

	var got []string
	for chunk, err := range c.Stream(context.Background(), protocol.Chat{
		Message: "Hello",
		Context: protocol.ChatContext{ConversationHistory: history},
	}) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		got = append(got, chunk)
	}

	if strings.Join(got, "") != "Hi there!" || len(got) != 3 {
		t.Fatalf("chunks = %q", got)
	}

	// system + last 5 of history + the new message
	if len(req.Messages) != 7 {
		t.Fatalf("messages = %d, want 7", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[1].Content != "m3" || req.Messages[6].Content != "Hello" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[2].Role != "user" || req.Messages[1].Role != "assistant" {
		t.Fatalf("roles = %+v", req.Messages)
	}
	if req.Temperature != 0.7 || req.MaxTokens != 512 || !req.Stream || req.Model != "sofie-llama" {
		t.Fatalf("params = %+v", req)
	}
}

func TestStreamReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var errs int
	for _, err := range newClient(srv.URL).Stream(context.Background(), protocol.Chat{Message: "x"}) {
		if err != nil {
			errs++
		}
	}
	if errs != 1 {
		t.Fatalf("errors = %d, want 1", errs)
	}
}

func TestStreamStopsWhenConsumerBreaks(t *testing.T) {
	srv := sseServer(t, []string{"a", "b", "c"}, nil)

	var n int
	for range newClient(srv.URL).Stream(context.Background(), protocol.Chat{Message: "x"}) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("n = %d", n)
	}
}
