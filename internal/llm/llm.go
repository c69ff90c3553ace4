package llm

import (
	"context"
	"iter"
	log "log/slog"
	"time"

	openai "github.com/openai/openai-go/v3"

	"sofie/pkg/protocol"
)

const systemPrompt = `You are S.O.F.I.E. (Sentient Organic Friendly Intelligence Entity), a warm and empathetic AI wellness companion. Provide evidence-based guidance with care.
Your replies are spoken aloud: keep them short, plain and free of markdown.`

type Options struct {
	Model       string
	History     int // messages of context forwarded with each turn
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
}

func DefaultOptions(model string) Options {
	return Options{
		Model:       model,
		History:     5,
		Temperature: 0.7,
		MaxTokens:   512,
		Timeout:     30 * time.Second,
	}
}

// Client streams chat completions from an OpenAI compatible endpoint.
type Client struct {
	api openai.Client
	opt Options
}

func New(api openai.Client, opt Options) *Client {
	return &Client{api: api, opt: opt}
}

func (c *Client) messages(chat protocol.Chat) []openai.ChatCompletionMessageParamUnion {
	history := chat.Context.ConversationHistory
	if c.opt.History >= 0 && len(history) > c.opt.History {
		history = history[len(history)-c.opt.History:]
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(systemPrompt))
	for _, h := range history {
		if h.Content == "" {
			continue
		}
		if h.Role == "assistant" {
			msgs = append(msgs, openai.AssistantMessage(h.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(h.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(chat.Message))

	return msgs
}

// Stream yields reply deltas in order. A failure is yielded once as the
// final element.
func (c *Client) Stream(ctx context.Context, chat protocol.Chat) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if c.opt.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opt.Timeout)
			defer cancel()
		}

		params := openai.ChatCompletionNewParams{
			Messages: c.messages(chat),
			Model:    openai.ChatModel(c.opt.Model),
		}
		if c.opt.Temperature > 0 {
			params.Temperature = openai.Float(c.opt.Temperature)
		}
		if c.opt.MaxTokens > 0 {
			params.MaxTokens = openai.Int(c.opt.MaxTokens)
		}

		log.Debug("Chat completion", "model", c.opt.Model, "messages", len(params.Messages))

		stream := c.api.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			yield("", err)
		}
	}
}
