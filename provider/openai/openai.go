package openai_provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ChatRequest is a single system+user exchange. Model is a routing key that is
// resolved through the configured models map; unknown keys are sent as-is.
type ChatRequest struct {
	Model       string
	System      string
	User        string
	Temperature *float64 // nil uses the model default
	MaxTokens   int
}

// Completion is the text returned by the model plus usage accounting.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Latency          time.Duration
}

// Model holds per-model defaults.
type Model struct {
	APIName     string
	MaxTokens   int
	Temperature float64
}

// Options configure the client.
type Options struct {
	APIKey  string
	BaseURL string
	Models  map[string]Model
	Timeout time.Duration
}

// client implements chat completions on top of go-openai
type client struct {
	api    *openai.Client
	models map[string]Model
}

// NewClient creates an OpenAI (or OpenAI-compatible) chat client. The API key
// falls back to OPENAI_API_KEY.
func NewClient(opts Options) (*client, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}
	cfg := openai.DefaultConfig(key)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	models := opts.Models
	if models == nil {
		models = map[string]Model{}
	}
	return &client{api: openai.NewClientWithConfig(cfg), models: models}, nil
}

// Chat sends the system prompt and user message and returns the first choice.
func (c *client) Chat(ctx context.Context, req ChatRequest) (Completion, error) {
	model := req.Model
	var temperature float32
	if req.Temperature != nil {
		temperature = float32(*req.Temperature)
		if temperature == 0 {
			// go-openai drops a zero temperature and the API then samples at 1.
			temperature = math.SmallestNonzeroFloat32
		}
	}
	maxTokens := req.MaxTokens
	if m, ok := c.models[req.Model]; ok {
		if m.APIName != "" {
			model = m.APIName
		}
		if req.Temperature == nil {
			temperature = float32(m.Temperature)
		}
		if maxTokens == 0 {
			maxTokens = m.MaxTokens
		}
	}
	if model == "" {
		return Completion{}, errors.New("model not specified")
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("chat completion returned no choices")
	}
	return Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
		Latency:          time.Since(start),
	}, nil
}
