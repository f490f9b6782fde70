package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	openai_provider "github.com/mohammad-safakhou/dashforge/provider/openai"
)

// Kind names a supported LLM provider type
type Kind string

const (
	OpenAI    Kind = "openai"
	Anthropic Kind = "anthropic"
	Gemini    Kind = "gemini"
)

// ChatRequest is a single system+user exchange with the model.
type ChatRequest = openai_provider.ChatRequest

// Completion is the model answer together with token usage.
type Completion = openai_provider.Completion

// Client is the interface every LLM implementation must satisfy
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (Completion, error)
}

// New creates an LLM client for the configured provider. When several are
// configured the one named "openai" wins, otherwise the first by name.
func New(cfg config.LLMConfig) (Client, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no LLM providers configured")
	}
	name := "openai"
	p, ok := cfg.Providers[name]
	if !ok {
		names := make([]string, 0, len(cfg.Providers))
		for n := range cfg.Providers {
			names = append(names, n)
		}
		sort.Strings(names)
		name = names[0]
		p = cfg.Providers[name]
	}
	kind := Kind(p.Type)
	if kind == "" {
		kind = OpenAI
	}
	switch kind {
	case OpenAI:
		models := make(map[string]openai_provider.Model, len(p.Models))
		for key, m := range p.Models {
			models[key] = openai_provider.Model{
				APIName:     m.APIName,
				MaxTokens:   m.MaxTokens,
				Temperature: m.Temperature,
			}
		}
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		c, err := openai_provider.NewClient(openai_provider.Options{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Models:  models,
			Timeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Gemini:
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", p.Type)
	}
}
