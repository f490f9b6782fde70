package core

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dashforge/provider"
)

// stageLLM binds a provider to the model and temperature routed to one stage.
type stageLLM struct {
	provider    LLMProvider
	telemetry   *telemetry.Telemetry
	stage       Stage
	model       string
	temperature float64
}

func newStageLLM(cfg *config.Config, p LLMProvider, tel *telemetry.Telemetry, stage Stage) stageLLM {
	return stageLLM{
		provider:    p,
		telemetry:   tel,
		stage:       stage,
		model:       cfg.LLM.Routing.ModelFor(string(stage)),
		temperature: *cfg.Pipeline.Normalize().Temperature,
	}
}

func (s stageLLM) chat(ctx context.Context, system, user string) (provider.Completion, error) {
	start := time.Now()
	temperature := s.temperature
	c, err := s.provider.Chat(ctx, provider.ChatRequest{
		Model:       s.model,
		System:      system,
		User:        user,
		Temperature: &temperature,
	})
	latency := c.Latency
	if latency == 0 {
		latency = time.Since(start)
	}
	cost := s.telemetry.RecordLLMCall(string(s.stage), s.model, c.PromptTokens, c.CompletionTokens, latency, err)
	if err == nil {
		if u := usageFrom(ctx); u != nil {
			u.add(c, cost)
		}
	}
	return c, err
}

type usageKey struct{}

// withUsage makes every stage call under ctx add its token counts to u.
func withUsage(ctx context.Context, u *Usage) context.Context {
	return context.WithValue(ctx, usageKey{}, u)
}

func usageFrom(ctx context.Context) *Usage {
	u, _ := ctx.Value(usageKey{}).(*Usage)
	return u
}
