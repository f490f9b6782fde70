package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dashforge/internal/helpers"
)

// Sourcer writes the code that pulls the data a plan needs
type Sourcer struct {
	config *config.Config
	llm    stageLLM
	logger *log.Logger
}

func NewSourcer(cfg *config.Config, llmProvider LLMProvider, telemetry *telemetry.Telemetry) *Sourcer {
	return &Sourcer{
		config: cfg,
		llm:    newStageLLM(cfg, llmProvider, telemetry, StageSourcing),
		logger: log.New(log.Writer(), "[SOURCER] ", log.LstdFlags),
	}
}

// Source sends the plan, and the API catalog when one is given, and returns
// the fence-stripped data code.
func (s *Sourcer) Source(ctx context.Context, plan Plan, catalog string) (DataSource, error) {
	pipeline := s.config.Pipeline.Normalize()
	resp, err := s.llm.chat(ctx, sourcingSystemPrompt(pipeline.Domain, pipeline.SecretEnv), sourcingUserPrompt(plan, catalog))
	if err != nil {
		return DataSource{}, fmt.Errorf("failed to source data: %w", err)
	}
	code := helpers.StripCodeFences(resp.Content, "python", "py")
	s.logger.Printf("Data code ready: %d lines, catalog=%t", strings.Count(code, "\n")+1, strings.TrimSpace(catalog) != "")
	return DataSource{Code: code, CatalogUsed: strings.TrimSpace(catalog) != "", Model: resp.Model}, nil
}
