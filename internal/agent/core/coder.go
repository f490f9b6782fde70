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

// Coder writes the dashboard program from a plan and its data code
type Coder struct {
	llm    stageLLM
	logger *log.Logger
}

func NewCoder(cfg *config.Config, llmProvider LLMProvider, telemetry *telemetry.Telemetry) *Coder {
	return &Coder{
		llm:    newStageLLM(cfg, llmProvider, telemetry, StageCoding),
		logger: log.New(log.Writer(), "[CODER] ", log.LstdFlags),
	}
}

func (c *Coder) Code(ctx context.Context, plan Plan, dataCode string) (string, error) {
	resp, err := c.llm.chat(ctx, codingSystemPrompt, codingUserPrompt(plan, dataCode))
	if err != nil {
		return "", fmt.Errorf("failed to generate dashboard: %w", err)
	}
	code := helpers.StripCodeFences(resp.Content, "python", "py")
	c.logger.Printf("Dashboard code ready: %d lines", strings.Count(code, "\n")+1)
	return code, nil
}
