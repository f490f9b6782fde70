package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dashforge/internal/helpers"
	"github.com/mohammad-safakhou/dashforge/internal/planner"
)

// Planner turns a free-text request into a dashboard plan
type Planner struct {
	config *config.Config
	llm    stageLLM
	logger *log.Logger
}

// NewPlanner creates a new planner instance
func NewPlanner(cfg *config.Config, llmProvider LLMProvider, telemetry *telemetry.Telemetry) *Planner {
	return &Planner{
		config: cfg,
		llm:    newStageLLM(cfg, llmProvider, telemetry, StagePlanning),
		logger: log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan asks the model for a JSON plan. A reply that is not a JSON object is
// not an error: the plan carries the parse-failure payload instead so later
// stages can still work from the raw text. Only transport failures return an
// error.
func (p *Planner) Plan(ctx context.Context, request string, hints []HistoryRecord) (Plan, error) {
	startTime := time.Now()
	domain := p.config.Pipeline.Normalize().Domain

	resp, err := p.llm.chat(ctx, planningSystemPrompt(domain), planningUserPrompt(request, hints))
	if err != nil {
		return Plan{}, fmt.Errorf("failed to generate plan: %w", err)
	}

	plan := parsePlan(resp.Content)
	plan.Model = resp.Model
	if plan.ParseError != "" {
		p.logger.Printf("Warning: plan is not valid JSON (%s); continuing with raw response", plan.ParseError)
	} else if len(plan.Warnings) > 0 {
		p.logger.Printf("Plan has %d schema warnings: %s", len(plan.Warnings), strings.Join(plan.Warnings, "; "))
	}
	p.logger.Printf("Planning completed in %v: %s", time.Since(startTime), planner.Summary(plan.Document))
	return plan, nil
}

func parsePlan(raw string) Plan {
	plan := Plan{Raw: raw}
	doc, err := decodeObject(strings.TrimSpace(raw))
	if err != nil {
		extracted, xerr := helpers.ExtractJSON(raw)
		if xerr == nil {
			if d, derr := decodeObject(extracted); derr == nil {
				doc, err = d, nil
				plan.Warnings = append(plan.Warnings, "plan JSON was extracted from surrounding text")
			}
		}
	}
	if err != nil {
		plan.ParseError = err.Error()
		plan.Document = map[string]interface{}{"error": "Parsing failed", "response": raw}
		return plan
	}
	plan.Document = doc
	plan.Warnings = append(plan.Warnings, planner.Findings(doc)...)
	return plan
}

func decodeObject(s string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("plan is null")
	}
	return doc, nil
}
