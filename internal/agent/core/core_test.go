package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/internal/runtime"
	"github.com/mohammad-safakhou/dashforge/provider"
)

// stubLLM answers each stage from a queue of canned replies keyed by stage
// model and records every request it saw.
type stubLLM struct {
	mu      sync.Mutex
	replies map[string][]string
	errs    map[string]error
	calls   []provider.ChatRequest
	delay   time.Duration
}

func newStubLLM() *stubLLM {
	return &stubLLM{replies: map[string][]string{}, errs: map[string]error{}}
}

func (s *stubLLM) queue(model string, replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[model] = append(s.replies[model], replies...)
}

func (s *stubLLM) Chat(ctx context.Context, req provider.ChatRequest) (provider.Completion, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if err := s.errs[req.Model]; err != nil {
		return provider.Completion{}, err
	}
	q := s.replies[req.Model]
	if len(q) == 0 {
		return provider.Completion{}, errors.New("no reply queued for " + req.Model)
	}
	s.replies[req.Model] = q[1:]
	return provider.Completion{Content: q[0], Model: req.Model, PromptTokens: 10, CompletionTokens: 5}, nil
}

func (s *stubLLM) callsFor(model string) []provider.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []provider.ChatRequest
	for _, c := range s.calls {
		if c.Model == model {
			out = append(out, c)
		}
	}
	return out
}

// fakeRunner returns scripted logs in order and remembers the programs it ran.
type fakeRunner struct {
	logs     []runtime.RunLog
	programs []string
	readFile func(string) string
}

func (f *fakeRunner) Run(ctx context.Context, file string) runtime.RunLog {
	if f.readFile != nil {
		f.programs = append(f.programs, f.readFile(file))
	}
	if len(f.logs) == 0 {
		return exitLog(0, "", "")
	}
	l := f.logs[0]
	f.logs = f.logs[1:]
	return l
}

func exitLog(code int, stdout, stderr string) runtime.RunLog {
	c := code
	return runtime.RunLog{ExitCode: &c, Stdout: stdout, Stderr: stderr, HTML: "<html><body>ok</body></html>"}
}

// Each stage gets its own model name so the stub can route replies.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.General.Workdir = t.TempDir()
	cfg.LLM.Routing = config.LLMRoutingConfig{
		Planning:  "plan-model",
		Sourcing:  "source-model",
		Coding:    "code-model",
		Debugging: "debug-model",
		Fallback:  "fallback-model",
	}
	cfg.Pipeline.DebugIterations = 3
	cfg.Runner.ErrorMarkers = []string{"Traceback (most recent call last)", `data-testid="stException"`}
	return cfg
}

func TestParsePlanDirectJSON(t *testing.T) {
	plan := parsePlan(`{"title":"Asteroids","visualizations":[{"type":"scatter"}]}`)
	if plan.ParseError != "" {
		t.Fatalf("unexpected parse error: %s", plan.ParseError)
	}
	if plan.Document["title"] != "Asteroids" {
		t.Fatalf("unexpected document: %#v", plan.Document)
	}
}

func TestParsePlanExtractsFromProse(t *testing.T) {
	plan := parsePlan("Here is the plan:\n```json\n{\"title\":\"Mars weather\"}\n```\nEnjoy.")
	if plan.ParseError != "" {
		t.Fatalf("unexpected parse error: %s", plan.ParseError)
	}
	if plan.Document["title"] != "Mars weather" {
		t.Fatalf("unexpected document: %#v", plan.Document)
	}
	if len(plan.Warnings) == 0 || !strings.Contains(plan.Warnings[0], "extracted") {
		t.Fatalf("expected extraction warning, got %v", plan.Warnings)
	}
}

func TestParsePlanFailurePayload(t *testing.T) {
	raw := "I cannot produce a plan today"
	plan := parsePlan(raw)
	if plan.ParseError == "" {
		t.Fatalf("expected parse error")
	}
	if plan.Document["error"] != "Parsing failed" || plan.Document["response"] != raw {
		t.Fatalf("unexpected failure payload: %#v", plan.Document)
	}
	if plan.Raw != raw {
		t.Fatalf("raw not kept: %q", plan.Raw)
	}
}

func TestPlannerUsesRoutedModelAndHints(t *testing.T) {
	cfg := testConfig(t)
	llm := newStubLLM()
	llm.queue("plan-model", `{"title":"Near earth objects"}`)
	p := NewPlanner(cfg, llm, nil)

	hints := []HistoryRecord{{Request: "show asteroid sizes", PlanSummary: "Asteroids - 2 visualizations"}}
	plan, err := p.Plan(context.Background(), "near earth objects this week", hints)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Model != "plan-model" {
		t.Fatalf("model = %q", plan.Model)
	}
	calls := llm.callsFor("plan-model")
	if len(calls) != 1 {
		t.Fatalf("expected one planning call, got %d", len(calls))
	}
	if calls[0].Temperature == nil || *calls[0].Temperature != 0.3 {
		t.Fatalf("temperature = %v", calls[0].Temperature)
	}
	if !strings.Contains(calls[0].System, "NASA open data APIs") {
		t.Fatalf("system prompt lacks domain: %s", calls[0].System)
	}
	if !strings.HasPrefix(calls[0].User, "near earth objects this week") || !strings.Contains(calls[0].User, "show asteroid sizes") {
		t.Fatalf("user prompt missing request or hints: %s", calls[0].User)
	}
}

func TestPlannerTransportError(t *testing.T) {
	cfg := testConfig(t)
	llm := newStubLLM()
	llm.errs["plan-model"] = errors.New("connection refused")
	_, err := NewPlanner(cfg, llm, nil).Plan(context.Background(), "anything", nil)
	if err == nil || !strings.Contains(err.Error(), "failed to generate plan") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestSourcerAppendsCatalogAndStripsFences(t *testing.T) {
	cfg := testConfig(t)
	llm := newStubLLM()
	llm.queue("source-model", "```python\nimport requests\ndata = requests.get('x').json()\n```")
	s := NewSourcer(cfg, llm, nil)

	plan := parsePlan(`{"title":"APOD"}`)
	ds, err := s.Source(context.Background(), plan, "APOD: https://api.nasa.gov/planetary/apod")
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if strings.Contains(ds.Code, "```") || !strings.HasPrefix(ds.Code, "import requests") {
		t.Fatalf("fences not stripped: %q", ds.Code)
	}
	if !ds.CatalogUsed {
		t.Fatalf("expected catalog to be used")
	}
	user := llm.callsFor("source-model")[0].User
	if !strings.HasPrefix(user, `{"title":"APOD"}`) || !strings.Contains(user, "\n\nAPI CATALOG:\nAPOD:") {
		t.Fatalf("unexpected user prompt: %q", user)
	}
}

func TestSourcerWithoutCatalogSendsPlanOnly(t *testing.T) {
	cfg := testConfig(t)
	llm := newStubLLM()
	llm.queue("source-model", "data = []")
	ds, err := NewSourcer(cfg, llm, nil).Source(context.Background(), parsePlan(`{"title":"x"}`), "  ")
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if ds.CatalogUsed {
		t.Fatalf("catalog should not be marked used")
	}
	if got := llm.callsFor("source-model")[0].User; got != `{"title":"x"}` {
		t.Fatalf("unexpected user prompt: %q", got)
	}
}

func TestCoderPromptLayout(t *testing.T) {
	cfg := testConfig(t)
	llm := newStubLLM()
	llm.queue("code-model", "import streamlit as st\nst.title('x')")
	code, err := NewCoder(cfg, llm, nil).Code(context.Background(), parsePlan(`{"title":"x"}`), "data = [1]")
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	if !strings.HasPrefix(code, "import streamlit") {
		t.Fatalf("unexpected code: %q", code)
	}
	want := "Plan:\n{\n \"title\": \"x\"\n}\nData Info:\ndata = [1]"
	if got := llm.callsFor("code-model")[0].User; got != want {
		t.Fatalf("user prompt = %q, want %q", got, want)
	}
}
