package core

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dashforge/internal/runtime"
)

type memStore struct {
	mu   sync.Mutex
	gens []Generation
	logs map[string][]runtime.RunLog
}

func (m *memStore) SaveGeneration(ctx context.Context, g Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens = append(m.gens, g)
	return nil
}

func (m *memStore) SaveRunLog(ctx context.Context, id string, l runtime.RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logs == nil {
		m.logs = map[string][]runtime.RunLog{}
	}
	m.logs[id] = append(m.logs[id], l)
	return nil
}

type memHistory struct {
	records []HistoryRecord
	indexed []HistoryRecord
}

func (h *memHistory) Index(ctx context.Context, rec HistoryRecord) error {
	h.indexed = append(h.indexed, rec)
	return nil
}

func (h *memHistory) Similar(ctx context.Context, request string, n int) ([]HistoryRecord, error) {
	return h.records, nil
}

type staticCatalog string

func (c staticCatalog) Fetch(ctx context.Context) (string, error) { return string(c), nil }

type failingPublisher struct{ calls int }

func (p *failingPublisher) PublishEvent(ctx context.Context, e Event) error {
	p.calls++
	return errors.New("redis down")
}

func queueHappyPath(llm *stubLLM) {
	llm.queue("plan-model", `{"title":"Solar flares","visualizations":[{"type":"line"}]}`)
	llm.queue("source-model", "data = fetch_flares()")
	llm.queue("code-model", "import streamlit as st\nst.line_chart(data)")
	llm.queue("debug-model", "import streamlit as st\nst.line_chart(data)  # fixed")
}

func TestGenerateEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.UseCatalog = true
	cfg.Pipeline.UseHistory = true
	llm := newStubLLM()
	queueHappyPath(llm)
	store := &memStore{}
	history := &memHistory{records: []HistoryRecord{
		{Request: "old failure", Status: StatusFailure},
		{Request: "sunspot counts", Status: StatusSuccess},
	}}
	pub := &failingPublisher{}
	o := NewOrchestrator(cfg, llm, &fakeRunner{}, nil, Options{
		Store: store, Events: pub, History: history, Catalog: staticCatalog("DONKI: flares"),
	})

	var events []Event
	gen, err := o.Generate(context.Background(), "  solar flares this month ", ObserverFunc(func(e Event) { events = append(events, e) }))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gen.Status != StatusSuccess || gen.Request != "solar flares this month" {
		t.Fatalf("unexpected generation: %+v", gen)
	}
	if gen.FinalCode() != "import streamlit as st\nst.line_chart(data)  # fixed" {
		t.Fatalf("final code = %q", gen.FinalCode())
	}
	saved, err := os.ReadFile(gen.OutputPath)
	if err != nil || string(saved) != gen.FinalCode() {
		t.Fatalf("saved file mismatch: %q %v", saved, err)
	}
	if gen.Usage.Calls != 4 || gen.Usage.PromptTokens != 40 {
		t.Fatalf("usage = %+v", gen.Usage)
	}
	for _, s := range []Stage{StagePlanning, StageSourcing, StageCoding, StageDebugging, StageSaving} {
		if _, ok := gen.Timings[s]; !ok {
			t.Fatalf("missing timing for %s", s)
		}
	}

	planUser := llm.callsFor("plan-model")[0].User
	if !strings.Contains(planUser, "sunspot counts") || strings.Contains(planUser, "old failure") {
		t.Fatalf("history hints not filtered: %s", planUser)
	}
	if !strings.Contains(llm.callsFor("source-model")[0].User, "API CATALOG:\nDONKI: flares") {
		t.Fatalf("catalog not passed to sourcer")
	}

	if len(events) == 0 || events[0].Stage != StagePlanning || events[0].Status != EventStarted {
		t.Fatalf("unexpected first event: %+v", events)
	}
	last := events[len(events)-1]
	if last.Stage != StageSaving || last.Status != EventCompleted || last.Artifact != gen.OutputPath {
		t.Fatalf("unexpected last event: %+v", last)
	}
	if pub.calls != len(events) {
		t.Fatalf("publisher saw %d events, observer %d", pub.calls, len(events))
	}

	if len(store.gens) != 2 || store.gens[0].Status != StatusRunning || store.gens[1].Status != StatusSuccess || len(store.logs[gen.ID]) != 1 {
		t.Fatalf("store not fed: %+v", store)
	}
	if len(history.indexed) != 1 || history.indexed[0].PlanSummary != "Solar flares - 1 visualizations" {
		t.Fatalf("history not indexed: %+v", history.indexed)
	}
	if got, ok := o.Get(gen.ID); !ok || got.Status != StatusSuccess {
		t.Fatalf("generation not retrievable")
	}
	if recent := o.Recent(10); len(recent) != 1 {
		t.Fatalf("recent = %d", len(recent))
	}
}

func TestGenerateDebugFailureStillSaves(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.DebugIterations = 1
	llm := newStubLLM()
	queueHappyPath(llm)
	runner := &fakeRunner{logs: []runtime.RunLog{exitLog(1, "", "Traceback (most recent call last):\nValueError")}}
	o := NewOrchestrator(cfg, llm, runner, nil, Options{})

	gen, err := o.Generate(context.Background(), "solar flares", nil)
	if err != nil {
		t.Fatalf("debug failure must not be an error: %v", err)
	}
	if gen.Status != StatusFailure || gen.FailedAt != StageDebugging || gen.Error != errStillFailing {
		t.Fatalf("unexpected generation: %+v", gen)
	}
	if _, err := os.Stat(gen.OutputPath); err != nil {
		t.Fatalf("last code should still be saved: %v", err)
	}
}

func TestGenerateRejectsEmptyRequest(t *testing.T) {
	llm := newStubLLM()
	o := NewOrchestrator(testConfig(t), llm, &fakeRunner{}, nil, Options{})
	if _, err := o.Generate(context.Background(), "   ", nil); !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("expected ErrEmptyRequest, got %v", err)
	}
	if len(llm.calls) != 0 {
		t.Fatalf("no model call expected")
	}
}

func TestGenerateStopsOnCodingError(t *testing.T) {
	cfg := testConfig(t)
	llm := newStubLLM()
	llm.queue("plan-model", `{"title":"x"}`)
	llm.queue("source-model", "data = 1")
	llm.errs["code-model"] = errors.New("context length exceeded")
	store := &memStore{}
	o := NewOrchestrator(cfg, llm, &fakeRunner{}, nil, Options{Store: store})

	var failed []Event
	gen, err := o.Generate(context.Background(), "x", ObserverFunc(func(e Event) {
		if e.Status == EventFailed {
			failed = append(failed, e)
		}
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	if gen.Status != StatusFailed || gen.FailedAt != StageCoding {
		t.Fatalf("unexpected generation: %+v", gen)
	}
	if !strings.HasPrefix(gen.Error, "Error generating dashboard: ") {
		t.Fatalf("error text = %q", gen.Error)
	}
	if len(failed) != 1 || failed[0].Stage != StageCoding {
		t.Fatalf("failed events: %+v", failed)
	}
	if len(llm.callsFor("debug-model")) != 0 {
		t.Fatalf("debugger must not run after a coding failure")
	}
	if len(store.gens) != 2 || store.gens[1].Status != StatusFailed {
		t.Fatalf("failed generation not stored")
	}
}

func TestGenerateContinuesAfterPlanParseFailure(t *testing.T) {
	cfg := testConfig(t)
	llm := newStubLLM()
	llm.queue("plan-model", "sorry, here are some thoughts")
	llm.queue("source-model", "data = 1")
	llm.queue("code-model", "code()")
	llm.queue("debug-model", "code()")
	o := NewOrchestrator(cfg, llm, &fakeRunner{}, nil, Options{})

	gen, err := o.Generate(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gen.Plan.ParseError == "" || gen.Status != StatusSuccess {
		t.Fatalf("unexpected generation: %+v", gen)
	}
	if !strings.Contains(llm.callsFor("source-model")[0].User, `"error":"Parsing failed"`) {
		t.Fatalf("sourcer should receive the failure payload")
	}
}

func TestGetWhileGenerating(t *testing.T) {
	cfg := testConfig(t)
	llm := newStubLLM()
	llm.delay = 20 * time.Millisecond
	queueHappyPath(llm)
	o := NewOrchestrator(cfg, llm, &fakeRunner{}, nil, Options{})

	ids := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Generate(context.Background(), "solar flares", ObserverFunc(func(e Event) {
			select {
			case ids <- e.GenerationID:
			default:
			}
		}))
	}()

	id := <-ids
	for polling := true; polling; {
		select {
		case <-done:
			polling = false
		default:
		}
		if g, ok := o.Get(id); ok {
			if _, err := json.Marshal(g.Timings); err != nil {
				t.Fatalf("marshal timings: %v", err)
			}
		}
		for _, g := range o.Recent(10) {
			_ = len(g.Timings)
		}
	}

	g, ok := o.Get(id)
	if !ok || g.Status != StatusSuccess || len(g.Timings) != 5 {
		t.Fatalf("unexpected final snapshot: ok=%t %+v", ok, g)
	}
}
