package core

import (
	"context"
	"fmt"
	"log"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dashforge/internal/planner"
	"github.com/mohammad-safakhou/dashforge/internal/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const recentLimit = 100

// Options carries the optional side channels of the orchestrator.
type Options struct {
	Store   GenerationStore
	Events  EventPublisher
	History HistoryIndex
	Catalog CatalogSource
}

// Orchestrator runs the plan, source, code, debug and save stages in order
type Orchestrator struct {
	config    *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	planner  *Planner
	sourcer  *Sourcer
	coder    *Coder
	debugger *Debugger

	store   GenerationStore
	events  EventPublisher
	history HistoryIndex
	catalog CatalogSource

	mu     sync.RWMutex
	recent map[string]Generation
}

var orchestratorTracer trace.Tracer = otel.Tracer("dashforge/internal/agent/orchestrator")

// NewOrchestrator creates a new orchestrator instance
func NewOrchestrator(cfg *config.Config, llmProvider LLMProvider, runner ProgramRunner, telemetry *telemetry.Telemetry, opts Options) *Orchestrator {
	return &Orchestrator{
		config:    cfg,
		logger:    log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		telemetry: telemetry,
		planner:   NewPlanner(cfg, llmProvider, telemetry),
		sourcer:   NewSourcer(cfg, llmProvider, telemetry),
		coder:     NewCoder(cfg, llmProvider, telemetry),
		debugger:  NewDebugger(cfg, llmProvider, runner, telemetry),
		store:     opts.Store,
		events:    opts.Events,
		history:   opts.History,
		catalog:   opts.Catalog,
		recent:    make(map[string]Generation),
	}
}

// Debugger exposes the debug loop for standalone use.
func (o *Orchestrator) Debugger() *Debugger { return o.debugger }

// Generate runs the whole pipeline for request. An empty request fails before
// any model call. When plan, source or code cannot reach the model the
// pipeline stops, the returned generation has status "failed" and the error
// is returned as well. A debug loop that gives up is not an error: the
// generation ends with status "failure" and the last code is still saved.
func (o *Orchestrator) Generate(ctx context.Context, request string, observer Observer) (Generation, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return Generation{}, ErrEmptyRequest
	}
	pipeline := o.config.Pipeline.Normalize()

	gen := Generation{
		ID:        uuid.NewString(),
		Request:   request,
		Status:    StatusRunning,
		Timings:   map[Stage]time.Duration{},
		CreatedAt: time.Now().UTC(),
	}
	ctx = withUsage(ctx, &gen.Usage)
	ctx, span := orchestratorTracer.Start(ctx, "generation", trace.WithAttributes(attribute.String("generation.id", gen.ID)))
	defer span.End()
	o.remember(gen)
	if o.store != nil {
		// Run logs reference the generation row, so it exists before debugging.
		if err := o.store.SaveGeneration(ctx, gen); err != nil {
			o.logger.Printf("Warning: save generation %s: %v", gen.ID, err)
		}
	}
	o.logger.Printf("Generation %s started: %q", gen.ID, truncateForLog(request))

	emit := func(stage Stage, status EventStatus, artifact, message string) {
		e := Event{GenerationID: gen.ID, Stage: stage, Status: status, Artifact: artifact, Message: message, At: time.Now().UTC()}
		if observer != nil {
			observer.OnEvent(e)
		}
		if o.events != nil {
			if err := o.events.PublishEvent(ctx, e); err != nil {
				o.logger.Printf("Warning: publish event %s/%s: %v", stage, status, err)
			}
		}
	}
	fail := func(stage Stage, err error) (Generation, error) {
		gen.Status = StatusFailed
		gen.FailedAt = stage
		gen.Error = stageFailureText(stage, err)
		emit(stage, EventFailed, "", gen.Error)
		span.RecordError(err)
		span.SetStatus(codes.Error, gen.Error)
		o.finish(ctx, &gen)
		return gen, fmt.Errorf("%s stage: %w", stage, err)
	}

	var hints []HistoryRecord
	if o.history != nil && pipeline.UseHistory {
		hints = o.similar(ctx, request)
	}

	// plan
	emit(StagePlanning, EventStarted, "", "Planning dashboard...")
	err := o.timed(ctx, &gen, StagePlanning, func(ctx context.Context) error {
		var err error
		gen.Plan, err = o.planner.Plan(ctx, request, hints)
		return err
	})
	if err != nil {
		return fail(StagePlanning, err)
	}
	msg := planner.Summary(gen.Plan.Document)
	if gen.Plan.ParseError != "" {
		msg = "plan is not valid JSON; continuing with the raw response"
	}
	emit(StagePlanning, EventCompleted, gen.Plan.Indented(), msg)

	// source
	emit(StageSourcing, EventStarted, "", "Sourcing data...")
	catalog := ""
	if o.catalog != nil && pipeline.UseCatalog {
		if catalog, err = o.catalog.Fetch(ctx); err != nil {
			o.logger.Printf("Warning: API catalog unavailable: %v", err)
			catalog = ""
		}
	}
	err = o.timed(ctx, &gen, StageSourcing, func(ctx context.Context) error {
		var err error
		gen.Data, err = o.sourcer.Source(ctx, gen.Plan, catalog)
		return err
	})
	if err != nil {
		return fail(StageSourcing, err)
	}
	emit(StageSourcing, EventCompleted, gen.Data.Code, "")

	// code
	emit(StageCoding, EventStarted, "", "Generating dashboard code...")
	err = o.timed(ctx, &gen, StageCoding, func(ctx context.Context) error {
		var err error
		gen.RawCode, err = o.coder.Code(ctx, gen.Plan, gen.Data.Code)
		return err
	})
	if err != nil {
		return fail(StageCoding, err)
	}
	emit(StageCoding, EventCompleted, gen.RawCode, "")

	// debug
	emit(StageDebugging, EventStarted, "", "Debugging dashboard code...")
	_ = o.timed(ctx, &gen, StageDebugging, func(ctx context.Context) error {
		gen.Debug = o.debugger.DebugObserved(ctx, gen.RawCode, func(i, total int, entry runtime.RunLog, passed bool) {
			if o.store != nil {
				if err := o.store.SaveRunLog(ctx, gen.ID, entry); err != nil {
					o.logger.Printf("Warning: save run log: %v", err)
				}
			}
			emit(StageDebugging, EventStarted, "", fmt.Sprintf("run %d/%d: exit=%s timed_out=%t passed=%t", i, total, exitText(entry.ExitCode), entry.TimedOut, passed))
		})
		if gen.Debug.Status != DebugSuccess {
			return fmt.Errorf("%s", gen.Debug.Error)
		}
		return nil
	})
	if gen.Debug.Status == DebugSuccess {
		emit(StageDebugging, EventCompleted, gen.Debug.CleanedCode, "Dashboard code generated and debugged.")
	} else {
		emit(StageDebugging, EventFailed, gen.Debug.CleanedCode, gen.Debug.Error)
	}

	// save
	emit(StageSaving, EventStarted, "", "Saving dashboard code...")
	path := OutputPath(o.config)
	err = o.timed(ctx, &gen, StageSaving, func(context.Context) error {
		return writeProgram(path, gen.FinalCode())
	})
	if err != nil {
		return fail(StageSaving, err)
	}
	gen.OutputPath = path
	emit(StageSaving, EventCompleted, path, "Dashboard code saved to "+path)

	gen.Status = gen.Debug.Status
	gen.Error = gen.Debug.Error
	if gen.Status != DebugSuccess {
		gen.FailedAt = StageDebugging
		span.SetStatus(codes.Error, gen.Error)
	}
	o.finish(ctx, &gen)
	return gen, nil
}

// timed runs fn inside a stage span and records its duration.
func (o *Orchestrator) timed(ctx context.Context, gen *Generation, stage Stage, fn func(context.Context) error) error {
	ctx, span := orchestratorTracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(attribute.String("generation.id", gen.ID)))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	d := time.Since(start)
	gen.Timings[stage] = d
	status := string(EventCompleted)
	if err != nil {
		status = string(EventFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.telemetry.ObserveStage(string(stage), status, d)
	return err
}

func (o *Orchestrator) similar(ctx context.Context, request string) []HistoryRecord {
	recs, err := o.history.Similar(ctx, request, 5)
	if err != nil {
		o.logger.Printf("Warning: history lookup failed: %v", err)
		return nil
	}
	var hints []HistoryRecord
	for _, r := range recs {
		if r.Status == StatusSuccess && len(hints) < 3 {
			hints = append(hints, r)
		}
	}
	return hints
}

// finish stamps the generation and feeds the side channels. None of their
// failures change the outcome.
func (o *Orchestrator) finish(ctx context.Context, gen *Generation) {
	gen.FinishedAt = time.Now().UTC()
	o.remember(*gen)
	o.telemetry.RecordGeneration(gen.ID, gen.Status, gen.FinishedAt.Sub(gen.CreatedAt))

	// Side channels run on a context that outlives a cancelled request.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if o.store != nil {
		if err := o.store.SaveGeneration(sctx, *gen); err != nil {
			o.logger.Printf("Warning: save generation %s: %v", gen.ID, err)
		}
	}
	if o.history != nil {
		rec := HistoryRecord{
			ID:          gen.ID,
			Request:     gen.Request,
			PlanSummary: planner.Summary(gen.Plan.Document),
			Status:      gen.Status,
			CreatedAt:   gen.CreatedAt,
		}
		if err := o.history.Index(sctx, rec); err != nil {
			o.logger.Printf("Warning: index generation %s: %v", gen.ID, err)
		}
	}
	o.logger.Printf("Generation %s finished: status=%s llm_calls=%d tokens=%d/%d cost=$%.4f",
		gen.ID, gen.Status, gen.Usage.Calls, gen.Usage.PromptTokens, gen.Usage.CompletionTokens, gen.Usage.Cost)
}

// remember keeps a snapshot: the running pipeline keeps writing to its own
// Timings map while readers see the copy.
func (o *Orchestrator) remember(gen Generation) {
	gen.Timings = maps.Clone(gen.Timings)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recent[gen.ID] = gen
	if len(o.recent) <= recentLimit {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, g := range o.recent {
		if oldestID == "" || g.CreatedAt.Before(oldest) {
			oldestID, oldest = id, g.CreatedAt
		}
	}
	delete(o.recent, oldestID)
}

// Get returns a generation kept in memory by this process.
func (o *Orchestrator) Get(id string) (Generation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.recent[id]
	return g, ok
}

// Recent lists in-memory generations, newest first.
func (o *Orchestrator) Recent(limit int) []Generation {
	o.mu.RLock()
	out := make([]Generation, 0, len(o.recent))
	for _, g := range o.recent {
		out = append(out, g)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func stageFailureText(stage Stage, err error) string {
	switch stage {
	case StageCoding:
		return "Error generating dashboard: " + err.Error()
	default:
		return err.Error()
	}
}

func truncateForLog(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
