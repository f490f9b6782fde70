package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mohammad-safakhou/dashforge/internal/runtime"
	"github.com/mohammad-safakhou/dashforge/provider"
)

// LLMProvider is the chat-completion contract every stage depends on
type LLMProvider interface {
	Chat(ctx context.Context, req provider.ChatRequest) (provider.Completion, error)
}

// ProgramRunner executes a generated program file once
type ProgramRunner interface {
	Run(ctx context.Context, file string) runtime.RunLog
}

// Stage names a pipeline step
type Stage string

const (
	StagePlanning  Stage = "planning"
	StageSourcing  Stage = "sourcing"
	StageCoding    Stage = "coding"
	StageDebugging Stage = "debugging"
	StageSaving    Stage = "saving"
)

// EventStatus tracks a stage lifecycle
type EventStatus string

const (
	EventStarted   EventStatus = "started"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
)

// Generation statuses
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusFailed  = "failed"
)

var (
	ErrEmptyRequest = errors.New("request is empty")
	ErrNotFound     = errors.New("not found")
)

// Plan is the planner output. Document is always a JSON object: either the
// parsed plan or the parse-failure payload.
type Plan struct {
	Document   map[string]interface{} `json:"document"`
	Raw        string                 `json:"raw"`
	ParseError string                 `json:"parse_error,omitempty"`
	Warnings   []string               `json:"warnings,omitempty"`
	Model      string                 `json:"model,omitempty"`
}

// JSON returns the document serialized compactly.
func (p Plan) JSON() string {
	b, err := json.Marshal(p.Document)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Indented returns the document serialized with one-space indentation.
func (p Plan) Indented() string {
	b, err := json.MarshalIndent(p.Document, "", " ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DataSource is the data sourcer output.
type DataSource struct {
	Code        string `json:"code"`
	CatalogUsed bool   `json:"catalog_used"`
	Model       string `json:"model,omitempty"`
}

// DebugResult is the outcome of the debug loop.
type DebugResult struct {
	Status      string           `json:"status"`
	CleanedCode string           `json:"cleaned_code"`
	Error       string           `json:"error,omitempty"`
	Logs        []runtime.RunLog `json:"logs"`
}

// Usage sums token accounting across a generation.
type Usage struct {
	Calls            int     `json:"calls"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

func (u *Usage) add(c provider.Completion, cost float64) {
	u.Calls++
	u.PromptTokens += c.PromptTokens
	u.CompletionTokens += c.CompletionTokens
	u.Cost += cost
}

// Generation is the full record of one request through the pipeline.
type Generation struct {
	ID         string                   `json:"id"`
	Request    string                   `json:"request"`
	Status     string                   `json:"status"`
	Error      string                   `json:"error,omitempty"`
	FailedAt   Stage                    `json:"failed_stage,omitempty"`
	Plan       Plan                     `json:"plan"`
	Data       DataSource               `json:"data"`
	RawCode    string                   `json:"raw_code"`
	Debug      DebugResult              `json:"debug"`
	OutputPath string                   `json:"output_path,omitempty"`
	Timings    map[Stage]time.Duration  `json:"timings"`
	Usage      Usage                    `json:"usage"`
	CreatedAt  time.Time                `json:"created_at"`
	FinishedAt time.Time                `json:"finished_at"`
}

// FinalCode returns the best program text available for the generation.
func (g Generation) FinalCode() string {
	if g.Debug.CleanedCode != "" {
		return g.Debug.CleanedCode
	}
	return g.RawCode
}

// Event reports stage progress to front ends.
type Event struct {
	GenerationID string      `json:"generation_id"`
	Stage        Stage       `json:"stage"`
	Status       EventStatus `json:"status"`
	Artifact     string      `json:"artifact,omitempty"`
	Message      string      `json:"message,omitempty"`
	At           time.Time   `json:"at"`
}

// Observer receives pipeline events. Implementations must not block for long.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// GenerationStore persists generations and their run logs
type GenerationStore interface {
	SaveGeneration(ctx context.Context, g Generation) error
	SaveRunLog(ctx context.Context, generationID string, log runtime.RunLog) error
}

// EventPublisher fans pipeline events out to other processes
type EventPublisher interface {
	PublishEvent(ctx context.Context, e Event) error
}

// HistoryRecord is one indexed past generation.
type HistoryRecord struct {
	ID          string    `json:"id"`
	Request     string    `json:"request"`
	PlanSummary string    `json:"plan_summary"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryIndex finds past requests similar to a new one
type HistoryIndex interface {
	Index(ctx context.Context, rec HistoryRecord) error
	Similar(ctx context.Context, request string, n int) ([]HistoryRecord, error)
}

// CatalogSource supplies the optional API catalog text for the data sourcer
type CatalogSource interface {
	Fetch(ctx context.Context) (string, error)
}
