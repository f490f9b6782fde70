package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	core "github.com/mohammad-safakhou/dashforge/internal/agent/core"
	"github.com/mohammad-safakhou/dashforge/internal/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

var (
	metricsOnce    sync.Once
	costCounter    otelmetric.Float64Counter
	tokenCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	costCounter, err = meter.Float64Counter("generation_cost_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("generation_tokens_total")
	if err != nil {
		metricsInitErr = err
	}
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// SaveGeneration upserts a generation. It is called when a generation starts
// and again when it finishes.
func (s *Store) SaveGeneration(ctx context.Context, g core.Generation) error {
	plan, err := json.Marshal(g.Plan.Document)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if g.Plan.Document == nil {
		plan = []byte("{}")
	}
	timings, err := json.Marshal(timingsMillis(g.Timings))
	if err != nil {
		return fmt.Errorf("marshal timings: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO generations (id, request, status, error, failed_stage, plan, plan_raw, plan_parse_error, data_code, raw_code, final_code, debug_status, output_path, timings, llm_calls, prompt_tokens, completion_tokens, cost, created_at, finished_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,NOW())
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  error = EXCLUDED.error,
  failed_stage = EXCLUDED.failed_stage,
  plan = EXCLUDED.plan,
  plan_raw = EXCLUDED.plan_raw,
  plan_parse_error = EXCLUDED.plan_parse_error,
  data_code = EXCLUDED.data_code,
  raw_code = EXCLUDED.raw_code,
  final_code = EXCLUDED.final_code,
  debug_status = EXCLUDED.debug_status,
  output_path = EXCLUDED.output_path,
  timings = EXCLUDED.timings,
  llm_calls = EXCLUDED.llm_calls,
  prompt_tokens = EXCLUDED.prompt_tokens,
  completion_tokens = EXCLUDED.completion_tokens,
  cost = EXCLUDED.cost,
  finished_at = EXCLUDED.finished_at,
  updated_at = NOW();
`,
		g.ID, g.Request, g.Status, g.Error, string(g.FailedAt), plan, g.Plan.Raw, g.Plan.ParseError,
		g.Data.Code, g.RawCode, g.FinalCode(), g.Debug.Status, g.OutputPath, timings,
		g.Usage.Calls, g.Usage.PromptTokens, g.Usage.CompletionTokens, g.Usage.Cost,
		g.CreatedAt, nullTime(g.FinishedAt),
	)
	if err != nil {
		return err
	}
	if g.FinishedAt.IsZero() {
		return nil
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil {
		attrs := []attribute.KeyValue{
			attribute.String("status", g.Status),
		}
		if costCounter != nil && g.Usage.Cost > 0 {
			costCounter.Add(ctx, g.Usage.Cost, otelmetric.WithAttributes(attrs...))
		}
		if tokenCounter != nil && g.Usage.PromptTokens+g.Usage.CompletionTokens > 0 {
			tokenCounter.Add(ctx, g.Usage.PromptTokens+g.Usage.CompletionTokens, otelmetric.WithAttributes(attrs...))
		}
	}
	return nil
}

const generationColumns = `id, request, status, error, failed_stage, plan, plan_raw, plan_parse_error, data_code, raw_code, final_code, debug_status, output_path, timings, llm_calls, prompt_tokens, completion_tokens, cost, created_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGeneration(row rowScanner) (core.Generation, error) {
	var (
		g          core.Generation
		failed     string
		plan       []byte
		timings    []byte
		finalCode  string
		finishedAt sql.NullTime
	)
	err := row.Scan(&g.ID, &g.Request, &g.Status, &g.Error, &failed, &plan, &g.Plan.Raw, &g.Plan.ParseError,
		&g.Data.Code, &g.RawCode, &finalCode, &g.Debug.Status, &g.OutputPath, &timings,
		&g.Usage.Calls, &g.Usage.PromptTokens, &g.Usage.CompletionTokens, &g.Usage.Cost,
		&g.CreatedAt, &finishedAt)
	if err != nil {
		return core.Generation{}, err
	}
	g.FailedAt = core.Stage(failed)
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &g.Plan.Document); err != nil {
			return core.Generation{}, fmt.Errorf("decode plan: %w", err)
		}
	}
	var ms map[string]int64
	if len(timings) > 0 {
		if err := json.Unmarshal(timings, &ms); err != nil {
			return core.Generation{}, fmt.Errorf("decode timings: %w", err)
		}
	}
	g.Timings = make(map[core.Stage]time.Duration, len(ms))
	for k, v := range ms {
		g.Timings[core.Stage(k)] = time.Duration(v) * time.Millisecond
	}
	if g.Debug.Status != "" {
		g.Debug.CleanedCode = finalCode
	}
	if g.Debug.Status != "" && g.Debug.Status != core.DebugSuccess {
		g.Debug.Error = g.Error
	}
	if finishedAt.Valid {
		g.FinishedAt = finishedAt.Time
	}
	return g, nil
}

// GetGeneration loads a generation with its run logs.
func (s *Store) GetGeneration(ctx context.Context, id string) (core.Generation, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id=$1`, id)
	g, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Generation{}, core.ErrNotFound
		}
		return core.Generation{}, err
	}
	logs, err := s.ListRunLogs(ctx, id)
	if err != nil {
		return core.Generation{}, err
	}
	g.Debug.Logs = logs
	return g, nil
}

// ListGenerations returns the newest generations without their run logs.
func (s *Store) ListGenerations(ctx context.Context, limit int) ([]core.Generation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+generationColumns+` FROM generations ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SaveRunLog appends one debug-loop run to a generation.
func (s *Store) SaveRunLog(ctx context.Context, generationID string, l runtime.RunLog) error {
	var exit sql.NullInt64
	if l.ExitCode != nil {
		exit = sql.NullInt64{Int64: int64(*l.ExitCode), Valid: true}
	}
	startedAt := l.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO run_logs (generation_id, iteration, command, stdout, stderr, exit_code, timed_out, html, started_at, duration_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		generationID, l.Iteration, pq.Array(l.Command), l.Stdout, l.Stderr, exit, l.TimedOut, l.HTML, startedAt, l.Duration.Milliseconds(),
	)
	return err
}

// ListRunLogs returns the runs of a generation in iteration order.
func (s *Store) ListRunLogs(ctx context.Context, generationID string) ([]runtime.RunLog, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT iteration, command, stdout, stderr, exit_code, timed_out, html, started_at, duration_ms
FROM run_logs WHERE generation_id=$1 ORDER BY iteration ASC, id ASC`, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []runtime.RunLog
	for rows.Next() {
		var (
			l        runtime.RunLog
			command  pq.StringArray
			exit     sql.NullInt64
			duration int64
		)
		if err := rows.Scan(&l.Iteration, &command, &l.Stdout, &l.Stderr, &exit, &l.TimedOut, &l.HTML, &l.StartedAt, &duration); err != nil {
			return nil, err
		}
		l.Command = []string(command)
		if exit.Valid {
			code := int(exit.Int64)
			l.ExitCode = &code
		}
		l.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, l)
	}
	return out, rows.Err()
}

func timingsMillis(t map[core.Stage]time.Duration) map[string]int64 {
	out := make(map[string]int64, len(t))
	for k, v := range t {
		out[string(k)] = v.Milliseconds()
	}
	return out
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
