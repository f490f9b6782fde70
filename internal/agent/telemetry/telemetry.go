package telemetry

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry provides prometheus metrics and cost tracking for the pipeline
type Telemetry struct {
	config   config.TelemetryConfig
	pricing  map[string]config.LLMModel
	logger   *log.Logger
	registry *prometheus.Registry

	llmCalls        *prometheus.CounterVec
	llmTokens       *prometheus.CounterVec
	llmLatency      *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	debugIterations *prometheus.HistogramVec
	generations     *prometheus.CounterVec
	runs            *prometheus.CounterVec

	mu          sync.RWMutex
	costTracker CostTracker
}

// CostTracker accumulates spend per model and per stage
type CostTracker struct {
	TotalCost   float64
	TotalTokens int64
	ModelCosts  map[string]float64
	StageCosts  map[string]float64
}

// CostSummary provides a copy of the tracked costs
type CostSummary struct {
	TotalCost   float64            `json:"total_cost"`
	TotalTokens int64              `json:"total_tokens"`
	ModelCosts  map[string]float64 `json:"model_costs"`
	StageCosts  map[string]float64 `json:"stage_costs"`
}

// NewTelemetry creates collectors on a dedicated registry. Pricing comes from
// the models configured under every provider, keyed by routing name and api name.
func NewTelemetry(cfg config.TelemetryConfig, llm config.LLMConfig) *Telemetry {
	ns := strings.TrimSpace(cfg.Namespace)
	if ns == "" {
		ns = "dashforge"
	}
	t := &Telemetry{
		config:   cfg,
		pricing:  map[string]config.LLMModel{},
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: prometheus.NewRegistry(),
		costTracker: CostTracker{
			ModelCosts: map[string]float64{},
			StageCosts: map[string]float64{},
		},
	}
	for _, p := range llm.Providers {
		for key, m := range p.Models {
			t.pricing[key] = m
			if m.APIName != "" {
				t.pricing[m.APIName] = m
			}
		}
	}

	t.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "llm_calls_total", Help: "LLM calls by stage and outcome.",
	}, []string{"stage", "outcome"})
	t.llmTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "llm_tokens_total", Help: "LLM tokens by stage and direction.",
	}, []string{"stage", "direction"})
	t.llmLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "llm_latency_seconds", Help: "LLM call latency.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"stage"})
	t.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "stage_duration_seconds", Help: "Pipeline stage duration.",
		Buckets: []float64{1, 5, 10, 20, 40, 80, 160, 320},
	}, []string{"stage", "status"})
	t.debugIterations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "debug_iterations", Help: "Debug loop iterations used per generation.",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	}, []string{"status"})
	t.generations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "generations_total", Help: "Finished generations by status.",
	}, []string{"status"})
	t.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "runner_runs_total", Help: "Generated program runs by outcome.",
	}, []string{"outcome"})

	t.registry.MustRegister(t.llmCalls, t.llmTokens, t.llmLatency, t.stageDuration, t.debugIterations, t.generations, t.runs)
	return t
}

// Handler serves the registry in the prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Registry exposes the underlying registry.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// RecordLLMCall records one model call and returns its estimated cost. Cost
// and the cost summary are tracked whether or not metrics are enabled.
func (t *Telemetry) RecordLLMCall(stage, model string, promptTokens, completionTokens int64, latency time.Duration, err error) float64 {
	if t == nil {
		return 0
	}
	if err != nil {
		if t.config.Enabled {
			t.llmCalls.WithLabelValues(stage, "error").Inc()
		}
		return 0
	}

	cost := t.cost(model, promptTokens, completionTokens)
	t.mu.Lock()
	t.costTracker.TotalCost += cost
	t.costTracker.TotalTokens += promptTokens + completionTokens
	t.costTracker.ModelCosts[model] += cost
	t.costTracker.StageCosts[stage] += cost
	t.mu.Unlock()

	if !t.config.Enabled {
		return cost
	}
	t.llmCalls.WithLabelValues(stage, "ok").Inc()
	t.llmTokens.WithLabelValues(stage, "prompt").Add(float64(promptTokens))
	t.llmTokens.WithLabelValues(stage, "completion").Add(float64(completionTokens))
	t.llmLatency.WithLabelValues(stage).Observe(latency.Seconds())
	t.logger.Printf("LLM Call: Stage=%s, Model=%s, Latency=%v, Tokens=%d/%d, Cost=$%.4f",
		stage, model, latency, promptTokens, completionTokens, cost)
	return cost
}

func (t *Telemetry) cost(model string, promptTokens, completionTokens int64) float64 {
	m, ok := t.pricing[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*m.CostPer1K + float64(completionTokens)/1000*m.CostPer1KOutput
}

// ObserveStage records how long a pipeline stage took.
func (t *Telemetry) ObserveStage(stage, status string, d time.Duration) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// ObserveDebug records the number of debug iterations a generation used.
func (t *Telemetry) ObserveDebug(status string, iterations int) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.debugIterations.WithLabelValues(status).Observe(float64(iterations))
}

// RecordRun counts one execution of a generated program.
func (t *Telemetry) RecordRun(succeeded, timedOut bool) {
	if t == nil || !t.config.Enabled {
		return
	}
	outcome := "error"
	switch {
	case timedOut:
		outcome = "timeout"
	case succeeded:
		outcome = "ok"
	}
	t.runs.WithLabelValues(outcome).Inc()
}

// RecordGeneration counts a finished generation.
func (t *Telemetry) RecordGeneration(id, status string, d time.Duration) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.generations.WithLabelValues(status).Inc()
	summary := t.GetCostSummary()
	t.logger.Printf("Generation: ID=%s, Status=%s, Duration=%v, TotalCost=$%.4f, TotalTokens=%d",
		id, status, d, summary.TotalCost, summary.TotalTokens)
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	if t == nil {
		return CostSummary{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  make(map[string]float64, len(t.costTracker.ModelCosts)),
		StageCosts:  make(map[string]float64, len(t.costTracker.StageCosts)),
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.StageCosts {
		summary.StageCosts[k] = v
	}
	return summary
}
