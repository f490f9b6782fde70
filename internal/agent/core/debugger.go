package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dashforge/internal/helpers"
	"github.com/mohammad-safakhou/dashforge/internal/runtime"
)

const (
	DebugSuccess = "success"
	DebugFailure = "failure"

	errStillFailing = "code still errors after debugging attempts"
)

// IterationHook is called after every run of the debug loop.
type IterationHook func(iteration, total int, log runtime.RunLog, passed bool)

// Debugger runs generated code, feeds what it observed back to the model and
// reruns the model's fix, for a bounded number of iterations.
type Debugger struct {
	llm        stageLLM
	runner     ProgramRunner
	telemetry  *telemetry.Telemetry
	iterations int
	outputPath string
	markers    []string
	maxChars   int
	secretEnv  []string
	logger     *log.Logger

	// One program runs at a time: the runner listens on a fixed port and the
	// output file is shared.
	runMu *sync.Mutex
}

func NewDebugger(cfg *config.Config, llmProvider LLMProvider, runner ProgramRunner, telemetry *telemetry.Telemetry) *Debugger {
	pipeline := cfg.Pipeline.Normalize()
	return &Debugger{
		llm:        newStageLLM(cfg, llmProvider, telemetry, StageDebugging),
		runner:     runner,
		telemetry:  telemetry,
		iterations: pipeline.DebugIterations,
		outputPath: OutputPath(cfg),
		markers:    cfg.Runner.Normalize().ErrorMarkers,
		maxChars:   pipeline.MaxFeedbackChars,
		secretEnv:  pipeline.SecretEnv,
		logger:     log.New(log.Writer(), "[DEBUGGER] ", log.LstdFlags),
		runMu:      &sync.Mutex{},
	}
}

// OutputPath is where generated programs are written.
func OutputPath(cfg *config.Config) string {
	return filepath.Join(cfg.General.Workdir, cfg.Pipeline.Normalize().OutputFile)
}

// WithIterations returns a copy using n iterations.
func (d *Debugger) WithIterations(n int) *Debugger {
	cp := *d
	cp.iterations = n
	return &cp
}

// WithOutput returns a copy that writes programs to path.
func (d *Debugger) WithOutput(path string) *Debugger {
	cp := *d
	cp.outputPath = path
	return &cp
}

// Debug runs the loop. It never fails outright: every problem ends up in the
// returned result.
func (d *Debugger) Debug(ctx context.Context, initialCode string) DebugResult {
	return d.DebugObserved(ctx, initialCode, nil)
}

// DebugObserved is Debug with a hook called after each run.
func (d *Debugger) DebugObserved(ctx context.Context, initialCode string, hook IterationHook) DebugResult {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	current := initialCode
	logs := []runtime.RunLog{}
	failure := func(msg string) DebugResult {
		d.telemetry.ObserveDebug(DebugFailure, len(logs))
		return DebugResult{Status: DebugFailure, CleanedCode: current, Error: msg, Logs: logs}
	}
	system := debuggingSystemPrompt(d.secretEnv)

	for i := 0; i < d.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return failure(err.Error())
		}

		var prev *feedback
		if i > 0 {
			prev = d.feedbackFrom(logs[len(logs)-1])
		}
		resp, err := d.llm.chat(ctx, system, debuggingUserPrompt(current, prev))
		if err != nil {
			d.logger.Printf("iteration=%d llm error: %v", i+1, err)
			return failure("llm error: " + err.Error())
		}
		fixed := helpers.StripCodeFences(resp.Content, "python", "py")

		if err := writeProgram(d.outputPath, fixed); err != nil {
			current = fixed
			return failure(err.Error())
		}

		entry := d.runner.Run(ctx, d.outputPath)
		entry.Iteration = i + 1
		logs = append(logs, entry)
		passed := d.passed(entry)
		d.telemetry.RecordRun(entry.Succeeded(), entry.TimedOut)
		d.logger.Printf("iteration=%d/%d exit=%s timed_out=%t passed=%t", i+1, d.iterations, exitText(entry.ExitCode), entry.TimedOut, passed)
		if hook != nil {
			hook(i+1, d.iterations, entry, passed)
		}
		if passed {
			d.telemetry.ObserveDebug(DebugSuccess, len(logs))
			return DebugResult{Status: DebugSuccess, CleanedCode: fixed, Logs: logs}
		}
		current = fixed
	}
	return failure(errStillFailing)
}

// passed requires a clean exit, no timeout and no error marker in stderr or
// the rendered page, since dashboard frameworks often render exceptions
// in-page while the server itself exits cleanly.
func (d *Debugger) passed(entry runtime.RunLog) bool {
	if !entry.Succeeded() {
		return false
	}
	for _, m := range d.markers {
		if m == "" {
			continue
		}
		if strings.Contains(entry.Stderr, m) || strings.Contains(entry.HTML, m) {
			return false
		}
	}
	return true
}

func (d *Debugger) feedbackFrom(entry runtime.RunLog) *feedback {
	html := entry.HTMLText
	if html == "" {
		html = helpers.CollapseWhitespace(helpers.SanitizeHTMLStrict(entry.HTML))
	}
	return &feedback{
		stdout: helpers.TruncateMiddle(entry.Stdout, d.maxChars),
		stderr: helpers.TruncateMiddle(entry.Stderr, d.maxChars),
		html:   helpers.TruncateMiddle(html, d.maxChars),
	}
}

func writeProgram(path, code string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return fmt.Errorf("write program: %w", err)
	}
	return nil
}

func exitText(code *int) string {
	if code == nil {
		return "none"
	}
	return fmt.Sprint(*code)
}
