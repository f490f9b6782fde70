package runtime

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/tools/web_fetch/models"
)

// Snapshotter renders a local URL and returns its markup.
type Snapshotter interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

// RunLog is everything observed during one execution of a generated program.
type RunLog struct {
	Iteration int           `json:"iteration"`
	Command   []string      `json:"command"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  *int          `json:"exit_code"` // nil when the process had to be killed
	TimedOut  bool          `json:"timed_out"`
	HTML      string        `json:"html"`
	HTMLText  string        `json:"html_text,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded reports a clean exit that did not time out.
func (l RunLog) Succeeded() bool {
	return !l.TimedOut && l.ExitCode != nil && *l.ExitCode == 0
}

const (
	timedOutMessage     = "Process timed out."
	captureFailedPrefix = "HTML capture failed: "
)

// Runner executes a generated dashboard program, lets it start, captures the
// rendered page and stops it again.
type Runner struct {
	cfg    config.RunnerConfig
	snap   Snapshotter
	env    []string
	logger *log.Logger
}

// NewRunner builds a runner. env is the complete child environment; nil
// inherits the parent's.
func NewRunner(cfg config.RunnerConfig, snap Snapshotter, env []string) *Runner {
	return &Runner{
		cfg:    cfg.Normalize(),
		snap:   snap,
		env:    env,
		logger: log.New(log.Writer(), "[RUNNER] ", log.LstdFlags),
	}
}

// Budget is the longest one Run can take.
func (r *Runner) Budget() time.Duration {
	return r.cfg.StartupWait + r.cfg.CaptureTimeout + r.cfg.StopTimeout
}

// Run executes file and never returns an error: every failure is recorded on
// the returned log.
func (r *Runner) Run(ctx context.Context, file string) (entry RunLog) {
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = file
	}
	argv := ExpandCommand(r.cfg.Command, abs, r.cfg.Port)
	entry = RunLog{Command: argv, StartedAt: time.Now()}
	defer func() { entry.Duration = time.Since(entry.StartedAt) }()

	p, err := startProcess(argv, filepath.Dir(abs), r.env, r.cfg.MaxOutputBytes)
	if err != nil {
		code := -1
		entry.ExitCode = &code
		entry.Stderr = err.Error()
		r.logger.Printf("start failed cmd=%q err=%v", strings.Join(argv, " "), err)
		return entry
	}
	r.logger.Printf("started pid=%d cmd=%q", p.pid(), strings.Join(argv, " "))

	startup := time.NewTimer(r.cfg.StartupWait)
	select {
	case <-p.done:
	case <-startup.C:
	case <-ctx.Done():
	}
	startup.Stop()

	switch {
	case p.exited():
		entry.HTML = captureFailedPrefix + "process exited before capture"
	case ctx.Err() != nil:
		entry.HTML = captureFailedPrefix + ctx.Err().Error()
	default:
		entry.HTML, entry.HTMLText = r.capture(ctx)
	}

	if killed := p.stop(r.cfg.StopTimeout); killed {
		entry.TimedOut = true
		entry.Stdout = ""
		entry.Stderr = timedOutMessage
		r.logger.Printf("killed pid=%d after stop_timeout=%s", p.pid(), r.cfg.StopTimeout)
		return entry
	}
	entry.Stdout = p.stdout.String()
	entry.Stderr = p.stderr.String()
	if code, ok := exitCode(p.err); ok {
		entry.ExitCode = &code
	} else {
		code := -1
		entry.ExitCode = &code
		entry.Stderr = strings.TrimSpace(entry.Stderr + "\n" + p.err.Error())
	}
	r.logger.Printf("finished pid=%d exit=%d html_bytes=%d", p.pid(), *entry.ExitCode, len(entry.HTML))
	return entry
}

func (r *Runner) capture(ctx context.Context) (string, string) {
	if r.snap == nil {
		return captureFailedPrefix + "no snapshotter configured", ""
	}
	url := fmt.Sprintf("http://localhost:%d", r.cfg.Port)
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CaptureTimeout)
	defer cancel()
	res, err := r.snap.Exec(cctx, url)
	if err != nil {
		return captureFailedPrefix + err.Error(), ""
	}
	return res.HTML, res.Text
}
