package runtime

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
)

// Launch describes the dashboard currently served for the user.
type Launch struct {
	URL       string    `json:"url"`
	File      string    `json:"file"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Launcher keeps at most one finished dashboard running on launch_port.
type Launcher struct {
	cfg    config.RunnerConfig
	env    []string
	wait   time.Duration
	logger *log.Logger

	mu      sync.Mutex
	current *process
	info    Launch
}

func NewLauncher(cfg config.RunnerConfig, env []string) *Launcher {
	return &Launcher{
		cfg:    cfg.Normalize(),
		env:    env,
		wait:   3 * time.Second,
		logger: log.New(log.Writer(), "[LAUNCHER] ", log.LstdFlags),
	}
}

// Launch starts file in the background, replacing any dashboard launched
// before. It fails when the program exits during the short settle period.
func (l *Launcher) Launch(ctx context.Context, file string) (Launch, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return Launch{}, fmt.Errorf("resolve %s: %w", file, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()

	argv := ExpandCommand(l.cfg.Command, abs, l.cfg.LaunchPort)
	p, err := startProcess(argv, filepath.Dir(abs), l.env, l.cfg.MaxOutputBytes)
	if err != nil {
		return Launch{}, fmt.Errorf("start dashboard: %w", err)
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case <-p.done:
		return Launch{}, fmt.Errorf("dashboard exited during startup: %s", lastLine(p.stderr.String()))
	case <-ctx.Done():
		p.stop(l.cfg.StopTimeout)
		return Launch{}, ctx.Err()
	case <-timer.C:
	}

	l.current = p
	l.info = Launch{
		URL:       fmt.Sprintf("http://localhost:%d", l.cfg.LaunchPort),
		File:      abs,
		PID:       p.pid(),
		StartedAt: time.Now(),
	}
	l.logger.Printf("launched pid=%d url=%s", l.info.PID, l.info.URL)
	return l.info, nil
}

// Current returns the running dashboard, if any.
func (l *Launcher) Current() (Launch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.exited() {
		return Launch{}, false
	}
	return l.info, true
}

// Stop terminates the running dashboard and reports whether there was one.
// Stopping an idle launcher does nothing.
func (l *Launcher) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	running := l.current != nil
	l.stopLocked()
	return running
}

func (l *Launcher) stopLocked() {
	if l.current == nil {
		return
	}
	if killed := l.current.stop(l.cfg.StopTimeout); killed {
		l.logger.Printf("killed pid=%d after stop_timeout=%s", l.info.PID, l.cfg.StopTimeout)
	} else {
		l.logger.Printf("stopped pid=%d", l.info.PID)
	}
	l.current = nil
	l.info = Launch{}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		return "no output"
	}
	return lines[len(lines)-1]
}
