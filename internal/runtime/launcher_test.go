//go:build !windows

package runtime

import (
	"context"
	"testing"
	"time"
)

func TestLauncherReplacesAndStops(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.LaunchPort = 18601
	l := NewLauncher(cfg, nil)
	l.wait = 100 * time.Millisecond

	script := writeScript(t, "trap 'exit 0' TERM\nwhile true; do sleep 0.05; done\n")
	first, err := l.Launch(context.Background(), script)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if first.URL != "http://localhost:18601" {
		t.Fatalf("url = %q", first.URL)
	}
	second, err := l.Launch(context.Background(), script)
	if err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	if second.PID == first.PID {
		t.Fatalf("expected a new process")
	}
	if cur, ok := l.Current(); !ok || cur.PID != second.PID {
		t.Fatalf("current = %+v ok=%v", cur, ok)
	}
	if !l.Stop() {
		t.Fatalf("expected stop to find the running dashboard")
	}
	if _, ok := l.Current(); ok {
		t.Fatalf("expected nothing running")
	}
	if l.Stop() {
		t.Fatalf("second stop reported a running dashboard")
	}
}

func TestLauncherReportsEarlyExit(t *testing.T) {
	l := NewLauncher(testRunnerConfig(), nil)
	l.wait = time.Second
	if _, err := l.Launch(context.Background(), writeScript(t, "echo 'ModuleNotFoundError: plotly' >&2\nexit 1\n")); err == nil {
		t.Fatalf("expected early exit error")
	}
}

func TestLauncherStopWhenIdle(t *testing.T) {
	l := NewLauncher(testRunnerConfig(), nil)
	if l.Stop() {
		t.Fatalf("idle launcher reported a running dashboard")
	}
	if _, ok := l.Current(); ok {
		t.Fatalf("expected nothing running")
	}
}
