//go:build !windows

package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/tools/web_fetch/models"
)

type fakeSnapshotter struct {
	html  string
	err   error
	calls atomic.Int32
	url   atomic.Value
}

func (f *fakeSnapshotter) Exec(ctx context.Context, url string) (models.Result, error) {
	f.calls.Add(1)
	f.url.Store(url)
	if f.err != nil {
		return models.Result{}, f.err
	}
	return models.Result{URL: url, HTML: f.html, Text: "rendered text"}, nil
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dashboard.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testRunnerConfig() config.RunnerConfig {
	return config.RunnerConfig{
		Command:        []string{"/bin/sh", "{file}", "{port}"},
		Port:           18502,
		StartupWait:    300 * time.Millisecond,
		CaptureTimeout: time.Second,
		StopTimeout:    500 * time.Millisecond,
		MaxOutputBytes: 4096,
	}
}

func TestExpandCommand(t *testing.T) {
	got := ExpandCommand(config.DefaultRunnerCommand, "/tmp/app.py", 8502)
	want := "streamlit run /tmp/app.py --server.headless true --server.port 8502"
	if strings.Join(got, " ") != want {
		t.Fatalf("ExpandCommand = %q", got)
	}
}

func TestRunCleanExit(t *testing.T) {
	snap := &fakeSnapshotter{html: "<html></html>"}
	r := NewRunner(testRunnerConfig(), snap, nil)
	log := r.Run(context.Background(), writeScript(t, "echo hello\nexit 0\n"))
	if log.ExitCode == nil || *log.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %+v", log)
	}
	if !log.Succeeded() {
		t.Fatalf("expected success")
	}
	if strings.TrimSpace(log.Stdout) != "hello" {
		t.Fatalf("stdout = %q", log.Stdout)
	}
	if !strings.HasPrefix(log.HTML, captureFailedPrefix) {
		t.Fatalf("expected capture skipped for exited process, got %q", log.HTML)
	}
	if snap.calls.Load() != 0 {
		t.Fatalf("snapshotter should not run for exited process")
	}
}

func TestRunErrorExit(t *testing.T) {
	r := NewRunner(testRunnerConfig(), &fakeSnapshotter{}, nil)
	log := r.Run(context.Background(), writeScript(t, "echo 'KeyError: x' >&2\nexit 3\n"))
	if log.ExitCode == nil || *log.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %+v", log.ExitCode)
	}
	if log.Succeeded() {
		t.Fatalf("non-zero exit must not succeed")
	}
	if !strings.Contains(log.Stderr, "KeyError") {
		t.Fatalf("stderr = %q", log.Stderr)
	}
}

func TestRunGracefulStopCapturesHTML(t *testing.T) {
	snap := &fakeSnapshotter{html: "<html><body>chart</body></html>"}
	r := NewRunner(testRunnerConfig(), snap, nil)
	script := "trap 'echo stopping; exit 0' TERM\necho serving on $1\nwhile true; do sleep 0.05; done\n"
	log := r.Run(context.Background(), writeScript(t, script))
	if snap.calls.Load() != 1 {
		t.Fatalf("expected one capture, got %d", snap.calls.Load())
	}
	if got := snap.url.Load(); got != "http://localhost:18502" {
		t.Fatalf("captured url = %v", got)
	}
	if log.HTML != snap.html || log.HTMLText != "rendered text" {
		t.Fatalf("html not recorded: %q", log.HTML)
	}
	if !log.Succeeded() {
		t.Fatalf("expected graceful exit 0, got exit=%v timed_out=%v stderr=%q", log.ExitCode, log.TimedOut, log.Stderr)
	}
	if !strings.Contains(log.Stdout, "serving on 18502") {
		t.Fatalf("stdout = %q", log.Stdout)
	}
}

func TestRunSignalExitIsNegative(t *testing.T) {
	r := NewRunner(testRunnerConfig(), &fakeSnapshotter{}, nil)
	log := r.Run(context.Background(), writeScript(t, "while true; do sleep 0.05; done\n"))
	if log.TimedOut {
		t.Fatalf("did not expect timeout")
	}
	if log.ExitCode == nil || *log.ExitCode != -15 {
		t.Fatalf("expected -15 after SIGTERM, got %v", log.ExitCode)
	}
}

func TestRunTimeoutKillsGroup(t *testing.T) {
	r := NewRunner(testRunnerConfig(), &fakeSnapshotter{}, nil)
	log := r.Run(context.Background(), writeScript(t, "trap '' TERM\nwhile true; do sleep 0.05; done\n"))
	if !log.TimedOut {
		t.Fatalf("expected timeout, got %+v", log)
	}
	if log.ExitCode != nil {
		t.Fatalf("exit code must be nil after kill, got %d", *log.ExitCode)
	}
	if log.Stderr != timedOutMessage || log.Stdout != "" {
		t.Fatalf("unexpected output stdout=%q stderr=%q", log.Stdout, log.Stderr)
	}
}

func TestRunCaptureFailure(t *testing.T) {
	snap := &fakeSnapshotter{err: errors.New("net::ERR_CONNECTION_REFUSED")}
	r := NewRunner(testRunnerConfig(), snap, nil)
	log := r.Run(context.Background(), writeScript(t, "trap 'exit 0' TERM\nwhile true; do sleep 0.05; done\n"))
	if log.HTML != captureFailedPrefix+"net::ERR_CONNECTION_REFUSED" {
		t.Fatalf("html = %q", log.HTML)
	}
}

func TestRunStartFailure(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Command = []string{"/nonexistent/interpreter", "{file}"}
	log := NewRunner(cfg, nil, nil).Run(context.Background(), "app.py")
	if log.ExitCode == nil || *log.ExitCode != -1 {
		t.Fatalf("expected -1 exit code, got %v", log.ExitCode)
	}
	if log.Stderr == "" {
		t.Fatalf("expected start error in stderr")
	}
}

func TestRunUsesFilteredEnv(t *testing.T) {
	t.Setenv("DASHFORGE_TEST_SECRET", "leak")
	env := []string{"PATH=" + os.Getenv("PATH"), "NASA_API_KEY=demo"}
	r := NewRunner(testRunnerConfig(), nil, env)
	log := r.Run(context.Background(), writeScript(t, "echo \"key=$NASA_API_KEY secret=$DASHFORGE_TEST_SECRET\"\n"))
	if strings.TrimSpace(log.Stdout) != "key=demo secret=" {
		t.Fatalf("stdout = %q", log.Stdout)
	}
}

func TestCappedBufferKeepsHeadAndTail(t *testing.T) {
	b := newCappedBuffer(20)
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte(strings.Repeat("x", 50)))
	_, _ = b.Write([]byte("Traceback!"))
	got := b.String()
	if !strings.HasPrefix(got, "0123456789") || !strings.HasSuffix(got, "Traceback!") {
		t.Fatalf("unexpected buffer %q", got)
	}
	if !strings.Contains(got, "bytes dropped") {
		t.Fatalf("missing drop marker: %q", got)
	}
}
