package runtime

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ExpandCommand substitutes {file} and {port} in every argument of tmpl.
func ExpandCommand(tmpl []string, file string, port int) []string {
	r := strings.NewReplacer("{file}", file, "{port}", strconv.Itoa(port))
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}

// cappedBuffer keeps the first and last bytes written to it, up to max in
// total, and counts what was dropped in between.
type cappedBuffer struct {
	mu      sync.Mutex
	max     int
	head    []byte
	tail    []byte
	dropped int
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	headCap := b.max / 2
	if room := headCap - len(b.head); room > 0 {
		take := room
		if take > len(p) {
			take = len(p)
		}
		b.head = append(b.head, p[:take]...)
		p = p[take:]
	}
	b.tail = append(b.tail, p...)
	if over := len(b.tail) - (b.max - headCap); over > 0 {
		b.dropped += over
		b.tail = append(b.tail[:0:0], b.tail[over:]...)
	}
	return n, nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped == 0 {
		return string(b.head) + string(b.tail)
	}
	return fmt.Sprintf("%s\n...[%d bytes dropped]...\n%s", b.head, b.dropped, b.tail)
}

// process is a started command running in its own process group.
type process struct {
	cmd    *exec.Cmd
	stdout *cappedBuffer
	stderr *cappedBuffer
	done   chan struct{}
	err    error // valid once done is closed
}

func startProcess(argv []string, dir string, env []string, maxBytes int) (*process, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	p := &process{
		cmd:    cmd,
		stdout: newCappedBuffer(maxBytes),
		stderr: newCappedBuffer(maxBytes),
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	// Output copying must not outlive the group if a grandchild keeps the pipes open.
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// stop sends SIGTERM to the group and waits up to grace for the process to
// exit, then kills the group. killed reports whether SIGKILL was needed.
func (p *process) stop(grace time.Duration) (killed bool) {
	if p.exited() {
		return false
	}
	_ = terminateGroup(p.pid())
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return false
	case <-timer.C:
	}
	_ = killGroup(p.pid())
	<-p.done
	return true
}
