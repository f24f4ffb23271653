package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mcerruti/jobwatchd/internal/dispatch"
)

const processStopGrace = 1200 * time.Millisecond

// ProcessConfig describes the model runner subprocess. Command is the
// interpreter or binary; Script, when set, is passed as its first argument
// with unbuffered output forced for interpreters that honor -u.
type ProcessConfig struct {
	Command string
	Script  string
	Args    []string
}

// ProcessLauncher spawns the extraction worker as a child process and speaks
// the line protocol over its stdin/stdout. Stderr is kept in a bounded tail
// so a crash produces a readable error instead of a silent fault.
type ProcessLauncher struct {
	cfg ProcessConfig
}

func NewProcessLauncher(cfg ProcessConfig) (*ProcessLauncher, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("worker command not found: %s", command)
	}
	cfg.Command = command
	cfg.Script = strings.TrimSpace(cfg.Script)
	return &ProcessLauncher{cfg: cfg}, nil
}

func (l *ProcessLauncher) Launch(ctx context.Context) (dispatch.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := make([]string, 0, len(l.cfg.Args)+2)
	if l.cfg.Script != "" {
		args = append(args, "-u", l.cfg.Script)
	}
	args = append(args, l.cfg.Args...)

	cmd := exec.Command(l.cfg.Command, args...)
	cmd.Env = os.Environ()
	tail := newTailBuffer(24 << 10)
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	conn := newStreamConn(stdout, stdin)
	conn.closeHook = func() error { return stopProcess(cmd, tail) }
	return conn, nil
}

// stopProcess asks the child to exit and escalates to kill after a short
// grace period. The stderr tail is surfaced when the child died screaming.
func stopProcess(cmd *exec.Cmd, tail *tailBuffer) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case <-time.After(processStopGrace):
		_ = cmd.Process.Kill()
		waitErr = <-done
	case waitErr = <-done:
	}

	if waitErr != nil {
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("worker exit: %v: %s", waitErr, msg)
		}
	}
	return nil
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
