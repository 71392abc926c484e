// Package procgroup runs external tools in their own process group so a
// cancelled job takes every child process down with it.
package procgroup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// DefaultStderrLimit bounds how much stderr is kept for diagnostics
const DefaultStderrLimit = 8 << 10

// Result describes a finished process
type Result struct {
	ExitCode int
	Duration time.Duration
	Stderr   string // tail of stderr, at most StderrLimit bytes
}

// Options for Run
type Options struct {
	Stdout      io.Writer
	StderrLimit int
	// WaitDelay bounds how long Wait blocks on inherited pipes after the
	// group has been killed
	WaitDelay time.Duration
}

// Run starts name in a new process group and waits for it. A non-zero exit
// returns *exec.ExitError; a done ctx kills the group and returns an error
// wrapping ctx.Err().
func Run(ctx context.Context, name string, args []string, opts Options) (Result, error) {
	limit := opts.StderrLimit
	if limit <= 0 {
		limit = DefaultStderrLimit
	}
	stderr := &TailBuffer{Limit: limit}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = stderr
	setGroup(cmd)
	cmd.WaitDelay = opts.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start %s: %w", name, err)
	}

	err := cmd.Wait()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
		Stderr:   stderr.String(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s interrupted: %w", name, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, exitErr
		}
		return res, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// TailBuffer keeps the last Limit bytes written to it
type TailBuffer struct {
	Limit int

	mu  sync.Mutex
	buf []byte
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.Limit; t.Limit > 0 && over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
