// internal/sshpool/exec.go
package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Sentinel exit codes for results that carry no remote exit status.
const (
	// ExitUnreachable marks commands that never ran: dial, auth or
	// session failures.
	ExitUnreachable = -1
	// ExitTimeout marks commands cut off by their deadline.
	ExitTimeout = -2
)

// ErrTimeout reports a command stopped by its timeout. The remote process
// is signalled best-effort; it is not guaranteed dead.
var ErrTimeout = errors.New("command timed out")

// syncBuffer serializes writes from the session's stdout/stderr streams so
// partial output can be read safely after a timeout.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Run executes a command over an established connection and returns its
// combined output and exit code. A non-zero remote exit status is a normal
// result, not an error. ErrTimeout is returned with ExitTimeout when the
// deadline passes first.
func Run(ctx context.Context, conn Conn, command string, timeout time.Duration) (string, int, error) {
	return run(ctx, conn, command, nil, timeout)
}

// RunWithInput is Run with bytes streamed to the remote command's stdin,
// used for write-through-a-pipe operations like `cat > path`.
func RunWithInput(ctx context.Context, conn Conn, command string, input []byte, timeout time.Duration) (string, int, error) {
	return run(ctx, conn, command, input, timeout)
}

func run(ctx context.Context, conn Conn, command string, input []byte, timeout time.Duration) (string, int, error) {
	session, err := conn.NewSession()
	if err != nil {
		return "", ExitUnreachable, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	output := &syncBuffer{}
	session.Stdout = output
	session.Stderr = output
	if input != nil {
		session.Stdin = bytes.NewReader(input)
	}

	if err := session.Start(command); err != nil {
		return "", ExitUnreachable, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		return output.String(), exitCode(err), runError(err)
	case <-deadline:
		// Best-effort kill; some servers ignore signals entirely.
		session.Signal(ssh.SIGKILL)
		session.Close()
		return output.String(), ExitTimeout, ErrTimeout
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return output.String(), ExitUnreachable, ctx.Err()
	}
}

// exitCode maps a session.Wait error to the exit code convention.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	// Includes *ssh.ExitMissingError: the command ran but the server never
	// reported a status (typically killed).
	return ExitUnreachable
}

// runError decides whether a session.Wait error is a caller-visible error.
// Remote exit statuses are data; transport-level failures are errors.
func runError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return nil
	}
	return fmt.Errorf("command transport failed: %w", err)
}
