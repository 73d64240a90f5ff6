package restic

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultGracePeriod is how long a cancelled restic process may take to shut
// down after SIGINT before it is killed.
const DefaultGracePeriod = 10 * time.Second

const stderrTailSize = 4096

// LineCallback receives one stdout line without its line terminator.
type LineCallback func(line []byte) error

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
	ExecuteWithEnvStreaming(ctx context.Context, env []string, onLine LineCallback, name string, args ...string) error
}

// SpawnError is returned when the process could not be started at all.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError is returned when the process ran but did not succeed.
type ExitError struct {
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct {
	GracePeriod time.Duration
}

func (e *DefaultExecutor) command(ctx context.Context, env []string, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	// Duplicate keys resolve to the last value, so the backup's own
	// environment wins over the daemon's.
	cmd.Env = append(os.Environ(), env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.GracePeriod
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}
	return cmd
}

// ExecuteWithEnv runs a command and returns its standard output.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := e.command(ctx, env, name, args...)

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: name, Err: err}
	}

	if err := cmd.Wait(); err != nil {
		return stdout.Bytes(), &ExitError{Err: waitError(ctx, err), Stderr: stderr.String()}
	}

	return stdout.Bytes(), nil
}

// ExecuteWithEnvStreaming runs a command and hands every stdout line to onLine
// as soon as it is complete. If onLine fails the process is interrupted and
// the callback error is returned.
func (e *DefaultExecutor) ExecuteWithEnvStreaming(ctx context.Context, env []string, onLine LineCallback, name string, args ...string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := e.command(ctx, env, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Binary: name, Err: err}
	}
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return &SpawnError{Binary: name, Err: err}
	}

	var callbackErr error
	reader := bufio.NewReader(stdout)
	for {
		line, readErr := reader.ReadBytes('\n')
		if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
			if err := onLine(trimmed); err != nil {
				callbackErr = err
				cancel()
				// Keep the pipe drained so the interrupted process is not
				// blocked on a full pipe; Wait closes it.
				go func() { _, _ = io.Copy(io.Discard, reader) }()
				break
			}
		}
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()

	if callbackErr != nil {
		return fmt.Errorf("forwarding output: %w", callbackErr)
	}
	if waitErr != nil {
		return &ExitError{Err: waitError(ctx, waitErr), Stderr: stderr.String()}
	}
	return nil
}

func waitError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf))
}

// IsSpawnError reports whether err means the binary could not be started.
func IsSpawnError(err error) bool {
	var spawnErr *SpawnError
	return errors.As(err, &spawnErr)
}
