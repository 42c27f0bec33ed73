// Package procexec runs backend executables as child processes.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long a process gets between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Command describes one invocation.
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string // appended to the current environment
	Stdin io.Reader
	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
}

// Output is the captured result of a finished process.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ErrSpawn wraps failures to start the process at all.
var ErrSpawn = errors.New("failed to start process")

// Run executes cmd and waits for it. When ctx ends the process receives SIGTERM
// and is killed after the grace period. A non-zero exit is not an error; callers
// inspect Output.ExitCode. The returned error is non-nil only for spawn failures
// and context termination, in which case the partial output is still returned.
func Run(ctx context.Context, c Command) (*Output, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Join(ErrSpawn, err)
	}
	waitErr := cmd.Wait()
	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return out, waitErr
	}
	return out, nil
}

// Start launches a long-lived process with piped stdin and stdout. The caller
// owns the returned handle and must call Stop.
func Start(c Command) (*Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Join(ErrSpawn, err)
	}
	// The read end of stdout is owned here; Wait never closes it.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, errors.Join(ErrSpawn, err)
	}
	cmd.Stdout = stdoutW
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, errors.Join(ErrSpawn, err)
	}
	grace := c.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	p := &Process{
		cmd:    cmd,
		Stdin:  stdin,
		Stdout: stdout,
		stderr: &stderr,
		grace:  grace,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Process is a running child with open pipes.
type Process struct {
	cmd     *exec.Cmd
	Stdin   io.WriteCloser
	Stdout  io.ReadCloser
	stderr  *bytes.Buffer
	grace   time.Duration
	done    chan struct{}
	waitErr error
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stderr returns what the process has written to stderr so far. Only safe after exit.
func (p *Process) Stderr() string {
	if !p.Exited() {
		return ""
	}
	return p.stderr.String()
}

// Stop closes stdin, sends SIGTERM and kills the process if it has not exited
// within the grace period. Stdout is closed once the process is gone.
func (p *Process) Stop() error {
	defer p.Stdout.Close()
	_ = p.Stdin.Close()
	if p.Exited() {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(p.grace):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}
