// Package agent supervises the interactive chat agent subprocess and
// bridges its stdio JSON-RPC to the UI.
package agent

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ProcessConfig holds configuration for spawning an agent subprocess.
type ProcessConfig struct {
	// Command is the agent binary.
	Command string
	// Args are additional CLI arguments.
	Args []string
	// Dir is the working directory. Empty inherits the bridge's.
	Dir string
	// Env entries are appended to the bridge's environment.
	Env []string
}

// Process manages one agent subprocess communicating over NDJSON stdio.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startTime time.Time
	mu        sync.Mutex
	stopped   bool
}

// StartProcess spawns an agent subprocess with piped stdio.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	slog.Info("Agent process started", "command", cfg.Command, "pid", cmd.Process.Pid)

	return &Process{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
	}, nil
}

// Stdin returns the writer to the agent's stdin.
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Stdout returns the reader from the agent's stdout.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// DrainStderr logs the agent's stderr lines until the pipe closes. Run it
// on its own goroutine.
func (p *Process) DrainStderr(label string) {
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		slog.Debug("Agent stderr", "agent", label, "line", scanner.Text())
	}
}

// Uptime returns how long the process has been running.
func (p *Process) Uptime() time.Duration {
	return time.Since(p.startTime)
}

// Stop kills the agent process and waits for it to exit.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	slog.Info("Stopping agent process", "pid", p.cmd.Process.Pid)

	// Close stdin first to signal the agent to exit gracefully
	p.stdin.Close()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}

	// Wait for exit (ignore error since we killed it)
	_ = p.cmd.Wait()

	return nil
}

// Stopped reports whether Stop was called.
func (p *Process) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Wait waits for the agent process to exit and returns the error (if any).
func (p *Process) Wait() error {
	return p.cmd.Wait()
}
