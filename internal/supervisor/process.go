package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ExitStatus reports how a subprocess ended.
type ExitStatus struct {
	Code int
	Err  error
	// StartupFailure is set when the process died without producing any
	// output inside the startup window. The coordinator surfaces this as a
	// spawn failure rather than a crash.
	StartupFailure bool
}

// Process is one running agent subprocess. stdin is write-only for the next
// user message; stdout is consumed incrementally, line-buffered, through
// Lines(). The session coordinator is the sole owner of both ends.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	lines      chan string
	done       chan ExitStatus
	stdoutDone chan struct{}
	stderrDone chan struct{}

	startedAt time.Time
	startupTO time.Duration
	sawOutput atomic.Bool

	stdinMu     sync.Mutex
	stdinClosed bool
}

// startProcess launches the agent and wires its pipes. The process is placed
// in its own process group so Interrupt can signal the whole group.
func startProcess(ctx context.Context, bin string, args []string, workingDir string, startupTimeout time.Duration, logger *slog.Logger) (*Process, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workingDir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		logger:     logger,
		lines:      make(chan string, 256),
		done:       make(chan ExitStatus, 1),
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		startedAt:  time.Now(),
		startupTO:  startupTimeout,
	}

	go p.readStdout(stdout)
	go p.readStderr(stderr)
	go p.wait()

	return p, nil
}

// PID returns the subprocess pid.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Lines returns the channel of stdout lines. It is closed on EOF.
func (p *Process) Lines() <-chan string {
	return p.lines
}

// Done returns a channel that receives the exit status exactly once.
func (p *Process) Done() <-chan ExitStatus {
	return p.done
}

// WriteMessage writes one user message to the subprocess stdin and closes it:
// the agent reads the prompt until EOF, runs the turn, and exits. A second
// write on the same process is an error; the coordinator respawns per turn.
func (p *Process) WriteMessage(text string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()

	if p.stdinClosed {
		return fmt.Errorf("stdin already closed")
	}
	p.stdinClosed = true

	if !endsWithNewline(text) {
		text += "\n"
	}
	if _, err := io.WriteString(p.stdin, text); err != nil {
		p.stdin.Close()
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return p.stdin.Close()
}

// Interrupt sends a graceful termination signal to the subprocess group.
// It never force-kills: a cancelled turn should still flush its final events.
func (p *Process) Interrupt() error {
	if p.cmd.Process == nil {
		return nil
	}
	return interruptGroup(p.cmd.Process.Pid)
}

func (p *Process) readStdout(stdout io.Reader) {
	defer close(p.stdoutDone)
	defer close(p.lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		p.sawOutput.Store(true)
		p.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("agent stdout read failed", "error", err)
	}
}

// readStderr drains stderr into the debug log. Raw stderr is never
// broadcast; clients only ever see translated canonical events.
func (p *Process) readStderr(stderr io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

func (p *Process) wait() {
	// cmd.Wait closes the pipes on exit; both readers must reach EOF first or
	// buffered tail output is discarded.
	<-p.stdoutDone
	<-p.stderrDone
	err := p.cmd.Wait()
	status := ExitStatus{Code: p.cmd.ProcessState.ExitCode(), Err: err}
	if err != nil && !p.sawOutput.Load() && time.Since(p.startedAt) < p.startupTO {
		status.StartupFailure = true
	}
	p.logger.Info("agent exited", "pid", p.PID(), "code", status.Code, "error", err)
	p.done <- status
}

func endsWithNewline(s string) bool {
	return len(s) > 0 && s[len(s)-1] == '\n'
}
