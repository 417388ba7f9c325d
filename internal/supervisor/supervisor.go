// Package supervisor spawns and supervises the agent subprocess.
//
// The invocation contract is server-controlled: a fixed override policy
// injects the model, reasoning effort and sandbox/approval posture on every
// spawn. Client preferences never become enforcement flags; they are rendered
// into a human-readable instruction prefix instead. This asymmetry prevents
// untrusted client input from steering the process-level security posture.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/inercia/tether/internal/config"
	"github.com/inercia/tether/internal/logging"
	"github.com/inercia/tether/internal/protocol"
)

// ResumeMode selects how a spawn attaches to prior history.
type ResumeMode int

const (
	// ResumeFresh starts a new agent thread.
	ResumeFresh ResumeMode = iota
	// ResumeLast re-attaches to the agent's most recent thread.
	ResumeLast
	// ResumeByID re-attaches to a specific thread.
	ResumeByID
)

// Capability describes what the installed agent binary supports.
type Capability int

const (
	// CapResumeUnsupported: the binary cannot resume recorded threads.
	CapResumeUnsupported Capability = iota
	// CapResumeSupported: the binary accepts `exec resume`.
	CapResumeSupported
)

// SpawnError reports a failed subprocess start. The attempted start is fatal
// to the requesting command but never to the bridge.
type SpawnError struct {
	Bin string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn agent %q: %v", e.Bin, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// SpawnRequest describes one spawn.
type SpawnRequest struct {
	Mode       ResumeMode
	ThreadID   string // agent thread id, required for ResumeByID
	WorkingDir string // overrides the configured default when non-empty
}

// Supervisor spawns agent subprocesses with a deterministic argument policy.
// It is safe for concurrent use; the resume capability probe runs once per
// process lifetime and is cached.
type Supervisor struct {
	cfg    config.AgentConfig
	logger *slog.Logger

	probeOnce  sync.Once
	capability Capability
}

// New creates a supervisor for the configured agent binary.
func New(cfg config.AgentConfig) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logging.Supervisor(),
	}
}

// Bin returns the configured agent binary.
func (s *Supervisor) Bin() string {
	return s.cfg.Bin
}

// ResumeCapability probes the agent binary once and reports whether it
// supports resuming recorded threads. Detection is strict: only a successful
// `<bin> exec resume --help` counts.
func (s *Supervisor) ResumeCapability() Capability {
	s.probeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := exec.CommandContext(ctx, s.cfg.Bin, "exec", "resume", "--help").Run()
		if err != nil {
			s.capability = CapResumeUnsupported
			s.logger.Info("agent binary does not support resume", "bin", s.cfg.Bin, "error", err)
			return
		}
		s.capability = CapResumeSupported
		s.logger.Debug("agent binary supports resume", "bin", s.cfg.Bin)
	})
	return s.capability
}

// Spawn starts one agent subprocess. resumed reports whether the process was
// actually attached to prior history: a resume request against a binary
// without resume capability silently falls back to a fresh thread and returns
// resumed=false so the caller can emit the informational warning.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (proc *Process, resumed bool, err error) {
	args, resumed, err := s.buildArgs(req)
	if err != nil {
		return nil, false, &SpawnError{Bin: s.cfg.Bin, Err: err}
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = s.cfg.WorkingDir
	}

	s.logger.Info("spawning agent",
		"bin", s.cfg.Bin,
		"args", strings.Join(args, " "),
		"working_dir", workingDir,
		"resumed", resumed)

	proc, err = startProcess(ctx, s.cfg.Bin, args, workingDir, s.cfg.StartupTimeout.Std(), s.logger)
	if err != nil {
		return nil, false, &SpawnError{Bin: s.cfg.Bin, Err: err}
	}
	return proc, resumed, nil
}

// buildArgs assembles the full argument vector: configured base arguments,
// the enforced override policy, and the resume target when supported.
func (s *Supervisor) buildArgs(req SpawnRequest) (args []string, resumed bool, err error) {
	if s.cfg.Args != "" {
		args, err = shlex.Split(s.cfg.Args)
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse agent args: %w", err)
		}
	} else {
		args = []string{"exec", "--json"}
	}

	args = s.applyOverridePolicy(args)

	if req.Mode != ResumeFresh {
		if s.ResumeCapability() != CapResumeSupported {
			s.logger.Warn("resume requested but unsupported by agent binary, starting fresh",
				"bin", s.cfg.Bin)
			return args, false, nil
		}
		switch req.Mode {
		case ResumeLast:
			args = append(args, "resume", "--last")
		case ResumeByID:
			if req.ThreadID == "" {
				return nil, false, fmt.Errorf("resume by id requires a thread id")
			}
			args = append(args, "resume", req.ThreadID)
		}
		resumed = true
	}
	return args, resumed, nil
}

// applyOverridePolicy prepends the server-enforced flags unless the
// configured base arguments already pin them.
func (s *Supervisor) applyOverridePolicy(args []string) []string {
	var pre []string

	if s.cfg.Model != "" && !containsFlag(args, "-m", "--model") {
		pre = append(pre, "-m", s.cfg.Model)
	}
	if s.cfg.ReasoningEffort != "" && !containsSubstring(args, "model_reasoning_effort=") {
		pre = append(pre, "-c", fmt.Sprintf("model_reasoning_effort=%q", s.cfg.ReasoningEffort))
	}
	if !containsArg(args, "--dangerously-bypass-approvals-and-sandbox") {
		pre = append(pre, "--dangerously-bypass-approvals-and-sandbox")
	}
	if !containsSubstring(args, "sandbox_mode=") {
		pre = append(pre, "-c", `sandbox_mode="danger-full-access"`)
	}
	if !containsSubstring(args, "approval_policy=") {
		pre = append(pre, "-c", `approval_policy="never"`)
	}

	if len(pre) == 0 {
		return args
	}
	return append(pre, args...)
}

func containsArg(args []string, arg string) bool {
	for _, a := range args {
		if a == arg {
			return true
		}
	}
	return false
}

func containsFlag(args []string, short, long string) bool {
	for _, a := range args {
		if a == short || a == long ||
			strings.HasPrefix(a, short+"=") || strings.HasPrefix(a, long+"=") {
			return true
		}
	}
	return false
}

func containsSubstring(args []string, needle string) bool {
	for _, a := range args {
		if strings.Contains(a, needle) {
			return true
		}
	}
	return false
}

// InstructionPrefix renders advisory client preferences into a human-readable
// note prepended to the next user message. Preferences are informational
// toggles only; the enforced flags above are never derived from them.
func InstructionPrefix(prefs *protocol.Preferences) string {
	if prefs == nil {
		return ""
	}
	var notes []string
	if prefs.Model != "" {
		notes = append(notes, "the user prefers responses tuned for the "+prefs.Model+" model")
	}
	if prefs.ReasoningEffort != "" {
		notes = append(notes, "the user asked for "+prefs.ReasoningEffort+" reasoning effort")
	}
	if prefs.Verbosity != "" {
		notes = append(notes, "the user asked for "+prefs.Verbosity+" verbosity")
	}
	if len(notes) == 0 {
		return ""
	}
	return "[note: " + strings.Join(notes, "; ") + "]\n\n"
}
