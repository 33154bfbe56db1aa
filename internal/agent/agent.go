// Package agent is the boundary to the coding agent that performs the
// actual work of a task phase. The orchestrator builds a prompt from the
// execution record, hands it to an Invoker, and reads the updated record
// back from disk afterwards; the transcript is kept only for diagnostics.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/logging"
)

// DefaultTimeout bounds one agent invocation.
const DefaultTimeout = 30 * time.Minute

// Request describes one phase of work for the agent.
type Request struct {
	TaskID    string
	Phase     int
	PhaseName string
	// Prompt is the full instruction text, including failure history from
	// earlier attempts.
	Prompt string
}

// Result is the outcome of one invocation.
type Result struct {
	Transcript string
	Duration   time.Duration
}

// Invoker runs the agent for one request.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// CommandConfig configures the shell-command invoker.
type CommandConfig struct {
	// Command is the shell command line that starts the agent. The prompt
	// is written to its stdin. Required.
	Command string `koanf:"command"`

	// WorkDir is the directory the agent runs in.
	WorkDir string `koanf:"work_dir"`

	// Timeout bounds one invocation. Zero means DefaultTimeout.
	Timeout time.Duration `koanf:"timeout"`
}

// Validate checks the config.
func (c *CommandConfig) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return errors.New("agent: command is required")
	}
	return nil
}

// CommandInvoker runs the agent as a shell command, prompt on stdin.
type CommandInvoker struct {
	config CommandConfig
	logger *logging.Logger
}

// NewCommandInvoker creates an invoker for the configured command.
func NewCommandInvoker(cfg CommandConfig, logger *logging.Logger) (*CommandInvoker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	return &CommandInvoker{config: cfg, logger: logger.Named("agent")}, nil
}

// Invoke runs the agent command for the request. The task and phase are
// exposed to the command through ORCHD_TASK and ORCHD_PHASE.
func (ci *CommandInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, ci.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", ci.config.Command)
	cmd.Dir = ci.config.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(cmd.Environ(),
		"ORCHD_TASK="+req.TaskID,
		fmt.Sprintf("ORCHD_PHASE=%d", req.Phase),
	)
	cmd.WaitDelay = time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := &Result{Transcript: string(out), Duration: time.Since(start)}

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("agent: invocation timed out after %s", ci.config.Timeout)
	}
	if err != nil {
		return res, fmt.Errorf("agent: command failed: %w", err)
	}

	ci.logger.Info(ctx, "agent invocation finished",
		zap.String("task", req.TaskID),
		zap.Int("phase", req.Phase),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}
