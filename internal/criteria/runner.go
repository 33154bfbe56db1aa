package criteria

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/logging"
	"github.com/fyrsmithlabs/orchd/internal/record"
)

// maxEvidenceLen caps stored command output.
const maxEvidenceLen = 500

// DefaultTimeout is the hard per-command execution bound.
const DefaultTimeout = 30 * time.Second

// Config configures criterion execution.
type Config struct {
	// WorkDir is the directory commands run in. Required.
	WorkDir string `koanf:"work_dir"`

	// Timeout bounds each command. Zero means DefaultTimeout.
	Timeout time.Duration `koanf:"timeout"`
}

// Runner executes AUTO and BOTH criteria and records the outcome on each
// criterion in place. MANUAL criteria are recorded but never executed.
type Runner struct {
	config Config
	logger *logging.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config, logger *logging.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	return &Runner{config: cfg, logger: logger.Named("criteria")}
}

// Summary aggregates one run over a criteria list.
type Summary struct {
	Total  int
	Passed int
	Failed int
	Manual int
}

// AllPassed reports whether no automated criterion failed.
func (s Summary) AllPassed() bool {
	return s.Failed == 0
}

// Run executes each criterion and fills Passed and Evidence in place.
func (r *Runner) Run(ctx context.Context, criteria []record.Criterion) Summary {
	var sum Summary
	sum.Total = len(criteria)

	for i := range criteria {
		c := &criteria[i]

		if c.TestType == record.TestManual || c.Command == "" {
			c.Passed = nil
			if c.Evidence == "" {
				c.Evidence = "manual verification required"
			}
			sum.Manual++
			continue
		}

		passed, evidence := r.runOne(ctx, c.Command)
		c.Passed = &passed
		c.Evidence = evidence
		if passed {
			sum.Passed++
		} else {
			sum.Failed++
		}

		r.logger.Debug(ctx, "criterion executed",
			zap.String("command", c.Command),
			zap.Bool("passed", passed),
		)
	}
	return sum
}

// execute runs a command under the configured timeout and returns its
// combined output. The error reports a timeout or non-zero exit.
func (r *Runner) execute(ctx context.Context, command string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = r.config.WorkDir
	// Don't wait on grandchildren holding the output pipe after the kill.
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	output := string(out)

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("command timed out after %s: %w", r.config.Timeout, context.DeadlineExceeded)
	}
	return output, err
}

// runOne executes a single command under the configured timeout and grades
// its output. A non-zero exit always fails regardless of output content.
func (r *Runner) runOne(ctx context.Context, command string) (bool, string) {
	output, err := r.execute(ctx, command)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, capEvidence(err.Error())
	}
	if err != nil {
		evidence := output
		if evidence == "" {
			evidence = err.Error()
		}
		return false, capEvidence("exit error: " + evidence)
	}

	return gradeOutput(command, output), capEvidence(output)
}

// CheckPreConditions executes every precondition that declares a command
// and records the outcome in place. A precondition passes when its command
// exits zero and, if an expectation is declared, the output contains it.
// Preconditions without a command are left for manual verification.
// Returns the first failing precondition, or nil when none failed.
func (r *Runner) CheckPreConditions(ctx context.Context, pcs []record.PreCondition) *record.PreCondition {
	for i := range pcs {
		pc := &pcs[i]
		if pc.Command == "" {
			continue
		}

		output, err := r.execute(ctx, pc.Command)
		passed := err == nil
		evidence := output
		if err != nil && strings.TrimSpace(output) == "" {
			evidence = err.Error()
		}
		if passed && pc.Expected != "" && !strings.Contains(output, pc.Expected) {
			passed = false
			evidence = fmt.Sprintf("expected %q in output, got: %s", pc.Expected, output)
		}
		pc.Passed = &passed
		pc.Evidence = capEvidence(evidence)

		r.logger.Debug(ctx, "precondition checked",
			zap.String("check", pc.Check),
			zap.Bool("passed", passed),
		)
		if !passed {
			return pc
		}
	}
	return nil
}

var (
	searchCommand = regexp.MustCompile(`(?i)^\s*(grep|rg|ag|git\s+grep|find|ls)\b`)
	lintCommand   = regexp.MustCompile(`(?i)\b(lint|eslint|tsc|vet|gofmt|syntax)\b`)
	testCommand   = regexp.MustCompile(`(?i)\b(test|jest|mocha|pytest|vitest)\b`)
)

// gradeOutput applies the command-family heuristics to successful runs.
func gradeOutput(command, output string) bool {
	trimmed := strings.TrimSpace(output)
	lower := strings.ToLower(output)

	switch {
	case searchCommand.MatchString(command):
		// A match-search with no output found nothing.
		return trimmed != ""
	case lintCommand.MatchString(command):
		return !strings.Contains(lower, "error:") && !strings.Contains(lower, "fatal")
	case testCommand.MatchString(command):
		return !strings.Contains(lower, "failed") && !strings.Contains(lower, "error")
	default:
		return trimmed != ""
	}
}

func capEvidence(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxEvidenceLen {
		return s
	}
	// Back up to a rune boundary so the record never carries invalid UTF-8.
	cut := maxEvidenceLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
