package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/orchd/internal/checkpoint"

// Service provides checkpoint operations against one git working tree.
type Service interface {
	// Create commits all pending working-tree changes as a phase
	// checkpoint. A clean tree is a successful no-op.
	Create(ctx context.Context, task string, phaseNumber int, phaseName string) Result

	// Last returns the newest checkpoint for a task, or nil.
	Last(ctx context.Context, task string) (*Checkpoint, error)

	// All returns up to limit checkpoints for a task, newest first.
	// limit <= 0 uses the configured history limit.
	All(ctx context.Context, task string, limit int) ([]*Checkpoint, error)

	// NextPhase returns the phase to run next: 1 with no checkpoint,
	// otherwise min(last.PhaseNumber+1, totalPhases).
	NextPhase(ctx context.Context, task string, totalPhases int) (int, error)

	// Has reports whether a checkpoint exists for the given phase.
	Has(ctx context.Context, task string, phaseNumber int) (bool, error)
}

// Config configures the checkpoint service.
type Config struct {
	// RepoPath is the working tree root. Required.
	RepoPath string `koanf:"repo_path"`

	// HistoryLimit bounds how many checkpoints All returns by default.
	HistoryLimit int `koanf:"history_limit"`

	// ScanWindow bounds how many commits history parsing walks.
	ScanWindow int `koanf:"scan_window"`

	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// DefaultConfig returns sensible defaults for a repo path.
func DefaultConfig(repoPath string) *Config {
	return &Config{
		RepoPath:     repoPath,
		HistoryLimit: 10,
		ScanWindow:   500,
		AuthorName:   "orchd",
		AuthorEmail:  "orchd@fyrsmithlabs.dev",
	}
}

type service struct {
	config *Config
	repo   *git.Repository
	logger *logging.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	commitCounter metric.Int64Counter
}

// NewService opens the repository at cfg.RepoPath and returns a service.
func NewService(cfg *Config, logger *logging.Logger) (Service, error) {
	if cfg == nil || cfg.RepoPath == "" {
		return nil, errors.New("checkpoint: repo path is required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = 500
	}
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}

	repo, err := git.PlainOpen(cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open repository %s: %w", cfg.RepoPath, err)
	}

	s := &service{
		config: cfg,
		repo:   repo,
		logger: logger.Named("checkpoint"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	s.commitCounter, err = s.meter.Int64Counter(
		"orchd.checkpoint.commits_total",
		metric.WithDescription("Total number of checkpoint commits created"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create commit counter", zap.Error(err))
	}
}

// Create commits all pending changes under the canonical message. Any
// underlying git error is folded into the result; checkpointing must never
// abort the run, it only degrades resumability.
func (s *service) Create(ctx context.Context, task string, phaseNumber int, phaseName string) Result {
	ctx, span := s.tracer.Start(ctx, "checkpoint.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("task", task),
		attribute.Int("phase", phaseNumber),
	)

	wt, err := s.repo.Worktree()
	if err != nil {
		return s.failure(ctx, task, "get worktree", err)
	}

	status, err := wt.Status()
	if err != nil {
		return s.failure(ctx, task, "read worktree status", err)
	}
	if status.IsClean() {
		s.logger.Debug(ctx, "working tree clean, skipping checkpoint",
			zap.String("task", task), zap.Int("phase", phaseNumber))
		return Result{Success: true, Message: "No changes to commit"}
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return s.failure(ctx, task, "stage changes", err)
	}

	msg := CommitMessage(task, phaseNumber, phaseName)
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.config.AuthorName,
			Email: s.config.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return s.failure(ctx, task, "commit", err)
	}

	if s.commitCounter != nil {
		s.commitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
	}
	s.logger.Info(ctx, "created checkpoint",
		zap.String("task", task),
		zap.Int("phase", phaseNumber),
		zap.String("commit", hash.String()),
	)

	return Result{Success: true, CommitHash: hash.String(), Message: msg}
}

func (s *service) failure(ctx context.Context, task, op string, err error) Result {
	s.logger.Warn(ctx, "checkpoint failed, run continues without it",
		zap.String("task", task),
		zap.String("op", op),
		zap.Error(err),
	)
	return Result{Success: false, Message: fmt.Sprintf("%s: %v", op, err)}
}

// Last returns the newest checkpoint for a task, or nil when none exists.
func (s *service) Last(ctx context.Context, task string) (*Checkpoint, error) {
	cps, err := s.All(ctx, task, 1)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[0], nil
}

// All walks recent history and returns canonical-message matches for the
// task, newest first.
func (s *service) All(ctx context.Context, task string, limit int) ([]*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.all")
	defer span.End()
	span.SetAttributes(attribute.String("task", task))

	if limit <= 0 {
		limit = s.config.HistoryLimit
	}

	iter, err := s.repo.Log(&git.LogOptions{})
	if err != nil {
		// A repository without commits has no checkpoints.
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read log: %w", err)
	}
	defer iter.Close()

	pattern := messagePattern(task)
	var checkpoints []*Checkpoint
	scanned := 0

	for scanned < s.config.ScanWindow && len(checkpoints) < limit {
		commit, err := iter.Next()
		if err != nil {
			break // end of history
		}
		scanned++

		subject, _, _ := strings.Cut(commit.Message, "\n")
		m := pattern.FindStringSubmatch(strings.TrimSpace(subject))
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, &Checkpoint{
			CommitHash:  commit.Hash.String(),
			Task:        task,
			PhaseNumber: num,
			PhaseName:   m[2],
			CreatedAt:   commit.Author.When,
		})
	}

	return checkpoints, nil
}

// NextPhase derives the next phase from history, clamped to totalPhases.
func (s *service) NextPhase(ctx context.Context, task string, totalPhases int) (int, error) {
	last, err := s.Last(ctx, task)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 1, nil
	}
	next := last.PhaseNumber + 1
	if next > totalPhases {
		next = totalPhases
	}
	return next, nil
}

// Has reports whether a checkpoint for the phase exists in recent history.
func (s *service) Has(ctx context.Context, task string, phaseNumber int) (bool, error) {
	cps, err := s.All(ctx, task, 0)
	if err != nil {
		return false, err
	}
	for _, cp := range cps {
		if cp.PhaseNumber == phaseNumber {
			return true, nil
		}
	}
	return false, nil
}
