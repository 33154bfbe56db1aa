// Package scheduler drives a plan to completion: it admits tasks from the
// dependency graph up to the parallelism bound, runs each task's phase
// pipeline through the agent, and blocks the dependents of anything that
// fails.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/agent"
	"github.com/fyrsmithlabs/orchd/internal/audit"
	"github.com/fyrsmithlabs/orchd/internal/checkpoint"
	"github.com/fyrsmithlabs/orchd/internal/conflict"
	"github.com/fyrsmithlabs/orchd/internal/criteria"
	"github.com/fyrsmithlabs/orchd/internal/gate"
	"github.com/fyrsmithlabs/orchd/internal/logging"
	"github.com/fyrsmithlabs/orchd/internal/plan"
	"github.com/fyrsmithlabs/orchd/internal/record"
)

const instrumentationName = "github.com/fyrsmithlabs/orchd/internal/scheduler"

// Defaults for the execution loop.
const (
	DefaultMaxParallel = 2
	DefaultMaxAttempts = 3
)

// Config configures the scheduler.
type Config struct {
	// MaxParallel bounds concurrent tasks. Zero means DefaultMaxParallel.
	// The bound drops to 1 when any task lacks a file declaration.
	MaxParallel int `koanf:"max_parallel"`

	// MaxAttempts is the retry budget per task. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int `koanf:"max_attempts"`

	// WorkDir is the repository the agent and criteria commands run in.
	WorkDir string `koanf:"work_dir"`

	// CriteriaTimeout bounds each success-criterion command.
	CriteriaTimeout time.Duration `koanf:"criteria_timeout"`
}

// Scheduler executes a parsed plan.
type Scheduler struct {
	config      Config
	plan        *plan.Plan
	graph       *conflict.Graph
	store       *record.Store
	invoker     agent.Invoker
	checkpoints checkpoint.Service
	gate        *gate.Gate
	auditor     *audit.Auditor
	runner      *criteria.Runner
	logger      *logging.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	taskCounter metric.Int64Counter
}

// New creates a scheduler. checkpoints may be nil to disable phase
// checkpointing.
func New(cfg Config, p *plan.Plan, store *record.Store, invoker agent.Invoker, checkpoints checkpoint.Service, logger *logging.Logger) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	logger = logger.Named("scheduler")

	s := &Scheduler{
		config:      cfg,
		plan:        p,
		graph:       p.Graph(),
		store:       store,
		invoker:     invoker,
		checkpoints: checkpoints,
		gate:        gate.New(logger),
		auditor:     audit.New(logger),
		runner: criteria.NewRunner(criteria.Config{
			WorkDir: cfg.WorkDir,
			Timeout: cfg.CriteriaTimeout,
		}, logger),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s
}

func (s *Scheduler) initMetrics() {
	var err error
	s.taskCounter, err = s.meter.Int64Counter(
		"orchd.scheduler.tasks_total",
		metric.WithDescription("Tasks finished, by terminal status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create task counter", zap.Error(err))
	}
}

// TaskOutcome is one task's terminal state in a run report.
type TaskOutcome struct {
	Task      string
	Status    record.Status
	Attempts  int
	BlockedBy []string
	Err       string
}

// Report summarizes one run.
type Report struct {
	Outcomes    []TaskOutcome
	Serialized  bool
	Conflicts   []conflict.FileConflict
	Resolutions []conflict.Resolution
	Duration    time.Duration
}

// Succeeded reports whether every task completed.
func (r *Report) Succeeded() bool {
	for _, o := range r.Outcomes {
		if o.Status != record.StatusCompleted {
			return false
		}
	}
	return true
}

// Outcome returns the outcome for a task, or nil.
func (r *Report) Outcome(task string) *TaskOutcome {
	for i := range r.Outcomes {
		if r.Outcomes[i].Task == task {
			return &r.Outcomes[i]
		}
	}
	return nil
}

type taskEvent struct {
	task     string
	status   record.Status
	attempts int
	err      error
}

// Run executes the plan until every task reaches a terminal status.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	ctx = logging.WithRunID(ctx, uuid.NewString())
	ctx, span := s.tracer.Start(ctx, "scheduler.run")
	defer span.End()

	report := &Report{}

	report.Conflicts = s.graph.DetectFileConflicts()
	report.Resolutions = s.graph.AutoResolve(report.Conflicts)
	for _, res := range report.Resolutions {
		s.logger.Warn(ctx, "file conflict auto-resolved by serialization",
			zap.String("winner", res.Winner),
			zap.String("loser", res.Loser),
		)
	}

	missing := s.graph.TasksMissingFiles()
	par := s.config.MaxParallel
	if len(missing) > 0 {
		report.Serialized = true
		par = 1
		s.logger.Warn(ctx, "tasks without file declarations; serializing the whole run",
			zap.Strings("tasks", missing),
		)
	}

	statuses := make(map[string]record.Status, len(s.plan.Tasks))
	attempts := make(map[string]int, len(s.plan.Tasks))
	blockedBy := make(map[string][]string)
	errs := make(map[string]string)
	for _, t := range s.plan.Tasks {
		statuses[t.ID] = record.StatusPending
	}

	running := make(map[string]bool)
	events := make(chan taskEvent)
	remaining := len(s.plan.Tasks)

	for remaining > 0 {
		if ctx.Err() == nil {
			for len(running) < par {
				next := s.nextReady(statuses, running)
				if next == "" {
					break
				}
				running[next] = true
				statuses[next] = record.StatusInProgress
				go func(id string) {
					st, att, err := s.runTask(ctx, id)
					events <- taskEvent{task: id, status: st, attempts: att, err: err}
				}(next)
			}
		}

		if len(running) == 0 {
			// Nothing running and nothing admittable: either the context
			// is gone or the remaining tasks wait on tasks that will never
			// complete.
			for _, t := range s.plan.Tasks {
				if statuses[t.ID] == record.StatusPending {
					statuses[t.ID] = record.StatusBlocked
					blockedBy[t.ID] = s.unmetDependencies(t.ID, statuses)
					remaining--
				}
			}
			break
		}

		ev := <-events
		delete(running, ev.task)
		statuses[ev.task] = ev.status
		attempts[ev.task] = ev.attempts
		if ev.err != nil {
			errs[ev.task] = ev.err.Error()
		}
		remaining--

		if s.taskCounter != nil {
			s.taskCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("status", string(ev.status))))
		}

		if ev.status == record.StatusFailed || ev.status == record.StatusBlocked {
			remaining -= s.propagateBlocked(ctx, ev.task, statuses, blockedBy)
		}
	}

	for _, t := range s.plan.Tasks {
		report.Outcomes = append(report.Outcomes, TaskOutcome{
			Task:      t.ID,
			Status:    statuses[t.ID],
			Attempts:  attempts[t.ID],
			BlockedBy: blockedBy[t.ID],
			Err:       errs[t.ID],
		})
	}
	report.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("scheduler: run interrupted: %w", err)
	}
	return report, nil
}

// nextReady returns the first pending task whose dependencies are all
// completed and which may run beside everything currently running. The
// sentinel task is admitted only once every other task has completed.
func (s *Scheduler) nextReady(statuses map[string]record.Status, running map[string]bool) string {
	for _, t := range s.plan.Tasks {
		if statuses[t.ID] != record.StatusPending {
			continue
		}
		if t.ID == record.SentinelTaskID {
			if !s.othersCompleted(t.ID, statuses) {
				continue
			}
		} else if !s.depsCompleted(t.ID, statuses) {
			continue
		}
		ok := true
		for r := range running {
			if !s.graph.CanRunInParallel(t.ID, r) {
				ok = false
				break
			}
		}
		if ok {
			return t.ID
		}
	}
	return ""
}

func (s *Scheduler) depsCompleted(id string, statuses map[string]record.Status) bool {
	for _, dep := range s.graph.Dependencies(id) {
		if statuses[dep] != record.StatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) othersCompleted(id string, statuses map[string]record.Status) bool {
	for task, st := range statuses {
		if task != id && st != record.StatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) unmetDependencies(id string, statuses map[string]record.Status) []string {
	var unmet []string
	for _, dep := range s.graph.Dependencies(id) {
		if statuses[dep] != record.StatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// propagateBlocked marks every pending transitive dependent of a failed or
// blocked task as blocked. Returns how many tasks it settled.
func (s *Scheduler) propagateBlocked(ctx context.Context, failed string, statuses map[string]record.Status, blockedBy map[string][]string) int {
	settled := 0
	queue := []string{failed}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range s.graph.TaskIDs() {
			if statuses[id] != record.StatusPending || !s.graph.HasDependency(id, cur) {
				continue
			}
			statuses[id] = record.StatusBlocked
			blockedBy[id] = append(blockedBy[id], cur)
			settled++
			queue = append(queue, id)
			s.logger.Warn(ctx, "task blocked by upstream failure",
				zap.String("task", id),
				zap.String("blocked_by", cur),
			)
			s.markBlockedRecord(ctx, id, blockedBy[id])
		}
	}
	return settled
}

// markBlockedRecord persists the blocked status so a later resume sees it.
// The record is created first when the task never started.
func (s *Scheduler) markBlockedRecord(ctx context.Context, id string, by []string) {
	var rec *record.ExecutionRecord
	var err error
	if s.store.Exists(id) {
		rec, err = s.store.Load(id)
		if err != nil {
			s.logger.Warn(ctx, "cannot load record to mark blocked", zap.String("task", id), zap.Error(err))
			return
		}
	} else if t := s.plan.TaskByID(id); t != nil {
		rec = t.NewRecord()
	} else {
		return
	}
	rec.Status = record.StatusBlocked
	rec.Completion = &record.Completion{Status: record.CompletionBlocked, BlockedBy: by}
	if err := s.store.Save(rec); err != nil {
		s.logger.Warn(ctx, "cannot save blocked record", zap.String("task", id), zap.Error(err))
	}
}

// blockedError aborts a task without consuming its retry budget.
type blockedError struct{ reason string }

func (e *blockedError) Error() string { return "task blocked: " + e.reason }

// runTask drives one task through its retry budget.
func (s *Scheduler) runTask(ctx context.Context, id string) (record.Status, int, error) {
	ctx = logging.WithTaskID(ctx, id)
	ctx, span := s.tracer.Start(ctx, "scheduler.task")
	defer span.End()

	t := s.plan.TaskByID(id)
	rec, err := s.loadOrCreate(t)
	if err != nil {
		return record.StatusFailed, 0, err
	}

	var lastErr error
	for rec.Attempts < s.config.MaxAttempts {
		rec.Attempts++
		rec.Status = record.StatusInProgress
		if err := s.store.Save(rec); err != nil {
			return record.StatusFailed, rec.Attempts, err
		}

		updated, err := s.attempt(ctx, t, rec)
		if updated != nil {
			rec = updated
		}
		if err == nil {
			return record.StatusCompleted, rec.Attempts, nil
		}

		var be *blockedError
		if errors.As(err, &be) {
			rec.Status = record.StatusBlocked
			rec.Completion = &record.Completion{Status: record.CompletionBlocked, Summary: be.reason}
			if serr := s.store.Save(rec); serr != nil {
				s.logger.Error(ctx, "save blocked record", zap.Error(serr))
			}
			return record.StatusBlocked, rec.Attempts, err
		}

		lastErr = err
		rec.AppendError(record.ErrorEntry{Severity: "ERROR", Message: err.Error()})
		if serr := s.store.Save(rec); serr != nil {
			s.logger.Error(ctx, "save record after failed attempt", zap.Error(serr))
		}
		s.logger.Warn(ctx, "attempt failed",
			zap.Int("attempt", rec.Attempts),
			zap.Int("budget", s.config.MaxAttempts),
			zap.Error(err),
		)
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts remaining")
	}
	rec.Status = record.StatusFailed
	rec.Completion = &record.Completion{
		Status:  record.CompletionFailed,
		Summary: fmt.Sprintf("retry budget of %d exhausted", s.config.MaxAttempts),
	}
	if serr := s.store.Save(rec); serr != nil {
		s.logger.Error(ctx, "save failed record", zap.Error(serr))
	}
	return record.StatusFailed, rec.Attempts, fmt.Errorf("task %s: retry budget exhausted: %w", id, lastErr)
}

func (s *Scheduler) loadOrCreate(t *plan.Task) (*record.ExecutionRecord, error) {
	if s.store.Exists(t.ID) {
		return s.store.Load(t.ID)
	}
	rec := t.NewRecord()
	if err := s.store.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// attempt runs one pass of the phase pipeline: agent, gate, artifact
// audit, phase completion, checkpoint, then the success criteria. The
// record is reloaded after every agent invocation because the agent
// rewrites it on disk.
func (s *Scheduler) attempt(ctx context.Context, t *plan.Task, rec *record.ExecutionRecord) (*record.ExecutionRecord, error) {
	if s.checkpoints != nil && len(rec.Phases) > 0 {
		next, err := s.checkpoints.NextPhase(ctx, t.ID, len(rec.Phases))
		if err != nil {
			s.logger.Warn(ctx, "cannot read checkpoint history", zap.Error(err))
		} else if first := rec.FirstIncompletePhase(); first != nil && next != first.ID {
			s.logger.Warn(ctx, "checkpoint history disagrees with record",
				zap.Int("checkpoint_next", next),
				zap.Int("record_next", first.ID),
			)
		}
	}

	s.gate.Enforce(ctx, rec)

	for {
		ph := rec.FirstIncompletePhase()
		if ph == nil {
			break
		}
		phID, phName := ph.ID, ph.Name
		ctx := logging.WithPhase(ctx, phID)

		// Declared preconditions are checked before any implementation
		// work; an unmet one blocks the task without invoking the agent.
		if failed := s.runner.CheckPreConditions(ctx, ph.PreConditions); failed != nil {
			if err := s.store.Save(rec); err != nil {
				return rec, err
			}
			return rec, &blockedError{
				reason: fmt.Sprintf("phase %d (%s) precondition not met: %s", phID, phName, failed.Check),
			}
		}

		ph.Status = record.PhaseInProgress
		rec.CurrentPhase = &record.PhasePointer{ID: phID, Name: phName}
		if err := s.store.Save(rec); err != nil {
			return rec, err
		}

		res, err := s.invoker.Invoke(ctx, agent.Request{
			TaskID:    t.ID,
			Phase:     phID,
			PhaseName: phName,
			Prompt:    agent.BuildPrompt(rec, phID),
		})
		if err != nil {
			return rec, fmt.Errorf("phase %d (%s): %w", phID, phName, err)
		}
		if res != nil {
			s.logger.Debug(ctx, "agent transcript",
				zap.Int("bytes", len(res.Transcript)),
				zap.Duration("duration", res.Duration),
			)
		}

		rec, err = s.store.Load(t.ID)
		if err != nil {
			return rec, fmt.Errorf("reload record after agent run: %w", err)
		}

		if gr := s.gate.Enforce(ctx, rec); gr.Rewound {
			if err := s.store.Save(rec); err != nil {
				return rec, err
			}
		}

		vr := s.auditor.ValidateArtifactsExist(ctx, rec, s.config.WorkDir)
		if !vr.Valid {
			s.auditor.MarkArtifactsForRecreation(ctx, rec, vr.Missing)
			if err := s.store.Save(rec); err != nil {
				return rec, err
			}
			return rec, fmt.Errorf("phase %d (%s): agent claimed artifacts that do not exist: %s",
				phID, phName, strings.Join(vr.Missing, ", "))
		}

		if blocked, reason := s.auditor.ChecklistBlocked(rec); blocked {
			return rec, &blockedError{reason: reason}
		}

		cur := rec.PhaseByID(phID)
		if cur == nil {
			return rec, fmt.Errorf("phase %d disappeared from the record", phID)
		}
		if cur.Status != record.PhaseCompleted {
			if err := s.gate.UpdateProgress(ctx, rec, phID, record.PhaseCompleted); err != nil {
				return rec, fmt.Errorf("phase %d (%s): %w", phID, phName, err)
			}
		}

		if s.checkpoints != nil {
			cp := s.checkpoints.Create(ctx, t.ID, phID, phName)
			if !cp.Success {
				s.logger.Warn(ctx, "checkpoint failed", zap.String("message", cp.Message))
			}
		}

		if err := s.store.Save(rec); err != nil {
			return rec, err
		}
	}

	sum := s.runner.Run(ctx, rec.SuccessCriteria)
	if err := s.store.Save(rec); err != nil {
		return rec, err
	}
	if !sum.AllPassed() {
		return rec, fmt.Errorf("%d of %d success criteria failed", sum.Failed, sum.Total)
	}

	rec.Status = record.StatusCompleted
	rec.CurrentPhase = nil
	rec.Completion = &record.Completion{
		Status:  record.CompletionCompleted,
		Summary: fmt.Sprintf("%d phases complete, %d/%d criteria passed", len(rec.Phases), sum.Passed, sum.Total-sum.Manual),
	}
	if err := s.store.Save(rec); err != nil {
		return rec, err
	}
	s.logger.Info(ctx, "task completed",
		zap.Int("phases", len(rec.Phases)),
		zap.Int("criteria_passed", sum.Passed),
	)
	return rec, nil
}
