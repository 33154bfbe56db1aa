package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchd/internal/agent"
	"github.com/fyrsmithlabs/orchd/internal/checkpoint"
	"github.com/fyrsmithlabs/orchd/internal/plan"
	"github.com/fyrsmithlabs/orchd/internal/record"
)

const twoTaskDoc = `
## TASK1: First
Depends: []
Files: [a.go]

### Phase 1: Build
- [ ] write a.go

| Criterion | Command |
|-----------|---------|
| done | ` + "`echo ok`" + ` |

## TASK2: Second
Depends: [TASK1]
Files: [b.go]

### Phase 1: Build
- [ ] write b.go

| Criterion | Command |
|-----------|---------|
| done | ` + "`echo ok`" + ` |
`

type env struct {
	plan    *plan.Plan
	store   *record.Store
	workdir string
}

func newEnv(t *testing.T, doc string) *env {
	t.Helper()
	p, err := plan.Parse(doc)
	require.NoError(t, err)
	store, err := record.NewStore(t.TempDir())
	require.NoError(t, err)
	return &env{plan: p, store: store, workdir: t.TempDir()}
}

// completer marks every item and precondition of the requested phase done,
// the way a cooperative agent would.
func (e *env) completer(t *testing.T) agent.InvokerFunc {
	t.Helper()
	return func(_ context.Context, req agent.Request) (*agent.Result, error) {
		rec, err := e.store.Load(req.TaskID)
		if err != nil {
			return nil, err
		}
		ph := rec.PhaseByID(req.Phase)
		for i := range ph.Items {
			ph.Items[i].Completed = true
		}
		for i := range ph.PreConditions {
			passed := true
			ph.PreConditions[i].Passed = &passed
		}
		if err := e.store.Save(rec); err != nil {
			return nil, err
		}
		return &agent.Result{Transcript: "done"}, nil
	}
}

func TestRun_CompletesIndependentTasks(t *testing.T) {
	e := newEnv(t, twoTaskDoc)
	s := New(Config{WorkDir: e.workdir}, e.plan, e.store, e.completer(t), nil, nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Succeeded())
	for _, id := range []string{"TASK1", "TASK2"} {
		rec, err := e.store.Load(id)
		require.NoError(t, err)
		assert.Equal(t, record.StatusCompleted, rec.Status)
		require.NotNil(t, rec.Completion)
		assert.Equal(t, record.CompletionCompleted, rec.Completion.Status)
	}
}

func TestRun_DependencyOrder(t *testing.T) {
	e := newEnv(t, twoTaskDoc)

	var mu sync.Mutex
	var order []string
	inner := e.completer(t)
	inv := agent.InvokerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		mu.Lock()
		order = append(order, req.TaskID)
		mu.Unlock()
		return inner(ctx, req)
	})

	s := New(Config{WorkDir: e.workdir, MaxParallel: 4}, e.plan, e.store, inv, nil, nil)
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"TASK1", "TASK2"}, order, "TASK2 waits for its dependency")
}

func TestRun_FailedTaskBlocksDependents(t *testing.T) {
	e := newEnv(t, twoTaskDoc)

	// The agent never completes any item, so the phase is never gated.
	idle := agent.InvokerFunc(func(_ context.Context, _ agent.Request) (*agent.Result, error) {
		return &agent.Result{}, nil
	})

	s := New(Config{WorkDir: e.workdir, MaxAttempts: 2}, e.plan, e.store, idle, nil, nil)
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Succeeded())

	o1 := report.Outcome("TASK1")
	require.NotNil(t, o1)
	assert.Equal(t, record.StatusFailed, o1.Status)
	assert.Equal(t, 2, o1.Attempts, "retry budget consumed")

	o2 := report.Outcome("TASK2")
	require.NotNil(t, o2)
	assert.Equal(t, record.StatusBlocked, o2.Status)
	assert.Equal(t, []string{"TASK1"}, o2.BlockedBy)

	rec, err := e.store.Load("TASK1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorHistory, "each failed attempt is recorded")

	rec2, err := e.store.Load("TASK2")
	require.NoError(t, err)
	assert.Equal(t, record.StatusBlocked, rec2.Status)
}

func TestRun_HallucinatedArtifactRetries(t *testing.T) {
	doc := `
## TASK1: Solo
Files: [a.go]

### Phase 1: Build
- [ ] write a.go

| Criterion | Command |
|-----------|---------|
| done | ` + "`echo ok`" + ` |
`
	e := newEnv(t, doc)

	var calls atomic.Int32
	inner := e.completer(t)
	inv := agent.InvokerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		n := calls.Add(1)
		res, err := inner(ctx, req)
		if err != nil {
			return res, err
		}
		rec, err := e.store.Load(req.TaskID)
		if err != nil {
			return nil, err
		}
		if n == 1 {
			// First attempt claims a file that was never written.
			rec.Artifacts = []record.Artifact{
				{Type: record.ArtifactCreated, Path: "a.go", Verified: true},
			}
		} else {
			require.NoError(t, os.WriteFile(filepath.Join(e.workdir, "a.go"), []byte("package a\n"), 0o644))
			rec.Artifacts = []record.Artifact{
				{Type: record.ArtifactCreated, Path: "a.go", Verified: true},
			}
		}
		if err := e.store.Save(rec); err != nil {
			return nil, err
		}
		return res, nil
	})

	s := New(Config{WorkDir: e.workdir, MaxAttempts: 3}, e.plan, e.store, inv, nil, nil)
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	o := report.Outcome("TASK1")
	require.NotNil(t, o)
	assert.Equal(t, record.StatusCompleted, o.Status)
	assert.Equal(t, 2, o.Attempts, "first attempt fails the artifact audit")

	rec, err := e.store.Load("TASK1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ErrorHistory)
}

func TestRun_SerializesWhenFilesUndeclared(t *testing.T) {
	doc := `
## TASK1: First
Files: [a.go]

### Phase 1: Build
- [ ] one

## TASK2: Second

### Phase 1: Build
- [ ] two
`
	e := newEnv(t, doc)

	var cur, max atomic.Int32
	inner := e.completer(t)
	inv := agent.InvokerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		n := cur.Add(1)
		if n > max.Load() {
			max.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		defer cur.Add(-1)
		return inner(ctx, req)
	})

	s := New(Config{WorkDir: e.workdir, MaxParallel: 4}, e.plan, e.store, inv, nil, nil)
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Serialized)
	assert.LessOrEqual(t, max.Load(), int32(1), "undeclared files force serial execution")
}

func TestRun_FileConflictAutoResolved(t *testing.T) {
	doc := `
## TASK1: First
Files: [shared.go]

### Phase 1: Build
- [ ] one

## TASK2: Second
Files: [shared.go]

### Phase 1: Build
- [ ] two
`
	e := newEnv(t, doc)

	var mu sync.Mutex
	var order []string
	inner := e.completer(t)
	inv := agent.InvokerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		mu.Lock()
		order = append(order, req.TaskID)
		mu.Unlock()
		return inner(ctx, req)
	})

	s := New(Config{WorkDir: e.workdir, MaxParallel: 4}, e.plan, e.store, inv, nil, nil)
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Resolutions, 1)
	assert.Equal(t, "TASK1", report.Resolutions[0].Winner)
	assert.Equal(t, []string{"TASK1", "TASK2"}, order, "loser runs after the winner")
}

func TestRun_SentinelRunsLast(t *testing.T) {
	doc := twoTaskDoc + `
## FINAL: Wrap up
Depends: [TASK1, TASK2]
Files: []

| Criterion | Command |
|-----------|---------|
| release notes exist | ` + "`echo notes`" + ` |
`
	e := newEnv(t, doc)

	var mu sync.Mutex
	var order []string
	inner := e.completer(t)
	inv := agent.InvokerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		mu.Lock()
		order = append(order, req.TaskID)
		mu.Unlock()
		return inner(ctx, req)
	})

	s := New(Config{WorkDir: e.workdir}, e.plan, e.store, inv, nil, nil)
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Succeeded())
	assert.False(t, report.Serialized, "the sentinel's empty file set does not serialize the run")
	// The sentinel has no phases, so the agent is never invoked for it;
	// its criteria still ran and its record completed.
	assert.NotContains(t, order, record.SentinelTaskID)
	rec, err := e.store.Load(record.SentinelTaskID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCompleted, rec.Status)
	require.Len(t, rec.SuccessCriteria, 1)
	require.NotNil(t, rec.SuccessCriteria[0].Passed)
	assert.True(t, *rec.SuccessCriteria[0].Passed)
}

func TestRun_CriteriaFailureConsumesBudget(t *testing.T) {
	doc := `
## TASK1: Solo
Files: [a.go]

### Phase 1: Build
- [ ] one

| Criterion | Command |
|-----------|---------|
| never | ` + "`false`" + ` |
`
	e := newEnv(t, doc)
	s := New(Config{WorkDir: e.workdir, MaxAttempts: 2}, e.plan, e.store, e.completer(t), nil, nil)

	report, err := s.Run(context.Background())
	require.NoError(t, err)

	o := report.Outcome("TASK1")
	require.NotNil(t, o)
	assert.Equal(t, record.StatusFailed, o.Status)
	assert.Contains(t, o.Err, "retry budget")
}

func TestRun_UnmetPreconditionBlocksWithoutInvokingAgent(t *testing.T) {
	doc := `
## TASK1: Solo
Files: [a.go]

### Phase 1: Build
Pre: toolchain present ` + "`false`" + ` => ok
- [ ] one
`
	e := newEnv(t, doc)

	var calls atomic.Int32
	inner := e.completer(t)
	inv := agent.InvokerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		calls.Add(1)
		return inner(ctx, req)
	})

	s := New(Config{WorkDir: e.workdir, MaxAttempts: 2}, e.plan, e.store, inv, nil, nil)
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	o := report.Outcome("TASK1")
	require.NotNil(t, o)
	assert.Equal(t, record.StatusBlocked, o.Status, "unmet precondition blocks, it does not fail")
	assert.Equal(t, int32(0), calls.Load(), "no implementation is attempted")

	rec, err := e.store.Load("TASK1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusBlocked, rec.Status)
	require.NotNil(t, rec.Completion)
	assert.Equal(t, record.CompletionBlocked, rec.Completion.Status)
	assert.Contains(t, rec.Completion.Summary, "toolchain present")

	pc := rec.Phases[0].PreConditions[0]
	require.NotNil(t, pc.Passed)
	assert.False(t, *pc.Passed, "the failed check is persisted on the record")
}

func TestRun_PassingPreconditionRecordedBeforeAgent(t *testing.T) {
	doc := `
## TASK1: Solo
Files: [a.go]

### Phase 1: Build
Pre: shell present ` + "`echo ok`" + ` => ok
- [ ] one
`
	e := newEnv(t, doc)

	// The agent completes items but never touches preconditions; the
	// scheduler must have satisfied them itself.
	inv := agent.InvokerFunc(func(_ context.Context, req agent.Request) (*agent.Result, error) {
		rec, err := e.store.Load(req.TaskID)
		if err != nil {
			return nil, err
		}
		ph := rec.PhaseByID(req.Phase)
		for i := range ph.Items {
			ph.Items[i].Completed = true
		}
		if err := e.store.Save(rec); err != nil {
			return nil, err
		}
		return &agent.Result{}, nil
	})

	s := New(Config{WorkDir: e.workdir}, e.plan, e.store, inv, nil, nil)
	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Succeeded())

	rec, err := e.store.Load("TASK1")
	require.NoError(t, err)
	pc := rec.Phases[0].PreConditions[0]
	require.NotNil(t, pc.Passed)
	assert.True(t, *pc.Passed)
	assert.Contains(t, pc.Evidence, "ok")
}

func TestRun_BlockedChecklistStopsWithoutRetry(t *testing.T) {
	doc := `
## TASK1: Solo
Files: [a.go]

### Phase 1: Build
- [ ] one
`
	e := newEnv(t, doc)

	var calls atomic.Int32
	inner := e.completer(t)
	inv := agent.InvokerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		calls.Add(1)
		res, err := inner(ctx, req)
		if err != nil {
			return res, err
		}
		rec, err := e.store.Load(req.TaskID)
		if err != nil {
			return nil, err
		}
		rec.ReviewChecklist = &record.ReviewChecklist{Status: "blocked"}
		if err := e.store.Save(rec); err != nil {
			return nil, err
		}
		return res, nil
	})

	s := New(Config{WorkDir: e.workdir, MaxAttempts: 3}, e.plan, e.store, inv, nil, nil)
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	o := report.Outcome("TASK1")
	require.NotNil(t, o)
	assert.Equal(t, record.StatusBlocked, o.Status)
	assert.Equal(t, int32(1), calls.Load(), "a blocked task is not retried")
}

func TestRun_CheckpointsPerPhase(t *testing.T) {
	doc := `
## TASK1: Solo
Files: [a.go]

### Phase 1: Scaffold
- [ ] one

### Phase 2: Finish
- [ ] two
`
	e := newEnv(t, doc)

	_, err := git.PlainInit(e.workdir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(e.workdir, "seed.txt"), []byte("seed\n"), 0o644))

	svc, err := checkpoint.NewService(checkpoint.DefaultConfig(e.workdir), nil)
	require.NoError(t, err)

	inner := e.completer(t)
	inv := agent.InvokerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		// Each phase leaves a change behind so the checkpoint has
		// something to commit.
		name := filepath.Join(e.workdir, req.PhaseName+".txt")
		if err := os.WriteFile(name, []byte("work\n"), 0o644); err != nil {
			return nil, err
		}
		return inner(ctx, req)
	})

	s := New(Config{WorkDir: e.workdir}, e.plan, e.store, inv, svc, nil)
	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Succeeded())

	cps, err := svc.All(context.Background(), "TASK1", 0)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	// Newest first.
	assert.Equal(t, 2, cps[0].PhaseNumber)
	assert.Equal(t, 1, cps[1].PhaseNumber)
}

func TestRun_ContextCancelled(t *testing.T) {
	e := newEnv(t, twoTaskDoc)
	ctx, cancel := context.WithCancel(context.Background())

	inner := e.completer(t)
	inv := agent.InvokerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		cancel()
		return inner(ctx, req)
	})

	s := New(Config{WorkDir: e.workdir}, e.plan, e.store, inv, nil, nil)
	report, err := s.Run(ctx)
	require.Error(t, err)
	require.NotNil(t, report)

	o := report.Outcome("TASK2")
	require.NotNil(t, o)
	assert.NotEqual(t, record.StatusCompleted, o.Status, "no new admissions after cancellation")
}
