package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchd/internal/record"
)

func newRecord(phases ...record.Phase) *record.ExecutionRecord {
	rec := record.New("TASK1", "test")
	rec.Phases = phases
	return rec
}

func TestEnforce_TrivialPass(t *testing.T) {
	g := New(nil)
	ctx := context.Background()

	// No current phase.
	rec := newRecord(record.Phase{ID: 1, Name: "a", Status: record.PhasePending})
	assert.True(t, g.Enforce(ctx, rec).Passed)

	// No phases.
	rec = newRecord()
	rec.CurrentPhase = &record.PhasePointer{ID: 3}
	assert.True(t, g.Enforce(ctx, rec).Passed)
}

func TestEnforce_PointerOnFirstIncomplete(t *testing.T) {
	g := New(nil)
	rec := newRecord(
		record.Phase{ID: 1, Name: "a", Status: record.PhaseCompleted},
		record.Phase{ID: 2, Name: "b", Status: record.PhaseInProgress},
	)
	rec.CurrentPhase = &record.PhasePointer{ID: 2}

	assert.True(t, g.Enforce(context.Background(), rec).Passed)
}

func TestEnforce_PriorPhaseJustCompleted(t *testing.T) {
	g := New(nil)
	rec := newRecord(
		record.Phase{ID: 1, Name: "a", Status: record.PhaseCompleted},
		record.Phase{ID: 2, Name: "b", Status: record.PhasePending},
	)
	rec.CurrentPhase = &record.PhasePointer{ID: 1}

	assert.True(t, g.Enforce(context.Background(), rec).Passed)
}

func TestEnforce_RewindsOverClaimedPointer(t *testing.T) {
	g := New(nil)
	rec := newRecord(
		record.Phase{ID: 1, Name: "a", Status: record.PhaseCompleted},
		record.Phase{ID: 2, Name: "b", Status: record.PhasePending},
		record.Phase{ID: 3, Name: "c", Status: record.PhasePending},
	)
	rec.CurrentPhase = &record.PhasePointer{ID: 3}

	res := g.Enforce(context.Background(), rec)

	assert.False(t, res.Passed)
	assert.True(t, res.Rewound)
	assert.Equal(t, 3, res.From)
	assert.Equal(t, 2, res.To)
	require.NotNil(t, rec.CurrentPhase)
	assert.Equal(t, 2, rec.CurrentPhase.ID)
	require.Len(t, rec.ErrorHistory, 1)
	assert.Contains(t, rec.ErrorHistory[0].Message, "gate violation")
}

func TestEnforce_RewindsToFirstIncompleteNotPrevious(t *testing.T) {
	g := New(nil)
	// Phase 1 never completed; the pointer must rewind all the way to 1,
	// not merely back one step.
	rec := newRecord(
		record.Phase{ID: 1, Name: "a", Status: record.PhasePending},
		record.Phase{ID: 2, Name: "b", Status: record.PhaseCompleted},
		record.Phase{ID: 3, Name: "c", Status: record.PhasePending},
	)
	rec.CurrentPhase = &record.PhasePointer{ID: 3}

	res := g.Enforce(context.Background(), rec)
	assert.False(t, res.Passed)
	assert.Equal(t, 1, rec.CurrentPhase.ID)
}

func TestEnforce_AllCompleted(t *testing.T) {
	g := New(nil)
	rec := newRecord(
		record.Phase{ID: 1, Name: "a", Status: record.PhaseCompleted},
		record.Phase{ID: 2, Name: "b", Status: record.PhaseCompleted},
	)
	rec.CurrentPhase = &record.PhasePointer{ID: 2}

	assert.True(t, g.Enforce(context.Background(), rec).Passed)
}

func TestUpdateProgress_AdvancesPointer(t *testing.T) {
	g := New(nil)
	rec := newRecord(
		record.Phase{ID: 1, Name: "a", Status: record.PhaseCompleted},
		record.Phase{ID: 2, Name: "b", Status: record.PhasePending},
	)
	rec.CurrentPhase = &record.PhasePointer{ID: 1}

	err := g.UpdateProgress(context.Background(), rec, 2, record.PhaseInProgress)
	require.NoError(t, err)
	assert.Equal(t, record.PhaseInProgress, rec.Phases[1].Status)
	assert.Equal(t, 2, rec.CurrentPhase.ID)
}

func TestUpdateProgress_NeverRegresses(t *testing.T) {
	g := New(nil)
	rec := newRecord(
		record.Phase{ID: 1, Name: "a", Status: record.PhaseCompleted},
		record.Phase{ID: 2, Name: "b", Status: record.PhaseInProgress},
	)
	rec.CurrentPhase = &record.PhasePointer{ID: 2}

	err := g.UpdateProgress(context.Background(), rec, 1, record.PhaseInProgress)
	require.NoError(t, err)
	assert.Equal(t, record.PhaseInProgress, rec.Phases[0].Status)
	// Pointer stays at 2.
	assert.Equal(t, 2, rec.CurrentPhase.ID)
}

func TestUpdateProgress_UnknownPhase(t *testing.T) {
	g := New(nil)
	rec := newRecord(record.Phase{ID: 1, Name: "a", Status: record.PhasePending})

	err := g.UpdateProgress(context.Background(), rec, 7, record.PhaseInProgress)
	assert.ErrorIs(t, err, ErrPhaseNotFound)
}

func TestUpdateProgress_CompletionRequiresGatedPhase(t *testing.T) {
	g := New(nil)
	rec := newRecord(record.Phase{
		ID: 1, Name: "a", Status: record.PhaseInProgress,
		Items: []record.Item{{Description: "write parser", Completed: false}},
	})

	err := g.UpdateProgress(context.Background(), rec, 1, record.PhaseCompleted)
	assert.ErrorIs(t, err, ErrNotGated)
	assert.Equal(t, record.PhaseInProgress, rec.Phases[0].Status)

	rec.Phases[0].Items[0].Completed = true
	err = g.UpdateProgress(context.Background(), rec, 1, record.PhaseCompleted)
	require.NoError(t, err)
	assert.Equal(t, record.PhaseCompleted, rec.Phases[0].Status)
}
