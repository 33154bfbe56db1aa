// Package gate enforces monotonic phase progression over an execution
// record. A record that claims progress unsupported by its own phase data
// is self-healed by rewinding the phase pointer, never failed outright.
package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/logging"
	"github.com/fyrsmithlabs/orchd/internal/record"
)

var (
	// ErrPhaseNotFound indicates an update referenced an unknown phase id.
	ErrPhaseNotFound = errors.New("gate: phase not found")

	// ErrNotGated indicates a phase cannot be completed because items or
	// preconditions are still open.
	ErrNotGated = errors.New("gate: phase has incomplete items or preconditions")
)

// Gate guards a record's phase pointer.
type Gate struct {
	logger *logging.Logger
}

// New creates a gate. A nil logger is replaced with a nop logger.
func New(logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	return &Gate{logger: logger.Named("gate")}
}

// Result describes an enforcement outcome.
type Result struct {
	Passed bool
	// Rewound is set when the pointer was force-rewritten.
	Rewound bool
	From    int
	To      int
	Reason  string
}

// Enforce validates the record's claimed current phase against its phase
// list. It passes trivially when the pointer is unset or no phases exist.
// Otherwise the pointer must sit on the first incomplete phase, or on the
// phase immediately before it (the prior phase just completed). Any other
// claim is a violation: the pointer is force-rewritten to the FIRST
// incomplete phase and a gate entry is appended to the error history.
func (g *Gate) Enforce(ctx context.Context, rec *record.ExecutionRecord) Result {
	if rec.CurrentPhase == nil || len(rec.Phases) == 0 {
		return Result{Passed: true}
	}

	first := rec.FirstIncompletePhase()
	if first == nil {
		// Every phase completed; any pointer is consistent.
		return Result{Passed: true}
	}

	cur := rec.CurrentPhase.ID
	if cur == first.ID || cur == first.ID-1 {
		return Result{Passed: true}
	}

	reason := fmt.Sprintf("currentPhase %d is unsupported; first incomplete phase is %d", cur, first.ID)
	rec.CurrentPhase = &record.PhasePointer{ID: first.ID, Name: first.Name}
	rec.AppendError(record.ErrorEntry{
		Severity: "WARNING",
		Message:  "phase gate violation: " + reason,
		Phase:    first.ID,
	})

	g.logger.Warn(ctx, "phase gate rewound over-claimed progress",
		zap.Int("claimed", cur),
		zap.Int("rewound_to", first.ID),
	)

	return Result{Passed: false, Rewound: true, From: cur, To: first.ID, Reason: reason}
}

// UpdateProgress sets the status of the phase with the given id and
// advances the current-phase pointer only when the update is strictly
// ahead of it. Backward updates never regress the pointer.
//
// Marking a phase completed requires every item completed and every
// precondition passed; anything else returns ErrNotGated.
func (g *Gate) UpdateProgress(ctx context.Context, rec *record.ExecutionRecord, phaseID int, status record.PhaseStatus) error {
	p := rec.PhaseByID(phaseID)
	if p == nil {
		return fmt.Errorf("%w: id %d", ErrPhaseNotFound, phaseID)
	}

	if status == record.PhaseCompleted && !p.Gated() {
		return fmt.Errorf("%w: phase %d", ErrNotGated, phaseID)
	}

	p.Status = status

	if rec.CurrentPhase == nil || phaseID > rec.CurrentPhase.ID {
		rec.CurrentPhase = &record.PhasePointer{ID: p.ID, Name: p.Name}
	}

	g.logger.Debug(ctx, "phase progress updated",
		zap.Int("phase", phaseID),
		zap.String("status", string(status)),
	)
	return nil
}
