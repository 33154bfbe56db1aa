package record

import (
	"fmt"
	"regexp"
)

// taskIDPattern matches declared task ids. The sentinel id is allowed
// separately.
var taskIDPattern = regexp.MustCompile(`^TASK\d+$`)

// ValidTaskID reports whether id is a declared task id or the sentinel.
func ValidTaskID(id string) bool {
	return id == SentinelTaskID || taskIDPattern.MatchString(id)
}

// Validate checks the record against the schema: id pattern, enum
// membership, and gapless strictly-increasing phase ids starting at 1.
//
// Validate runs on every load and save. Records come from an external,
// untrusted agent; a record that fails validation is never acted on.
func (r *ExecutionRecord) Validate() error {
	if r.Version == "" {
		return fmt.Errorf("record: missing version")
	}
	if r.Version != SchemaVersion {
		return fmt.Errorf("record: unsupported version %q (want %s)", r.Version, SchemaVersion)
	}
	if !ValidTaskID(r.Task) {
		return fmt.Errorf("record: invalid task id %q", r.Task)
	}
	if err := validStatus(r.Status); err != nil {
		return err
	}

	for i := range r.Phases {
		p := &r.Phases[i]
		if p.ID != i+1 {
			return fmt.Errorf("record: phase ids must be gapless from 1, got %d at position %d", p.ID, i)
		}
		switch p.Status {
		case PhasePending, PhaseInProgress, PhaseCompleted:
		default:
			return fmt.Errorf("record: phase %d has invalid status %q", p.ID, p.Status)
		}
	}

	if r.CurrentPhase != nil && len(r.Phases) > 0 {
		if r.CurrentPhase.ID < 1 || r.CurrentPhase.ID > len(r.Phases) {
			return fmt.Errorf("record: currentPhase %d out of range [1,%d]", r.CurrentPhase.ID, len(r.Phases))
		}
	}

	for i := range r.Artifacts {
		a := &r.Artifacts[i]
		if a.Path == "" {
			return fmt.Errorf("record: artifact %d has empty path", i)
		}
		switch a.Type {
		case ArtifactCreated, ArtifactModified, ArtifactDeleted:
		default:
			return fmt.Errorf("record: artifact %q has invalid type %q", a.Path, a.Type)
		}
	}

	for i := range r.SuccessCriteria {
		c := &r.SuccessCriteria[i]
		switch c.TestType {
		case "", TestAuto, TestManual, TestBoth:
		default:
			return fmt.Errorf("record: criterion %d has invalid testType %q", i, c.TestType)
		}
	}

	for i := range r.Uncertainties {
		u := &r.Uncertainties[i]
		switch u.Confidence {
		case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		default:
			return fmt.Errorf("record: uncertainty %q has invalid confidence %q", u.ID, u.Confidence)
		}
	}

	if r.Completion != nil {
		switch r.Completion.Status {
		case CompletionPendingValidation, CompletionPendingRecovery,
			CompletionCompleted, CompletionBlocked, CompletionFailed:
		default:
			return fmt.Errorf("record: invalid completion status %q", r.Completion.Status)
		}
	}

	return nil
}

func validStatus(s Status) error {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked, StatusFailed:
		return nil
	}
	return fmt.Errorf("record: invalid status %q", s)
}
