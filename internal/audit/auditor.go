// Package audit verifies an execution record's declared artifacts against
// the filesystem and drives recovery when the agent reported changes that
// never landed on disk.
//
// The agent's self-reported verified flags are untrusted: the existence
// check here runs before any other completion check. Recovery is
// conservative and reopens only phases whose items textually reference a
// missing file.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/logging"
	"github.com/fyrsmithlabs/orchd/internal/record"
)

// Auditor checks declared artifacts against the working tree.
type Auditor struct {
	logger *logging.Logger
}

// New creates an auditor. A nil logger is replaced with a nop logger.
func New(logger *logging.Logger) *Auditor {
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	return &Auditor{logger: logger.Named("audit")}
}

// ValidationResult is the outcome of an artifact existence check.
type ValidationResult struct {
	Valid    bool
	Missing  []string
	Existing []string

	CheckedCount  int
	MissingCount  int
	ExistingCount int
}

// ValidateArtifactsExist checks that every artifact declared created or
// modified exists on disk. Absolute paths pass through; relative paths
// resolve against cwd. Deleted artifacts are not checked.
func (a *Auditor) ValidateArtifactsExist(ctx context.Context, rec *record.ExecutionRecord, cwd string) *ValidationResult {
	res := &ValidationResult{Valid: true}

	for i := range rec.Artifacts {
		art := &rec.Artifacts[i]
		if art.Type != record.ArtifactCreated && art.Type != record.ArtifactModified {
			continue
		}
		res.CheckedCount++

		resolved := art.Path
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(cwd, resolved)
		}

		if _, err := os.Stat(resolved); err != nil {
			res.Valid = false
			res.Missing = append(res.Missing, art.Path)
			res.MissingCount++
			continue
		}
		res.Existing = append(res.Existing, art.Path)
		res.ExistingCount++
	}

	if !res.Valid {
		a.logger.Warn(ctx, "declared artifacts missing from disk",
			zap.String("task", rec.Task),
			zap.Strings("missing", res.Missing),
			zap.Int("existing", res.ExistingCount),
		)
	}
	return res
}

// MarkArtifactsForRecreation flags each missing artifact as a hallucination
// and reopens the phases whose completed items reference it. The record is
// left in_progress with completion status pending_recovery and a CRITICAL
// entry appended to the error history.
func (a *Auditor) MarkArtifactsForRecreation(ctx context.Context, rec *record.ExecutionRecord, missing []string) {
	if len(missing) == 0 {
		return
	}

	missingSet := make(map[string]struct{}, len(missing))
	for _, m := range missing {
		missingSet[m] = struct{}{}
	}

	for i := range rec.Artifacts {
		art := &rec.Artifacts[i]
		if _, ok := missingSet[art.Path]; !ok {
			continue
		}
		art.Verified = false
		art.NeedsCreation = true
		art.HallucinationDetected = true
	}

	var reopened []int
	for _, path := range missing {
		base := filepath.Base(path)
		for pi := range rec.Phases {
			phase := &rec.Phases[pi]
			touched := false
			for ii := range phase.Items {
				item := &phase.Items[ii]
				if !item.Completed || !item.References(path, base) {
					continue
				}
				item.Completed = false
				item.Reason = fmt.Sprintf("reset: declared artifact %s missing on disk", path)
				touched = true
			}
			if touched && phase.Status == record.PhaseCompleted {
				phase.Status = record.PhaseInProgress
				phase.HallucinationRecovery = true
				reopened = append(reopened, phase.ID)
			}
		}
	}

	if rec.Completion == nil {
		rec.Completion = &record.Completion{}
	}
	rec.Completion.Status = record.CompletionPendingRecovery
	rec.Status = record.StatusInProgress

	rec.AppendError(record.ErrorEntry{
		Severity: "CRITICAL",
		Message: fmt.Sprintf("hallucinated artifacts detected: %s; reopened phases %v",
			strings.Join(missing, ", "), reopened),
	})

	a.logger.Error(ctx, "hallucination recovery triggered",
		zap.String("task", rec.Task),
		zap.Strings("missing", missing),
		zap.Ints("reopened_phases", reopened),
	)
}

// missingFilePattern matches checklist failure reasons that point at a
// file absent from disk.
var missingFilePattern = regexp.MustCompile(`(?i)(missing|not found|does not exist|no such file)`)

// ChecklistBlocked reports whether the record's review checklist blocks
// completion: an explicit blocked status, or any failed item whose reason
// mentions a missing file. This is a secondary signal, independent of the
// primary filesystem check.
func (a *Auditor) ChecklistBlocked(rec *record.ExecutionRecord) (bool, string) {
	cl := rec.ReviewChecklist
	if cl == nil {
		return false, ""
	}
	if strings.EqualFold(cl.Status, "blocked") {
		return true, "review checklist status is blocked"
	}
	for _, item := range cl.Items {
		if item.Passed != nil && !*item.Passed && missingFilePattern.MatchString(item.Reason) {
			return true, fmt.Sprintf("checklist item %q failed: %s", item.Description, item.Reason)
		}
	}
	return false, ""
}
