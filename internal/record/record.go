package record

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaURI identifies the execution record schema.
const SchemaURI = "https://fyrsmithlabs.github.io/orchd/execution-record.schema.json"

// SchemaVersion is the current record format version.
const SchemaVersion = "1.0"

// SentinelTaskID is the terminal task id that marks the end of a plan.
// It carries no implementation phases of its own.
const SentinelTaskID = "FINAL"

// Status is the lifecycle status of a task execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
)

// PhaseStatus is the status of a single phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
)

// ArtifactType categorizes a declared filesystem change.
type ArtifactType string

const (
	ArtifactCreated  ArtifactType = "created"
	ArtifactModified ArtifactType = "modified"
	ArtifactDeleted  ArtifactType = "deleted"
)

// TestType selects how a success criterion is checked.
type TestType string

const (
	TestAuto   TestType = "AUTO"
	TestManual TestType = "MANUAL"
	TestBoth   TestType = "BOTH"
)

// Confidence grades an uncertainty assumption.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// CompletionStatus is the status of the completion block.
type CompletionStatus string

const (
	CompletionPendingValidation CompletionStatus = "pending_validation"
	CompletionPendingRecovery   CompletionStatus = "pending_recovery"
	CompletionCompleted         CompletionStatus = "completed"
	CompletionBlocked           CompletionStatus = "blocked"
	CompletionFailed            CompletionStatus = "failed"
)

// ExecutionRecord is the durable state of one task's execution.
type ExecutionRecord struct {
	Schema  string `json:"$schema,omitempty"`
	Version string `json:"version"`
	Task    string `json:"task"`
	Title   string `json:"title,omitempty"`
	Status  Status `json:"status"`

	Started  time.Time `json:"started,omitzero"`
	Attempts int       `json:"attempts"`

	CurrentPhase *PhasePointer `json:"currentPhase,omitempty"`
	Phases       []Phase       `json:"phases"`

	SuccessCriteria []Criterion   `json:"successCriteria,omitempty"`
	Artifacts       []Artifact    `json:"artifacts,omitempty"`
	Uncertainties   []Uncertainty `json:"uncertainties,omitempty"`

	BeyondTheBasics *BeyondTheBasics `json:"beyondTheBasics,omitempty"`
	ReviewChecklist *ReviewChecklist `json:"reviewChecklist,omitempty"`
	Completion      *Completion      `json:"completion,omitempty"`

	ErrorHistory []ErrorEntry `json:"errorHistory,omitempty"`
}

// PhasePointer marks the phase the agent claims to be working on.
type PhasePointer struct {
	ID         int    `json:"id"`
	Name       string `json:"name,omitempty"`
	LastAction string `json:"lastAction,omitempty"`
}

// Phase is one ordered stage of the implementation strategy.
type Phase struct {
	ID            int            `json:"id"`
	Name          string         `json:"name"`
	Status        PhaseStatus    `json:"status"`
	PreConditions []PreCondition `json:"preConditions,omitempty"`
	Items         []Item         `json:"items,omitempty"`

	// HallucinationRecovery marks a phase that was reopened because a
	// completed item referenced an artifact missing from disk.
	HallucinationRecovery bool `json:"hallucinationRecovery,omitempty"`
}

// Gated reports whether the phase may be marked completed: every item
// completed and every precondition passed.
func (p *Phase) Gated() bool {
	for _, it := range p.Items {
		if !it.Completed {
			return false
		}
	}
	for _, pc := range p.PreConditions {
		if pc.Passed == nil || !*pc.Passed {
			return false
		}
	}
	return true
}

// PreCondition is a declared check that must pass before a phase starts.
type PreCondition struct {
	Check    string `json:"check"`
	Command  string `json:"command,omitempty"`
	Expected string `json:"expected,omitempty"`
	Passed   *bool  `json:"passed"`
	Evidence string `json:"evidence,omitempty"`
}

// Item is a unit of work within a phase.
type Item struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	Source      string `json:"source,omitempty"`
	Evidence    string `json:"evidence,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// References reports whether the item's description or evidence mentions
// the given path or its basename.
func (it *Item) References(path, base string) bool {
	text := it.Description + " " + it.Evidence
	if path != "" && strings.Contains(text, path) {
		return true
	}
	return base != "" && strings.Contains(text, base)
}

// Criterion is a machine- or human-checkable condition proving completion.
type Criterion struct {
	Criterion string   `json:"criterion"`
	Command   string   `json:"command,omitempty"`
	Expected  string   `json:"expected,omitempty"`
	TestType  TestType `json:"testType,omitempty"`
	Passed    *bool    `json:"passed"`
	Evidence  string   `json:"evidence,omitempty"`
	Advisory  string   `json:"advisory,omitempty"`
}

// Artifact is a declared filesystem change reported by the agent.
type Artifact struct {
	Type         ArtifactType `json:"type"`
	Path         string       `json:"path"`
	Verified     bool         `json:"verified"`
	Verification string       `json:"verification,omitempty"`

	NeedsCreation         bool `json:"needsCreation,omitempty"`
	HallucinationDetected bool `json:"hallucinationDetected,omitempty"`
}

// Uncertainty records an assumption the agent made and its resolution.
type Uncertainty struct {
	ID                 string     `json:"id"`
	Topic              string     `json:"topic"`
	Assumption         string     `json:"assumption"`
	Confidence         Confidence `json:"confidence"`
	Resolution         string     `json:"resolution,omitempty"`
	ResolvedConfidence Confidence `json:"resolvedConfidence,omitempty"`
}

// BeyondTheBasics tracks hygiene work beyond the declared items.
type BeyondTheBasics struct {
	Cleanup Cleanup `json:"cleanup"`
}

// Cleanup tracks code hygiene flags.
type Cleanup struct {
	DebugLogsRemoved     bool `json:"debugLogsRemoved"`
	FormattingConsistent bool `json:"formattingConsistent"`
	DeadCodeRemoved      bool `json:"deadCodeRemoved"`
}

// ReviewChecklist is the agent's self-review, used as a secondary
// blocking signal by the artifact auditor.
type ReviewChecklist struct {
	Status string          `json:"status,omitempty"`
	Items  []ChecklistItem `json:"items,omitempty"`
}

// ChecklistItem is one self-review entry.
type ChecklistItem struct {
	Description string `json:"description"`
	Passed      *bool  `json:"passed"`
	Reason      string `json:"reason,omitempty"`
}

// Completion summarizes the declared outcome of the task.
type Completion struct {
	Status           CompletionStatus `json:"status"`
	Summary          string           `json:"summary,omitempty"`
	Deviations       []string         `json:"deviations,omitempty"`
	ForFutureTasks   []string         `json:"forFutureTasks,omitempty"`
	CodeReviewPassed bool             `json:"codeReviewPassed,omitempty"`
	BlockedBy        []string         `json:"blockedBy,omitempty"`
}

// ErrorEntry is one append-only error history event.
type ErrorEntry struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity,omitempty"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Phase     int       `json:"phase,omitempty"`
}

// New creates a pending execution record for a task.
func New(taskID, title string) *ExecutionRecord {
	return &ExecutionRecord{
		Schema:  SchemaURI,
		Version: SchemaVersion,
		Task:    taskID,
		Title:   title,
		Status:  StatusPending,
		Started: time.Now().UTC(),
		Phases:  []Phase{},
	}
}

// FirstIncompletePhase returns the first phase in id order whose status is
// not completed, or nil when every phase is completed.
func (r *ExecutionRecord) FirstIncompletePhase() *Phase {
	for i := range r.Phases {
		if r.Phases[i].Status != PhaseCompleted {
			return &r.Phases[i]
		}
	}
	return nil
}

// PhaseByID returns the phase with the given id, or nil.
func (r *ExecutionRecord) PhaseByID(id int) *Phase {
	for i := range r.Phases {
		if r.Phases[i].ID == id {
			return &r.Phases[i]
		}
	}
	return nil
}

// AppendError appends an entry to the error history. History is append-only;
// callers never remove or rewrite entries.
func (r *ExecutionRecord) AppendError(e ErrorEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	r.ErrorHistory = append(r.ErrorHistory, e)
}
