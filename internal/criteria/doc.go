// Package criteria extracts success criteria from a free-form
// specification document and executes the automatable ones.
//
// The underlying document format is conventional, not exact, so parsing is
// best-effort: an ordered list of table strategies is tried and the first
// that matches wins. Execution grades command output with per-family
// heuristics rather than exit codes alone.
package criteria
