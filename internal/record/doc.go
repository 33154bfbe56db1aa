// Package record defines the per-task execution record: the durable,
// schema-validated account of a task's phases, artifacts, success criteria,
// and error history.
//
// One record is persisted per task as JSON. Records are produced and mutated
// by an external agent as well as by orchd itself, so every load and save
// passes through Validate; nothing downstream trusts an unvalidated record.
package record
