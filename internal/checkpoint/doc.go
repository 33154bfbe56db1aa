// Package checkpoint records verified phase completion as git commits with
// a canonical message, and reads phase progress back out of commit history.
//
// Resuming after a crash is a pure function of history: the next phase for
// a task is derived from its newest checkpoint commit, so no separate
// durable store is needed for phase progress.
package checkpoint
