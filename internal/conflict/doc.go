// Package conflict models the dependency and file-ownership graph used to
// decide which tasks may run concurrently.
//
// Two tasks may run in parallel only when neither transitively depends on
// the other and their declared file sets do not overlap. Overlaps are
// resolved before the run by adding a dependency edge, so concurrent
// writers to the same file are structurally impossible at schedule time.
package conflict
