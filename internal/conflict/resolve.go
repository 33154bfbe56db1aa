package conflict

import (
	"fmt"
	"strings"
)

// Resolution records one automatically added ordering edge.
type Resolution struct {
	// Winner keeps its schedule position; Loser now depends on it.
	Winner     string
	Loser      string
	Resolution string
}

// AutoResolve serializes each conflicting pair by adding a dependency edge
// from the lexicographically later task to the earlier one. The ordering is
// the sole resolution policy so reruns are reproducible. Existing edges are
// left alone.
func (g *Graph) AutoResolve(conflicts []FileConflict) []Resolution {
	var resolutions []Resolution
	for _, c := range conflicts {
		winner, loser := c.Task1, c.Task2
		if loser < winner {
			winner, loser = loser, winner
		}
		if g.HasDependency(loser, winner) {
			continue
		}
		g.AddDependency(loser, winner)
		resolutions = append(resolutions, Resolution{
			Winner: winner,
			Loser:  loser,
			Resolution: fmt.Sprintf("%s now depends on %s (shared files: %s)",
				loser, winner, strings.Join(c.Files, ", ")),
		})
	}
	return resolutions
}

// SuggestDependencyFixes formats operator-facing guidance for a set of
// conflicts. It never mutates the graph.
func SuggestDependencyFixes(conflicts []FileConflict) []string {
	suggestions := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		suggestions = append(suggestions, fmt.Sprintf(
			"%s and %s both declare [%s]; declare an explicit dependency between them or split the files",
			c.Task1, c.Task2, strings.Join(c.Files, ", ")))
	}
	return suggestions
}
