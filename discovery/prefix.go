package discovery

import (
	"path/filepath"
	"strings"

	"github.com/vitest-tools/vitest-bridge/types"
)

// AssignUniquePrefixes disambiguates display prefixes shared by several
// projects. Each ambiguous group is processed whole, in original discovery
// order, by greedily attaching the rarest ancestor folder name of each
// project id. Projects whose prefix is already unique are left untouched.
//
// When a project runs out of distinct ancestor segments the chosen folder
// degenerates to the empty string, yielding ":<basename>". Global uniqueness
// is not guaranteed in that pathological case; it is an accepted limitation.
func AssignUniquePrefixes(projects []types.TestProject) []types.TestProject {
	groups := make(map[string][]int)
	var order []string
	for i, p := range projects {
		if _, seen := groups[p.Prefix]; !seen {
			order = append(order, p.Prefix)
		}
		groups[p.Prefix] = append(groups[p.Prefix], i)
	}

	for _, prefix := range order {
		indices := groups[prefix]
		if len(indices) < 2 {
			continue
		}
		disambiguateGroup(projects, indices)
	}
	return projects
}

// disambiguateGroup rewrites the prefixes of one ambiguous group.
func disambiguateGroup(projects []types.TestProject, indices []int) {
	candidates := make([][]string, len(indices))
	counts := make(map[string]int)
	for i, idx := range indices {
		candidates[i] = ancestorSegments(projects[idx].ID)
		for _, segment := range candidates[i] {
			counts[segment]++
		}
	}

	used := make(map[string]bool)
	for i, idx := range indices {
		chosen := ""
		best := -1
		// Nearest ancestors first; a strictly lower count wins, ties keep
		// the first encountered.
		for _, segment := range candidates[i] {
			if used[segment] {
				continue
			}
			if best == -1 || counts[segment] < best {
				best = counts[segment]
				chosen = segment
			}
		}
		if chosen != "" {
			used[chosen] = true
			// Bias later picks away from a segment that was already taken.
			counts[chosen]++
		}
		projects[idx].Prefix = chosen + ":" + projects[idx].BaseName()
	}
}

// ancestorSegments returns the folder names of a project id from the nearest
// ancestor outward, excluding the final path segment already encoded in the
// base prefix.
func ancestorSegments(id string) []string {
	segments := strings.Split(filepath.ToSlash(id), "/")
	var ancestors []string
	// Skip the last segment (the basename) and walk toward the root.
	for i := len(segments) - 2; i >= 0; i-- {
		if segments[i] == "" {
			continue
		}
		ancestors = append(ancestors, segments[i])
	}
	return ancestors
}
