package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCyclicGroups refuses a configuration whose group dependency graph has
// a cycle.
var ErrCyclicGroups = errors.New("cyclic group dependency")

// Edge is a parent -> child dependency projected onto group names.
type Edge struct {
	From string
	To   string
}

// DagResult reports whether the group graph is acyclic. When it is,
// Order is a valid topological ordering; otherwise CycleMembers lists the
// groups participating in (or downstream of) a cycle, sorted.
type DagResult struct {
	IsAcyclic    bool
	Order        []string
	CycleMembers []string
}

// ValidateDag runs Kahn's algorithm over the group graph. Self-edges
// (dependencies between manifests of the same group) are dropped before
// sorting.
func ValidateDag(nodes []string, edges []Edge) DagResult {
	inDegree := make(map[string]int, len(nodes))
	adjacent := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if _, ok := inDegree[n]; !ok {
			inDegree[n] = 0
		}
	}
	for _, e := range edges {
		if e.From == e.To {
			continue
		}
		// Edges may name groups outside the node list; include them.
		if _, ok := inDegree[e.From]; !ok {
			inDegree[e.From] = 0
		}
		if _, ok := inDegree[e.To]; !ok {
			inDegree[e.To] = 0
		}
		adjacent[e.From] = append(adjacent[e.From], e.To)
		inDegree[e.To]++
	}

	queue := make([]string, 0, len(inDegree))
	for n, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		next := adjacent[n]
		sort.Strings(next)
		for _, m := range next {
			inDegree[m]--
			if inDegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if len(order) == len(inDegree) {
		return DagResult{IsAcyclic: true, Order: order}
	}

	var members []string
	for n, deg := range inDegree {
		if deg > 0 {
			members = append(members, n)
		}
	}
	sort.Strings(members)
	return DagResult{IsAcyclic: false, CycleMembers: members}
}

// Err converts a cyclic result into a configuration error naming the
// participating groups.
func (r DagResult) Err() error {
	if r.IsAcyclic {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCyclicGroups, strings.Join(r.CycleMembers, ", "))
}
