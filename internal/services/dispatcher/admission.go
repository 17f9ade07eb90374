package dispatcher

import (
	"github.com/google/uuid"

	"chainsharp/scheduler/internal/services/store"
)

// Limits is the admission input assembled inside the dispatch transaction:
// the global ceiling and, per group, the configured cap and the number of
// executions already running.
type Limits struct {
	GlobalCap   int
	GlobalUsed  int
	GroupCaps   map[uuid.UUID]*int
	GroupActive map[uuid.UUID]int
}

// Admit selects which claim candidates may dispatch this round. Candidates
// arrive in effective-priority order and are taken greedily: a candidate
// whose group is at its cap is skipped, and scanning continues so lower
// priority work in other groups can still use the remaining global slots.
// A nil group cap means unlimited. Admission mutates nothing; counters are
// tracked on copies.
func Admit(candidates []store.ClaimCandidate, limits Limits) []store.ClaimCandidate {
	remaining := limits.GlobalCap - limits.GlobalUsed
	if remaining <= 0 {
		return nil
	}

	groupUsed := make(map[uuid.UUID]int, len(limits.GroupActive))
	for id, n := range limits.GroupActive {
		groupUsed[id] = n
	}

	admitted := make([]store.ClaimCandidate, 0, min(len(candidates), remaining))
	for _, c := range candidates {
		if len(admitted) >= remaining {
			break
		}
		if c.GroupID != nil {
			if cap, ok := limits.GroupCaps[*c.GroupID]; ok && cap != nil && groupUsed[*c.GroupID] >= *cap {
				continue
			}
			groupUsed[*c.GroupID]++
		}
		admitted = append(admitted, c)
	}
	return admitted
}
