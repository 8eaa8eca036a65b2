package multiagent

import (
	"fmt"
	"sort"

	"swapmesh/internal/domain"
)

// startOrder sorts entries so every agent follows its dependencies. Ties keep
// registration order. Dependencies on agents that are no longer registered
// are ignored.
func startOrder(entries []Entry) ([]Entry, error) {
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID()] = e
	}

	indegree := make(map[string]int, len(entries))
	dependents := make(map[string][]string, len(entries))
	for _, e := range entries {
		id := e.ID()
		for _, dep := range e.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []Entry
	for _, e := range entries {
		if indegree[e.ID()] == 0 {
			ready = append(ready, e)
		}
	}

	order := make([]Entry, 0, len(entries))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, id := range dependents[next.ID()] {
			indegree[id]--
			if indegree[id] == 0 {
				ready = append(ready, byID[id])
			}
		}
	}

	if len(order) != len(entries) {
		return nil, domain.NewSubSystemError("agent", "startOrder", domain.ErrInvalidInput,
			fmt.Sprintf("dependency cycle among %d agents", len(entries)-len(order)))
	}
	return order, nil
}
