package lb

import (
	"sync"

	"github.com/rosterlab/rosterd/structs"
)

// Strategy selects one instance from a candidate list. Candidates arrive
// sorted by ID; a nil return means nothing was selectable.
type Strategy interface {
	Name() string
	Pick(service string, candidates []*structs.ServiceInstance) *structs.ServiceInstance
}

// RoundRobin cycles through candidates with a wrap-around cursor per
// service.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]int)}
}

func (s *RoundRobin) Name() string { return "round-robin" }

func (s *RoundRobin) Pick(service string, candidates []*structs.ServiceInstance) *structs.ServiceInstance {
	if len(candidates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pick := candidates[s.cursors[service]%len(candidates)]
	s.cursors[service]++
	return pick
}

// Weighted implements smooth weighted selection: each pick advances
// every candidate's current weight by its configured weight and selects
// the highest, which spreads picks proportionally without bursts.
type Weighted struct {
	mu      sync.Mutex
	current map[string]map[string]int
}

func NewWeighted() *Weighted {
	return &Weighted{current: make(map[string]map[string]int)}
}

func (s *Weighted) Name() string { return "weighted" }

func (s *Weighted) Pick(service string, candidates []*structs.ServiceInstance) *structs.ServiceInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current[service]
	if cur == nil {
		cur = make(map[string]int)
		s.current[service] = cur
	}

	var best *structs.ServiceInstance
	total := 0
	for _, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		total += c.Weight
		cur[c.ID] += c.Weight
		if best == nil || cur[c.ID] > cur[best.ID] {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	cur[best.ID] -= total
	return best
}

// LeastConnections selects the candidate with the fewest active
// connections, breaking ties by ID.
type LeastConnections struct{}

func (LeastConnections) Name() string { return "least-connections" }

func (LeastConnections) Pick(_ string, candidates []*structs.ServiceInstance) *structs.ServiceInstance {
	var best *structs.ServiceInstance
	for _, c := range candidates {
		if best == nil || c.ActiveConns < best.ActiveConns {
			best = c
		}
	}
	return best
}

// HealthBased filters unhealthy candidates and delegates selection to
// the inner strategy.
type HealthBased struct {
	Inner Strategy
}

func (s *HealthBased) Name() string { return "health-based(" + s.Inner.Name() + ")" }

func (s *HealthBased) Pick(service string, candidates []*structs.ServiceInstance) *structs.ServiceInstance {
	healthy := make([]*structs.ServiceInstance, 0, len(candidates))
	for _, c := range candidates {
		if c.Healthy {
			healthy = append(healthy, c)
		}
	}
	return s.Inner.Pick(service, healthy)
}
