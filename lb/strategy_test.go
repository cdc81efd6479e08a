package lb

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/rosterlab/rosterd/structs"
)

func TestRoundRobin(t *testing.T) {
	s := NewRoundRobin()
	candidates := []*structs.ServiceInstance{
		testInstance("i-a", "api"),
		testInstance("i-b", "api"),
		testInstance("i-c", "api"),
	}

	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, s.Pick("api", candidates).ID)
	}
	must.Eq(t, []string{"i-a", "i-b", "i-c", "i-a", "i-b", "i-c"}, picks)

	// Cursors are per service.
	must.Eq(t, "i-a", s.Pick("other", candidates).ID)

	must.Nil(t, s.Pick("api", nil))
}

func TestRoundRobin_ShrinkingCandidates(t *testing.T) {
	s := NewRoundRobin()
	three := []*structs.ServiceInstance{
		testInstance("i-a", "api"),
		testInstance("i-b", "api"),
		testInstance("i-c", "api"),
	}
	s.Pick("api", three)
	s.Pick("api", three)

	// The cursor wraps against whatever list is current.
	must.NotNil(t, s.Pick("api", three[:1]))
}

func TestWeighted(t *testing.T) {
	s := NewWeighted()
	a := testInstance("i-a", "api")
	a.Weight = 3
	b := testInstance("i-b", "api")
	b.Weight = 1
	candidates := []*structs.ServiceInstance{a, b}

	counts := map[string]int{}
	for i := 0; i < 40; i++ {
		counts[s.Pick("api", candidates).ID]++
	}
	must.Eq(t, 30, counts["i-a"])
	must.Eq(t, 10, counts["i-b"])
}

func TestWeighted_ZeroWeight(t *testing.T) {
	s := NewWeighted()
	a := testInstance("i-a", "api")
	a.Weight = 0
	b := testInstance("i-b", "api")
	b.Weight = 2

	for i := 0; i < 10; i++ {
		must.Eq(t, "i-b", s.Pick("api", []*structs.ServiceInstance{a, b}).ID)
	}

	// All-zero weights mean nothing is selectable.
	must.Nil(t, s.Pick("api", []*structs.ServiceInstance{a}))
}

func TestLeastConnections(t *testing.T) {
	s := LeastConnections{}
	a := testInstance("i-a", "api")
	a.ActiveConns = 4
	b := testInstance("i-b", "api")
	b.ActiveConns = 1
	c := testInstance("i-c", "api")
	c.ActiveConns = 1

	// Candidates arrive sorted by ID, so ties go to the lowest ID.
	must.Eq(t, "i-b", s.Pick("api", []*structs.ServiceInstance{a, b, c}).ID)

	must.Nil(t, s.Pick("api", nil))
}

func TestHealthBased(t *testing.T) {
	s := &HealthBased{Inner: NewRoundRobin()}
	a := testInstance("i-a", "api")
	a.Healthy = false
	b := testInstance("i-b", "api")

	must.Eq(t, "health-based(round-robin)", s.Name())
	must.Eq(t, "i-b", s.Pick("api", []*structs.ServiceInstance{a, b}).ID)
	must.Eq(t, "i-b", s.Pick("api", []*structs.ServiceInstance{a, b}).ID)
	must.Nil(t, s.Pick("api", []*structs.ServiceInstance{a}))
}
