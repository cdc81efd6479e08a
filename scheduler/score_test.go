package scheduler

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/rosterlab/rosterd/structs"
)

func TestGini(t *testing.T) {
	must.Eq(t, 0.0, gini(nil))
	must.Eq(t, 0.0, gini([]float64{2, 2, 2}))
	must.InDelta(t, 0.6667, gini([]float64{0, 0, 3}), 0.001)

	balanced := gini([]float64{3, 4, 3, 4})
	skewed := gini([]float64{0, 1, 3, 10})
	must.Less(t, skewed, balanced)
}

func TestUncoveredCost(t *testing.T) {
	must.Eq(t, 1.0, uncoveredCost(nil))
	must.InDelta(t, 1.5, uncoveredCost(&structs.RotationTemplate{Priority: 5}), 0.0001)
	must.InDelta(t, 2.0, uncoveredCost(&structs.RotationTemplate{Priority: 10}), 0.0001)
}
