package structs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validInstance() *ServiceInstance {
	return &ServiceInstance{
		ID:      "i-1",
		Service: "solver",
		Host:    "10.0.0.8",
		Port:    4646,
		Weight:  2,
		Healthy: true,
	}
}

func TestServiceInstance_Validate(t *testing.T) {
	require.NoError(t, validInstance().Validate())

	cases := []struct {
		name     string
		mutate   func(*ServiceInstance)
		contains string
	}{
		{"missing id", func(s *ServiceInstance) { s.ID = "" }, "missing instance ID"},
		{"missing service", func(s *ServiceInstance) { s.Service = "" }, "missing service name"},
		{"missing host", func(s *ServiceInstance) { s.Host = "" }, "missing host"},
		{"zero port", func(s *ServiceInstance) { s.Port = 0 }, "invalid port"},
		{"huge port", func(s *ServiceInstance) { s.Port = 70000 }, "invalid port"},
		{"negative weight", func(s *ServiceInstance) { s.Weight = -1 }, "negative weight"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inst := validInstance()
			tc.mutate(inst)
			err := inst.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.contains)
		})
	}
}

func TestServiceInstance_Addr(t *testing.T) {
	require.Equal(t, "10.0.0.8:4646", validInstance().Addr())
}

func TestServiceInstance_Copy(t *testing.T) {
	inst := validInstance()
	inst.LastCheck = time.Now()

	cp := inst.Copy()
	require.Equal(t, inst, cp)

	cp.Healthy = false
	cp.ConsecutiveFailures = 3
	require.True(t, inst.Healthy)
	require.Zero(t, inst.ConsecutiveFailures)

	var nilInst *ServiceInstance
	require.Nil(t, nilInst.Copy())
}
