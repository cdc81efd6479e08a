package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// ServiceInstance is one registered backend of a named service. Instances
// are keyed by ID and grouped by service name; the back-reference is the
// Service field, never a pointer, so the registry graph stays acyclic.
type ServiceInstance struct {
	ID      string
	Service string
	Host    string
	Port    int

	// Weight biases weighted selection; zero means never selected.
	Weight int

	Healthy             bool
	ConsecutiveFailures int

	// ActiveConns is maintained by the balancer for least-connections
	// selection.
	ActiveConns int

	LastCheck time.Time
}

// Addr returns the host:port dial address of the instance.
func (s *ServiceInstance) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Copy returns a deep copy of the instance.
func (s *ServiceInstance) Copy() *ServiceInstance {
	if s == nil {
		return nil
	}
	ns := *s
	return &ns
}

// Validate checks the instance for structural problems.
func (s *ServiceInstance) Validate() error {
	var mErr multierror.Error
	if s.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing instance ID"))
	}
	if s.Service == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing service name"))
	}
	if s.Host == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing host"))
	}
	if s.Port <= 0 || s.Port > 65535 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid port %d", s.Port))
	}
	if s.Weight < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("negative weight %d", s.Weight))
	}
	return mErr.ErrorOrNil()
}
