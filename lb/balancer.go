package lb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rosterlab/rosterd/structs"
)

// ProbeTrigger requests an immediate out-of-cycle health probe of an
// instance. The prober implements it; tests may substitute their own.
type ProbeTrigger interface {
	TriggerProbe(id string)
}

// Balancer selects instances and runs calls against them with automatic
// failover.
type Balancer struct {
	logger   hclog.Logger
	registry *Registry
	strategy Strategy

	// maxRetries bounds failover attempts per Execute.
	maxRetries int

	// trigger, when set, schedules an immediate probe of instances that
	// fail a call.
	trigger ProbeTrigger

	failovers atomic.Uint64
}

// NewBalancer builds a balancer over the registry with the given
// strategy. maxRetries of zero means a sensible default.
func NewBalancer(logger hclog.Logger, registry *Registry, strategy Strategy, maxRetries int) *Balancer {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Balancer{
		logger:     logger.Named("balancer"),
		registry:   registry,
		strategy:   strategy,
		maxRetries: maxRetries,
	}
}

// SetProbeTrigger wires the prober in after construction; the two
// reference each other through the registry otherwise.
func (b *Balancer) SetProbeTrigger(t ProbeTrigger) {
	b.trigger = t
}

// GetInstance selects one instance of the service, or nil when none is
// selectable.
func (b *Balancer) GetInstance(service string, healthyOnly bool) *structs.ServiceInstance {
	return b.strategy.Pick(service, b.registry.Instances(service, healthyOnly))
}

// Execute runs fn against a selected instance, failing over to a
// distinct not-yet-tried instance on error up to the retry budget. A
// failed instance is marked unhealthy and probed immediately.
func (b *Balancer) Execute(ctx context.Context, service string, fn func(ctx context.Context, inst *structs.ServiceInstance) error) error {
	defer metrics.MeasureSince([]string{"lb", "execute", "duration"}, time.Now())
	svcLabel := []metrics.Label{{Name: "service", Value: service}}
	metrics.IncrCounterWithLabels([]string{"lb", "request", "total"}, 1, svcLabel)

	tried := set.New[string](b.maxRetries)
	var lastErr error

	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.IncrCounterWithLabels([]string{"lb", "request", "failed"}, 1, svcLabel)
			return err
		}

		inst := b.pickUntried(service, tried)
		if inst == nil {
			break
		}
		tried.Insert(inst.ID)

		b.registry.AddConns(inst.ID, 1)
		tryStart := time.Now()
		err := fn(ctx, inst)
		metrics.MeasureSince([]string{"lb", "execute", "try"}, tryStart)
		b.registry.AddConns(inst.ID, -1)
		if err == nil {
			return nil
		}

		lastErr = err
		b.registry.MarkUnhealthy(inst.ID)
		if b.trigger != nil {
			b.trigger.TriggerProbe(inst.ID)
		}
		b.failovers.Add(1)
		metrics.IncrCounterWithLabels([]string{"lb", "request", "failover"}, 1, svcLabel)
		b.logger.Warn("instance call failed, failing over",
			"service", service, "id", inst.ID, "attempt", attempt+1, "error", err)
	}

	metrics.IncrCounterWithLabels([]string{"lb", "request", "failed"}, 1, svcLabel)
	if lastErr != nil {
		return fmt.Errorf("all attempts failed for service %s: %w", service, lastErr)
	}
	return fmt.Errorf("service %s: %w", service, structs.ErrNoHealthyInstances)
}

// ExecuteAll fans fn out to every healthy instance of the service in
// parallel and aggregates the first error.
func (b *Balancer) ExecuteAll(ctx context.Context, service string, fn func(ctx context.Context, inst *structs.ServiceInstance) error) error {
	instances := b.registry.Instances(service, true)
	if len(instances) == 0 {
		return fmt.Errorf("service %s: %w", service, structs.ErrNoHealthyInstances)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			b.registry.AddConns(inst.ID, 1)
			defer b.registry.AddConns(inst.ID, -1)
			return fn(gctx, inst)
		})
	}
	return g.Wait()
}

// Failovers reports how many failover hops the balancer has taken.
func (b *Balancer) Failovers() uint64 {
	return b.failovers.Load()
}

// pickUntried selects a healthy instance not in the tried set.
func (b *Balancer) pickUntried(service string, tried *set.Set[string]) *structs.ServiceInstance {
	candidates := b.registry.Instances(service, true)
	fresh := make([]*structs.ServiceInstance, 0, len(candidates))
	for _, c := range candidates {
		if !tried.Contains(c.ID) {
			fresh = append(fresh, c)
		}
	}
	return b.strategy.Pick(service, fresh)
}
