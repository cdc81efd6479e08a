// Package lb implements client-side load balancing over registered
// service instances: a registry grouping instances by service name,
// pluggable selection strategies, an Execute wrapper with automatic
// failover, and a background health prober that maintains the healthy
// set.
package lb

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/rosterlab/rosterd/kv"
	"github.com/rosterlab/rosterd/structs"
)

const (
	// mirrorTTL bounds how long a dead process's entries survive in the
	// shared mirror; the prober's periodic successes refresh live ones.
	mirrorTTL = 5 * time.Minute

	mirrorTimeout = 2 * time.Second
)

// Registry holds the known instances of every service. All access is
// serialized; readers get copies so callers never share mutable state
// with the prober.
type Registry struct {
	logger hclog.Logger

	// mirror, when set, receives a write-through copy of every instance
	// state change so other processes can observe this registry.
	mirror kv.Store

	mu        sync.RWMutex
	instances map[string]*structs.ServiceInstance
	byService map[string]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry(logger hclog.Logger) *Registry {
	return &Registry{
		logger:    logger.Named("registry"),
		instances: make(map[string]*structs.ServiceInstance),
		byService: make(map[string]map[string]struct{}),
	}
}

// SetMirror enables write-through of instance state to the shared
// store.
func (r *Registry) SetMirror(store kv.Store) {
	r.mirror = store
}

// Register adds or replaces an instance.
func (r *Registry) Register(inst *structs.ServiceInstance) error {
	if err := inst.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	cp := inst.Copy()
	if cp.LastCheck.IsZero() {
		cp.LastCheck = time.Now()
	}
	if old, ok := r.instances[cp.ID]; ok {
		delete(r.byService[old.Service], cp.ID)
	}
	r.instances[cp.ID] = cp
	if r.byService[cp.Service] == nil {
		r.byService[cp.Service] = make(map[string]struct{})
	}
	r.byService[cp.Service][cp.ID] = struct{}{}

	r.logger.Info("instance registered", "service", cp.Service, "id", cp.ID, "addr", cp.Addr())
	metrics.SetGauge([]string{"lb", "instances"}, float32(len(r.instances)))
	snap := cp.Copy()
	r.mu.Unlock()

	r.mirrorWrite(snap)
	return nil
}

// Unregister removes an instance; unknown IDs are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.instances, id)
	delete(r.byService[inst.Service], id)
	if len(r.byService[inst.Service]) == 0 {
		delete(r.byService, inst.Service)
	}
	r.logger.Info("instance unregistered", "service", inst.Service, "id", id)
	metrics.SetGauge([]string{"lb", "instances"}, float32(len(r.instances)))
	r.mu.Unlock()

	r.mirrorDrop(id)
}

// Instance returns a copy of the instance or nil.
func (r *Registry) Instance(id string) *structs.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[id].Copy()
}

// Instances returns copies of a service's instances sorted by ID,
// optionally restricted to healthy ones.
func (r *Registry) Instances(service string, healthyOnly bool) []*structs.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*structs.ServiceInstance, 0, len(r.byService[service]))
	for id := range r.byService[service] {
		inst := r.instances[id]
		if healthyOnly && !inst.Healthy {
			continue
		}
		out = append(out, inst.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns copies of every registered instance sorted by ID.
func (r *Registry) All() []*structs.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*structs.ServiceInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkUnhealthy flags an instance out of the selectable set.
func (r *Registry) MarkUnhealthy(id string) {
	r.mu.Lock()
	var snap *structs.ServiceInstance
	if inst, ok := r.instances[id]; ok {
		inst.Healthy = false
		inst.ConsecutiveFailures++
		snap = inst.Copy()
	}
	r.mu.Unlock()

	r.mirrorWrite(snap)
}

// RecordFailure counts a failed probe; the instance leaves the healthy
// set when the consecutive count reaches the threshold. Reports whether
// the instance is still healthy.
func (r *Registry) RecordFailure(id string, threshold int) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	inst.ConsecutiveFailures++
	if inst.ConsecutiveFailures >= threshold && inst.Healthy {
		inst.Healthy = false
		r.logger.Warn("instance unhealthy", "service", inst.Service, "id", id,
			"failures", inst.ConsecutiveFailures)
	}
	healthy := inst.Healthy
	snap := inst.Copy()
	r.mu.Unlock()

	r.mirrorWrite(snap)
	return healthy
}

// RecordSuccess resets the failure counter and restores the instance to
// the healthy set.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !inst.Healthy {
		r.logger.Info("instance recovered", "service", inst.Service, "id", id)
	}
	inst.Healthy = true
	inst.ConsecutiveFailures = 0
	inst.LastCheck = time.Now()
	snap := inst.Copy()
	r.mu.Unlock()

	r.mirrorWrite(snap)
}

// AddConns adjusts the active-connection count for least-connections
// selection.
func (r *Registry) AddConns(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		inst.ActiveConns += delta
		if inst.ActiveConns < 0 {
			inst.ActiveConns = 0
		}
	}
}

// ServiceStats counts a service's instances by health.
type ServiceStats struct {
	Healthy int
	Total   int
}

// Stats reports per-service healthy/total counts.
func (r *Registry) Stats() map[string]ServiceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ServiceStats, len(r.byService))
	for service, ids := range r.byService {
		s := ServiceStats{Total: len(ids)}
		for id := range ids {
			if r.instances[id].Healthy {
				s.Healthy++
			}
		}
		out[service] = s
		metrics.SetGaugeWithLabels([]string{"lb", "healthy_instances"}, float32(s.Healthy),
			[]metrics.Label{{Name: "service", Value: service}})
	}
	return out
}

// mirrorWrite copies one instance into the shared store. Mirror faults
// never affect the local registry.
func (r *Registry) mirrorWrite(inst *structs.ServiceInstance) {
	if r.mirror == nil || inst == nil {
		return
	}
	raw, err := json.Marshal(inst)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.SetEx(ctx, mirrorKey(inst.ID), mirrorTTL, string(raw)); err != nil {
		r.logger.Debug("registry mirror write failed", "id", inst.ID, "error", err)
	}
}

func (r *Registry) mirrorDrop(id string) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.Del(ctx, mirrorKey(id)); err != nil {
		r.logger.Debug("registry mirror delete failed", "id", id, "error", err)
	}
}

func mirrorKey(id string) string {
	return "lb:instance:" + id
}

// Stale returns the IDs of unhealthy instances whose last successful
// check is older than the threshold.
func (r *Registry) Stale(threshold time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-threshold)
	var out []string
	for id, inst := range r.instances {
		if !inst.Healthy && inst.LastCheck.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
