// Package throttle bounds concurrent execution of expensive operations.
// A slot counter in the shared key-value store admits work up to a
// cluster-wide limit; beyond it, a priority queue holds waiters that are
// woken as local slots release or a shared slot frees up in another
// process. Pluggable strategies decide between allowing, queueing and
// rejecting, including an adaptive strategy that sheds low-priority work
// under sustained load.
package throttle

import (
	"container/heap"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/rosterlab/rosterd/kv"
)

const (
	activeKey = "throttle:active"
	queueKey  = "throttle:queue"

	// slotTTL bounds how long slots held by a crashed process can count
	// against the cluster-wide limit. Every acquire and release refreshes
	// it.
	slotTTL = 5 * time.Minute

	// slotPoll paces queued waiters retrying the shared counter, so a
	// slot freed by another process does not strand local waiters until
	// their timeout.
	slotPoll = 500 * time.Millisecond
)

// acquireScript claims a shared slot when the cluster-wide count is
// under the limit.
//
// KEYS: active counter. ARGV: limit.
// Returns {acquired, count-before}.
const acquireScript = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur < tonumber(ARGV[1]) then
  redis.call('INCR', KEYS[1])
  redis.call('EXPIRE', KEYS[1], 300)
  return {1, cur}
end
return {0, cur}
`

// releaseScript returns a shared slot, flooring the counter at zero.
const releaseScript = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur > 0 then
  cur = redis.call('DECR', KEYS[1])
  redis.call('EXPIRE', KEYS[1], 300)
end
return cur
`

// RegisterScripts installs the native equivalents of this package's Eval
// scripts on an in-memory store, for tests and storeless deployments.
func RegisterScripts(m *kv.Mem) {
	m.RegisterScript(acquireScript, acquireNative)
	m.RegisterScript(releaseScript, releaseNative)
}

func acquireNative(m *kv.Mem, _ time.Time, keys []string, args []any) (any, error) {
	limit, _ := strconv.ParseInt(fmt.Sprint(args[0]), 10, 64)
	var cur int64
	if v, ok := m.LockedGetString(keys[0]); ok {
		cur, _ = strconv.ParseInt(v, 10, 64)
	}
	if cur >= limit {
		return []any{int64(0), cur}, nil
	}
	m.LockedSetString(keys[0], strconv.FormatInt(cur+1, 10), slotTTL)
	return []any{int64(1), cur}, nil
}

func releaseNative(m *kv.Mem, _ time.Time, keys []string, _ []any) (any, error) {
	var cur int64
	if v, ok := m.LockedGetString(keys[0]); ok {
		cur, _ = strconv.ParseInt(v, 10, 64)
	}
	if cur > 0 {
		cur--
		m.LockedSetString(keys[0], strconv.FormatInt(cur, 10), slotTTL)
	}
	return cur, nil
}

// Priority orders admission: critical beats high beats normal beats low
// beats background.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "background"
	}
}

// Action is the throttler's verdict on one request.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionQueue  Action = "QUEUE"
	ActionReject Action = "REJECT"
)

// Decision reports the outcome of an Admit. A queued request that later
// receives a slot comes back as ALLOW with the time spent waiting.
type Decision struct {
	Action Action
	Wait   time.Duration
	Reason string

	// RetryAfter advises rejected callers when to try again.
	RetryAfter time.Duration
}

// Config tunes a throttler.
type Config struct {
	// MaxConcurrent bounds simultaneously active requests cluster-wide.
	MaxConcurrent int

	// MaxQueue bounds waiting requests.
	MaxQueue int

	// QueueTimeout is the single knob bounding how long a request may
	// wait for a slot before rejection.
	QueueTimeout time.Duration

	// HighWatermark and LowWatermark bracket the adaptive strategy's
	// hysteresis band on utilization.
	HighWatermark float64
	LowWatermark  float64

	// SustainedSamples is how many consecutive high samples constitute
	// sustained pressure.
	SustainedSamples int

	// SampleInterval paces the background load sampler.
	SampleInterval time.Duration

	// StoreTimeout bounds each shared-store round trip.
	StoreTimeout time.Duration
}

// DefaultConfig returns the standard throttle tuning.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:    64,
		MaxQueue:         128,
		QueueTimeout:     30 * time.Second,
		HighWatermark:    0.9,
		LowWatermark:     0.7,
		SustainedSamples: 3,
		SampleInterval:   time.Second,
		StoreTimeout:     time.Second,
	}
}

// Throttler is the admission gate. The shared store holds the
// cluster-wide active count and a mirror of the queued set; the local
// lock serializes the wait queue and this process's bookkeeping. Queued
// Admit calls block outside the lock on their waiter channel.
type Throttler struct {
	logger   hclog.Logger
	store    kv.Store
	cfg      *Config
	strategy Strategy

	mu     sync.Mutex
	active int

	// activeIDs maps each granted request to whether it holds a shared
	// slot. Grants made while the store is down hold none and must not
	// decrement the shared counter on release.
	activeIDs map[string]bool

	waiters waitQueue
	seq     uint64

	// pressureSamples counts consecutive high-utilization samples; the
	// derived pressure level drives adaptive shedding.
	pressureSamples int

	// rejected and timedOut accumulate over the throttler's lifetime.
	rejected uint64
	timedOut uint64

	stopCh chan struct{}
}

// New builds a throttler over the shared store with the given strategy.
// A nil config gets the defaults.
func New(logger hclog.Logger, store kv.Store, cfg *Config, strategy Strategy) *Throttler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Throttler{
		logger:    logger.Named("throttle"),
		store:     store,
		cfg:       cfg,
		strategy:  strategy,
		activeIDs: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background load sampler.
func (t *Throttler) Start() {
	go t.sampleLoop()
}

// Stop shuts the sampler down.
func (t *Throttler) Stop() {
	close(t.stopCh)
}

// Admit requests a slot. The cluster-wide count in the shared store
// gates admission first; a store outage falls back to local-only
// enforcement. Admit returns immediately with ALLOW or REJECT; a QUEUE
// verdict blocks until a slot is granted, the context is canceled or the
// queue timeout lapses.
func (t *Throttler) Admit(ctx context.Context, requestID string, priority Priority) *Decision {
	acquired, shared, serr := t.acquireShared(ctx)

	t.mu.Lock()
	load := t.loadLocked()
	if serr == nil {
		load.Active = shared
	} else {
		metrics.IncrCounter([]string{"throttle", "store_error"}, 1)
		t.logger.Warn("store unavailable, enforcing locally", "error", serr)
	}

	switch t.strategy.Admit(load, priority) {
	case ActionAllow:
		t.grantLocked(requestID, serr == nil && acquired)
		t.mu.Unlock()
		metrics.IncrCounterWithLabels([]string{"throttle", "allow"}, 1, priorityLabels(priority))
		return &Decision{Action: ActionAllow}

	case ActionReject:
		t.rejected++
		t.mu.Unlock()
		if serr == nil && acquired {
			t.releaseShared()
		}
		metrics.IncrCounterWithLabels([]string{"throttle", "reject"}, 1, priorityLabels(priority))
		return &Decision{
			Action:     ActionReject,
			Reason:     "throttled by " + t.strategy.Name() + " strategy",
			RetryAfter: t.cfg.QueueTimeout,
		}
	}

	w := &waiter{
		id:       requestID,
		priority: priority,
		seq:      t.seq,
		ch:       make(chan struct{}),
	}
	t.seq++
	heap.Push(&t.waiters, w)
	t.mu.Unlock()
	if serr == nil && acquired {
		// The strategy queued despite a free shared slot; return the
		// claim so other processes can use it while we wait.
		t.releaseShared()
	}
	t.mirrorEnqueue(w)
	metrics.IncrCounter([]string{"throttle", "queue"}, 1)

	start := time.Now()
	defer metrics.MeasureSince([]string{"throttle", "wait", "duration"}, start)
	timer := time.NewTimer(t.cfg.QueueTimeout)
	defer timer.Stop()
	poll := time.NewTicker(slotPoll)
	defer poll.Stop()

	for {
		select {
		case <-w.ch:
			metrics.IncrCounterWithLabels([]string{"throttle", "allow"}, 1, priorityLabels(priority))
			return &Decision{Action: ActionAllow, Wait: time.Since(start)}
		case <-ctx.Done():
			return t.abandon(w, "canceled while queued")
		case <-timer.C:
			return t.abandon(w, "queue timeout")
		case <-poll.C:
			if d := t.pollShared(ctx, w, priority, start); d != nil {
				return d
			}
		}
	}
}

// pollShared retries the shared counter for a queued waiter, so slots
// freed by other processes reach local waiters before their timeout.
func (t *Throttler) pollShared(ctx context.Context, w *waiter, priority Priority, start time.Time) *Decision {
	acquired, _, err := t.acquireShared(ctx)
	if err != nil || !acquired {
		return nil
	}

	t.mu.Lock()
	if w.granted {
		// A local release raced the poll and already granted this
		// waiter; the freshly claimed slot is surplus.
		t.mu.Unlock()
		t.releaseShared()
	} else {
		heap.Remove(&t.waiters, w.index)
		w.granted = true
		t.grantLocked(w.id, true)
		t.mu.Unlock()
		t.mirrorDequeue(w.id)
	}
	metrics.IncrCounterWithLabels([]string{"throttle", "allow"}, 1, priorityLabels(priority))
	return &Decision{Action: ActionAllow, Wait: time.Since(start)}
}

// abandon removes a waiter that gave up. If a grant raced the timeout,
// the slot is already ours and must go straight back.
func (t *Throttler) abandon(w *waiter, reason string) *Decision {
	t.mu.Lock()
	t.timedOut++
	freed := false
	var woken []string
	if w.granted {
		freed, woken = t.releaseLocked(w.id)
	} else {
		heap.Remove(&t.waiters, w.index)
	}
	t.mu.Unlock()

	t.mirrorDequeue(w.id)
	for _, id := range woken {
		t.mirrorDequeue(id)
	}
	if freed {
		t.releaseShared()
	}
	metrics.IncrCounter([]string{"throttle", "timeout"}, 1)
	return &Decision{
		Action:     ActionReject,
		Reason:     reason,
		RetryAfter: t.cfg.QueueTimeout,
	}
}

// Release returns a slot and wakes the best waiter, if any. Releasing an
// unknown or already-released ID is a no-op, so callers may defer it
// unconditionally.
func (t *Throttler) Release(requestID string) {
	t.mu.Lock()
	freed, woken := t.releaseLocked(requestID)
	t.mu.Unlock()

	for _, id := range woken {
		t.mirrorDequeue(id)
	}
	if freed {
		t.releaseShared()
	}
}

func (t *Throttler) grantLocked(id string, shared bool) {
	t.active++
	t.activeIDs[id] = shared
}

// releaseLocked frees a slot and hands it to the best waiter when one is
// queued. A handed-over slot keeps its shared claim, so the counter in
// the store is untouched; freed reports whether a claim must go back.
func (t *Throttler) releaseLocked(id string) (freed bool, woken []string) {
	shared, ok := t.activeIDs[id]
	if !ok {
		return false, nil
	}
	delete(t.activeIDs, id)
	t.active--

	for t.active < t.cfg.MaxConcurrent && t.waiters.Len() > 0 {
		w := heap.Pop(&t.waiters).(*waiter)
		w.granted = true
		t.grantLocked(w.id, shared)
		shared = false
		woken = append(woken, w.id)
		close(w.ch)
	}
	return shared, woken
}

// acquireShared claims one cluster-wide slot. It reports whether a slot
// was claimed and the shared active count before the claim.
func (t *Throttler) acquireShared(ctx context.Context) (bool, int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()
	raw, err := t.store.Eval(ctx, acquireScript, []string{activeKey}, t.cfg.MaxConcurrent)
	if err != nil {
		return false, 0, err
	}
	vals, err := toInt64s(raw, 2)
	if err != nil {
		return false, 0, err
	}
	return vals[0] == 1, int(vals[1]), nil
}

func (t *Throttler) releaseShared() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StoreTimeout)
	defer cancel()
	if _, err := t.store.Eval(ctx, releaseScript, []string{activeKey}); err != nil {
		metrics.IncrCounter([]string{"throttle", "store_error"}, 1)
		t.logger.Warn("shared slot release failed", "error", err)
	}
}

// mirrorEnqueue writes a queued request into the shared queue mirror.
// The score orders by priority descending, then arrival.
func (t *Throttler) mirrorEnqueue(w *waiter) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StoreTimeout)
	defer cancel()
	score := float64(w.seq) - float64(w.priority)*1e9
	if err := t.store.ZAdd(ctx, queueKey, kv.Z{Score: score, Member: w.id}); err != nil {
		t.logger.Debug("queue mirror write failed", "error", err)
		return
	}
	if err := t.store.Expire(ctx, queueKey, slotTTL); err != nil {
		t.logger.Debug("queue mirror expire failed", "error", err)
	}
}

func (t *Throttler) mirrorDequeue(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StoreTimeout)
	defer cancel()
	if err := t.store.ZRem(ctx, queueKey, id); err != nil {
		t.logger.Debug("queue mirror remove failed", "error", err)
	}
}

// loadLocked snapshots the state strategies decide on. Admit overlays
// the shared active count when the store is reachable.
func (t *Throttler) loadLocked() Load {
	load := Load{
		Active:   t.active,
		Limit:    t.cfg.MaxConcurrent,
		Queued:   t.waiters.Len(),
		QueueCap: t.cfg.MaxQueue,
		Pressure: t.pressureLocked(),
	}
	for _, w := range t.waiters {
		if w.priority >= PriorityHigh {
			load.UrgentWaiting = true
			break
		}
	}
	return load
}

func (t *Throttler) pressureLocked() int {
	switch {
	case t.pressureSamples >= t.cfg.SustainedSamples:
		return 2
	case t.pressureSamples >= 1:
		return 1
	default:
		return 0
	}
}

// Sample takes one utilization reading. The sampler loop calls this on
// an interval; tests drive it directly. Recovery requires utilization to
// drop below the low watermark, not merely below the high one.
func (t *Throttler) Sample() {
	t.mu.Lock()
	defer t.mu.Unlock()

	util := float64(t.active) / float64(t.cfg.MaxConcurrent)
	switch {
	case util > t.cfg.HighWatermark:
		t.pressureSamples++
	case util < t.cfg.LowWatermark:
		t.pressureSamples = 0
	}

	metrics.SetGauge([]string{"throttle", "active"}, float32(t.active))
	metrics.SetGauge([]string{"throttle", "queued"}, float32(t.waiters.Len()))
	metrics.SetGauge([]string{"throttle", "pressure"}, float32(t.pressureLocked()))
}

func (t *Throttler) sampleLoop() {
	ticker := time.NewTicker(t.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sample()
		case <-t.stopCh:
			return
		}
	}
}

// Stats reports the current throttle state plus lifetime totals for
// rejected and timed-out or canceled requests.
type Stats struct {
	Active   int
	Queued   int
	Pressure int
	Rejected uint64
	TimedOut uint64
}

// Stats snapshots the counters for operators and tests.
func (t *Throttler) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Active:   t.active,
		Queued:   t.waiters.Len(),
		Pressure: t.pressureLocked(),
		Rejected: t.rejected,
		TimedOut: t.timedOut,
	}
}

func priorityLabels(p Priority) []metrics.Label {
	return []metrics.Label{{Name: "priority", Value: p.String()}}
}

// toInt64s normalizes an Eval reply into n integers.
func toInt64s(raw any, n int) ([]int64, error) {
	arr, ok := raw.([]any)
	if !ok || len(arr) < n {
		return nil, fmt.Errorf("unexpected script reply %T", raw)
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		switch v := arr[i].(type) {
		case int64:
			out[i] = v
		case int:
			out[i] = int64(v)
		case float64:
			out[i] = int64(v)
		default:
			return nil, fmt.Errorf("unexpected script reply element %T", arr[i])
		}
	}
	return out, nil
}
