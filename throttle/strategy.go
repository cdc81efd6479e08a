package throttle

// Load is the state snapshot a strategy decides on.
type Load struct {
	Active   int
	Limit    int
	Queued   int
	QueueCap int

	// Pressure is the adaptive shedding level: 0 calm, 1 above the high
	// watermark, 2 sustained.
	Pressure int

	// UrgentWaiting is true when a high or critical request is queued.
	UrgentWaiting bool
}

// Strategy decides admission from a load snapshot. Strategies are
// stateless; the throttler owns all mutable state.
type Strategy interface {
	Name() string
	Admit(load Load, priority Priority) Action
}

// Simple admits up to the limit and rejects everything past it.
type Simple struct{}

func (Simple) Name() string { return "simple" }

func (Simple) Admit(load Load, _ Priority) Action {
	if load.Active < load.Limit {
		return ActionAllow
	}
	return ActionReject
}

// Queued admits up to the limit, queues up to the queue cap, then
// rejects.
type Queued struct{}

func (Queued) Name() string { return "queued" }

func (Queued) Admit(load Load, _ Priority) Action {
	switch {
	case load.Active < load.Limit:
		return ActionAllow
	case load.Queued < load.QueueCap:
		return ActionQueue
	default:
		return ActionReject
	}
}

// ByPriority behaves like Queued but refuses to queue low and background
// work behind waiting critical or high requests.
type ByPriority struct{}

func (ByPriority) Name() string { return "priority" }

func (ByPriority) Admit(load Load, priority Priority) Action {
	if load.Active < load.Limit {
		return ActionAllow
	}
	if priority <= PriorityLow && load.UrgentWaiting {
		return ActionReject
	}
	if load.Queued < load.QueueCap {
		return ActionQueue
	}
	return ActionReject
}

// Adaptive sheds by priority as load pressure rises: above the high
// watermark background and low work is rejected outright; under
// sustained pressure normal work is shed too. Recovery follows the
// throttler's hysteresis, so shedding does not oscillate at the
// boundary.
type Adaptive struct{}

func (Adaptive) Name() string { return "adaptive" }

func (Adaptive) Admit(load Load, priority Priority) Action {
	if load.Pressure >= 1 && priority <= PriorityLow {
		return ActionReject
	}
	if load.Pressure >= 2 && priority <= PriorityNormal {
		return ActionReject
	}
	if load.Active < load.Limit {
		return ActionAllow
	}
	if load.Queued < load.QueueCap {
		return ActionQueue
	}
	return ActionReject
}

// waiter is one queued request.
type waiter struct {
	id       string
	priority Priority
	seq      uint64
	ch       chan struct{}
	granted  bool
	index    int
}

// waitQueue is a heap ordered by priority descending, then FIFO within a
// priority class.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
