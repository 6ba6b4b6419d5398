package consumer

import (
	"sync"

	"streamkit/internal/logging"
)

// PartitionStreamRegistry maps topic-partition to the outbound record queue
// backing its user-visible stream. It creates, completes, and tears down
// entries on rebalance. Safe for concurrent use: Create/Drain are called
// from the broker's rebalance callback (its own goroutine in the Sarama
// binding) while Lookup/backlog inspection happen from the Runloop's tick
// and Next() is called from arbitrary user-stream goroutines.
type PartitionStreamRegistry struct {
	prefetchChunks int

	mu    sync.Mutex
	queues map[TopicPartition]*PartitionQueue
}

func newPartitionStreamRegistry(prefetchChunks int) *PartitionStreamRegistry {
	return &PartitionStreamRegistry{
		prefetchChunks: prefetchChunks,
		queues:         make(map[TopicPartition]*PartitionQueue),
	}
}

// Create is idempotent for the same tp as long as no intervening Drain
// occurred.
func (r *PartitionStreamRegistry) Create(tp TopicPartition) *PartitionQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[tp]; ok {
		return q
	}
	q := newPartitionQueue(tp, r.prefetchChunks)
	r.queues[tp] = q
	logging.L().Debug("registry: partition queue created", "tp", tp.String())
	return q
}

// Drain transitions the queue to Drained (and eventually Closed once the
// consumer empties it). lost marks an abnormal termination (onPartitionsLost)
// rather than a clean revocation.
func (r *PartitionStreamRegistry) Drain(tp TopicPartition, cause error, lost bool) {
	r.mu.Lock()
	q, ok := r.queues[tp]
	if ok {
		delete(r.queues, tp)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	q.drain(cause, lost)
	logging.L().Debug("registry: partition queue draining", "tp", tp.String(), "lost", lost)
}

// DrainAll tears down every live queue, e.g. on hard cancellation.
func (r *PartitionStreamRegistry) DrainAll(cause error) {
	r.mu.Lock()
	all := make([]*PartitionQueue, 0, len(r.queues))
	for tp, q := range r.queues {
		all = append(all, q)
		delete(r.queues, tp)
	}
	r.mu.Unlock()
	for _, q := range all {
		q.drain(cause, false)
	}
}

// Lookup returns the queue for tp, or nil if none exists — which can happen
// briefly around revocation; callers must drop records in that case.
func (r *PartitionStreamRegistry) Lookup(tp TopicPartition) *PartitionQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[tp]
}

// Assigned returns every topic-partition with a live (Open) queue.
func (r *PartitionStreamRegistry) Assigned() []TopicPartition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TopicPartition, 0, len(r.queues))
	for tp := range r.queues {
		out = append(out, tp)
	}
	return out
}

// Backlog reports the chunk backlog for tp, or 0 if no queue exists.
func (r *PartitionStreamRegistry) Backlog(tp TopicPartition) int {
	r.mu.Lock()
	q := r.queues[tp]
	r.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.backlog()
}
