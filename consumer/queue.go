package consumer

import "sync"

// QueueState is the lifecycle state of a PartitionQueue.
type QueueState int

const (
	// StateOpen accepts new chunks.
	StateOpen QueueState = iota
	// StateDrained no longer accepts chunks; the consumer may still drain
	// what's already buffered.
	StateDrained
	// StateClosed means the consumer has observed the terminal marker.
	StateClosed
)

type chunkKind int

const (
	kindChunk chunkKind = iota
	kindEnd
	kindError
)

// item is the tagged variant (Chunk | End | Error) pushed through a
// PartitionQueue, so a drain observes order-preserving termination instead
// of relying on channel-close races.
type item struct {
	kind  chunkKind
	chunk []CommittableRecord
	err   error
}

// PartitionQueue is a bounded FIFO of record chunks plus a terminal marker,
// backing one user-visible per-partition stream. Single producer (the
// Runloop), single consumer (the user stream).
type PartitionQueue struct {
	TopicPartition TopicPartition

	mu    sync.Mutex
	state QueueState
	items chan item
}

func newPartitionQueue(tp TopicPartition, capacityChunks int) *PartitionQueue {
	if capacityChunks <= 0 {
		capacityChunks = 1
	}
	return &PartitionQueue{
		TopicPartition: tp,
		items:          make(chan item, capacityChunks),
	}
}

// pushChunk enqueues one poll's worth of records for this topic-partition as
// a single chunk, preserving chunk boundaries for downstream backpressure.
// It returns false without enqueuing once the queue is no longer Open.
// Blocking: a push into a full queue waits until the consumer takes a
// chunk, and the caller (the Runloop's dispatch) waits with it.
func (q *PartitionQueue) pushChunk(chunk []CommittableRecord) bool {
	q.mu.Lock()
	open := q.state == StateOpen
	q.mu.Unlock()
	if !open {
		return false
	}
	q.items <- item{kind: kindChunk, chunk: chunk}
	return true
}

// drain transitions Open to Drained, accepts no further chunks, and enqueues
// the terminal marker so a consumer sees it after every chunk pushed before
// this call — order-preserving termination per spec's tagged-variant note.
func (q *PartitionQueue) drain(cause error, lost bool) {
	q.mu.Lock()
	if q.state != StateOpen {
		q.mu.Unlock()
		return
	}
	q.state = StateDrained
	q.mu.Unlock()

	kind := kindEnd
	if cause != nil || lost {
		kind = kindError
		if cause == nil {
			cause = errPartitionLost(q.TopicPartition)
		}
	}
	q.items <- item{kind: kind, err: cause}
}

// backlog reports the number of chunks currently buffered.
func (q *PartitionQueue) backlog() int { return len(q.items) }

func (q *PartitionQueue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Next blocks for the next chunk or the terminal marker. ok is false once
// the terminal marker has been observed; err carries an abnormal
// termination cause (e.g. a lost partition or a fatal poll error).
func (q *PartitionQueue) Next() (chunk []CommittableRecord, ok bool, err error) {
	it, more := <-q.items
	if !more {
		return nil, false, nil
	}
	switch it.kind {
	case kindChunk:
		return it.chunk, true, nil
	default:
		q.mu.Lock()
		q.state = StateClosed
		q.mu.Unlock()
		return nil, false, it.err
	}
}

func errPartitionLost(tp TopicPartition) error {
	return &partitionLostError{tp: tp}
}

type partitionLostError struct{ tp TopicPartition }

func (e *partitionLostError) Error() string {
	return "consumer: partition " + e.tp.String() + " lost (abnormal rebalance termination)"
}
