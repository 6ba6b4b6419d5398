package consumer

import (
	"errors"
	"time"
)

// OffsetBatch is a commutative, associative merge of per-partition offsets
// — the identity of the commit stream. The zero value is the empty batch.
type OffsetBatch map[TopicPartition]int64

// EmptyOffsetBatch is the identity for Merge.
func EmptyOffsetBatch() OffsetBatch { return OffsetBatch{} }

// Merge returns the pointwise max of a and b. O(|a|+|b|).
//
// merge(a, empty) = a
// merge(a, b) = merge(b, a)
// merge(a, merge(b, c)) = merge(merge(a, b), c)
func (a OffsetBatch) Merge(b OffsetBatch) OffsetBatch {
	out := make(OffsetBatch, len(a)+len(b))
	for tp, off := range a {
		out[tp] = off
	}
	for tp, off := range b {
		if cur, ok := out[tp]; !ok || off > cur {
			out[tp] = off
		}
	}
	return out
}

// Commit submits the batch to the Runloop and awaits completion, retrying
// retriable broker failures per policy. Repeated commit of the same batch
// is safe — the broker's own offset semantics make it a no-op beyond
// idempotent bookkeeping.
func (a OffsetBatch) Commit(c *Consumer, policy RetryPolicy) error {
	return a.commitVia(c.runloop, policy)
}

func (a OffsetBatch) commitVia(sink commitSink, policy RetryPolicy) error {
	if len(a) == 0 {
		return nil
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	delay := time.Duration(policy.BaseDelayMS) * time.Millisecond
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		errc := sink.submitCommit(a)
		err := <-errc
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrRetriableCommit) {
			return err
		}
		if attempt < policy.MaxAttempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return lastErr
}

// CommitRequest pairs an OffsetBatch with a completion signal, resolved on
// broker commit success or terminal failure. completion is always
// buffered(1) so the Runloop never blocks signaling it.
type CommitRequest struct {
	Batch      OffsetBatch
	completion chan error
}

func newCommitRequest(batch OffsetBatch) CommitRequest {
	return CommitRequest{Batch: batch, completion: make(chan error, 1)}
}
