// Package consumer implements the Runloop-based streaming consumer façade
// over a Kafka-compatible broker: a single-owner coordinator multiplexing a
// non-thread-safe broker client between polling, commit batching, and
// rebalance handling.
package consumer

import "fmt"

// TopicPartition identifies a broker-addressable shard of a topic, the unit
// of ordering. Equality is structural (it's a plain comparable struct, so
// it's safe as a map key).
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// Record is an immutable fact delivered by the broker for one topic-partition.
type Record struct {
	TopicPartition TopicPartition
	Offset         int64
	Timestamp      int64
	Headers        map[string][]byte
	Key            []byte
	Value          []byte
}

// Offset is the commit handle attached to a CommittableRecord. Its Value is
// always record.Offset+1 — the next-to-read position, matching the broker's
// commit convention. Never construct one with a raw record offset.
type Offset struct {
	TopicPartition TopicPartition
	Value          int64

	sink commitSink
}

// commitSink is the narrow surface the Runloop exposes to an Offset so it
// can submit itself for commit without the caller ever touching the
// command channel directly.
type commitSink interface {
	submitCommit(OffsetBatch) <-chan error
}

// Commit submits this single offset for commit and waits for the broker
// acknowledgment, retrying retriable failures per policy.
func (o Offset) Commit(policy RetryPolicy) error {
	if o.sink == nil {
		return fmt.Errorf("consumer: offset for %s has no bound runloop", o.TopicPartition)
	}
	batch := OffsetBatch{o.TopicPartition: o.Value}
	return batch.commitVia(o.sink, policy)
}

// CommittableRecord pairs a Record with the Offset a caller submits once
// the record has been processed.
type CommittableRecord struct {
	Record
	Offset Offset
}

func newCommittableRecord(r Record, sink commitSink) CommittableRecord {
	return CommittableRecord{
		Record: r,
		Offset: Offset{
			TopicPartition: r.TopicPartition,
			Value:          r.Offset + 1,
			sink:           sink,
		},
	}
}

// Assignment is the set of topic-partitions currently owned by this consumer.
type Assignment map[TopicPartition]struct{}

func (a Assignment) has(tp TopicPartition) bool {
	_, ok := a[tp]
	return ok
}

func (a Assignment) add(tp TopicPartition)    { a[tp] = struct{}{} }
func (a Assignment) remove(tp TopicPartition) { delete(a, tp) }

// Subscription variant: exactly one of Topics, Pattern, Manual is set.
type Subscription struct {
	Topics  []string
	Pattern string
	Manual  []TopicPartition
}

// TopicsSubscription subscribes to a fixed set of topic names via the
// broker's group protocol.
func TopicsSubscription(topics ...string) Subscription { return Subscription{Topics: topics} }

// PatternSubscription subscribes to every topic matching a regular
// expression via the broker's group protocol.
func PatternSubscription(pattern string) Subscription { return Subscription{Pattern: pattern} }

// ManualSubscription assigns a fixed set of topic-partitions directly,
// bypassing the group protocol.
func ManualSubscription(tps ...TopicPartition) Subscription { return Subscription{Manual: tps} }

func (s Subscription) isManual() bool { return len(s.Manual) > 0 }

// ResetPolicy selects where an Auto offset retrieval strategy starts
// reading. The Sarama client applies it only to Manual subscriptions
// (Assign), where ResetEarliest starts at the oldest offset and every other
// value at the newest, without consulting committed offsets. Group
// subscriptions (Topics or Pattern) ignore it and take their starting point
// from Config.StartFrom.
type ResetPolicy int

const (
	ResetNone ResetPolicy = iota
	ResetEarliest
	ResetLatest
)

// OffsetRetrieval variant: exactly one of the two constructors below.
type OffsetRetrieval struct {
	auto     bool
	reset    ResetPolicy
	resolver ManualOffsetResolver
}

// ManualOffsetResolver computes the starting offset for each newly assigned
// topic-partition. Called synchronously from inside the rebalance listener,
// so it must not block on anything beyond a bounded metadata round trip.
type ManualOffsetResolver func(assigned map[TopicPartition]struct{}) (map[TopicPartition]int64, error)

// AutoOffsetRetrieval leaves the starting offset to the broker client; see
// ResetPolicy for where reset is and is not applied.
func AutoOffsetRetrieval(reset ResetPolicy) OffsetRetrieval {
	return OffsetRetrieval{auto: true, reset: reset}
}

// ManualOffsetRetrieval seeks every newly assigned partition to the offset
// the resolver returns, before the rebalance callback returns.
func ManualOffsetRetrieval(resolver ManualOffsetResolver) OffsetRetrieval {
	return OffsetRetrieval{resolver: resolver}
}

func (o OffsetRetrieval) isManual() bool { return !o.auto && o.resolver != nil }

// RetryPolicy is a schedule producing delays and a retry count for
// retriable commit failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelayMS int
}

// DefaultRetryPolicy mirrors the teacher's checkpoint commit cadence: a
// handful of short retries before giving up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelayMS: 100}
}
