package consumer

import (
	"sync"

	"streamkit/internal/logging"
	"streamkit/internal/telemetry"
)

// EventKind tags a Diagnostics event.
type EventKind int

const (
	EventPoll EventKind = iota
	EventCommit
	EventRebalanceAssigned
	EventRebalanceRevoked
	EventRebalanceLost
	EventDroppedRecord
)

func (k EventKind) String() string {
	switch k {
	case EventPoll:
		return "poll"
	case EventCommit:
		return "commit"
	case EventRebalanceAssigned:
		return "rebalance.assigned"
	case EventRebalanceRevoked:
		return "rebalance.revoked"
	case EventRebalanceLost:
		return "rebalance.lost"
	case EventDroppedRecord:
		return "dropped_record"
	default:
		return "unknown"
	}
}

// Event is emitted by the Runloop on every state transition: a poll
// yielding count records, a commit of a batch, a rebalance notification, or
// a record silently dropped for a partition this consumer no longer owns
// (spec's preserved-but-now-diagnosed open question).
type Event struct {
	Kind            EventKind
	Count           int
	Batch           OffsetBatch
	TopicPartitions []TopicPartition
}

// Sink is a fire-and-forget event emitter. Delivery failures must not
// affect the Runloop — Emit itself has no error return, and implementations
// must not block the caller.
type Sink interface {
	Emit(Event)
}

// NoopSink discards every event.
type NoopSink struct{}

func (NoopSink) Emit(Event) {}

// LoggingSink writes every event through internal/logging at debug level —
// the cheapest non-trivial sink, useful for local development.
type LoggingSink struct{}

func (LoggingSink) Emit(e Event) {
	logging.L().Debug("diagnostics", "kind", e.Kind.String(), "count", e.Count, "tps", e.TopicPartitions)
}

// RecordingSink accumulates every event it sees, for tests that assert on
// Runloop behavior without standing up Prometheus.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecordingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// MetricsSink updates a Prometheus metric vector (internal/telemetry) on
// every Runloop event — the production diagnostics implementation.
type MetricsSink struct {
	m *telemetry.RunloopMetrics
}

// NewMetricsSink registers (or reuses) the metric vector for groupID.
func NewMetricsSink(groupID string) *MetricsSink {
	return &MetricsSink{m: telemetry.NewRunloopMetrics(groupID)}
}

func (s *MetricsSink) Emit(e Event) {
	switch e.Kind {
	case EventPoll:
		s.m.Polls.Inc()
		s.m.RecordsPolled.Add(float64(e.Count))
	case EventCommit:
		s.m.Commits.Inc()
		s.m.OffsetsCommitted.Add(float64(len(e.Batch)))
	case EventRebalanceAssigned:
		s.m.RebalanceAssigned.Add(float64(len(e.TopicPartitions)))
		s.m.AssignedPartitions.Add(float64(len(e.TopicPartitions)))
	case EventRebalanceRevoked:
		s.m.RebalanceRevoked.Add(float64(len(e.TopicPartitions)))
		s.m.AssignedPartitions.Sub(float64(len(e.TopicPartitions)))
	case EventRebalanceLost:
		s.m.RebalanceLost.Add(float64(len(e.TopicPartitions)))
		s.m.AssignedPartitions.Sub(float64(len(e.TopicPartitions)))
	case EventDroppedRecord:
		s.m.DroppedRecords.Add(float64(e.Count))
	}
}
