package consumer

import (
	"sync"
	"testing"
)

func TestRecordingSink_ThreadSafeAccumulation(t *testing.T) {
	sink := &RecordingSink{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Emit(Event{Kind: EventPoll, Count: 1})
		}()
	}
	wg.Wait()

	if len(sink.Events()) != 50 {
		t.Fatalf("want 50 recorded events, got %d", len(sink.Events()))
	}
}

func TestMetricsSink_EmitDoesNotPanic(t *testing.T) {
	sink := NewMetricsSink("diagnostics-test-group")
	tp := TopicPartition{Topic: "t", Partition: 0}

	sink.Emit(Event{Kind: EventPoll, Count: 3})
	sink.Emit(Event{Kind: EventCommit, Batch: OffsetBatch{tp: 1}})
	sink.Emit(Event{Kind: EventRebalanceAssigned, TopicPartitions: []TopicPartition{tp}})
	sink.Emit(Event{Kind: EventRebalanceRevoked, TopicPartitions: []TopicPartition{tp}})
	sink.Emit(Event{Kind: EventRebalanceLost, TopicPartitions: []TopicPartition{tp}})
	sink.Emit(Event{Kind: EventDroppedRecord, Count: 1})
}
