package consumer

import (
	"context"
	"testing"
	"time"
)

func TestEmitPartitionStream_ReassignmentAfterRevocationEmitsAgain(t *testing.T) {
	cfg := testConfig()
	client := newFakeBrokerClient()
	rl := newRunloop(cfg, newClientGate(), client, NoopSink{})
	c := &Consumer{cfg: cfg, client: client, runloop: rl}

	tp := TopicPartition{Topic: "t", Partition: 0}
	seen := make(map[TopicPartition]*PartitionQueue)
	out := make(chan PartitionStream, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl.registry.Create(tp)
	c.emitPartitionStream(ctx, tp, nil, nil, seen, out)

	var first PartitionStream
	select {
	case first = <-out:
	case <-time.After(time.Second):
		t.Fatal("expected an inner stream to be emitted for the initial assignment")
	}
	if first.TopicPartition != tp {
		t.Fatalf("unexpected tp: %+v", first)
	}

	// A second call for the same still-live queue must not re-emit.
	c.emitPartitionStream(ctx, tp, nil, nil, seen, out)
	select {
	case ps := <-out:
		t.Fatalf("unexpected re-emission for an unchanged queue: %+v", ps)
	case <-time.After(50 * time.Millisecond):
	}

	// Revoke, then reassign: a fresh queue must emit a fresh inner stream.
	rl.registry.Drain(tp, nil, false)
	c.emitPartitionStream(ctx, tp, nil, nil, seen, out)
	select {
	case ps := <-out:
		t.Fatalf("unexpected emission while the partition is revoked: %+v", ps)
	case <-time.After(50 * time.Millisecond):
	}

	rl.registry.Create(tp)
	c.emitPartitionStream(ctx, tp, nil, nil, seen, out)
	select {
	case second := <-out:
		if second.TopicPartition != tp {
			t.Fatalf("unexpected tp on reassignment: %+v", second)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a new inner stream after revoke-then-reassign")
	}
}
