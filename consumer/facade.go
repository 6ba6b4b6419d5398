package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamkit/internal/logging"
)

// Consumer is the public façade: subscribe, stream constructors, the
// commit-then-process helper, and pass-through metadata operations. It owns
// exactly one Runloop for its lifetime.
type Consumer struct {
	cfg    Config
	gate   *ClientGate
	client BrokerClient
	diag   Sink

	brokerClientName string
	runloop          *Runloop
}

// Option customizes Consumer construction.
type Option func(*Consumer)

// WithDiagnostics installs a non-default Sink. The default is NoopSink.
func WithDiagnostics(sink Sink) Option {
	return func(c *Consumer) { c.diag = sink }
}

// WithBrokerClientFactory selects a non-default BrokerClient implementation
// by name (see RegisterBrokerClientFactory).
func WithBrokerClientFactory(name string) Option {
	return func(c *Consumer) { c.brokerClientName = name }
}

// New constructs a Consumer without starting it. Call Subscribe to begin
// consumption.
func New(cfg Config, opts ...Option) (*Consumer, error) {
	c := &Consumer{cfg: cfg, diag: NoopSink{}}
	for _, opt := range opts {
		opt(c)
	}
	client, err := NewBrokerClient(c.brokerClientName, cfg)
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	c.client = client
	c.gate = newClientGate()
	c.runloop = newRunloop(cfg, c.gate, c.client, c.diag)
	return c, nil
}

// Subscribe is idempotent for an identical call. For Topics/Pattern it
// calls the broker client's subscribe with the rebalance listener; for
// Manual it assigns the given topic-partitions directly (client.assign +
// seek).
func (c *Consumer) Subscribe(ctx context.Context, sub Subscription, retrieval OffsetRetrieval) error {
	var err error
	switch {
	case sub.isManual():
		err = c.gate.WithClient(c.client, func(bc BrokerClient) error {
			return bc.Assign(sub.Manual, retrieval)
		})
		if err == nil {
			for _, tp := range sub.Manual {
				c.runloop.registry.Create(tp)
			}
		}
	case sub.Pattern != "":
		err = c.gate.WithClient(c.client, func(bc BrokerClient) error {
			return bc.SubscribePattern(sub.Pattern, retrieval, c.runloop)
		})
	default:
		err = c.gate.WithClient(c.client, func(bc BrokerClient) error {
			return bc.Subscribe(sub.Topics, retrieval, c.runloop)
		})
	}
	if err != nil {
		if retrieval.isManual() {
			return fmt.Errorf("%w: %v", ErrUnsubscribed, err)
		}
		return err
	}
	c.runloop.Start(ctx)
	return nil
}

// ConsumeAdditional assigns more topic-partitions to an already-running
// Manual-subscription consumer at runtime.
func (c *Consumer) ConsumeAdditional(tps []TopicPartition, retrieval OffsetRetrieval) error {
	return c.runloop.requestManualPartitions(tps, retrieval)
}

// PartitionStream is one inner stream of a partitioned consumption: the
// topic-partition it belongs to, plus a channel of deserialized chunks.
type PartitionStream struct {
	TopicPartition TopicPartition
	Chunks         <-chan DeserializedChunk
}

// DeserializedChunk is one poll's worth of deserialized records for a
// single topic-partition, or a terminal error for that inner stream.
type DeserializedChunk struct {
	Records []DeserializedRecord
	Err     error
	EOF     bool
}

// DeserializedRecord pairs a deserialized key/value with the Offset a
// caller commits once it has finished processing the record.
type DeserializedRecord struct {
	TopicPartition TopicPartition
	Timestamp      int64
	Headers        map[string][]byte
	Key            any
	Value          any
	Offset         Offset
}

// Deserializer turns raw bytes for a topic into a typed value. It's a pure
// function that may fail; a failure fails only the affected chunk's inner
// stream, per spec.md §7.
type Deserializer func(topic string, raw []byte) (any, error)

// PartitionedStream lazily yields one PartitionStream per currently or
// newly assigned topic-partition; each inner stream completes on
// revocation or shutdown. New topic-partitions are emitted as they're
// assigned — callers should keep reading the returned channel for the
// lifetime of the consumer.
func (c *Consumer) PartitionedStream(ctx context.Context, keyD, valD Deserializer) <-chan PartitionStream {
	out := make(chan PartitionStream, 16)
	// Keyed by the live *PartitionQueue, not just the TopicPartition: a
	// revoked-then-reassigned tp gets a fresh queue from registry.Create,
	// and comparing pointers (instead of tp alone) is what makes that
	// fresh queue emit as a new inner stream instead of being silently
	// swallowed by a stale "already seen this tp" guard.
	seen := make(map[TopicPartition]*PartitionQueue)

	go func() {
		defer close(out)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.runloop.Done():
				for _, tp := range c.runloop.registry.Assigned() {
					c.emitPartitionStream(ctx, tp, keyD, valD, seen, out)
				}
				return
			case <-ticker.C:
				for _, tp := range c.runloop.registry.Assigned() {
					c.emitPartitionStream(ctx, tp, keyD, valD, seen, out)
				}
			}
		}
	}()
	return out
}

func (c *Consumer) emitPartitionStream(ctx context.Context, tp TopicPartition, keyD, valD Deserializer, seen map[TopicPartition]*PartitionQueue, out chan PartitionStream) {
	q := c.runloop.registry.Lookup(tp)
	if q == nil {
		// Revoked since the caller collected its tp list; drop any stale
		// entry so a later re-assignment isn't compared against it.
		delete(seen, tp)
		return
	}
	if seen[tp] == q {
		return
	}
	seen[tp] = q
	chunks := make(chan DeserializedChunk, c.cfg.PerPartitionChunkPrefetch)
	go pumpPartitionQueue(ctx, q, c.runloop.bp, keyD, valD, chunks)
	select {
	case out <- PartitionStream{TopicPartition: tp, Chunks: chunks}:
	case <-ctx.Done():
	}
}

func pumpPartitionQueue(ctx context.Context, q *PartitionQueue, bp *backpressureController, keyD, valD Deserializer, out chan<- DeserializedChunk) {
	defer close(out)
	for {
		chunk, ok, err := q.Next()
		if !ok {
			if err != nil {
				select {
				case out <- DeserializedChunk{Err: err}:
				case <-ctx.Done():
				}
			} else {
				select {
				case out <- DeserializedChunk{EOF: true}:
				case <-ctx.Done():
				}
			}
			return
		}
		// Credit back the token dispatch debited for this chunk — the
		// global in-flight count drops the moment the user-facing stream
		// takes ownership of it, whether or not processing succeeds below.
		bp.Release(1)

		dRecs := make([]DeserializedRecord, 0, len(chunk))
		var derr error
		for _, cr := range chunk {
			k, err := deserializeOrNil(keyD, cr.TopicPartition.Topic, cr.Key)
			if err != nil {
				derr = &deserializeError{cause: err}
				break
			}
			v, err := deserializeOrNil(valD, cr.TopicPartition.Topic, cr.Value)
			if err != nil {
				derr = &deserializeError{cause: err}
				break
			}
			dRecs = append(dRecs, DeserializedRecord{
				TopicPartition: cr.TopicPartition,
				Timestamp:      cr.Timestamp,
				Headers:        cr.Headers,
				Key:            k,
				Value:          v,
				Offset:         cr.Offset,
			})
		}
		select {
		case out <- DeserializedChunk{Records: dRecs, Err: derr}:
		case <-ctx.Done():
			return
		}
	}
}

func deserializeOrNil(d Deserializer, topic string, raw []byte) (any, error) {
	if d == nil {
		return raw, nil
	}
	return d(topic, raw)
}

type deserializeError struct{ cause error }

func (e *deserializeError) Error() string { return "consumer: deserialize: " + e.cause.Error() }
func (e *deserializeError) Unwrap() error { return e.cause }
func (e *deserializeError) Is(target error) bool { return target == ErrDeserialize }

// PlainStream is an unordered merge of every inner stream with bounded
// concurrency, for callers that don't care about per-partition isolation.
func (c *Consumer) PlainStream(ctx context.Context, keyD, valD Deserializer, maxConcurrency int) <-chan DeserializedChunk {
	if maxConcurrency <= 0 {
		maxConcurrency = 32
	}
	out := make(chan DeserializedChunk, maxConcurrency)
	sem := make(chan struct{}, maxConcurrency)

	go func() {
		defer close(out)
		partitions := c.PartitionedStream(ctx, keyD, valD)
		var active int
		done := make(chan struct{})
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				active--
				if active == 0 && partitions == nil {
					return
				}
			case ps, ok := <-partitions:
				if !ok {
					partitions = nil
					if active == 0 {
						return
					}
					continue
				}
				active++
				sem <- struct{}{}
				go func(ps PartitionStream) {
					defer func() { <-sem; done <- struct{}{} }()
					for chunk := range ps.Chunks {
						select {
						case out <- chunk:
						case <-ctx.Done():
							return
						}
					}
				}(ps)
			}
		}
	}()
	return out
}

// StopConsumption transitions the Runloop to StoppingGracefully and returns
// immediately; it never fails.
func (c *Consumer) StopConsumption() { c.runloop.StopConsumption() }

// Commit submits a single offset for commit.
func (c *Consumer) Commit(offset Offset, policy RetryPolicy) error {
	return offset.Commit(policy)
}

// CommitBatch submits an OffsetBatch for commit.
func (c *Consumer) CommitBatch(batch OffsetBatch, policy RetryPolicy) error {
	return batch.Commit(c, policy)
}

// EffectFunc is the user effect signature for ProcessAndCommit: it's
// expected to handle its own failures. An unhandled error terminates the
// stream.
type EffectFunc func(key, value any) error

// ProcessAndCommit composes PartitionedStream, an effect per record, and an
// aggregate-by-offset-batch sink driving commits with retry. At-least-once:
// on termination, in-flight uncommitted offsets are lost, producing a
// replay window on restart.
func (c *Consumer) ProcessAndCommit(ctx context.Context, keyD, valD Deserializer, effect EffectFunc, policy RetryPolicy) error {
	partitions := c.PartitionedStream(ctx, keyD, valD)
	errCh := make(chan error, 1)
	var active sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			active.Wait()
			return ctx.Err()
		case err := <-errCh:
			active.Wait()
			return err
		case ps, ok := <-partitions:
			if !ok {
				active.Wait()
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			active.Add(1)
			go func(ps PartitionStream) {
				defer active.Done()
				if err := c.processPartition(ps, effect, policy); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}(ps)
		}
	}
}

func (c *Consumer) processPartition(ps PartitionStream, effect EffectFunc, policy RetryPolicy) error {
	batch := EmptyOffsetBatch()
	for chunk := range ps.Chunks {
		if chunk.Err != nil {
			return chunk.Err
		}
		if chunk.EOF {
			break
		}
		for _, rec := range chunk.Records {
			if err := effect(rec.Key, rec.Value); err != nil {
				return fmt.Errorf("consumer: effect failed for %s: %w", rec.TopicPartition, err)
			}
			batch = batch.Merge(OffsetBatch{rec.TopicPartition: rec.Offset.Value})
		}
		if len(batch) > 0 {
			if err := batch.Commit(c, policy); err != nil {
				return err
			}
			batch = EmptyOffsetBatch()
		}
	}
	return nil
}

// --- deprecated seek operations, kept for migration compatibility ---
//
// Prefer ManualOffsetRetrieval with a resolver instead of these: they only
// apply to a Manual subscription and bypass the broker's own offset
// bookkeeping.

// SeekToBeginning seeks tp to its earliest available offset.
//
// Deprecated: use ManualOffsetRetrieval.
func (c *Consumer) SeekToBeginning(tp TopicPartition) error {
	return c.gate.WithClient(c.client, func(bc BrokerClient) error { return bc.SeekToBeginning(tp) })
}

// SeekToEnd seeks tp to its latest offset.
//
// Deprecated: use ManualOffsetRetrieval.
func (c *Consumer) SeekToEnd(tp TopicPartition) error {
	return c.gate.WithClient(c.client, func(bc BrokerClient) error { return bc.SeekToEnd(tp) })
}

// SeekToOffset seeks tp to an explicit offset.
//
// Deprecated: use ManualOffsetRetrieval.
func (c *Consumer) SeekToOffset(tp TopicPartition, offset int64) error {
	return c.gate.WithClient(c.client, func(bc BrokerClient) error { return bc.SeekToOffset(tp, offset) })
}

// --- metadata passthroughs: direct client calls via ClientGate ---

func (c *Consumer) Position(tp TopicPartition) (int64, error) {
	var out int64
	err := c.gate.WithClient(c.client, func(bc BrokerClient) error {
		v, e := bc.Position(tp)
		out = v
		return e
	})
	return out, err
}

func (c *Consumer) Committed(tp TopicPartition) (int64, error) {
	var out int64
	err := c.gate.WithClient(c.client, func(bc BrokerClient) error {
		v, e := bc.Committed(tp)
		out = v
		return e
	})
	return out, err
}

func (c *Consumer) BeginningOffsets(tps []TopicPartition) (map[TopicPartition]int64, error) {
	var out map[TopicPartition]int64
	err := c.gate.WithClient(c.client, func(bc BrokerClient) error {
		v, e := bc.BeginningOffsets(tps)
		out = v
		return e
	})
	return out, err
}

func (c *Consumer) EndOffsets(tps []TopicPartition) (map[TopicPartition]int64, error) {
	var out map[TopicPartition]int64
	err := c.gate.WithClient(c.client, func(bc BrokerClient) error {
		v, e := bc.EndOffsets(tps)
		out = v
		return e
	})
	return out, err
}

func (c *Consumer) OffsetsForTimes(targets map[TopicPartition]int64) (map[TopicPartition]int64, error) {
	var out map[TopicPartition]int64
	err := c.gate.WithClient(c.client, func(bc BrokerClient) error {
		v, e := bc.OffsetsForTimes(targets)
		out = v
		return e
	})
	return out, err
}

func (c *Consumer) ListTopics() (map[string][]int32, error) {
	var out map[string][]int32
	err := c.gate.WithClient(c.client, func(bc BrokerClient) error {
		v, e := bc.ListTopics()
		out = v
		return e
	})
	return out, err
}

func (c *Consumer) PartitionsFor(topic string) ([]int32, error) {
	var out []int32
	err := c.gate.WithClient(c.client, func(bc BrokerClient) error {
		v, e := bc.PartitionsFor(topic)
		out = v
		return e
	})
	return out, err
}

// Close aborts the Runloop immediately, closes every partition queue with a
// terminal error, and releases the broker client within timeout.
func (c *Consumer) Close() error {
	c.runloop.Abort()
	select {
	case <-c.runloop.Done():
	case <-time.After(c.cfg.CloseTimeout):
		logging.L().Warn("consumer: runloop did not stop within close timeout")
	}
	return c.client.Close(c.cfg.CloseTimeout)
}
