package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamkit/internal/logging"
)

// State is the Runloop's lifecycle state: Initializing → Running →
// StoppingGracefully → Stopped.
type State int

const (
	Initializing State = iota
	Running
	StoppingGracefully
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case StoppingGracefully:
		return "stopping_gracefully"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type addPartitionRequest struct {
	tps       []TopicPartition
	retrieval OffsetRetrieval
	done      chan error
}

// Runloop is the single-owner coordinator multiplexing the broker client
// between polling, commit batching, and rebalance handling. It is the heart
// of this package: everything else exists to feed it work or drain its
// output.
type Runloop struct {
	cfg    Config
	gate   *ClientGate
	client BrokerClient
	diag   Sink

	registry *PartitionStreamRegistry
	bp       *backpressureController

	commitCh       chan CommitRequest
	addPartitionCh chan addPartitionRequest
	stopCh         chan graceMode
	doneCh         chan struct{}

	mu         sync.Mutex
	state      State
	loopErr    error
	pausedSet  map[TopicPartition]struct{}
}

type graceMode bool

const (
	gracefulStop    graceMode = true
	immediateStop   graceMode = false
)

func newRunloop(cfg Config, gate *ClientGate, client BrokerClient, diag Sink) *Runloop {
	if diag == nil {
		diag = NoopSink{}
	}
	return &Runloop{
		cfg:            cfg,
		gate:           gate,
		client:         client,
		diag:           diag,
		registry:       newPartitionStreamRegistry(cfg.PerPartitionChunkPrefetch),
		bp:             newBackpressureController(int64(cfg.PerPartitionChunkPrefetch)*64, int64(cfg.PerPartitionChunkPrefetch)*8, 100*time.Millisecond),
		commitCh:       make(chan CommitRequest, 256),
		addPartitionCh: make(chan addPartitionRequest, 8),
		stopCh:         make(chan graceMode, 1),
		doneCh:         make(chan struct{}),
		pausedSet:      make(map[TopicPartition]struct{}),
	}
}

func (r *Runloop) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runloop) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	logging.L().Info("runloop: state transition", "state", s.String())
}

// Done is closed once the Runloop has fully exited.
func (r *Runloop) Done() <-chan struct{} { return r.doneCh }

func (r *Runloop) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loopErr
}

// Start launches the Runloop's single goroutine. ctx governs hard
// cancellation: its expiry aborts the loop immediately.
func (r *Runloop) Start(ctx context.Context) {
	r.setState(Running)
	go r.run(ctx)
}

func (r *Runloop) run(ctx context.Context) {
	defer close(r.doneCh)
	defer r.bp.Close()

	for {
		select {
		case <-ctx.Done():
			r.terminate(ctx.Err())
			return
		case mode := <-r.stopCh:
			if mode == immediateStop {
				r.terminate(ErrStopped)
				return
			}
			r.setState(StoppingGracefully)
		default:
		}

		if r.State() == StoppingGracefully {
			if r.drainGraceful(ctx) {
				r.finish()
				return
			}
			continue
		}

		if err := r.tick(ctx); err != nil {
			r.terminate(err)
			return
		}
	}
}

// tick runs one iteration of the main algorithm: determine pause set, poll,
// dispatch, drain commits.
func (r *Runloop) tick(ctx context.Context) error {
	r.applyPauseSet()

	var pollErr error
	err := r.gate.WithClient(r.client, func(bc BrokerClient) error {
		res, e := bc.Poll(ctx, r.cfg.PollTimeout)
		if e != nil {
			pollErr = e
			return e
		}
		r.dispatch(res)
		return nil
	})
	if err != nil && pollErr != nil {
		if errors.Is(pollErr, context.Canceled) || errors.Is(pollErr, context.DeadlineExceeded) {
			return pollErr
		}
		return &pollError{cause: pollErr}
	}

	r.drainCommits(ctx)
	r.drainAddPartitionRequests()

	if r.cfg.PollInterval > 0 {
		time.Sleep(r.cfg.PollInterval)
	}
	return nil
}

// applyPauseSet implements step 1: inspect backlog per assigned
// topic-partition against the high-water mark, diff against the broker's
// current pause set, and issue pause/resume.
func (r *Runloop) applyPauseSet() {
	assigned := r.registry.Assigned()
	want := make(map[TopicPartition]struct{}, len(assigned))

	globalSaturated := r.bp.Saturated()
	for _, tp := range assigned {
		if globalSaturated || r.registry.Backlog(tp) >= r.cfg.PerPartitionChunkPrefetch {
			want[tp] = struct{}{}
		}
	}

	r.mu.Lock()
	var toPause, toResume []TopicPartition
	for tp := range want {
		if _, already := r.pausedSet[tp]; !already {
			toPause = append(toPause, tp)
		}
	}
	for tp := range r.pausedSet {
		if _, still := want[tp]; !still {
			toResume = append(toResume, tp)
		}
	}
	r.pausedSet = want
	r.mu.Unlock()

	if len(toPause) == 0 && len(toResume) == 0 {
		return
	}
	_ = r.gate.WithClient(r.client, func(bc BrokerClient) error {
		if len(toPause) > 0 {
			bc.Pause(toPause)
		}
		if len(toResume) > 0 {
			bc.Resume(toResume)
		}
		return nil
	})
}

// dispatch implements step 3: route each topic-partition's chunk to its
// queue, dropping records for partitions this consumer no longer owns.
func (r *Runloop) dispatch(res PollResult) {
	total := 0
	for tp, records := range res.Records {
		total += len(records)
		q := r.registry.Lookup(tp)
		if q == nil {
			r.diag.Emit(Event{Kind: EventDroppedRecord, Count: len(records), TopicPartitions: []TopicPartition{tp}})
			logging.L().Warn("runloop: dropping records for unregistered partition", "tp", tp.String(), "count", len(records))
			continue
		}
		chunk := make([]CommittableRecord, len(records))
		for i, rec := range records {
			chunk[i] = newCommittableRecord(rec, r)
		}
		if !q.pushChunk(chunk) {
			r.diag.Emit(Event{Kind: EventDroppedRecord, Count: len(chunk), TopicPartitions: []TopicPartition{tp}})
			continue
		}
		// At most one token per dispatched chunk: the chunk is already
		// fetched and must be delivered, so when the bucket is empty no token
		// is taken and dispatch goes on. This only ever undercounts in-flight
		// chunks, never blocks dispatch. pumpPartitionQueue credits it back
		// on drain.
		r.bp.TryAcquire(1)
	}
	if total > 0 {
		r.diag.Emit(Event{Kind: EventPoll, Count: total})
	}
}

// drainCommits implements step 4: take every pending CommitRequest, merge
// into one effective OffsetBatch, and issue one broker commit.
func (r *Runloop) drainCommits(ctx context.Context) {
	var reqs []CommitRequest
	merged := EmptyOffsetBatch()
drain:
	for {
		select {
		case req := <-r.commitCh:
			reqs = append(reqs, req)
			merged = merged.Merge(req.Batch)
		default:
			break drain
		}
	}
	if len(reqs) == 0 {
		return
	}

	var commitErr error
	_ = r.gate.WithClient(r.client, func(bc BrokerClient) error {
		commitErr = bc.CommitAsync(ctx, merged)
		return commitErr
	})
	if commitErr != nil && !errors.Is(commitErr, ErrRetriableCommit) {
		commitErr = &fatalCommitError{cause: commitErr}
	}

	if commitErr == nil {
		r.diag.Emit(Event{Kind: EventCommit, Batch: merged})
	}
	for _, req := range reqs {
		req.completion <- commitErr
	}
}

func (r *Runloop) drainAddPartitionRequests() {
	for {
		select {
		case req := <-r.addPartitionCh:
			var err error
			_ = r.gate.WithClient(r.client, func(bc BrokerClient) error {
				err = bc.Assign(req.tps, req.retrieval)
				return err
			})
			if err == nil {
				for _, tp := range req.tps {
					r.registry.Create(tp)
				}
			}
			req.done <- err
		default:
			return
		}
	}
}

// drainGraceful implements step 5's graceful branch: stop admitting new
// records (the Runloop no longer polls; no pause call is issued), keep
// servicing commits until the pending set is empty or the deadline elapses,
// then report done.
func (r *Runloop) drainGraceful(ctx context.Context) bool {
	deadline := time.NewTimer(r.cfg.GracefulShutdownDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		r.drainCommits(ctx)
		if len(r.commitCh) == 0 {
			return true
		}
		select {
		case <-deadline.C:
			logging.L().Warn("runloop: graceful shutdown deadline elapsed with pending commits", "pending", len(r.commitCh))
			return true
		case <-tick.C:
		}
	}
}

func (r *Runloop) terminate(cause error) {
	r.mu.Lock()
	r.loopErr = cause
	r.mu.Unlock()
	r.registry.DrainAll(cause)
	r.setState(Stopped)
	r.failPendingCommits(cause)
}

func (r *Runloop) finish() {
	r.registry.DrainAll(nil)
	r.setState(Stopped)
}

func (r *Runloop) failPendingCommits(cause error) {
	for {
		select {
		case req := <-r.commitCh:
			req.completion <- &fatalCommitError{cause: cause}
		default:
			return
		}
	}
}

// StopConsumption requests a graceful shutdown; it returns immediately and
// never fails.
func (r *Runloop) StopConsumption() {
	select {
	case r.stopCh <- gracefulStop:
	default:
	}
}

// Abort requests immediate, non-graceful shutdown.
func (r *Runloop) Abort() {
	select {
	case r.stopCh <- immediateStop:
	default:
	}
}

// submitCommit implements commitSink: it's how an Offset and OffsetBatch
// reach the Runloop's command channel without ever touching the broker
// client directly.
func (r *Runloop) submitCommit(batch OffsetBatch) <-chan error {
	req := newCommitRequest(batch)
	// Blocks only the submitting caller if the command channel is
	// momentarily full — the Runloop drains it every tick, so this never
	// stalls the Runloop itself.
	r.commitCh <- req
	return req.completion
}

// requestManualPartitions asks the Runloop to assign additional
// topic-partitions at runtime (spec.md §4.4's "new partition request"
// input), used by the façade for incremental Manual subscriptions.
func (r *Runloop) requestManualPartitions(tps []TopicPartition, retrieval OffsetRetrieval) error {
	if r.State() == StoppingGracefully || r.State() == Stopped {
		return ErrStopped
	}
	req := addPartitionRequest{tps: tps, retrieval: retrieval, done: make(chan error, 1)}
	r.addPartitionCh <- req
	return <-req.done
}

// --- RebalanceListener ---
//
// These run on the broker-client binding's own goroutine (Sarama's internal
// rebalance goroutine in the default binding) rather than the Runloop's
// tick goroutine — see consumer/listener.go's doc comment. Registry
// operations are independently synchronized, so this is safe; it's the
// closest equivalent this corpus's client library offers to "delivered
// synchronously inside a poll."

func (r *Runloop) OnPartitionsAssigned(tps []TopicPartition) {
	if len(tps) == 0 {
		return
	}
	if r.State() != StoppingGracefully {
		for _, tp := range tps {
			r.registry.Create(tp)
		}
	}
	r.diag.Emit(Event{Kind: EventRebalanceAssigned, TopicPartitions: tps})
	logging.L().Info("runloop: partitions assigned", "tps", tps)
}

func (r *Runloop) OnPartitionsRevoked(tps []TopicPartition) {
	if len(tps) == 0 {
		return
	}
	for _, tp := range tps {
		r.registry.Drain(tp, nil, false)
	}
	r.diag.Emit(Event{Kind: EventRebalanceRevoked, TopicPartitions: tps})
	logging.L().Info("runloop: partitions revoked", "tps", tps)
}

func (r *Runloop) OnPartitionsLost(tps []TopicPartition) {
	if len(tps) == 0 {
		return
	}
	for _, tp := range tps {
		r.registry.Drain(tp, nil, true)
	}
	r.diag.Emit(Event{Kind: EventRebalanceLost, TopicPartitions: tps})
	logging.L().Warn("runloop: partitions lost", "tps", tps)
}
