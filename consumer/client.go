package consumer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"streamkit/internal/logging"
)

// PollResult groups a poll's yield by topic-partition: one slice per tp is
// exactly one chunk, preserving the chunk-boundary guarantee downstream
// consumers rely on for backpressure.
type PollResult struct {
	Records map[TopicPartition][]Record
}

// RebalanceListener receives a BrokerClient's rebalance notifications. In the
// Sarama binding they are called from Sarama's group-session goroutine
// (groupBridge in listener.go), not from inside Poll, so they run
// concurrently with the Runloop's tick. They must not block on user-side
// work.
type RebalanceListener interface {
	OnPartitionsAssigned(tps []TopicPartition)
	OnPartitionsRevoked(tps []TopicPartition)
	OnPartitionsLost(tps []TopicPartition)
}

// BrokerClient is the capability surface spec.md §6 names: a Kafka-compatible
// broker client, not safe for concurrent use, always accessed through a
// ClientGate.
type BrokerClient interface {
	Subscribe(topics []string, retrieval OffsetRetrieval, listener RebalanceListener) error
	SubscribePattern(pattern string, retrieval OffsetRetrieval, listener RebalanceListener) error
	Assign(tps []TopicPartition, retrieval OffsetRetrieval) error

	Poll(ctx context.Context, timeout time.Duration) (PollResult, error)

	CommitAsync(ctx context.Context, batch OffsetBatch) error

	SeekToBeginning(tp TopicPartition) error
	SeekToEnd(tp TopicPartition) error
	SeekToOffset(tp TopicPartition, offset int64) error

	Pause(tps []TopicPartition)
	Resume(tps []TopicPartition)

	Position(tp TopicPartition) (int64, error)
	Committed(tp TopicPartition) (int64, error)
	BeginningOffsets(tps []TopicPartition) (map[TopicPartition]int64, error)
	EndOffsets(tps []TopicPartition) (map[TopicPartition]int64, error)
	OffsetsForTimes(targets map[TopicPartition]int64) (map[TopicPartition]int64, error)
	ListTopics() (map[string][]int32, error)
	PartitionsFor(topic string) ([]int32, error)

	Unsubscribe() error
	Close(timeout time.Duration) error
}

// Factory builds a BrokerClient from Config, generalizing the teacher's
// driver registry (source/kafka/registry.go) so a caller can swap in a
// non-Sarama implementation — e.g. the commented Confluent alternative in
// client_confluent.go — without touching façade code.
type Factory func(Config) (BrokerClient, error)

var brokerClientRegistry = map[string]Factory{
	"sarama": newSaramaClient,
}

// RegisterBrokerClientFactory registers a named BrokerClient constructor.
func RegisterBrokerClientFactory(name string, f Factory) {
	brokerClientRegistry[name] = f
}

// NewBrokerClient builds a named BrokerClient, defaulting to "sarama".
func NewBrokerClient(name string, cfg Config) (BrokerClient, error) {
	if name == "" {
		name = "sarama"
	}
	f, ok := brokerClientRegistry[name]
	if !ok {
		return nil, fmt.Errorf("consumer: unknown broker client %q", name)
	}
	return f(cfg)
}

// partitionChunk is what a per-partition consuming goroutine (a
// sarama.ConsumerGroupClaim reader, or a manual PartitionConsumer reader)
// forwards into saramaClient's shared records channel.
type partitionChunk struct {
	tp      TopicPartition
	records []Record
}

// saramaClient implements BrokerClient against github.com/IBM/sarama. Group
// subscriptions run through sarama.ConsumerGroup, with each ConsumeClaim
// goroutine forwarding into a shared channel that Poll drains with a
// timeout — reconstructing a classic poll(timeout) API on top of Sarama's
// push-style group consumer, the same bridging idiom the teacher's
// groupHandler/ackCh pair uses for acks.
type saramaClient struct {
	cfg    Config
	client sarama.Client

	group   sarama.ConsumerGroup
	manual  sarama.Consumer
	manualPCs []sarama.PartitionConsumer

	offsetMgr sarama.OffsetManager

	recordsCh chan partitionChunk

	groupCtx    context.Context
	groupCancel context.CancelFunc
	groupErrCh  chan error

	sessionMu sync.Mutex
	session   sarama.ConsumerGroupSession
}

func newSaramaClient(cfg Config) (BrokerClient, error) {
	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("consumer: parse kafka version: %w", err)
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	if cfg.TLSEnabled {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPass
	}
	switch cfg.StartFrom {
	case StartOldest:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	for k, v := range cfg.ExtraProps {
		applyExtraProp(sc, k, v)
	}

	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("consumer: new client: %w", err)
	}

	c := &saramaClient{
		cfg:        cfg,
		client:     cl,
		recordsCh:  make(chan partitionChunk, 4096),
		groupErrCh: make(chan error, 1),
	}
	return c, nil
}

// applyExtraProp is a deliberately narrow escape hatch: only properties
// this switch knows about are honored, everything else is ignored rather
// than risking a reflection-based foot-gun over sarama.Config.
func applyExtraProp(sc *sarama.Config, k, v string) {
	switch k {
	case "client.rack":
		sc.RackID = v
	}
}

func (c *saramaClient) Subscribe(topics []string, retrieval OffsetRetrieval, listener RebalanceListener) error {
	group, err := sarama.NewConsumerGroupFromClient(c.cfg.GroupID, c.client)
	if err != nil {
		return fmt.Errorf("consumer: new consumer group: %w", err)
	}
	c.group = group
	c.groupCtx, c.groupCancel = context.WithCancel(context.Background())

	bridge := &groupBridge{client: c, listener: listener, retrieval: retrieval}
	go c.runGroupLoop(topics, bridge)
	return nil
}

func (c *saramaClient) SubscribePattern(pattern string, retrieval OffsetRetrieval, listener RebalanceListener) error {
	matches, err := matchingTopics(c.client, pattern)
	if err != nil {
		return err
	}
	return c.Subscribe(matches, retrieval, listener)
}

func matchingTopics(cl sarama.Client, pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("consumer: compile topic pattern: %w", err)
	}
	all, err := cl.Topics()
	if err != nil {
		return nil, fmt.Errorf("consumer: list topics: %w", err)
	}
	var out []string
	for _, t := range all {
		if re.MatchString(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *saramaClient) runGroupLoop(topics []string, bridge *groupBridge) {
	for {
		if err := c.group.Consume(c.groupCtx, topics, bridge); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			select {
			case c.groupErrCh <- err:
			default:
			}
			return
		}
		if c.groupCtx.Err() != nil {
			return
		}
	}
}

// Assign implements Manual subscription: direct per-partition consumers,
// bypassing the group protocol. Seeking happens before any goroutine is
// spawned so no record for a newly assigned partition can be dispatched
// before its queue exists.
func (c *saramaClient) Assign(tps []TopicPartition, retrieval OffsetRetrieval) error {
	cons, err := sarama.NewConsumerFromClient(c.client)
	if err != nil {
		return fmt.Errorf("consumer: new consumer: %w", err)
	}
	c.manual = cons

	starts, err := c.resolveManualStarts(tps, retrieval)
	if err != nil {
		return err
	}

	for _, tp := range tps {
		pc, err := cons.ConsumePartition(tp.Topic, tp.Partition, starts[tp])
		if err != nil {
			return fmt.Errorf("consumer: consume partition %s: %w", tp, err)
		}
		c.manualPCs = append(c.manualPCs, pc)
		go c.pumpManualPartition(tp, pc)
	}
	return nil
}

func (c *saramaClient) resolveManualStarts(tps []TopicPartition, retrieval OffsetRetrieval) (map[TopicPartition]int64, error) {
	if retrieval.isManual() {
		set := make(map[TopicPartition]struct{}, len(tps))
		for _, tp := range tps {
			set[tp] = struct{}{}
		}
		resolved, err := retrieval.resolver(set)
		if err != nil {
			return nil, fmt.Errorf("consumer: manual offset resolver: %w", err)
		}
		return resolved, nil
	}
	out := make(map[TopicPartition]int64, len(tps))
	for _, tp := range tps {
		if retrieval.reset == ResetEarliest {
			out[tp] = sarama.OffsetOldest
		} else {
			out[tp] = sarama.OffsetNewest
		}
	}
	return out, nil
}

func (c *saramaClient) pumpManualPartition(tp TopicPartition, pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		c.recordsCh <- partitionChunk{tp: tp, records: []Record{toRecord(tp, msg)}}
	}
}

func toRecord(tp TopicPartition, msg *sarama.ConsumerMessage) Record {
	var headers map[string][]byte
	if len(msg.Headers) > 0 {
		headers = make(map[string][]byte, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[string(h.Key)] = h.Value
		}
	}
	return Record{
		TopicPartition: tp,
		Offset:         msg.Offset,
		Timestamp:      msg.Timestamp.UnixNano(),
		Headers:        headers,
		Key:            msg.Key,
		Value:          msg.Value,
	}
}

// Poll returns a pending consumer-group error, if any, as a poll error, and
// otherwise collects whatever records have arrived within timeout, grouped
// per topic-partition. Rebalance notifications are not delivered here; see
// RebalanceListener.
func (c *saramaClient) Poll(ctx context.Context, timeout time.Duration) (PollResult, error) {
	select {
	case err := <-c.groupErrCh:
		return PollResult{}, &pollError{cause: err}
	default:
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	grouped := make(map[TopicPartition][]Record)

	select {
	case <-ctx.Done():
		return PollResult{Records: grouped}, ctx.Err()
	case chunk := <-c.recordsCh:
		grouped[chunk.tp] = append(grouped[chunk.tp], chunk.records...)
	case <-deadline.C:
		return PollResult{Records: grouped}, nil
	}

	// Opportunistically drain whatever else is already queued without
	// waiting further — mirrors a real poll() returning promptly once it
	// has a batch in hand instead of always blocking for the full timeout.
	for drained := 0; drained < 4096; drained++ {
		select {
		case more := <-c.recordsCh:
			grouped[more.tp] = append(grouped[more.tp], more.records...)
		default:
			return PollResult{Records: grouped}, nil
		}
	}
	return PollResult{Records: grouped}, nil
}

func (c *saramaClient) CommitAsync(ctx context.Context, batch OffsetBatch) error {
	if len(batch) == 0 {
		return nil
	}
	c.sessionMu.Lock()
	sess := c.session
	c.sessionMu.Unlock()

	if sess != nil {
		for tp, off := range batch {
			sess.MarkOffset(tp.Topic, tp.Partition, off, "")
		}
		sess.Commit()
		return nil
	}

	// Manual mode: no group session, commit through an OffsetManager.
	mgr, err := c.offsetManager()
	if err != nil {
		return &retriableCommitError{cause: err}
	}
	for tp, off := range batch {
		pom, err := mgr.ManagePartition(tp.Topic, tp.Partition)
		if err != nil {
			return &retriableCommitError{cause: err}
		}
		pom.MarkOffset(off, "")
	}
	return nil
}

func (c *saramaClient) offsetManager() (sarama.OffsetManager, error) {
	if c.offsetMgr != nil {
		return c.offsetMgr, nil
	}
	mgr, err := sarama.NewOffsetManagerFromClient(c.cfg.GroupID, c.client)
	if err != nil {
		return nil, err
	}
	c.offsetMgr = mgr
	return mgr, nil
}

func (c *saramaClient) SeekToBeginning(tp TopicPartition) error { return c.reconsumeAt(tp, sarama.OffsetOldest) }
func (c *saramaClient) SeekToEnd(tp TopicPartition) error       { return c.reconsumeAt(tp, sarama.OffsetNewest) }
func (c *saramaClient) SeekToOffset(tp TopicPartition, offset int64) error {
	return c.reconsumeAt(tp, offset)
}

// reconsumeAt only applies to manually-assigned partitions — matching
// spec.md §9's note that these three ops are deprecated in favor of Manual
// offset retrieval, kept only for migration compatibility.
func (c *saramaClient) reconsumeAt(tp TopicPartition, offset int64) error {
	if c.manual == nil {
		return fmt.Errorf("consumer: seek requires a manual subscription")
	}
	pc, err := c.manual.ConsumePartition(tp.Topic, tp.Partition, offset)
	if err != nil {
		return err
	}
	c.manualPCs = append(c.manualPCs, pc)
	go c.pumpManualPartition(tp, pc)
	return nil
}

func (c *saramaClient) Pause(tps []TopicPartition) {
	c.sessionMu.Lock()
	sess := c.session
	c.sessionMu.Unlock()
	if sess == nil {
		return
	}
	m := toPartitionsMap(tps)
	sess.Pause(m)
}

func (c *saramaClient) Resume(tps []TopicPartition) {
	c.sessionMu.Lock()
	sess := c.session
	c.sessionMu.Unlock()
	if sess == nil {
		return
	}
	m := toPartitionsMap(tps)
	sess.Resume(m)
}

func toPartitionsMap(tps []TopicPartition) map[string][]int32 {
	out := make(map[string][]int32)
	for _, tp := range tps {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	return out
}

func (c *saramaClient) Position(tp TopicPartition) (int64, error) {
	return c.client.GetOffset(tp.Topic, tp.Partition, sarama.OffsetNewest)
}

func (c *saramaClient) Committed(tp TopicPartition) (int64, error) {
	mgr, err := c.offsetManager()
	if err != nil {
		return 0, err
	}
	pom, err := mgr.ManagePartition(tp.Topic, tp.Partition)
	if err != nil {
		return 0, err
	}
	off, _ := pom.NextOffset()
	return off, nil
}

func (c *saramaClient) BeginningOffsets(tps []TopicPartition) (map[TopicPartition]int64, error) {
	return c.offsetsAt(tps, sarama.OffsetOldest)
}

func (c *saramaClient) EndOffsets(tps []TopicPartition) (map[TopicPartition]int64, error) {
	return c.offsetsAt(tps, sarama.OffsetNewest)
}

func (c *saramaClient) offsetsAt(tps []TopicPartition, pos int64) (map[TopicPartition]int64, error) {
	out := make(map[TopicPartition]int64, len(tps))
	for _, tp := range tps {
		off, err := c.client.GetOffset(tp.Topic, tp.Partition, pos)
		if err != nil {
			return nil, fmt.Errorf("consumer: get offset for %s: %w", tp, err)
		}
		out[tp] = off
	}
	return out, nil
}

func (c *saramaClient) OffsetsForTimes(targets map[TopicPartition]int64) (map[TopicPartition]int64, error) {
	out := make(map[TopicPartition]int64, len(targets))
	for tp, ts := range targets {
		off, err := c.client.GetOffset(tp.Topic, tp.Partition, ts)
		if err != nil {
			return nil, fmt.Errorf("consumer: offsets for times %s: %w", tp, err)
		}
		out[tp] = off
	}
	return out, nil
}

func (c *saramaClient) ListTopics() (map[string][]int32, error) {
	topics, err := c.client.Topics()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]int32, len(topics))
	for _, t := range topics {
		parts, err := c.client.Partitions(t)
		if err != nil {
			return nil, err
		}
		out[t] = parts
	}
	return out, nil
}

func (c *saramaClient) PartitionsFor(topic string) ([]int32, error) {
	return c.client.Partitions(topic)
}

func (c *saramaClient) Unsubscribe() error {
	if c.group != nil {
		if c.groupCancel != nil {
			c.groupCancel()
		}
		return c.group.Close()
	}
	for _, pc := range c.manualPCs {
		pc.AsyncClose()
	}
	if c.manual != nil {
		return c.manual.Close()
	}
	return nil
}

func (c *saramaClient) Close(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- c.closeNow() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		logging.L().Warn("consumer: close timed out", "timeout", timeout)
		return fmt.Errorf("consumer: close timed out after %s", timeout)
	}
}

func (c *saramaClient) closeNow() error {
	_ = c.Unsubscribe()
	if c.offsetMgr != nil {
		_ = c.offsetMgr.Close()
	}
	return c.client.Close()
}
