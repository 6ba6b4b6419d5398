package consumer

import (
	"github.com/IBM/sarama"

	"streamkit/internal/logging"
)

// groupBridge implements sarama.ConsumerGroupHandler, translating Sarama's
// group-rebalance callbacks into the RebalanceListener calls spec.md §4.5
// describes. Setup/Cleanup run on Sarama's own internal goroutine — the
// closest analog this corpus has to "synchronously inside poll, on the
// broker's thread" — so they must stay fast and never await user code;
// resolving Manual offsets is the one exception spec.md explicitly calls
// out as needing to finish before the callback returns.
type groupBridge struct {
	client   *saramaClient
	listener RebalanceListener
	retrieval OffsetRetrieval

	held map[TopicPartition]struct{}
}

func (b *groupBridge) Setup(sess sarama.ConsumerGroupSession) error {
	b.client.sessionMu.Lock()
	b.client.session = sess
	b.client.sessionMu.Unlock()

	tps := claimsToTPs(sess.Claims())
	b.held = make(map[TopicPartition]struct{}, len(tps))
	for _, tp := range tps {
		b.held[tp] = struct{}{}
	}

	if b.retrieval.isManual() && len(tps) > 0 {
		set := make(map[TopicPartition]struct{}, len(tps))
		for _, tp := range tps {
			set[tp] = struct{}{}
		}
		resolved, err := b.retrieval.resolver(set)
		if err != nil {
			return err
		}
		for tp, off := range resolved {
			sess.ResetOffset(tp.Topic, tp.Partition, off, "")
		}
	}

	b.listener.OnPartitionsAssigned(tps)
	return nil
}

func (b *groupBridge) Cleanup(sess sarama.ConsumerGroupSession) error {
	b.client.sessionMu.Lock()
	if b.client.session == sess {
		b.client.session = nil
	}
	b.client.sessionMu.Unlock()

	tps := make([]TopicPartition, 0, len(b.held))
	for tp := range b.held {
		tps = append(tps, tp)
	}

	if sess.Context().Err() != nil {
		logging.L().Warn("consumer: session ended abnormally, treating partitions as lost", "count", len(tps))
		b.listener.OnPartitionsLost(tps)
	} else {
		b.listener.OnPartitionsRevoked(tps)
	}
	return nil
}

func (b *groupBridge) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tp := TopicPartition{Topic: claim.Topic(), Partition: claim.Partition()}
	for msg := range claim.Messages() {
		select {
		case b.client.recordsCh <- partitionChunk{tp: tp, records: []Record{toRecord(tp, msg)}}:
		case <-sess.Context().Done():
			return sess.Context().Err()
		}
	}
	return nil
}

func claimsToTPs(claims map[string][]int32) []TopicPartition {
	var out []TopicPartition
	for topic, parts := range claims {
		for _, p := range parts {
			out = append(out, TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}
