// --------------------------------------------------------------------------------
// client_confluent.go – librdkafka wrapper
// --------------------------------------------------------------------------------
//go:build confluent
// +build confluent

package consumer

//
//import (
//	"context"
//	"fmt"
//	"time"
//
//	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
//)
//
//func init() { RegisterBrokerClientFactory("confluent", newConfluentClient) }
//
//type confluentClient struct {
//	cfg  Config
//	cons *ck.Consumer
//}
//
//func newConfluentClient(cfg Config) (BrokerClient, error) {
//	conf := &ck.ConfigMap{
//		"bootstrap.servers":  joinBrokers(cfg.Brokers),
//		"group.id":           cfg.GroupID,
//		"client.id":          cfg.ClientID,
//		"enable.auto.commit": false,
//	}
//	cons, err := ck.NewConsumer(conf)
//	if err != nil {
//		return nil, err
//	}
//	return &confluentClient{cfg: cfg, cons: cons}, nil
//}
//
//func (c *confluentClient) Subscribe(topics []string, retrieval OffsetRetrieval, listener RebalanceListener) error {
//	return c.cons.SubscribeTopics(topics, c.rebalanceCallback(retrieval, listener))
//}
//
//func (c *confluentClient) SubscribePattern(pattern string, retrieval OffsetRetrieval, listener RebalanceListener) error {
//	return c.Subscribe([]string{"^" + pattern}, retrieval, listener)
//}
//
//func (c *confluentClient) Poll(ctx context.Context, timeout time.Duration) (PollResult, error) {
//	ev := c.cons.Poll(int(timeout.Milliseconds()))
//	grouped := make(map[TopicPartition][]Record)
//	switch v := ev.(type) {
//	case *ck.Message:
//		tp := TopicPartition{Topic: *v.TopicPartition.Topic, Partition: v.TopicPartition.Partition}
//		grouped[tp] = append(grouped[tp], Record{
//			TopicPartition: tp,
//			Offset:         int64(v.TopicPartition.Offset),
//			Timestamp:      v.Timestamp.UnixNano(),
//			Key:            v.Key,
//			Value:          v.Value,
//		})
//	case ck.Error:
//		return PollResult{}, &pollError{cause: v}
//	}
//	return PollResult{Records: grouped}, nil
//}
//
//// the remaining BrokerClient methods (CommitAsync, SeekTo*, Pause/Resume,
//// metadata passthroughs, Unsubscribe, Close) follow the same shape, each a
//// thin wrapper around the equivalent librdkafka ConfigMap/Consumer call —
//// omitted here since this binding is never compiled by default and exists
//// only to demonstrate the registry's swap-in point.
