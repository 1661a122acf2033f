package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/toolkits/pkg/logger"
)

type KafkaConfig struct {
	Enable       bool
	Brokers      []string
	Version      string
	GroupId      string
	TopicPrefix  string
	ProducerType string
	BufferSize   int
}

func (c *KafkaConfig) PreCheck() {
	if c.GroupId == "" {
		c.GroupId = "alarmflow"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "bkmonitor_alarm_"
	}
	if c.BufferSize == 0 {
		c.BufferSize = 10000
	}
}

func (c *KafkaConfig) saramaConfig() (*sarama.Config, error) {
	config := sarama.NewConfig()
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, err
		}
		config.Version = v
	}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Producer.RequiredAcks = sarama.WaitForLocal
	return config, nil
}

// Kafka publishes to one topic and buffers what its consumer group receives.
type Kafka struct {
	topic    string
	producer Producer
	group    sarama.ConsumerGroup
	buffer   *Memory
	cancel   context.CancelFunc
}

func NewKafkaSet(cfg KafkaConfig) (Set, error) {
	cfg.PreCheck()
	config, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := NewProducer(cfg.ProducerType, cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	s := make(Set, len(Names))
	for _, name := range Names {
		group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupId+"_"+name, config)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
		}
		s[name] = NewKafka(cfg.TopicPrefix+name, producer, group, cfg.BufferSize)
	}
	return s, nil
}

func NewKafka(topic string, producer Producer, group sarama.ConsumerGroup, bufferSize int) *Kafka {
	k := &Kafka{
		topic:    topic,
		producer: producer,
		group:    group,
		buffer:   NewMemory(topic, bufferSize),
	}
	if group != nil {
		ctx, cancel := context.WithCancel(context.Background())
		k.cancel = cancel
		go k.consume(ctx)
	}
	return k
}

func (k *Kafka) Push(_ context.Context, msgs ...[]byte) error {
	for _, msg := range msgs {
		err := k.producer.Send(&sarama.ProducerMessage{
			Topic: k.topic,
			Value: sarama.ByteEncoder(msg),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (k *Kafka) Pop(ctx context.Context, max int) ([][]byte, error) {
	return k.buffer.Pop(ctx, max)
}

func (k *Kafka) Len() int {
	return k.buffer.Len()
}

func (k *Kafka) Close() error {
	if k.cancel != nil {
		k.cancel()
	}
	if k.group != nil {
		return k.group.Close()
	}
	return nil
}

func (k *Kafka) consume(ctx context.Context) {
	handler := &groupHandler{buffer: k.buffer}
	for {
		if err := k.group.Consume(ctx, []string{k.topic}, handler); err != nil {
			logger.Errorf("kafka: consume topic %s error: %v", k.topic, err)
			time.Sleep(time.Second)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

type groupHandler struct {
	buffer *Memory
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		for h.buffer.Push(sess.Context(), msg.Value) == ErrQueueFull {
			select {
			case <-sess.Context().Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
