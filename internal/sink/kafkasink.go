package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/goccy/go-json"

	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/logging"
)

// KafkaConfig holds configuration for Kafka producer
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	// SASL config
	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	// TLS config
	TLSCAPath     string
	TLSSkipVerify bool
}

// producer is the subset of *kafka.Producer used here.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaSink produces entries to Kafka keyed by entry id. Delivery is
// asynchronous; failed deliveries are handed to the OnDeliveryFailure hook.
type KafkaSink struct {
	config   KafkaConfig
	producer producer

	onFailure func(event.LogEntry, error)

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var errProducerNotStarted = errors.New("kafka producer not initialized")

func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.Topic == "" {
		cfg.Topic = "reqwatch.logs"
	}
	if cfg.Acks == "" {
		cfg.Acks = "all"
	}
	return &KafkaSink{config: cfg}
}

// OnDeliveryFailure registers fn for entries the broker never acknowledged.
// Must be called before Start.
func (s *KafkaSink) OnDeliveryFailure(fn func(event.LogEntry, error)) {
	s.onFailure = fn
}

func (s *KafkaSink) Name() string { return TypeKafka }

// ConfigMap renders the librdkafka producer settings.
func (s *KafkaSink) ConfigMap() kafka.ConfigMap {
	configMap := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(s.config.Brokers, ","),
		"acks":              s.config.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"batch.size":        16384,
		"linger.ms":         10,
	}

	if s.config.Compression != "" {
		configMap["compression.type"] = s.config.Compression
	}

	if s.config.SASLMechanism != "" {
		configMap["security.protocol"] = "SASL_SSL"
		configMap["sasl.mechanism"] = s.config.SASLMechanism
		if s.config.SASLUser != "" {
			configMap["sasl.username"] = s.config.SASLUser
		}
		if s.config.SASLPassword != "" {
			configMap["sasl.password"] = s.config.SASLPassword
		}
	}

	if s.config.TLSCAPath != "" {
		if s.config.SASLMechanism == "" {
			configMap["security.protocol"] = "SSL"
		}
		configMap["ssl.ca.location"] = s.config.TLSCAPath
	}

	if s.config.TLSSkipVerify {
		configMap["ssl.endpoint.identification.algorithm"] = "none"
	}
	return configMap
}

// Start creates the producer and the delivery report loop.
func (s *KafkaSink) Start(ctx context.Context) error {
	configMap := s.ConfigMap()
	p, err := kafka.NewProducer(&configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	s.start(ctx, p)
	return nil
}

func (s *KafkaSink) start(ctx context.Context, p producer) {
	ctx, cancel := context.WithCancel(ctx)
	s.producer = p
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.handleDeliveryReports(ctx)
}

func (s *KafkaSink) Write(_ context.Context, e event.LogEntry) error {
	if s.producer == nil {
		return errProducerNotStarted
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.config.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(e.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "entry_type", Value: []byte(e.Type)},
			{Key: "suspicious", Value: []byte(fmt.Sprintf("%t", e.Suspicious))},
			{Key: "schema", Value: []byte("v1")},
		},
		Opaque: e.Clone(),
	}

	if err := s.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Close flushes outstanding messages for up to 10 seconds.
func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}

	var err error
	s.once.Do(func() {
		if remaining := s.producer.Flush(10 * 1000); remaining > 0 {
			err = fmt.Errorf("failed to flush %d remaining messages", remaining)
		}
		s.cancel()
		<-s.done
		s.producer.Close()
	})
	return err
}

func (s *KafkaSink) handleDeliveryReports(ctx context.Context) {
	defer close(s.done)
	events := s.producer.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *KafkaSink) handleEvent(ev kafka.Event) {
	switch e := ev.(type) {
	case *kafka.Message:
		if e.TopicPartition.Error == nil {
			return
		}
		logging.Warn().Err(e.TopicPartition.Error).Str("topic", s.config.Topic).Msg("kafka delivery failed")
		if entry, ok := e.Opaque.(event.LogEntry); ok && s.onFailure != nil {
			s.onFailure(entry, e.TopicPartition.Error)
		}
	case kafka.Error:
		logging.Error().Err(e).Msg("kafka client error")
	}
}
