// Package kafka provides an Apache Kafka transport for msgpipe, built on
// segmentio/kafka-go. Fetch and commit map directly onto the consumer-group
// protocol, so offsets advance only when the pipeline commits.
package kafka

import (
	"context"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/drblury/msgpipe/internal/pipeline/logging"
	"github.com/drblury/msgpipe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// DefaultConsumerGroup is used when the configuration does not name one.
const DefaultConsumerGroup = "msgpipe"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport from the shared configuration.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Transport, error) {
	return New(Config{
		Brokers:       cfg.GetKafkaBrokers(),
		ClientID:      cfg.GetKafkaClientID(),
		ConsumerGroup: cfg.GetKafkaConsumerGroup(),
	}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// ReaderFactory allows overriding reader creation for testing.
var ReaderFactory = func(cfg kafkago.ReaderConfig) fetcher {
	return kafkago.NewReader(cfg)
}

// WriterFactory allows overriding writer creation for testing.
var WriterFactory = func(brokers []string) writerAPI {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// fetcher is the subset of kafka-go's Reader used by the consumer.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// writerAPI is the subset of kafka-go's Writer used by the producer.
type writerAPI interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config holds Kafka-specific configuration.
type Config struct {
	Brokers       []string
	ClientID      string
	ConsumerGroup string

	// MinBytes and MaxBytes tune the fetch size. Zero values fall back to
	// 1 byte and 10 MiB.
	MinBytes int
	MaxBytes int
}

func (c Config) withDefaults() Config {
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = DefaultConsumerGroup
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	return c
}

// Transport hands out consumer-group readers and a shared hash-balanced writer.
type Transport struct {
	cfg    Config
	logger logging.ServiceLogger
}

// New creates a Kafka transport.
func New(cfg Config, logger logging.ServiceLogger) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Transport{cfg: cfg.withDefaults(), logger: logger}, nil
}

// NewConsumer joins the configured consumer group for one topic.
func (t *Transport) NewConsumer(ctx context.Context, topic string) (transport.Consumer, error) {
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}

	reader := ReaderFactory(kafkago.ReaderConfig{
		Brokers:  t.cfg.Brokers,
		GroupID:  t.cfg.ConsumerGroup,
		Topic:    topic,
		MinBytes: t.cfg.MinBytes,
		MaxBytes: t.cfg.MaxBytes,
		Dialer: &kafkago.Dialer{
			ClientID:  t.cfg.ClientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	return &consumer{topic: topic, reader: reader}, nil
}

// NewProducer returns a producer writing through a hash-balanced writer, so
// records sharing a key land in the same partition.
func (t *Transport) NewProducer(ctx context.Context) (transport.Producer, error) {
	return &producer{writer: WriterFactory(t.cfg.Brokers)}, nil
}

// Close is a no-op; readers and writers own their connections.
func (t *Transport) Close() error { return nil }

type consumer struct {
	topic  string
	reader fetcher
}

func (c *consumer) Next(ctx context.Context) (*transport.Record, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &transport.Record{
		Key:       msg.Key,
		Value:     msg.Value,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
	}, nil
}

func (c *consumer) Commit(ctx context.Context, rec *transport.Record) error {
	if rec == nil {
		return errors.New("kafka: record is required")
	}
	// CommitMessages only needs the record coordinates.
	return c.reader.CommitMessages(ctx, kafkago.Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	})
}

func (c *consumer) Close() error { return c.reader.Close() }

type producer struct {
	writer writerAPI
}

func (p *producer) Send(ctx context.Context, topic string, key, value []byte) (*transport.Receipt, error) {
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}

	err := p.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	})
	if err != nil {
		return nil, err
	}

	// kafka-go's synchronous writer does not report placement, so the
	// receipt carries sentinel coordinates.
	return &transport.Receipt{Topic: topic, Partition: -1, Offset: -1}, nil
}

func (p *producer) Close() error { return p.writer.Close() }
