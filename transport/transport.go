// Package transport defines the core interfaces and types for msgpipe
// transports: partitioned, offset-addressable topic backends. Each
// implementation (kafka, postgres, channel) lives in its own sub-package and
// registers itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/drblury/msgpipe/internal/pipeline/logging"
)

// Record is a single transport message. The pipeline never mutates a record;
// it only reads it and eventually commits it.
type Record struct {
	// Key is used for partition routing. May be nil.
	Key []byte
	// Value holds the raw envelope bytes.
	Value []byte

	Topic     string
	Partition int
	// Offset is the monotonic position within the partition.
	Offset int64
	// Timestamp is the producer timestamp, zero when the backend does not
	// supply one.
	Timestamp time.Time
}

// Receipt describes where a produced record landed.
type Receipt struct {
	Topic     string
	Partition int
	Offset    int64
}

// Consumer yields the records of one topic and tracks per-partition commits.
// Implementations must redeliver uncommitted records after a restart
// (at-least-once).
type Consumer interface {
	// Next blocks until a record is available or ctx is done.
	Next(ctx context.Context) (*Record, error)

	// Commit advances the stored offset for the record's partition to at
	// least Offset+1.
	Commit(ctx context.Context, rec *Record) error

	Close() error
}

// Producer appends raw envelope bytes to a topic. Records sharing a key land
// in the same partition; a nil key leaves partitioning to the backend.
type Producer interface {
	Send(ctx context.Context, topic string, key, value []byte) (*Receipt, error)
	Close() error
}

// Transport is a connected backend able to hand out consumers and producers.
type Transport interface {
	NewConsumer(ctx context.Context, topic string) (Consumer, error)
	NewProducer(ctx context.Context) (Producer, error)
	Close() error
}

// Config provides the configuration values needed by transports. The
// interface lets each backend read only the keys it needs without depending
// on the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// PostgreSQL
	GetPostgresURL() string
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that it registers on import.
type Builder func(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Transport, error)
