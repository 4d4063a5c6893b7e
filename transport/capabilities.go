package transport

// Capabilities describes the features supported by a transport backend. Use
// this to introspect what guarantees are available at runtime.
type Capabilities struct {
	// Durable indicates records survive a process restart.
	Durable bool

	// SupportsTimestamp indicates records carry a producer timestamp, which
	// the consumer throttle relies on for lag computation.
	SupportsTimestamp bool

	// SupportsKeyedPartitioning indicates records with the same key are
	// routed to the same partition.
	SupportsKeyedPartitioning bool

	// MaxMessageSize is the maximum record size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory transport.
	ChannelCapabilities = Capabilities{
		Name:                      "channel",
		Durable:                   false,
		SupportsTimestamp:         true,
		SupportsKeyedPartitioning: true,
	}

	// KafkaCapabilities for the Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                      "kafka",
		Durable:                   true,
		SupportsTimestamp:         true,
		SupportsKeyedPartitioning: true,
	}

	// PostgresCapabilities for the PostgreSQL transport.
	PostgresCapabilities = Capabilities{
		Name:                      "postgres",
		Durable:                   true,
		SupportsTimestamp:         true,
		SupportsKeyedPartitioning: true,
	}
)
