// Package msgpipe moves structured messages between services over a
// partitioned, offset-addressable transport (Kafka, PostgreSQL, or in-memory
// Go channels). Every message travels in a self-describing envelope with a
// format code, a message type, a schema version, and an action kind, so a
// consumer can route it to the right handler version without out-of-band
// coordination.
//
// A Registry binds (type, version) pairs to HandlerFactory implementations.
// A Consumer drives one topic through fetch, throttle, decode, dispatch,
// apply, and commit; the offset is committed only after the message's
// outcome is decided, giving at-least-once delivery. Undeliverable messages
// (malformed envelopes, unknown types or versions, invalid payloads) are
// logged, committed, and dropped; application errors are republished to the
// configured dead-letter topic with the failure folded into the envelope, or
// halt the consumer when no dead-letter topic is set. A MultiConsumer
// interleaves several consumers round-robin on one goroutine.
//
// On the producing side, a Producer renders domain instances into envelopes
// for one topic, deriving the partition key from the factory's declared key
// field so every message about one object lands in one partition, in order.
//
// # Transports
//
// Msgpipe ships three transports behind one interface:
//   - channel: in-memory partitioned log for testing
//   - kafka: consumer groups over segmentio/kafka-go
//   - postgres: a durable offset log in two PostgreSQL tables
//
// Transports register themselves on import:
//
//	import _ "github.com/drblury/msgpipe/transport/kafka"
//
// # Handler capabilities
//
// HandlerFactory implementations opt into extra behaviour by implementing
// the optional Lookuper, Keyed, Transactional, and Serializer interfaces.
// The pipeline discovers each capability with a type assertion and degrades
// gracefully when it is absent: no lookup means handlers receive nil
// targets, no transaction means the apply runs bare, and no key field means
// saves are published keyless.
package msgpipe
