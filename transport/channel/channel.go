// Package channel provides an in-memory transport for msgpipe. Topics are
// partitioned append-only logs with real offsets, so commit tracking and
// at-least-once redelivery behave like a broker. Useful for testing and
// local development.
package channel

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/drblury/msgpipe/internal/pipeline/logging"
	"github.com/drblury/msgpipe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultPartitions is the partition count for topics created on first use.
const DefaultPartitions = 1

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new in-memory transport.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Transport, error) {
	return New(Config{}, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Config holds channel-specific configuration.
type Config struct {
	// Partitions is the partition count per topic. Defaults to DefaultPartitions.
	Partitions int
}

// Transport is an in-memory collection of partitioned topic logs.
type Transport struct {
	mu     sync.Mutex
	cfg    Config
	logger logging.ServiceLogger
	topics map[string]*topicLog
	closed bool
}

// New creates an in-memory transport. All consumers share one committed
// offset per topic partition, mirroring a single consumer group.
func New(cfg Config, logger logging.ServiceLogger) *Transport {
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Transport{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]*topicLog),
	}
}

// NewConsumer returns a consumer positioned at the topic's committed offsets.
func (t *Transport) NewConsumer(ctx context.Context, topic string) (transport.Consumer, error) {
	if topic == "" {
		return nil, errors.New("channel: topic is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("channel: transport is closed")
	}

	return newConsumer(topic, t.topic(topic)), nil
}

// NewProducer returns a producer appending to this transport's logs.
func (t *Transport) NewProducer(ctx context.Context) (transport.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("channel: transport is closed")
	}
	return &producer{transport: t}, nil
}

// Close discards all topic logs.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.topics = make(map[string]*topicLog)
	return nil
}

// topic returns the log for a topic, creating it on first use.
// Caller must hold t.mu.
func (t *Transport) topic(name string) *topicLog {
	log, ok := t.topics[name]
	if !ok {
		log = newTopicLog(t.cfg.Partitions)
		t.topics[name] = log
	}
	return log
}

type entry struct {
	key       []byte
	value     []byte
	timestamp time.Time
}

type topicLog struct {
	mu         sync.Mutex
	partitions [][]entry
	committed  []int64
	notify     chan struct{}
	roundRobin int
}

func newTopicLog(partitions int) *topicLog {
	return &topicLog{
		partitions: make([][]entry, partitions),
		committed:  make([]int64, partitions),
		notify:     make(chan struct{}),
	}
}

func (l *topicLog) append(key, value []byte) (int, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	partition := l.partitionFor(key)
	l.partitions[partition] = append(l.partitions[partition], entry{
		key:       key,
		value:     value,
		timestamp: time.Now(),
	})
	offset := int64(len(l.partitions[partition]) - 1)

	// Wake everyone blocked in Next.
	close(l.notify)
	l.notify = make(chan struct{})

	return partition, offset
}

// partitionFor hashes the key onto a partition; keyless records rotate.
// Caller must hold l.mu.
func (l *topicLog) partitionFor(key []byte) int {
	if len(key) == 0 {
		p := l.roundRobin % len(l.partitions)
		l.roundRobin++
		return p
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(len(l.partitions)))
}

func (l *topicLog) wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify
}

func (l *topicLog) commit(partition int, offset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset+1 > l.committed[partition] {
		l.committed[partition] = offset + 1
	}
}

type consumer struct {
	topic string
	log   *topicLog

	mu     sync.Mutex
	pos    []int64
	closed bool
}

func newConsumer(topic string, log *topicLog) *consumer {
	log.mu.Lock()
	pos := make([]int64, len(log.committed))
	copy(pos, log.committed)
	log.mu.Unlock()

	return &consumer{topic: topic, log: log, pos: pos}
}

func (c *consumer) Next(ctx context.Context) (*transport.Record, error) {
	for {
		wait := c.log.wait()

		rec, err := c.poll()
		if rec != nil || err != nil {
			return rec, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (c *consumer) poll() (*transport.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("channel: consumer is closed")
	}

	c.log.mu.Lock()
	defer c.log.mu.Unlock()

	for p := range c.log.partitions {
		if c.pos[p] >= int64(len(c.log.partitions[p])) {
			continue
		}
		e := c.log.partitions[p][c.pos[p]]
		rec := &transport.Record{
			Key:       e.key,
			Value:     e.value,
			Topic:     c.topic,
			Partition: p,
			Offset:    c.pos[p],
			Timestamp: e.timestamp,
		}
		c.pos[p]++
		return rec, nil
	}
	return nil, nil
}

func (c *consumer) Commit(ctx context.Context, rec *transport.Record) error {
	if rec == nil {
		return errors.New("channel: record is required")
	}
	c.log.commit(rec.Partition, rec.Offset)
	return nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type producer struct {
	transport *Transport
}

func (p *producer) Send(ctx context.Context, topic string, key, value []byte) (*transport.Receipt, error) {
	if topic == "" {
		return nil, errors.New("channel: topic is required")
	}

	p.transport.mu.Lock()
	if p.transport.closed {
		p.transport.mu.Unlock()
		return nil, errors.New("channel: transport is closed")
	}
	log := p.transport.topic(topic)
	p.transport.mu.Unlock()

	keyCopy := append([]byte(nil), key...)
	valueCopy := append([]byte(nil), value...)

	partition, offset := log.append(keyCopy, valueCopy)
	return &transport.Receipt{Topic: topic, Partition: partition, Offset: offset}, nil
}

func (p *producer) Close() error { return nil }
