// Package postgres provides a PostgreSQL-backed transport for msgpipe.
// Topics are rows in an append-only table with per-partition positions, and
// consumer progress lives in an offsets table, so delivery is durable and
// at-least-once across restarts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/msgpipe/internal/pipeline/logging"
	"github.com/drblury/msgpipe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultPollInterval is the wait between polls when a topic is drained.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultPartitions is the partition count for new topics.
	DefaultPartitions = 1
	// DefaultConsumerGroup is used when the configuration does not name one.
	DefaultConsumerGroup = "msgpipe"
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Build creates a new PostgreSQL transport from the shared configuration.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Transport, error) {
	return New(Config{ConnectionString: cfg.GetPostgresURL()}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is the wait between polls when no records are pending.
	PollInterval time.Duration
	// Partitions is the partition count per topic.
	Partitions int
	// ConsumerGroup namespaces committed offsets.
	ConsumerGroup string
	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Partitions <= 0 {
		c.Partitions = DefaultPartitions
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = DefaultConsumerGroup
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Transport implements the msgpipe transport over a PostgreSQL database.
type Transport struct {
	db     *sql.DB
	config Config
	logger logging.ServiceLogger
}

// New creates a PostgreSQL transport and verifies connectivity.
func New(cfg Config, logger logging.ServiceLogger) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("postgres: connection string is required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	t := &Transport{db: db, config: cfg, logger: logger}
	if err := t.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS msgpipe_records (
		topic VARCHAR(255) NOT NULL,
		part INT NOT NULL,
		pos BIGINT NOT NULL,
		key BYTEA,
		value BYTEA NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		PRIMARY KEY (topic, part, pos)
	);

	CREATE TABLE IF NOT EXISTS msgpipe_offsets (
		group_name VARCHAR(255) NOT NULL,
		topic VARCHAR(255) NOT NULL,
		part INT NOT NULL,
		committed BIGINT NOT NULL,
		PRIMARY KEY (group_name, topic, part)
	);
	`
	if _, err := t.db.Exec(query); err != nil {
		return fmt.Errorf("postgres: failed to create schema: %w", err)
	}
	return nil
}

// NewConsumer returns a polling consumer positioned at the group's committed
// offsets for the topic.
func (t *Transport) NewConsumer(ctx context.Context, topic string) (transport.Consumer, error) {
	if topic == "" {
		return nil, errors.New("postgres: topic is required")
	}

	c := &consumer{transport: t, topic: topic, pos: make(map[int]int64)}
	if err := c.loadPositions(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewProducer returns a producer appending records with advisory-lock
// serialised position assignment.
func (t *Transport) NewProducer(ctx context.Context) (transport.Producer, error) {
	return &producer{transport: t}, nil
}

// Close closes the database connection.
func (t *Transport) Close() error {
	return t.db.Close()
}

func (t *Transport) partitionFor(key []byte, counter *int) int {
	if len(key) == 0 {
		p := *counter % t.config.Partitions
		*counter++
		return p
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(t.config.Partitions))
}

type consumer struct {
	transport *Transport
	topic     string

	mu     sync.Mutex
	pos    map[int]int64
	closed bool
}

func (c *consumer) loadPositions(ctx context.Context) error {
	rows, err := c.transport.db.QueryContext(ctx,
		`SELECT part, committed FROM msgpipe_offsets WHERE group_name = $1 AND topic = $2`,
		c.transport.config.ConsumerGroup, c.topic)
	if err != nil {
		return fmt.Errorf("postgres: failed to load committed offsets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var part int
		var committed int64
		if err := rows.Scan(&part, &committed); err != nil {
			return fmt.Errorf("postgres: failed to scan offset row: %w", err)
		}
		c.pos[part] = committed
	}
	return rows.Err()
}

func (c *consumer) Next(ctx context.Context) (*transport.Record, error) {
	for {
		rec, err := c.poll(ctx)
		if rec != nil || err != nil {
			return rec, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.transport.config.PollInterval):
		}
	}
}

func (c *consumer) poll(ctx context.Context) (*transport.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("postgres: consumer is closed")
	}

	for part := 0; part < c.transport.config.Partitions; part++ {
		row := c.transport.db.QueryRowContext(ctx,
			`SELECT pos, key, value, created_at FROM msgpipe_records
			 WHERE topic = $1 AND part = $2 AND pos >= $3
			 ORDER BY pos LIMIT 1`,
			c.topic, part, c.pos[part])

		var (
			pos       int64
			key       []byte
			value     []byte
			createdAt time.Time
		)
		err := row.Scan(&pos, &key, &value, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to fetch record: %w", err)
		}

		c.pos[part] = pos + 1
		return &transport.Record{
			Key:       key,
			Value:     value,
			Topic:     c.topic,
			Partition: part,
			Offset:    pos,
			Timestamp: createdAt,
		}, nil
	}
	return nil, nil
}

func (c *consumer) Commit(ctx context.Context, rec *transport.Record) error {
	if rec == nil {
		return errors.New("postgres: record is required")
	}

	_, err := c.transport.db.ExecContext(ctx,
		`INSERT INTO msgpipe_offsets (group_name, topic, part, committed)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (group_name, topic, part)
		 DO UPDATE SET committed = GREATEST(msgpipe_offsets.committed, EXCLUDED.committed)`,
		c.transport.config.ConsumerGroup, rec.Topic, rec.Partition, rec.Offset+1)
	if err != nil {
		return fmt.Errorf("postgres: failed to commit offset: %w", err)
	}
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

	mu         sync.Mutex
	roundRobin int
}

func (p *producer) Send(ctx context.Context, topic string, key, value []byte) (*transport.Receipt, error) {
	if topic == "" {
		return nil, errors.New("postgres: topic is required")
	}

	p.mu.Lock()
	part := p.transport.partitionFor(key, &p.roundRobin)
	p.mu.Unlock()

	tx, err := p.transport.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Serialise position assignment per topic partition.
	lockKey := fmt.Sprintf("%s/%d", topic, part)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return nil, fmt.Errorf("postgres: failed to acquire lock: %w", err)
	}

	var pos int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(pos) + 1, 0) FROM msgpipe_records WHERE topic = $1 AND part = $2`,
		topic, part).Scan(&pos)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to compute next position: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO msgpipe_records (topic, part, pos, key, value) VALUES ($1, $2, $3, $4, $5)`,
		topic, part, pos, key, value)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to append record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: failed to commit transaction: %w", err)
	}
	return &transport.Receipt{Topic: topic, Partition: part, Offset: pos}, nil
}

func (p *producer) Close() error { return nil }
