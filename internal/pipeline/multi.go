package pipeline

import (
	"context"
	"errors"
	"time"

	errspkg "github.com/drblury/msgpipe/internal/pipeline/errors"
	"github.com/drblury/msgpipe/internal/pipeline/logging"
)

// DefaultIdleTimeout bounds how long one turn may block on a quiet topic
// before the driver moves on to the next consumer.
const DefaultIdleTimeout = time.Second

// MultiConsumer interleaves several consumers cooperatively on one
// goroutine, giving each exactly one fetch-through-commit cycle per turn in
// round-robin order. A fatal error halts only the owning pipeline; the
// others keep their turns.
type MultiConsumer struct {
	consumers []*Consumer
	logger    logging.ServiceLogger

	// IdleTimeout is the per-turn fetch budget. Without it one drained topic
	// would block its turn forever and starve the rest.
	idleTimeout time.Duration
}

// NewMultiConsumer builds a round-robin driver over the given consumers.
func NewMultiConsumer(logger logging.ServiceLogger, consumers ...*Consumer) (*MultiConsumer, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if len(consumers) == 0 {
		return nil, errspkg.ErrConsumerRequired
	}
	for _, c := range consumers {
		if c == nil {
			return nil, errspkg.ErrConsumerRequired
		}
	}
	return &MultiConsumer{
		consumers:   consumers,
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
	}, nil
}

// SetIdleTimeout overrides the per-turn fetch budget. Zero or negative
// restores the default.
func (m *MultiConsumer) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultIdleTimeout
	}
	m.idleTimeout = d
}

// Run cycles through the consumers until the context is cancelled or every
// pipeline has halted on a fatal error. It returns the joined fatal errors,
// or the context's error on cancellation.
func (m *MultiConsumer) Run(ctx context.Context) error {
	active := make([]*Consumer, len(m.consumers))
	copy(active, m.consumers)

	var fatal []error
	for i := 0; len(active) > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}

		c := active[i%len(active)]
		_, err := c.processTurn(ctx, m.idleTimeout)
		switch {
		case err == nil:
			i++
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			m.logger.Error("consumer halted", err, logging.LogFields{"topic": c.Topic()})
			fatal = append(fatal, err)
			active = remove(active, i%len(active))
		}
	}
	return errors.Join(fatal...)
}

func remove(consumers []*Consumer, i int) []*Consumer {
	return append(consumers[:i], consumers[i+1:]...)
}
