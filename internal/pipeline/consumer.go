package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/msgpipe/internal/pipeline/config"
	"github.com/drblury/msgpipe/internal/pipeline/envelope"
	errspkg "github.com/drblury/msgpipe/internal/pipeline/errors"
	"github.com/drblury/msgpipe/internal/pipeline/logging"
	"github.com/drblury/msgpipe/transport"
)

const tracerName = "github.com/drblury/msgpipe"

// ConsumerDependencies carries the collaborators a consumer needs. Injected
// rather than built internally so tests can substitute in-memory fakes.
type ConsumerDependencies struct {
	Registry *Registry
	// Source yields records for the consumer's topic.
	Source transport.Consumer
	// DeadLetters republishes failed messages. Required when the
	// configuration names an error topic.
	DeadLetters transport.Producer
	Metrics     *Metrics
}

// Consumer drives one topic through the fetch, throttle, decode, dispatch,
// apply, commit cycle. The offset for a record is committed only after its
// outcome is decided, so a crash mid-message redelivers it: at-least-once.
type Consumer struct {
	topic       string
	conf        *config.Config
	logger      logging.ServiceLogger
	registry    *Registry
	source      transport.Consumer
	deadLetters transport.Producer
	metrics     *Metrics
	tracer      trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewConsumer validates the wiring and returns a consumer for one topic.
func NewConsumer(topic string, conf *config.Config, logger logging.ServiceLogger, deps ConsumerDependencies) (*Consumer, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if deps.Source == nil {
		return nil, errspkg.ErrConsumerRequired
	}
	if conf.ErrorTopic != "" && deps.DeadLetters == nil {
		return nil, errspkg.ErrProducerRequired
	}

	return &Consumer{
		topic:       topic,
		conf:        conf,
		logger:      logger.With(logging.LogFields{"topic": topic}),
		registry:    deps.Registry,
		source:      deps.Source,
		deadLetters: deps.DeadLetters,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		sleep:       sleepContext,
	}, nil
}

// Topic returns the topic this consumer reads from.
func (c *Consumer) Topic() string { return c.topic }

// Run processes messages until the context is cancelled or the pipeline hits
// a fatal error. Cancellation is the only clean way to stop.
func (c *Consumer) Run(ctx context.Context) error {
	return c.RunN(ctx, 0)
}

// RunN is Run with an iteration cap: it processes at most n messages and
// returns nil once the cap is reached. n <= 0 means no cap.
func (c *Consumer) RunN(ctx context.Context, n int) error {
	for i := 0; n <= 0 || i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.ProcessOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ProcessOne executes exactly one fetch-through-commit cycle. A returned
// error is fatal to the pipeline; every per-message problem short of that is
// resolved internally according to its outcome.
func (c *Consumer) ProcessOne(ctx context.Context) error {
	rec, err := c.source.Next(ctx)
	if err != nil {
		return err
	}
	return c.processRecord(ctx, rec)
}

// processTurn is ProcessOne with a bounded fetch: when nothing arrives
// within the budget the turn is idle, not an error. The budget covers only
// the fetch, so a long throttle or apply never gets cut off mid-message.
func (c *Consumer) processTurn(ctx context.Context, budget time.Duration) (bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, budget)
	rec, err := c.source.Next(fetchCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	return true, c.processRecord(ctx, rec)
}

func (c *Consumer) processRecord(ctx context.Context, rec *transport.Record) error {
	ctx, span := c.tracer.Start(ctx, "msgpipe.consume", trace.WithAttributes(
		attribute.String("messaging.topic", rec.Topic),
		attribute.Int("messaging.partition", rec.Partition),
		attribute.Int64("messaging.offset", rec.Offset),
	))
	defer span.End()

	c.logger.Debug("received message", c.coords(rec))

	if err := c.throttle(ctx, rec); err != nil {
		span.RecordError(err)
		return err
	}

	procErr := c.handle(ctx, rec)
	outcome := classify(procErr)
	c.metrics.observeProcessed(c.topic, outcome)
	span.SetAttributes(attribute.String("msgpipe.outcome", string(outcome)))

	switch {
	case outcome == OutcomeApplied:
		c.logger.Debug("message applied", c.coords(rec))
		return c.commit(ctx, rec)

	case outcome.commitAndDrop():
		c.logDropped(outcome, procErr, rec)
		return c.commit(ctx, rec)

	case outcome == OutcomeFailed && c.conf.ErrorTopic != "":
		c.logger.Error("message failed to apply", procErr, c.coords(rec))
		if err := c.deadLetter(ctx, rec, procErr); err != nil {
			span.RecordError(err)
			return err
		}
		return c.commit(ctx, rec)

	default:
		// Configuration defects, and application errors with no dead-letter
		// topic configured. The offset stays uncommitted so the message is
		// redelivered once the defect is fixed.
		c.logger.Error("unrecoverable message failure, stopping consumer", procErr, c.coords(rec))
		span.RecordError(procErr)
		return procErr
	}
}

// throttle holds a message back until it is at least MinMessageLag old. A
// record without a timestamp is treated as brand new and waits the full
// floor.
func (c *Consumer) throttle(ctx context.Context, rec *transport.Record) error {
	floor := c.conf.MinMessageLag
	if floor <= 0 {
		return nil
	}

	var lag time.Duration
	if !rec.Timestamp.IsZero() {
		lag = c.now().Sub(rec.Timestamp)
	}
	wait := floor - lag
	if wait <= 0 {
		return nil
	}

	c.logger.Debug("throttling message below minimum lag", logging.LogFields{
		"wait":      wait.String(),
		"partition": rec.Partition,
		"offset":    rec.Offset,
	})
	c.metrics.observeThrottle(c.topic, wait)
	return c.sleep(ctx, wait)
}

func (c *Consumer) handle(ctx context.Context, rec *transport.Record) error {
	_, env, err := envelope.Decode(rec.Value)
	if err != nil {
		return err
	}

	if c.registry.Ignored(env.Type) {
		return &errspkg.IgnoredTypeError{MessageType: env.Type, Topic: rec.Topic}
	}

	desc, ok := c.registry.Resolve(env.Type, env.Version)
	if !ok {
		if c.registry.HasType(env.Type) {
			return &errspkg.UnknownVersionError{
				MessageType: env.Type,
				Version:     string(env.Version),
				Topic:       rec.Topic,
			}
		}
		return &errspkg.UnknownTypeError{MessageType: env.Type, Topic: rec.Topic}
	}

	return c.apply(ctx, desc, env)
}

// apply invokes the handler for the message's action kind, inside a
// transaction when the factory supports one, so a failed apply leaves no
// partial state behind.
func (c *Consumer) apply(ctx context.Context, desc Descriptor, env *envelope.Envelope) error {
	invoke := func(ctx context.Context) error {
		switch env.ActionType {
		case envelope.ActionSave:
			return c.applySave(ctx, desc, env)
		case envelope.ActionDelete:
			return c.applyDelete(ctx, desc, env)
		case envelope.ActionClass:
			return c.applyClass(ctx, desc, env)
		default:
			return errspkg.NewConfigurationError(
				"unsupported action type %q for message type %q", env.ActionType, env.Type)
		}
	}

	if tx, ok := desc.Factory.(Transactional); ok {
		return tx.InTransaction(ctx, invoke)
	}
	return invoke(ctx)
}

func (c *Consumer) applySave(ctx context.Context, desc Descriptor, env *envelope.Envelope) error {
	target, err := c.lookup(ctx, desc, env)
	if err != nil {
		return err
	}

	h, err := desc.Factory.Save(target, env.Message)
	if err != nil {
		return wrapApply(err)
	}
	if err := h.Validate(ctx); err != nil {
		return asInvalidPayload(env.Type, err)
	}
	return wrapApply(h.Apply(ctx))
}

func (c *Consumer) applyDelete(ctx context.Context, desc Descriptor, env *envelope.Envelope) error {
	target, err := c.lookup(ctx, desc, env)
	if err != nil {
		return err
	}
	if desc.SupportsLookup() && target == nil {
		// Already gone; deletion is idempotent.
		c.logger.Debug("delete target not found, treating as already deleted",
			logging.LogFields{"message_type": env.Type})
		return nil
	}

	h, err := desc.Factory.Delete(target, env.Message)
	if err != nil {
		return wrapApply(err)
	}
	return wrapApply(h.Delete(ctx))
}

func (c *Consumer) applyClass(ctx context.Context, desc Descriptor, env *envelope.Envelope) error {
	h, err := desc.Factory.Class(env.Message)
	if err != nil {
		return wrapApply(err)
	}
	return wrapApply(h.Receive(ctx))
}

func (c *Consumer) lookup(ctx context.Context, desc Descriptor, env *envelope.Envelope) (any, error) {
	lk, ok := desc.Factory.(Lookuper)
	if !ok {
		return nil, nil
	}
	target, err := lk.Lookup(ctx, env.Message)
	if err != nil {
		return nil, wrapApply(err)
	}
	return target, nil
}

// deadLetter republishes the failed message to the error topic with the
// original error string and a retry marker folded into its body. The
// original partition key is kept so the retry lands in order with its
// siblings.
func (c *Consumer) deadLetter(ctx context.Context, rec *transport.Record, procErr error) error {
	msg := procErr.Error()
	var app *errspkg.ApplicationError
	if errors.As(procErr, &app) && app.Err != nil {
		msg = app.Err.Error()
	}

	annotated, err := envelope.Annotate(rec.Value, msg)
	if err != nil {
		return fmt.Errorf("msgpipe: failed to annotate dead-letter message: %w", err)
	}
	if _, err := c.deadLetters.Send(ctx, c.conf.ErrorTopic, rec.Key, annotated); err != nil {
		return fmt.Errorf("msgpipe: failed to republish to dead-letter topic %q: %w", c.conf.ErrorTopic, err)
	}

	c.metrics.observeDeadLetter(c.topic)
	c.logger.Warn("message routed to dead-letter topic", logging.LogFields{
		"error_topic": c.conf.ErrorTopic,
		"partition":   rec.Partition,
		"offset":      rec.Offset,
	})
	return nil
}

func (c *Consumer) commit(ctx context.Context, rec *transport.Record) error {
	if err := c.source.Commit(ctx, rec); err != nil {
		return fmt.Errorf("msgpipe: failed to commit offset: %w", err)
	}
	c.metrics.observeCommit(c.topic)
	return nil
}

func (c *Consumer) logDropped(outcome Outcome, procErr error, rec *transport.Record) {
	switch outcome {
	case OutcomeIgnored:
		c.logger.Debug("skipping ignored message type", c.coords(rec))
	case OutcomeInvalidPayload:
		fields := c.coords(rec)
		fields["reason"] = procErr.Error()
		c.logger.Warn("dropping message with invalid payload", fields)
	default:
		c.logger.Error("dropping undeliverable message", procErr, c.coords(rec))
	}
}

func (c *Consumer) coords(rec *transport.Record) logging.LogFields {
	return logging.LogFields{
		"key":       string(rec.Key),
		"partition": rec.Partition,
		"offset":    rec.Offset,
	}
}

// wrapApply folds arbitrary handler errors into the application-error
// bucket, leaving already-classified errors untouched.
func wrapApply(err error) error {
	if err == nil {
		return nil
	}
	var (
		invalid *errspkg.InvalidPayloadError
		conf    *errspkg.ConfigurationError
		app     *errspkg.ApplicationError
	)
	if errors.As(err, &invalid) || errors.As(err, &conf) || errors.As(err, &app) {
		return err
	}
	return &errspkg.ApplicationError{Err: err}
}

// asInvalidPayload classifies a Validate failure, keeping configuration
// errors fatal.
func asInvalidPayload(messageType string, err error) error {
	if err == nil {
		return nil
	}
	var (
		invalid *errspkg.InvalidPayloadError
		conf    *errspkg.ConfigurationError
	)
	if errors.As(err, &invalid) || errors.As(err, &conf) {
		return err
	}
	return errspkg.NewInvalidPayload(messageType, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
