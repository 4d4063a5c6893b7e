package pipeline

import (
	"context"
	"fmt"

	"github.com/drblury/msgpipe/internal/pipeline/config"
	"github.com/drblury/msgpipe/internal/pipeline/envelope"
	errspkg "github.com/drblury/msgpipe/internal/pipeline/errors"
	"github.com/drblury/msgpipe/internal/pipeline/ids"
	"github.com/drblury/msgpipe/internal/pipeline/logging"
	"github.com/drblury/msgpipe/transport"
)

// ProducerDependencies carries the collaborators a producer needs.
type ProducerDependencies struct {
	// Sink publishes encoded envelopes to the transport.
	Sink    transport.Producer
	Metrics *Metrics
}

// Producer renders domain instances into envelopes for one topic using a
// single descriptor's type, version, and serialization capabilities.
type Producer struct {
	topic   string
	desc    Descriptor
	conf    *config.Config
	logger  logging.ServiceLogger
	sink    transport.Producer
	metrics *Metrics
}

// NewProducer validates the wiring and returns a producer for one topic.
func NewProducer(topic string, desc Descriptor, conf *config.Config, logger logging.ServiceLogger, deps ProducerDependencies) (*Producer, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if err := desc.validate(); err != nil {
		return nil, err
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
	if deps.Sink == nil {
		return nil, errspkg.ErrProducerRequired
	}

	return &Producer{
		topic:   topic,
		desc:    desc,
		conf:    conf,
		logger:  logger.With(logging.LogFields{"topic": topic}),
		sink:    deps.Sink,
		metrics: deps.Metrics,
	}, nil
}

// Topic returns the topic this producer publishes to.
func (p *Producer) Topic() string { return p.topic }

// Send publishes a save-action message for the given instance.
func (p *Producer) Send(ctx context.Context, instance any) (*transport.Receipt, error) {
	return p.SendAction(ctx, instance, envelope.ActionSave)
}

// SendAction publishes a message with an explicit action kind.
//
// For save actions the instance is rendered through the factory's Serializer
// capability when present; otherwise it must already be a payload map. The
// partition key comes from the factory's declared key field when one exists.
// Delete and class actions carry payload maps directly and require a key
// field, so they land on the same partition as the saves for the same
// object.
func (p *Producer) SendAction(ctx context.Context, instance any, action envelope.Action) (*transport.Receipt, error) {
	if !action.Valid() {
		return nil, errspkg.NewConfigurationError("unsupported action type %q", action)
	}

	payload, key, err := p.render(instance, action)
	if err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		Type:       p.desc.Type,
		Version:    p.desc.Version,
		Message:    payload,
		ActionType: action,
	}

	formatCode := p.conf.DefaultFormat
	if formatCode == "" {
		formatCode = envelope.FormatJSON
	}
	data, err := envelope.Encode(formatCode, env)
	if err != nil {
		return nil, err
	}

	receipt, err := p.sink.Send(ctx, p.topic, key, data)
	if err != nil {
		return nil, fmt.Errorf("msgpipe: failed to publish to topic %q: %w", p.topic, err)
	}

	p.metrics.observeSent(p.topic, action)
	p.logger.Debug("published message", logging.LogFields{
		"delivery_id":  ids.CreateULID(),
		"message_type": p.desc.Type,
		"version":      string(p.desc.Version),
		"action":       string(action),
		"key":          string(key),
		"partition":    receipt.Partition,
		"offset":       receipt.Offset,
	})
	return receipt, nil
}

func (p *Producer) render(instance any, action envelope.Action) (envelope.Payload, []byte, error) {
	if action == envelope.ActionSave {
		payload, err := p.serialize(instance)
		if err != nil {
			return nil, nil, err
		}
		// Saves may be keyless; keyless records spread across partitions.
		key, err := p.keyFor(payload, false)
		if err != nil {
			return nil, nil, err
		}
		return payload, key, nil
	}

	payload, ok := instance.(envelope.Payload)
	if !ok {
		if m, isMap := instance.(map[string]any); isMap {
			payload = envelope.Payload(m)
		} else {
			return nil, nil, errspkg.NewConfigurationError(
				"%s messages for type %q require a payload map, got %T", action, p.desc.Type, instance)
		}
	}
	// Deletes and class messages must share a partition with their saves.
	key, err := p.keyFor(payload, true)
	if err != nil {
		return nil, nil, err
	}
	return payload, key, nil
}

func (p *Producer) serialize(instance any) (envelope.Payload, error) {
	if s, ok := p.desc.Factory.(Serializer); ok {
		payload, err := s.Serialize(instance)
		if err != nil {
			return nil, fmt.Errorf("msgpipe: failed to serialize instance for type %q: %w", p.desc.Type, err)
		}
		return payload, nil
	}
	if payload, ok := instance.(envelope.Payload); ok {
		return payload, nil
	}
	if m, ok := instance.(map[string]any); ok {
		return envelope.Payload(m), nil
	}
	return nil, errspkg.NewConfigurationError(
		"factory for type %q cannot serialize %T: implement the Serializer capability", p.desc.Type, instance)
}

func (p *Producer) keyFor(payload envelope.Payload, required bool) ([]byte, error) {
	keyed, ok := p.desc.Factory.(Keyed)
	if !ok {
		if required {
			return nil, errspkg.NewConfigurationError(
				"factory for type %q must declare a key field for keyed actions", p.desc.Type)
		}
		return nil, nil
	}

	field := keyed.KeyField()
	value, ok := payload[field]
	if !ok || value == nil {
		return nil, errspkg.NewConfigurationError(
			"payload for type %q is missing its key field %q", p.desc.Type, field)
	}
	return []byte(fmt.Sprint(value)), nil
}
