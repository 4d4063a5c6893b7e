package pipeline

import (
	"context"

	"github.com/drblury/msgpipe/internal/pipeline/envelope"
	errspkg "github.com/drblury/msgpipe/internal/pipeline/errors"
)

// SaveHandler is a per-message handler constructed for a save action.
// Validate runs before Apply; a validation failure is a recoverable data
// problem, never a crash.
type SaveHandler interface {
	Validate(ctx context.Context) error
	Apply(ctx context.Context) error
}

// DeleteHandler is a per-message handler constructed for a delete action.
type DeleteHandler interface {
	Delete(ctx context.Context) error
}

// ClassHandler is a per-message handler for type-level operations that have
// no persisted instance identity.
type ClassHandler interface {
	Receive(ctx context.Context) error
}

// HandlerFactory constructs per-message handlers for one (type, version)
// pair. The target passed to Save and Delete is the existing domain object
// resolved via Lookuper, or nil when the factory has no lookup capability or
// nothing matched.
type HandlerFactory interface {
	Save(target any, payload envelope.Payload) (SaveHandler, error)
	Delete(target any, payload envelope.Payload) (DeleteHandler, error)
	Class(payload envelope.Payload) (ClassHandler, error)
}

// Lookuper is an optional factory capability: resolve the existing domain
// object a payload addresses. Returning a nil target is not an error.
type Lookuper interface {
	Lookup(ctx context.Context, payload envelope.Payload) (any, error)
}

// Keyed is an optional factory capability: name the payload field whose
// value becomes the partition key for produced messages.
type Keyed interface {
	KeyField() string
}

// Transactional is an optional factory capability: run the apply step inside
// an all-or-nothing scope. Implementations must roll back fully when fn
// returns an error, so a failed apply leaves no partial state.
type Transactional interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Serializer is an optional factory capability used on the producer side:
// render a domain instance into the payload form carried on the wire.
type Serializer interface {
	Serialize(instance any) (envelope.Payload, error)
}

// Descriptor binds a message type and schema version to a handler factory.
// Descriptors are registered once at startup and immutable thereafter.
type Descriptor struct {
	Type    string
	Version envelope.Version
	Factory HandlerFactory
}

// SupportsLookup reports whether the factory can resolve existing targets.
func (d Descriptor) SupportsLookup() bool {
	_, ok := d.Factory.(Lookuper)
	return ok
}

// SupportsKeyField reports whether the factory declares a partition key field.
func (d Descriptor) SupportsKeyField() bool {
	_, ok := d.Factory.(Keyed)
	return ok
}

func (d Descriptor) validate() error {
	if d.Type == "" {
		return errspkg.NewConfigurationError("descriptor is missing a message type")
	}
	if d.Version == "" {
		return errspkg.NewConfigurationError("descriptor %q is missing a version", d.Type)
	}
	if d.Factory == nil {
		return errspkg.ErrFactoryRequired
	}
	return nil
}
