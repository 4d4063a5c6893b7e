// Package errors defines the sentinel configuration errors and the typed
// per-message error taxonomy used by the msgpipe pipeline.
package errors

import (
	"fmt"

	sterrors "errors"
)

var (
	ErrConfigRequired     = sterrors.New("msgpipe: configuration is required")
	ErrLoggerRequired     = sterrors.New("msgpipe: logger is required")
	ErrRegistryRequired   = sterrors.New("msgpipe: handler registry is required")
	ErrConsumerRequired   = sterrors.New("msgpipe: transport consumer is required")
	ErrProducerRequired   = sterrors.New("msgpipe: transport producer is required")
	ErrDescriptorRequired = sterrors.New("msgpipe: handler descriptor is required")
	ErrTopicRequired      = sterrors.New("msgpipe: topic is required")
	ErrFactoryRequired    = sterrors.New("msgpipe: handler factory is required")
)

// MalformedEnvelopeError reports an envelope that could not be decoded or is
// missing a required top-level field. These messages can never succeed on
// retry, so the consumer commits and drops them.
type MalformedEnvelopeError struct {
	Reason string
	Err    error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("msgpipe: malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return "msgpipe: malformed envelope: " + e.Reason
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

// IgnoredTypeError marks a message whose type was explicitly ignored at
// registration time. It is expected traffic, not a failure.
type IgnoredTypeError struct {
	MessageType string
	Topic       string
}

func (e *IgnoredTypeError) Error() string {
	return fmt.Sprintf("msgpipe: ignored message type %q in topic %q", e.MessageType, e.Topic)
}

// UnknownTypeError marks a message whose type has no registered handler.
type UnknownTypeError struct {
	MessageType string
	Topic       string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("msgpipe: unknown message type %q in topic %q", e.MessageType, e.Topic)
}

// UnknownVersionError marks a message whose type is registered but whose
// schema version is not. There is deliberately no fallback to another
// version: silent coercion risks applying a payload shaped for a different
// schema.
type UnknownVersionError struct {
	MessageType string
	Version     string
	Topic       string
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("msgpipe: message type %q has no handler for version %q in topic %q",
		e.MessageType, e.Version, e.Topic)
}

// InvalidPayloadError reports a payload that the handler's validation
// rejected. Recoverable by fixing the upstream producer, never by retrying.
type InvalidPayloadError struct {
	MessageType string
	Err         error
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("msgpipe: invalid payload for message type %q: %v", e.MessageType, e.Err)
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }

// NewInvalidPayload wraps a validation failure so the classifier can
// distinguish it from an application error.
func NewInvalidPayload(messageType string, err error) error {
	if err == nil {
		return nil
	}
	return &InvalidPayloadError{MessageType: messageType, Err: err}
}

// ApplicationError wraps any failure raised while applying a message that is
// not a validation failure. Potentially transient, so it is preserved for the
// dead-letter topic rather than dropped.
type ApplicationError struct {
	Err error
}

func (e *ApplicationError) Error() string {
	return "msgpipe: application error: " + e.Err.Error()
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// ConfigurationError reports a programming or deployment defect such as an
// unsupported action type or a missing declared key field. Always fatal,
// never retried, never dead-lettered.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "msgpipe: configuration error: " + e.Reason
}

// NewConfigurationError builds a ConfigurationError from a format string.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
