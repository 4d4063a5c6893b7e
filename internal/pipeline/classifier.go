package pipeline

import (
	"errors"

	errspkg "github.com/drblury/msgpipe/internal/pipeline/errors"
)

// Outcome is the classification of one decode-dispatch-apply attempt. Every
// error maps to exactly one outcome, and every outcome has a fixed
// disposition, so commit behaviour is decided by a table rather than by
// whoever raised the error.
type Outcome string

const (
	// OutcomeApplied means the message was handled successfully.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the message type is deliberately skipped.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeMalformed means the envelope could not be decoded.
	OutcomeMalformed Outcome = "malformed"
	// OutcomeUnknownType means no handler is registered for the type.
	OutcomeUnknownType Outcome = "unknown_type"
	// OutcomeUnknownVersion means the type is known but the version is not.
	OutcomeUnknownVersion Outcome = "unknown_version"
	// OutcomeInvalidPayload means the handler's validation rejected the payload.
	OutcomeInvalidPayload Outcome = "invalid_payload"
	// OutcomeFailed means the apply step raised an application error.
	OutcomeFailed Outcome = "failed"
	// OutcomeFatal means a configuration defect that must stop the pipeline.
	OutcomeFatal Outcome = "fatal"
)

// classify maps a processing error to its outcome. Unrecognised errors are
// application errors: they may be transient, so they are never silently
// dropped.
func classify(err error) Outcome {
	if err == nil {
		return OutcomeApplied
	}

	var (
		ignored   *errspkg.IgnoredTypeError
		malformed *errspkg.MalformedEnvelopeError
		unkType   *errspkg.UnknownTypeError
		unkVer    *errspkg.UnknownVersionError
		invalid   *errspkg.InvalidPayloadError
		config    *errspkg.ConfigurationError
	)
	switch {
	case errors.As(err, &config):
		return OutcomeFatal
	case errors.As(err, &ignored):
		return OutcomeIgnored
	case errors.As(err, &malformed):
		return OutcomeMalformed
	case errors.As(err, &unkType):
		return OutcomeUnknownType
	case errors.As(err, &unkVer):
		return OutcomeUnknownVersion
	case errors.As(err, &invalid):
		return OutcomeInvalidPayload
	default:
		return OutcomeFailed
	}
}

// commitAndDrop reports whether the outcome consumes the message in place:
// committed so it is never redelivered, with no handler side effects kept.
func (o Outcome) commitAndDrop() bool {
	switch o {
	case OutcomeIgnored, OutcomeMalformed, OutcomeUnknownType, OutcomeUnknownVersion, OutcomeInvalidPayload:
		return true
	default:
		return false
	}
}
