// Package envelope implements the self-describing wire format carried on
// every topic: a short format code, a delimiter, and a serialized body with
// the message type, schema version, payload, and action kind.
package envelope

import (
	"bytes"
	"fmt"
	"sync"

	errspkg "github.com/drblury/msgpipe/internal/pipeline/errors"
	"github.com/drblury/msgpipe/internal/pipeline/jsoncodec"
)

// FormatJSON is the built-in structured-text body format.
const FormatJSON = "json"

// Delimiter separates the format code from the serialized body.
const Delimiter = byte(':')

// Action selects which handler capability a message invokes.
type Action string

const (
	ActionSave   Action = "save"
	ActionDelete Action = "delete"
	ActionClass  Action = "class"
)

// Valid reports whether the action is one of the supported kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionSave, ActionDelete, ActionClass:
		return true
	}
	return false
}

// Payload is the opaque structured body of a message.
type Payload map[string]any

// Version is a schema version. On the wire it may be either a JSON number or
// a JSON string; both normalise to the same registry key.
type Version string

func (v *Version) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := jsoncodec.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = Version(s)
		return nil
	}
	if !jsoncodec.Valid(trimmed) || !isInteger(string(trimmed)) {
		return fmt.Errorf("version must be an integer or a string, got %s", string(data))
	}
	*v = Version(trimmed)
	return nil
}

func (v Version) MarshalJSON() ([]byte, error) {
	if isInteger(string(v)) {
		return []byte(v), nil
	}
	return jsoncodec.Marshal(string(v))
}

func isInteger(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Envelope is the decoded wire unit. Error and CanRetry are populated only
// when a message is re-emitted to a dead-letter topic.
type Envelope struct {
	Type       string  `json:"type"`
	Version    Version `json:"version"`
	Message    Payload `json:"message"`
	ActionType Action  `json:"action_type,omitempty"`
	Error      string  `json:"error,omitempty"`
	CanRetry   bool    `json:"can_retry,omitempty"`
}

// Format is a body serialization scheme addressed by its wire code. Codes let
// multiple schemes coexist on one topic.
type Format interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonFormat struct{}

func (jsonFormat) Marshal(v any) ([]byte, error)      { return jsoncodec.Marshal(v) }
func (jsonFormat) Unmarshal(data []byte, v any) error { return jsoncodec.Unmarshal(data, v) }

var (
	formatsMu sync.RWMutex
	formats   = map[string]Format{FormatJSON: jsonFormat{}}
)

// RegisterFormat makes a body format available under the given wire code.
// Registering an existing code replaces the previous format.
func RegisterFormat(code string, format Format) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats[code] = format
}

func lookupFormat(code string) (Format, bool) {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	f, ok := formats[code]
	return f, ok
}

// Encode renders the envelope as "<code>:<serialized body>".
func Encode(code string, env *Envelope) ([]byte, error) {
	format, ok := lookupFormat(code)
	if !ok {
		return nil, errspkg.NewConfigurationError("unknown envelope format %q", code)
	}

	body, err := format.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("msgpipe: failed to render envelope body: %w", err)
	}

	out := make([]byte, 0, len(code)+1+len(body))
	out = append(out, code...)
	out = append(out, Delimiter)
	out = append(out, body...)
	return out, nil
}

// Decode parses raw wire bytes into an envelope and returns the format code
// it was encoded with. Structural problems are reported as
// MalformedEnvelopeError: the message can never succeed on retry.
func Decode(data []byte) (string, *Envelope, error) {
	code, body, err := split(data)
	if err != nil {
		return "", nil, err
	}

	format, ok := lookupFormat(code)
	if !ok {
		return "", nil, &errspkg.MalformedEnvelopeError{
			Reason: fmt.Sprintf("unsupported format code %q", code),
		}
	}

	var env Envelope
	if err := format.Unmarshal(body, &env); err != nil {
		return "", nil, &errspkg.MalformedEnvelopeError{Reason: "body does not parse", Err: err}
	}

	switch {
	case env.Type == "":
		return "", nil, &errspkg.MalformedEnvelopeError{Reason: `missing a top-level "type" key`}
	case env.Version == "":
		return "", nil, &errspkg.MalformedEnvelopeError{Reason: `missing a top-level "version" key`}
	case env.Message == nil:
		return "", nil, &errspkg.MalformedEnvelopeError{Reason: `missing a top-level "message" key`}
	}

	if env.ActionType == "" {
		env.ActionType = ActionSave
	}
	return code, &env, nil
}

// Annotate rebuilds raw envelope bytes for dead-lettering: the body gains an
// "error" string and "can_retry": true while every other field, and the
// original format code, are preserved verbatim.
func Annotate(data []byte, errMsg string) ([]byte, error) {
	code, body, err := split(data)
	if err != nil {
		return nil, err
	}

	format, ok := lookupFormat(code)
	if !ok {
		return nil, &errspkg.MalformedEnvelopeError{
			Reason: fmt.Sprintf("unsupported format code %q", code),
		}
	}

	raw := map[string]any{}
	if err := format.Unmarshal(body, &raw); err != nil {
		return nil, &errspkg.MalformedEnvelopeError{Reason: "body does not parse", Err: err}
	}
	raw["error"] = errMsg
	raw["can_retry"] = true

	annotated, err := format.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("msgpipe: failed to render dead-letter body: %w", err)
	}

	out := make([]byte, 0, len(code)+1+len(annotated))
	out = append(out, code...)
	out = append(out, Delimiter)
	out = append(out, annotated...)
	return out, nil
}

func split(data []byte) (string, []byte, error) {
	idx := bytes.IndexByte(data, Delimiter)
	if idx <= 0 {
		return "", nil, &errspkg.MalformedEnvelopeError{Reason: "missing format code delimiter"}
	}
	return string(data[:idx]), data[idx+1:], nil
}
