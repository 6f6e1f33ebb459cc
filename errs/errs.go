// Package errs provides structured error types shared across the collector.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies an error category from the collector taxonomy.
type Kind string

const (
	// KindConnection indicates a transport-level connection failure.
	KindConnection Kind = "connection"
	// KindHeartbeatLost indicates the exchange heartbeat contract was violated.
	KindHeartbeatLost Kind = "heartbeat_lost"
	// KindProtocol indicates a websocket protocol violation (bad frame, abnormal close).
	KindProtocol Kind = "protocol"
	// KindParse indicates a malformed or unrecognised payload.
	KindParse Kind = "parse"
	// KindValidation indicates a message that failed canonical invariants.
	KindValidation Kind = "validation"
	// KindBackpressure indicates a bounded queue rejected a message.
	KindBackpressure Kind = "backpressure"
	// KindSinkTransient indicates a retryable sink write failure.
	KindSinkTransient Kind = "sink_transient"
	// KindSinkPermanent indicates a sink write failure that exhausts retries.
	KindSinkPermanent Kind = "sink_permanent"
	// KindConfig indicates invalid configuration.
	KindConfig Kind = "config"
	// KindAuth indicates an authentication or authorization failure.
	KindAuth Kind = "auth"
	// KindInvalidState indicates an operation attempted in an illegal lifecycle state.
	KindInvalidState Kind = "invalid_state"
	// KindInvalidArgument indicates invalid input provided by the caller.
	KindInvalidArgument Kind = "invalid_argument"
	// KindTooManyStreams indicates the per-connection stream cap was exceeded.
	KindTooManyStreams Kind = "too_many_streams"
	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout Kind = "timeout"
)

// E captures structured error information produced across the collector stack.
type E struct {
	Component string
	Kind      Kind
	Message   string
	Field     string
	Code      int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error kind.
func New(component string, kind Kind, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Kind:      kind,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithField records the field that failed validation.
func WithField(field string) Option {
	trimmed := strings.TrimSpace(field)
	return func(e *E) {
		e.Field = trimmed
	}
}

// WithCode captures a protocol close code or provider status code.
func WithCode(code int) Option {
	return func(e *E) {
		e.Code = code
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if e.Code != 0 {
		parts = append(parts, "code="+strconv.Itoa(e.Code))
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the taxonomy kind from err, unwrapping as needed.
func KindOf(err error) Kind {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Kind
	}
	return ""
}

// FieldUnknownEvent marks parse errors for event types outside an adapter's
// mapping table, so the reader can count and drop them without reconnecting.
const FieldUnknownEvent = "unknown_event"

// IsUnknownEvent reports whether err marks an event type outside an
// adapter's mapping table.
func IsUnknownEvent(err error) bool {
	var envelope *E
	if !errors.As(err, &envelope) || envelope == nil {
		return false
	}
	return envelope.Kind == KindParse && envelope.Field == FieldUnknownEvent
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error kind warrants a reconnect attempt.
// Parse failures drop the frame; auth and config failures escalate instead.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindHeartbeatLost, KindProtocol, KindTimeout, KindSinkTransient:
		return true
	default:
		return false
	}
}
