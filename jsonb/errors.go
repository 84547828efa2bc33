package jsonb

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindTooLarge          Kind = "too_large"
	KindTooDeep           Kind = "too_deep"
	KindCircularReference Kind = "circular_reference"
	KindDisallowedKeys    Kind = "disallowed_keys"
	KindUnsupported       Kind = "unsupported_value"
)

// Sentinels for errors.Is. Every *Error matches exactly one of them.
var (
	ErrTooLarge          = errors.New("structured input too large")
	ErrTooDeep           = errors.New("structured input too deeply nested")
	ErrCircularReference = errors.New("structured input contains a circular reference")
	ErrDisallowedKeys    = errors.New("structured input has disallowed keys")
	ErrUnsupported       = errors.New("structured input has an unsupported value")
)

// Error is returned for every rejected input. Actual and Limit carry the
// offending measurement (bytes for KindTooLarge, depth for KindTooDeep).
type Error struct {
	Kind    Kind
	Actual  int
	Limit   int
	Keys    []string
	Allowed []string

	cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTooLarge:
		return fmt.Sprintf("JSONB object too large: %d bytes (max: %d bytes)", e.Actual, e.Limit)
	case KindTooDeep:
		return fmt.Sprintf("JSONB object too deeply nested: depth %d (max: %d)", e.Actual, e.Limit)
	case KindCircularReference:
		return "JSONB object contains circular references"
	case KindDisallowedKeys:
		return fmt.Sprintf("Invalid JSONB keys: %s. Allowed: %s", strings.Join(e.Keys, ", "), strings.Join(e.Allowed, ", "))
	default:
		if e.cause != nil {
			return "JSONB object contains an unsupported value: " + e.cause.Error()
		}
		return "JSONB object contains an unsupported value"
	}
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindTooLarge:
		return target == ErrTooLarge
	case KindTooDeep:
		return target == ErrTooDeep
	case KindCircularReference:
		return target == ErrCircularReference
	case KindDisallowedKeys:
		return target == ErrDisallowedKeys
	default:
		return target == ErrUnsupported
	}
}

func (e *Error) Unwrap() error { return e.cause }

// FieldError reports which struct field failed. Its message is the
// validator's message unchanged, so it can be shown to the caller as is.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }
