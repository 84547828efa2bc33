package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span and metric attribute keys
//
// SECURITY WARNING: never put CSRF tokens, session tokens, passwords or raw
// login identifiers into attributes. Identifier types and outcomes only.
const (
	AttrResult         = "reqguard.result"
	AttrIdentifierType = "reqguard.lockout.identifier_type"
	AttrLocked         = "reqguard.lockout.locked"
	AttrValidationKind = "reqguard.jsonb.kind"
	AttrSweepTask      = "reqguard.retention.task"
	AttrSweepResource  = "reqguard.retention.resource"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrAuditEventType  = "security.audit.event_type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// StorageObserver wraps storage operations in a span and records their
// count and duration. A nil *StorageObserver does nothing.
type StorageObserver struct {
	tracer      trace.Tracer
	metrics     *Metrics
	storageType string
}

// NewStorageObserver returns an observer for a storage backend ("memory",
// "postgres", "valkey"). It returns nil when inst is nil.
func NewStorageObserver(inst *Instrumentation, storageType string) *StorageObserver {
	if inst == nil {
		return nil
	}
	return &StorageObserver{
		tracer:      inst.Tracer("storage"),
		metrics:     inst.Metrics(),
		storageType: storageType,
	}
}

// Start opens a span for operation. The returned func must be called with
// the operation's final error.
func (o *StorageObserver) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if o == nil {
		return ctx, func(error) {}
	}

	ctx, span := o.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(AttrStorageOperation, operation),
			attribute.String(AttrStorageType, o.storageType),
		))
	start := time.Now()

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			RecordError(span, err)
		} else {
			SetSpanSuccess(span)
		}
		span.End()
		o.metrics.RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
	}
}
