// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for reqguard.
//
// Metrics cover every component of the request-security subsystem: CSRF
// issuance and verification, lockout checks and locks, structured input
// rejections, retention sweeps, the login throttle, audit events and storage
// operations. Storage backends wrap each operation in a span through
// StorageObserver.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "reqguard",
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// CSRF:
//   - reqguard.csrf.tokens_issued
//   - reqguard.csrf.verifications{reqguard.result}
//   - reqguard.csrf.origin_rejected
//
// Lockout:
//   - reqguard.lockout.checks{identifier_type, locked}
//   - reqguard.lockout.failures{identifier_type}
//   - reqguard.lockout.locks{identifier_type}
//
// Validation and retention:
//   - reqguard.jsonb.rejected{kind}
//   - reqguard.retention.runs{task, result}
//   - reqguard.retention.deleted{task}
//   - reqguard.retention.duration{task} (ms)
//
// Security and storage:
//   - reqguard.rate_limit.exceeded{limiter}
//   - reqguard.audit.events{event_type}
//   - reqguard.storage.operation.total{operation, result}
//   - reqguard.storage.operation.duration{operation, result} (ms)
//
// When Enabled is false, no-op providers are used and recording costs nothing.
package instrumentation
