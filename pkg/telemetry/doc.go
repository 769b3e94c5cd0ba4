// Package telemetry provides observability instrumentation for the change-governance core.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.Component("workflow")
//	logger.WithChangeID(change.ID).WithActor(actor).Info("Change scheduled")
//
// # Operations
//
// Governance operations are wrapped with StartOperation, which opens a span,
// derives a logger carrying the trace ids and times the call:
//
//	op := tel.StartOperation(ctx, "change.transition", telemetry.AttrChangeID.String(id))
//	err := doTransition(op.Ctx)
//	op.End(err)
//
// End records the latency histogram and, for classified errors, the error
// class and code on both the span and the errors counter.
//
// # Metrics
//
// When metrics are disabled every recorder is a no-op, and a nil *Metrics is
// safe to call. The daemon serves the registry through Metrics.NewServer.
package telemetry
