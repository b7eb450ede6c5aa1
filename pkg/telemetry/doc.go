// Package telemetry provides observability for trackrecon runs.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value built
// from a Config:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Logging
//
// Components receive a zerolog.Logger derived from the telemetry logger:
//
//	logger := tel.Logger.NewComponentLogger("reconcile").WithRunID(runID)
//	orch, err := engine.NewOrchestrator(provider, opts, logger.Zerolog())
//
// Log levels: trace, debug, info, warn, error, fatal. LOG_LEVEL overrides the
// configured level.
//
// # Tracing
//
// A run produces one "reconcile.run" span with a "reconcile.batch" child per
// sub-batch and a "sheets.flush" child per flush. Supported exporters are
// otlp (gRPC), stdout and none.
//
// # Metrics
//
// Metrics implements engine.Observer and sheets.WriteObserver, so it can be
// attached directly to the orchestrator and the writer:
//
//	orch.WithObserver(tel.Metrics)
//	writer.WithObserver(tel.Metrics)
//
// Metrics live in a private registry and are served on the configured
// listen address (default :9090/metrics) when enabled.
package telemetry
