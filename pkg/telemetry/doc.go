// Package telemetry provides observability for castwork.
//
// It bundles structured logging (zerolog), distributed tracing (OpenTelemetry),
// Prometheus metrics and an in-process event publisher behind a single Telemetry
// value that every component receives at construction.
//
// # Usage
//
// Initialize telemetry at startup and shut it down on exit:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests and library callers that do not care about observability use NewNop, which
// discards logs and metrics and delivers events synchronously.
//
// # Logging
//
// Components log through a child logger tagged with their name:
//
//	log := tel.Logger.NewComponentLogger("engine").WithExecutionID(id)
//	log.Info().Msg("Execution started")
//
// Hot paths use the underlying zerolog.Logger directly via Zerolog().
//
// # Tracing
//
// Each StartExecution call opens an "execution.run" span with one "step.run" child
// per step and a "provider.<type>" span around the adapter call. Exporters: "otlp"
// (gRPC), "stdout" and "none".
//
// # Metrics
//
// Metrics live in a private registry, exposed by the HTTP API at /metrics and by
// NewMetricsServer for queue workers:
//
//   - castwork_executions_total{status}
//   - castwork_execution_duration_seconds{status}
//   - castwork_active_executions
//   - castwork_lease_conflicts_total
//   - castwork_steps_total{type,status}
//   - castwork_step_cost_cents_total{type}
//   - castwork_provider_requests_total{type,outcome}
//   - castwork_provider_request_duration_seconds{type}
//   - castwork_scheduled_total{scheduler,outcome}
//   - castwork_swept_total{from}
//
// # Events
//
// The engine and job control publish execution and step lifecycle events. The HTTP
// API streams them to clients with SubscribeExecution:
//
//	events, unsubscribe := tel.Events.SubscribeExecution(id)
//	defer unsubscribe()
//	for ev := range events {
//	    if ev.IsTerminal() {
//	        break
//	    }
//	}
//
// Events are best effort. A slow subscriber drops events rather than blocking the
// engine; the store remains the source of truth.
package telemetry
