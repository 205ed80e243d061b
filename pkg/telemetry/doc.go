// Package telemetry provides the observability stack: zerolog logging,
// Prometheus metrics and OpenTelemetry tracing.
//
// Initialize telemetry at startup and hand its parts to the engine runtime:
//
//	tel, err := telemetry.NewTelemetry(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	rt := engine.NewRuntime()
//	rt.Logger = tel.Logger.Component("engine")
//	rt.Metrics = tel.Metrics
//	rt.Tracer = tel.Tracer.Tracer()
//
// # Metrics
//
// All collectors live under the siteconf namespace in a private registry:
// reconciliations_total{result}, features_new_total,
// duplicates_resolved_total, activities_total{action,outcome},
// install_duration_seconds, history_evictions_total,
// status_evaluations_total{status}, fetch_inflight and
// fetch_rejections_total.
//
// # Tracing
//
// Spans cover reconcile, install, remove and revert. The exporter is
// stdout or OTLP over gRPC; a disabled tracer uses no-op spans.
package telemetry
