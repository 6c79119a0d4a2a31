// Package telemetry provides logging, tracing, metrics and events for planq.
//
// Logging is zerolog, tracing is OpenTelemetry with a stdout or OTLP exporter,
// and metrics are Prometheus collectors on a private registry. planq runs as a
// short-lived command, so metrics are not served: after each run the registry
// is written to a node-exporter textfile.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	ctx = telemetry.WithRunContext(ctx, runID, workspace)
//
//	ic := telemetry.StartPhase(ctx, "reconcile")
//	err = reconcile(ic.Ctx)
//	ic.End(err)
//
//	telemetry.EndRunContext(ctx, runID, "committed", "", nil)
//	_ = tel.Flush(ctx)
//
// Events are delivered to subscribers in publish order. The engine publishes
// run, plan, item, archive, gate and policy events; the catalog subscribes to
// persist them.
package telemetry
