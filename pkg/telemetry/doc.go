// Package telemetry provides observability for command runs.
//
// It bundles structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process event publisher behind a single Telemetry
// value that the orchestrator threads through a run.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx, run := tel.StartRun(ctx, runID, "production", "install")
//	unitCtx, unit := run.StartUnit(ctx, "postgres", "db-01")
//	err = doInstall(unitCtx)
//	unit.End("succeeded", err)
//	run.End("succeeded", nil)
//
// Every run produces one run span with a child span per unit command, a
// run.started and run.completed (or run.failed) event bracketing unit.*
// events, and counters and histograms labelled by command and status.
//
// # Logging
//
// Loggers carry run_id, deployment, unit and command fields and travel in the
// context:
//
//	logger := telemetry.FromContext(ctx)
//	logger.Info().Str("version", v).Msg("Package installed")
//
// # Metrics
//
// Metrics live in a private registry exposed through Metrics.Handler or
// Metrics.StartMetricsServer. A disabled Metrics accepts every call and
// records nothing.
//
// # Events
//
// Subscribers receive events in publish order from a single worker
// goroutine. Shutdown delivers whatever is still queued before returning.
package telemetry
