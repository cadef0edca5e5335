package telemetry_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/deployer/pkg/telemetry"
)

// Example_structuredLogging demonstrates deployment-aware log fields.
func Example_structuredLogging() {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.NewComponentLogger("orchestrator").
		WithDeployment("production").
		WithUnit("postgres", "install").
		Info().Msg("Unit started")

	line := buf.String()
	fmt.Println(strings.Contains(line, `"deployment":"production"`))
	fmt.Println(strings.Contains(line, `"unit":"postgres"`))
	// Output:
	// true
	// true
}

// Example_runInstrumentation demonstrates instrumenting a run with two units.
func Example_runInstrumentation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "error"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}

	var types []string
	tel.Events.Subscribe(func(e telemetry.Event) {
		types = append(types, e.Type)
	}, telemetry.FilterByRunID("run-1"))

	ctx, run := tel.StartRun(context.Background(), "run-1", "production", "start")

	_, db := run.StartUnit(ctx, "postgres", "")
	db.Skipped()

	_, web := run.StartUnit(ctx, "web", "web-01")
	web.End("succeeded", nil)

	run.End("succeeded", nil)

	if err := tel.Shutdown(context.Background()); err != nil {
		panic(err)
	}
	fmt.Println(strings.Join(types, "\n"))
	// Output:
	// run.started
	// unit.started
	// unit.skipped
	// unit.started
	// unit.succeeded
	// run.completed
}
