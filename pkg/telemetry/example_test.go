package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/siteconf/pkg/telemetry"
)

// Example_basicSetup demonstrates wiring telemetry at startup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(context.Background(), cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	log := tel.Logger.Component("reconciler")
	log.Info().Str("site", "file:///opt/app").Msg("Reconciling")
}

// Example_jsonLogging shows the JSON writer with a component field.
func Example_jsonLogging() {
	cfg := telemetry.DefaultConfig().Logging
	cfg.Format = "json"
	cfg.TimeFormat = "unix"

	logger := telemetry.NewWriterLogger(cfg, os.Stdout)
	log := logger.Component("fetch")
	log.Info().Str("location", "https://updates.example.com/site.yaml").Msg("Fetched")
}

// Example_metrics records engine counters.
func Example_metrics() {
	m, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		panic(err)
	}
	m.RecordReconciliation("changed")
	m.AddNewFeatures(2)
	m.RecordStatus("happy")

	families, _ := m.Registry().Gather()
	fmt.Println(len(families) > 0)
	// Output: true
}
