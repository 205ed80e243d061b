package engine

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/siteconf/pkg/model"
)

// Metrics receives engine counters. telemetry.Metrics implements it.
type Metrics interface {
	RecordReconciliation(result string)
	AddNewFeatures(n int)
	AddDuplicatesResolved(n int)
	RecordActivity(action, outcome string)
	ObserveInstall(d time.Duration)
	RecordEviction(n int)
	RecordStatus(status string)
}

type nopMetrics struct{}

func (nopMetrics) RecordReconciliation(string)   {}
func (nopMetrics) AddNewFeatures(int)            {}
func (nopMetrics) AddDuplicatesResolved(int)     {}
func (nopMetrics) RecordActivity(string, string) {}
func (nopMetrics) ObserveInstall(time.Duration)  {}
func (nopMetrics) RecordEviction(int)            {}
func (nopMetrics) RecordStatus(string)           {}

// Runtime is the process-scoped state shared by the engine components.
// Every field is optional; the zero value logs nothing, resolves no
// handlers and sees no active components.
type Runtime struct {
	Logger      zerolog.Logger
	Handlers    HandlerResolver
	Active      ActiveComponents
	Environment model.Environment
	Scratch     ScratchProvider
	Content     ContentSource
	Metrics     Metrics
	Tracer      trace.Tracer
	Clock       func() time.Time
}

// NewRuntime returns a runtime with a disabled logger.
func NewRuntime() *Runtime {
	return &Runtime{Logger: zerolog.Nop()}
}

func (r *Runtime) logger() *zerolog.Logger {
	if r == nil {
		l := zerolog.Nop()
		return &l
	}
	return &r.Logger
}

func (r *Runtime) now() time.Time {
	if r == nil || r.Clock == nil {
		return time.Now()
	}
	return r.Clock()
}

func (r *Runtime) metrics() Metrics {
	if r == nil || r.Metrics == nil {
		return nopMetrics{}
	}
	return r.Metrics
}

func (r *Runtime) tracer() trace.Tracer {
	if r == nil || r.Tracer == nil {
		return noop.NewTracerProvider().Tracer("siteconf/engine")
	}
	return r.Tracer
}

func (r *Runtime) active() ActiveComponents {
	if r == nil || r.Active == nil {
		return ActiveSet{}
	}
	return r.Active
}

func (r *Runtime) env() model.Environment {
	if r == nil {
		return model.Environment{}
	}
	return r.Environment
}
