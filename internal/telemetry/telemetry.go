// Package telemetry installs the OpenTelemetry SDK providers used by the
// coordinator's metrics and spans and, optionally, by the application logs.
//
// All three signals are exported to a writer (stderr by default) by the
// stdout exporters. When telemetry is disabled nothing is installed and the
// global providers stay no-ops.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Iron-Ham/keyforge/internal/config"
)

// ServiceName identifies this process in exported telemetry.
const ServiceName = "keyforge"

// Config controls Setup.
type Config struct {
	Enabled        bool
	ExportInterval time.Duration
	// BridgeLogs builds a slog handler that feeds the log pipeline.
	BridgeLogs bool
	// Writer receives the exported signals. Defaults to os.Stderr.
	Writer io.Writer
}

// ConfigFrom converts the telemetry section of the application config.
func ConfigFrom(c config.TelemetryConfig) Config {
	return Config{
		Enabled:        c.Enabled,
		ExportInterval: c.ExportInterval(),
		BridgeLogs:     c.BridgeLogs,
	}
}

// Provider owns the installed SDK providers.
type Provider struct {
	shutdown   []func(context.Context) error
	logHandler slog.Handler
	once       sync.Once
	err        error
}

// Setup installs tracer, meter and logger providers as the OpenTelemetry
// globals. The returned Provider must be shut down to flush pending
// telemetry. A disabled config yields a Provider that does nothing.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{}
	if !cfg.Enabled {
		return p, nil
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	w = &lockedWriter{w: w}

	res := resource.NewSchemaless(attribute.String("service.name", ServiceName))

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.Join(err, p.Shutdown(ctx))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	p.shutdown = append(p.shutdown, tp.Shutdown)
	otel.SetTracerProvider(tp)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, errors.Join(err, p.Shutdown(ctx))
	}
	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if cfg.ExportInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	p.shutdown = append(p.shutdown, mp.Shutdown)
	otel.SetMeterProvider(mp)

	logExp, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		return nil, errors.Join(err, p.Shutdown(ctx))
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	p.shutdown = append(p.shutdown, lp.Shutdown)
	global.SetLoggerProvider(lp)

	if cfg.BridgeLogs {
		p.logHandler = otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(lp))
	}
	return p, nil
}

// LogHandler returns the bridge handler, or nil when logs are not bridged.
func (p *Provider) LogHandler() slog.Handler {
	return p.logHandler
}

// Shutdown flushes and stops every installed provider. It is safe to call
// more than once; later calls return the first result.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		var errs []error
		for i := len(p.shutdown) - 1; i >= 0; i-- {
			errs = append(errs, p.shutdown[i](ctx))
		}
		p.shutdown = nil
		p.err = errors.Join(errs...)
	})
	return p.err
}

// lockedWriter serializes the exporters, which write from their own
// goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(b)
}
