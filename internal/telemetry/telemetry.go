// =============================================================================
// evalflow OpenTelemetry SDK 初始化
// =============================================================================
// 未启用时不创建导出器，全局 Provider 保持 noop。
// =============================================================================

package telemetry

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BaSui01/evalflow/config"
)

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider。
// 未启用时两者均为 nil，Shutdown 为空操作。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

type options struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
	attributes   map[string]string
}

// Option 初始化选项
type Option func(*options)

// WithSpanExporter 使用给定的 span 导出器代替 OTLP，span 同步导出
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = exp }
}

// WithMetricReader 使用给定的指标读取器代替 OTLP 周期导出
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.metricReader = r }
}

// WithAttribute 添加资源属性，例如实验 ID 与运行 ID
func WithAttribute(key, value string) Option {
	return func(o *options) {
		if o.attributes == nil {
			o.attributes = make(map[string]string)
		}
		o.attributes[key] = value
	}
}

// Init 初始化 OTel SDK 并注册为全局 Provider
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(buildVersion()),
		),
	}
	for k, v := range o.attributes {
		attrs = append(attrs, resource.WithAttributes(attribute.String(k, v)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if o.spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithSyncer(o.spanExporter))
	} else {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}

	reader := o.metricReader
	if reader == nil {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Providers{tp: tp, mp: mp}, nil
}

// Shutdown 刷新未导出的数据并关闭导出器。nil 或 noop Providers 上调用安全。
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var err error
	if p.tp != nil {
		if e := p.tp.Shutdown(ctx); e != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown tracer provider: %w", e))
		}
	}
	if p.mp != nil {
		if e := p.mp.Shutdown(ctx); e != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown meter provider: %w", e))
		}
	}
	return err
}

// buildVersion 取模块版本，不可用时为 "dev"
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
