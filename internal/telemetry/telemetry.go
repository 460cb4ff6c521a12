package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/BaSui01/chainmigrate/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// =============================================================================
// 🎯 迁移目标
// =============================================================================

// 迁移相关的资源属性键
const (
	VersionTableKey = attribute.Key("chainmigrate.version_table")
	SourceKey       = attribute.Key("chainmigrate.source")
	LockBackendKey  = attribute.Key("chainmigrate.lock_backend")
	StrictKey       = attribute.Key("chainmigrate.strict")
)

// Target 描述一次运行所迁移的数据库，写入 OTel 资源，
// 使同一数据库的 span 与指标可以按目标聚合。
type Target struct {
	Dialect      string
	VersionTable string
	Source       string
	LockBackend  string
	Strict       bool
}

// TargetFromConfig 从应用配置提取迁移目标
func TargetFromConfig(cfg *config.Config) Target {
	if cfg == nil {
		return Target{}
	}
	return Target{
		Dialect:      strings.ToLower(cfg.Database.Driver),
		VersionTable: cfg.Migration.VersionTable,
		Source:       cfg.Migration.Source,
		LockBackend:  cfg.Lock.Backend,
		Strict:       cfg.Migration.Strict,
	}
}

// Attributes 返回目标的资源属性，空字段省略
func (t Target) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if t.Dialect != "" {
		attrs = append(attrs, semconv.DBSystemKey.String(t.Dialect))
	}
	if t.VersionTable != "" {
		attrs = append(attrs, VersionTableKey.String(t.VersionTable))
	}
	if t.Source != "" {
		attrs = append(attrs, SourceKey.String(t.Source))
	}
	if t.LockBackend != "" {
		attrs = append(attrs, LockBackendKey.String(t.LockBackend))
	}
	return append(attrs, StrictKey.Bool(t.Strict))
}

// =============================================================================
// 🔭 OTel 初始化
// =============================================================================

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider。
// 遥测关闭时两者为 nil，Shutdown 为空操作。
type Providers struct {
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	target Target
}

// Init 初始化 OTel SDK。cfg.Enabled 为 false 时返回 noop Providers，
// 不连接任何外部服务。
func Init(cfg config.TelemetryConfig, target Target, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Debug("telemetry disabled, using noop providers")
		return &Providers{target: target}, nil
	}

	ctx := context.Background()

	res, err := newResource(ctx, cfg.ServiceName, target)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	// 迁移进程很短，span 需在 Shutdown 时全部刷出
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
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
		zap.String("dialect", target.Dialect),
		zap.String("version_table", target.VersionTable),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Providers{tp: tp, mp: mp, target: target}, nil
}

// newResource 组合服务信息与迁移目标
func newResource(ctx context.Context, serviceName string, target Target) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(buildVersion()),
	}, target.Attributes()...)

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

// Target 返回初始化时的迁移目标
func (p *Providers) Target() Target {
	if p == nil {
		return Target{}
	}
	return p.target
}

// Tracer 返回 SDK 提供的 tracer，遥测关闭时退回全局 provider
func (p *Providers) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown 刷出未导出的 span 与指标并关闭 exporter。
// 对 noop Providers 安全。
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

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
