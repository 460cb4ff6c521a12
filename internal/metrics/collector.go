// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/BaSui01/chainmigrate/internal/tlsutil"
)

const pushTimeout = 10 * time.Second

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 迁移指标收集器
type Collector struct {
	// 步骤指标
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	lockWait     prometheus.Histogram

	// 运行指标
	runsTotal     *prometheus.CounterVec
	schemaVersion prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector 创建指标收集器。
// 指标注册在独立的 Registry 上，便于一次性推送到 Pushgateway。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// 步骤指标
	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_steps_total",
			Help:      "Total number of migration steps",
		},
		[]string{"direction", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_step_duration_seconds",
			Help:      "Migration step duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"direction"},
	)

	c.lockWait = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_lock_wait_seconds",
			Help:      "Time spent waiting for the migration lock",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// 运行指标
	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_runs_total",
			Help:      "Total number of migration runs by outcome",
		},
		[]string{"outcome", "status"},
	)

	c.schemaVersion = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_version",
			Help:      "Schema version stored after the last run or step",
		},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	return c
}

// Registry 返回指标所在的 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// =============================================================================
// 🔄 迁移指标
// =============================================================================

// ObserveStep 记录一次步骤（成功或失败）
func (c *Collector) ObserveStep(direction string, duration time.Duration, err error) {
	c.stepsTotal.WithLabelValues(direction, status(err)).Inc()
	if err == nil {
		c.stepDuration.WithLabelValues(direction).Observe(duration.Seconds())
	}
}

// ObserveVersion 记录当前 schema 版本
func (c *Collector) ObserveVersion(version int) {
	c.schemaVersion.Set(float64(version))
}

// ObserveLockWait 记录锁等待时间
func (c *Collector) ObserveLockWait(duration time.Duration) {
	c.lockWait.Observe(duration.Seconds())
}

// ObserveRun 记录一次运行的结果
func (c *Collector) ObserveRun(outcome string, err error) {
	if outcome == "" {
		outcome = "aborted"
	}
	c.runsTotal.WithLabelValues(outcome, status(err)).Inc()
}

// =============================================================================
// 🗄️ 数据库指标
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 📤 Pushgateway
// =============================================================================

// Push 将全部指标推送到 Pushgateway。
// 迁移是短生命周期进程，无法被 Prometheus 抓取。
func (c *Collector) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return errors.New("pushgateway url is required")
	}
	pusher := push.New(url, job).
		Gatherer(c.registry).
		Client(tlsutil.PushClient(pushTimeout))
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	c.logger.Debug("metrics pushed", zap.String("url", url), zap.String("job", job))
	return nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
