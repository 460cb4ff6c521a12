// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的迁移指标采集能力，覆盖步骤、
运行、锁等待与数据库连接四个维度。

# 概述

Collector 在独立的 prometheus.Registry 上通过 promauto.With 注册
全部指标，所有指标按 namespace 隔离。迁移进程寿命很短，结束前
调用 Push 把指标推送到 Pushgateway。

# 核心类型

  - Collector：指标收集器，实现迁移执行器的 StepObserver 接口。

# 主要能力

  - 步骤指标：步骤总数（按 direction/status）与步骤耗时 Histogram。
  - 运行指标：按 outcome 分组的运行次数，以及当前 schema 版本 Gauge。
  - 锁指标：锁等待耗时 Histogram。
  - 数据库指标：打开/空闲连接数 Gauge，按 database 分组。
  - 推送：Push 通过 prometheus/push 推送到 Pushgateway。
*/
package metrics
