// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 chainmigrate 命令行程序入口。

# 概述

cmd/chainmigrate 是链式 Schema 迁移引擎的薄驱动程序：加载配置与
迁移链，连接数据库，装配步骤锁、指标与追踪，然后执行一个子命令。

# 子命令

  - init：创建版本表并写入根版本 1
  - to / up / down / reset / steps：沿迁移链前进或回退
  - plan / status / info / version：只读查询
  - validate：只校验迁移链，不连接数据库

# 退出码

  - 0：成功
  - 1：失败（配置错误、版本不匹配、SQL 执行失败等）
  - 2：严格模式下目标版本不可达

# 可观测性

启用 metrics 时每次运行结束后把指标推送到 Pushgateway；启用 telemetry
时每次运行与每个步骤都生成 span。构建信息 Version、BuildTime、
GitCommit 通过 ldflags 注入。
*/
package main
