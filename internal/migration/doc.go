// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 实现链式 Schema 迁移引擎：数据库沿着一条版本号逐一
递增的迁移链前进或回退，当前版本保存在数据库内的单行版本表中，
每一步在独立事务中执行。

# 概述

迁移链由 Registry 保存，构造时校验链从版本 1 开始、每条迁移恰好
前进一个版本、没有重复也没有缺口。Executor 执行单个步骤：在事务内
先取锁，再读取版本并校验前置条件，执行 SQL，最后写入新版本；任何
失败都会整体回滚。Migrator 反复调用 Executor 直到到达目标版本、
链已耗尽或回退到根版本。

# 核心接口与类型

  - Migration：单条迁移记录（起始版本、产出版本、描述、up/down SQL）。
  - Registry：按起始版本与产出版本双索引的迁移链，提供 FindForward /
    FindBackward / Plan。
  - VersionStore / TableStore：单行版本表的读写；Provisioner 负责建表
    与播种根版本。
  - Locker：步骤锁，实现有 AdvisoryLocker（PostgreSQL
    pg_advisory_xact_lock）、RowLocker（SELECT ... FOR UPDATE）、
    RedisLocker（Redis 租约）与 NopLocker。
  - Executor：单步执行器，带超时、瞬时错误重试、指标与 span。
  - Migrator：驱动器，提供 MigrateTo / Up / Down / Reset / Steps /
    Plan / Status / Info / CurrentVersion。Result.Outcome 区分
    reached、chain_exhausted、root_reached 与 overshot；严格模式下
    未到达目标返回 ErrTargetUnreachable。
  - CLI：命令行交互层，封装 Runner 提供格式化输出。

# MySQL 与 MariaDB

这两种数据库在每条 DDL 语句前后隐式提交，步骤因此不是原子的：DDL
提交时行锁随之释放，若随后写版本失败，schema 已经改变而版本仍是旧值。
NewMigratorFromConfig 连接到此类数据库时会记录警告。建议每个步骤只含
一条 DDL，并使用 Redis 锁。

# 迁移来源

  - YAML 清单：ParseManifest / LoadManifest。
  - SQL 目录：LoadDir 读取 golang-migrate 风格的
    {version}_{title}.up.sql / .down.sql，版本 N 的文件对表示 N→N+1。
  - LoadSource 按路径类型自动选择。

# 工厂

NewMigratorFromConfig 根据应用配置连接数据库、加载迁移链并装配锁，
NewLocker 按 lock.backend 选择锁实现。
*/
package migration
