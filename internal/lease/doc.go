// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 lease 提供基于 Redis 的互斥租约，用于在多个进程之间串行化
Schema 迁移步骤。

# 概述

Manager 封装 go-redis 客户端，通过 SET NX PX 取得租约，争用时
按 golang.org/x/time/rate 限速重试，直到取得租约或 context 结束。
取得的 Lease 在后台按 ttl/3 周期续期，Release 使用 Lua 脚本做
“比较 token 后删除”，不会误删其他持有者的租约。

# 核心类型

  - Manager：租约管理器，持有 Redis 客户端，提供 Acquire/Holder/
    Ping/Close。
  - Config：租约配置，包含地址、连接池、默认 TTL 与重试间隔。
  - Lease：已取得的租约，提供 Key/Token/Release。

# 错误语义

  - ErrLeaseLost：释放时发现租约已过期或易主。
  - ErrClosed：管理器已关闭。
*/
package lease
