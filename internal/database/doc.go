// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 与纯 Go SQLite 驱动的本地存储句柄，
支持长事务读写、批量提交与一致性备份。

# 概述

本包通过 Handle 封装一个单连接的 SQLite 数据库。所有读写都在同一个
长事务中串行执行，读操作能看到尚未提交的写入，且不会读到半写状态。
写入累计到阈值后在后台提交；任意时刻至多存在一次在途提交，
并发的提交请求会加入它。

# 核心类型

  - Handle：存储句柄，提供 Write()、Read()、Commit()、Backup()、Close()。
  - Config：存储配置，包含名称、文件路径与提交阈值。
  - TxFunc：在长事务上执行的回调函数类型。

# 主要能力

  - 批量提交：每次写入递增待提交计数，达到 MinCommitTransactions
    时调度后台提交，失败会在下一次 Commit/Close 时返回。
  - 强制刷新：Commit 先等待在途提交，再强制执行一次提交。
  - 新建文件时启用 WAL 日志模式，每次打开设置 synchronous = NORMAL。
  - Remove 删除数据库文件及 -wal/-shm 附属文件，文件不存在不视为错误。
*/
package database
