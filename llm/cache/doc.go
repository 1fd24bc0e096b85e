// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供 prompt → 生成结果的持久化记忆存储，避免重复执行
代价高昂的生成请求。

# 概述

GenerationCache 以 SQLite 文件保存每个 prompt 的成功响应或生成错误，
每个 prompt 至多一条记录，后写覆盖先写。写入在长事务中批量提交，
读操作能看到尚未提交的写入。

新建缓存时可以声明依赖缓存：若缓存文件此前不存在，依赖中已有的条目
会被复制进来（跳过自身和不存在的依赖），使新实验复用旧实验的结果。

# 核心类型

  - GenerationCache：记忆存储，提供 Open/Put/Get/Has/Iterate/Commit/Close/Remove。
  - Entry：缓存条目，Response 与 Err 恰好设置其一。
  - Config：名称、目录、依赖与提交阈值。

# 存储格式

	Cache(prompt TEXT PRIMARY KEY, response TEXT, duration REAL, error BLOB, trace TEXT)

error 列保存 types.ErrorRecord 的 JSON 编码。离线错误永远不会被存储。
*/
package cache
