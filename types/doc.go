// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 evalflow 各包共享的基础类型。

# 概述

types 是最底层的公共包，不依赖任何内部包，llm、llm/cache、results
与命令行入口都通过它交换数据。

# 核心类型

  - GenerateConfig / GenerateParams：可选与合并后的生成参数
  - GenerateResponse：生成文本与耗时（秒）
  - GenerateError：生成失败的结果，分为 generate 与 offline 两类
  - ErrorRecord：GenerateError 的可持久化形式
  - Split：数据集划分 train / valid / test

# 主要能力

  - 参数合并：DefaultGenerateParams().Merge(cfg)
  - 错误判定：AsGenerateError / IsGenerateError / IsOffline
  - 错误持久化：MarshalErrorRecord / UnmarshalErrorRecord
*/
package types
