// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的评测运行指标采集能力，覆盖
生成调用、连接状态、记忆缓存、结果存储与调度器五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标。指标注册到调用方
传入的 Registerer（为 nil 时使用默认 Registry），按 namespace 隔离，
便于同一进程内多次创建而不产生重复注册冲突。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标。所有 Record 方法对 nil 接收者安全，
    组件可以在未配置指标时直接传入 nil。

# 主要能力

  - 生成指标：按 backend/outcome 统计请求数与耗时。
  - 连接指标：重连次数与当前连接状态。
  - 缓存指标：按 store 统计命中与未命中。
  - 存储指标：提交次数、提交耗时与待提交写入数。
  - 调度指标：在途任务数与任务结果计数。
*/
package metrics
