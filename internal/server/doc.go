// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供评测运行期间的运维 HTTP 端点。

# 端点

  - /metrics：Prometheus 文本格式，来源为传入的 Gatherer。
  - /healthz：调用 HealthCheck，健康时返回 200，否则返回 503 与错误信息。

# 生命周期

Start 非阻塞启动，监听 ":0" 时可用 ListenAddr 取得实际端口；
Shutdown 在 ShutdownTimeout 内排空请求，重复调用安全；
Errors 返回服务异常退出的错误通道。
*/
package server
