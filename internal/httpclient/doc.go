// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// 包 httpclient 构造推理后端使用的 HTTP 客户端：TLS 1.2+ 与 AEAD 套件、
// 按主机复用的空闲连接池以及请求超时。
package httpclient
