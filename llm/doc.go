// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供面向推理后端的生成客户端。

# 概述

[Client] 包装一个 [Backend]，在其上提供记忆化、惰性连接与故障恢复：

  - 记忆存储中的成功结果直接返回，不需要连接后端。
  - 首次需要后端时按固定间隔探测健康状态，直到 ConnectTimeout。
    并发调用方共享同一次连接尝试。后端返回不可重试的错误（如 401）时立即失败。
  - 后端拒绝请求（软失败）时写入记忆存储，相同 prompt 之后不再请求。
  - 连接中断、超时或后端崩溃（硬失败）时断开连接、重连后重试整个请求。
    每个连接 epoch 最多消耗一次重连预算，预算耗尽后客户端进入终止状态。
  - 离线错误从不写入；若存在先前存储的错误，它成为离线错误的 Cause。

# 连接状态

	Disconnected --Connect--> Connecting --探测成功--> Connected
	Connecting --超时--> Failed
	Connected --硬失败--> Disconnected（预算 -1）
	Disconnected --预算耗尽--> Failed

# 核心类型

  - [Backend]：后端适配接口，实现见 llm/providers 下的 tgi、vllm、offline。
  - [Error]：传输层错误，Retryable 决定是否触发重连。
  - [Capture]：按观测累计耗时并吸收生成错误。
  - [ClientConfig]：连接超时、探测间隔、重连预算、限流与默认生成参数。

# 使用方式

	backend, err := factory.NewBackendFromConfig("tgi", factory.BackendConfig{BaseURL: "http://localhost:8080"}, logger)
	if err != nil {
	    return err
	}
	client := llm.NewClient(backend, memo, llm.DefaultClientConfig(), llm.WithLogger(logger))
	resp, err := client.Generate(ctx, prompt, types.GenerateConfig{MaxNewTokens: types.Ptr(50)})
*/
package llm
