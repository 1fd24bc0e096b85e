// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 providers 提供推理后端实现共用的错误映射与辅助函数。
具体后端位于子包：tgi（text-generation-inference）、vllm（vLLM api_server）
与 offline（不访问网络）。

# 错误分类

  - MapHTTPError：400/413/422/424 映射为软失败 types.GenerateError；
    408/429/5xx/529 映射为可重试的 llm.Error；其余为不可重试的 llm.Error
  - WrapTransportError：传输层错误包装为可重试的 llm.Error
  - ReadErrorMessage：从错误响应体中提取消息
*/
package providers
