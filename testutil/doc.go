/*
Package testutil 提供 evalflow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步辅助: WaitFor / WaitForChannel / AssertEventuallyTrue / Gate
  - 日志辅助: ObservedLogger 捕获 zap 日志条目
  - 数据工具: TempDir / WriteJSONLines

# 子包

  - testutil/mocks: MockBackend，按脚本返回结果的生成后端，
    支持健康探测失败、硬失败与软失败注入

# 使用示例

	ctx := testutil.TestContext(t)
	backend := mocks.NewMockBackend().WithResponse("prompt", "hello")
	client := llm.NewClient(backend, nil, llm.ClientConfig{})
	resp, err := client.Generate(ctx, "prompt", types.GenerateConfig{})
*/
package testutil
