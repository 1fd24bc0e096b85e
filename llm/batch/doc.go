// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 batch 提供有界并发的任务调度，用于对大量生成请求执行同一 Worker。

# 核心接口

  - Worker：处理单个任务的函数，接收可被取消的 ctx。
  - Source：不可重启的任务序列；FromSlice 适配切片并提供 Len。
  - AsyncMap：按并发上限调度任务，只能 Start 一次。
  - Iterator：按完成顺序产出结果，用法与 bufio.Scanner 相同。

# 调度规则

  - Start 立即启动 min(maxTasks, 剩余任务数) 个任务。
  - 每消费一个成功结果就启动下一个任务，同时未消费的任务数不超过 maxTasks。
  - 第一个失败的任务停止取任务并取消其余任务；等待全部结束后，
    剔除取消信号：没有真实错误时返回取消错误，一个时原样返回，
    多个时用 multierr 合并（multierr.Errors 可还原）。
  - Worker 的 panic 被恢复并视为失败，错误包装 ErrWorkerPanic。

# 使用方式

	m := batch.NewAsyncMap(worker, batch.FromSlice(prompts), 8)
	it, err := m.Start(ctx)
	if err != nil {
	    return err
	}
	defer it.Close()
	for it.Next() {
	    handle(it.Result())
	}
	return it.Err()
*/
package batch
