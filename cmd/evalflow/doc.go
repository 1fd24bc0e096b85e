// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
evalflow 是批量生成评测的命令行入口。

run 子命令读取 JSON lines 提示词文件，连接配置的生成后端，
以有界并发为每个提示词生成回答，并按 (split, idx) 写入结果存储。
生成缓存以实验 ID 命名，参数相同的重复运行只请求缺失的提示词。
SIGINT/SIGTERM 会取消运行，已写入的结果仍会提交。

health 子命令对后端做一次健康探测。
*/
package main
