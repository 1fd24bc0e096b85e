// Package factory 维护生成后端的注册表，按名称创建后端，
// 使 llm 包无需依赖 llm/providers 下的具体实现。
//
// 注册表在进程启动时创建一次（New 预置 tgi、vllm、offline），
// 通过 Register 追加其他后端后注入命令行或测试。
package factory
