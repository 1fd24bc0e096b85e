// Package config 提供 evalflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → EVALFLOW_* 环境变量 的顺序叠加，
// Validate 一次性报告所有非法项。
package config
