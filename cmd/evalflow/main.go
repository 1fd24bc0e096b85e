// =============================================================================
// evalflow 主入口
// =============================================================================
// 对一批提示词运行生成评测，结果写入 SQLite 结果存储
//
// 使用方法:
//
//	evalflow run --config evalflow.yaml --prompts prompts.jsonl --split test
//	evalflow health --config evalflow.yaml   # 探测一次后端
//	evalflow version                         # 显示版本信息
// =============================================================================

package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/evalflow/config"
	"github.com/BaSui01/evalflow/llm/factory"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	backends := factory.New()

	switch os.Args[1] {
	case "run":
		os.Exit(runCommand(os.Args[2:], backends))
	case "health":
		os.Exit(healthCommand(os.Args[2:], backends))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("evalflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`evalflow - batch LLM evaluation runner

Usage:
  evalflow <command> [options]

Commands:
  run       Generate a response for every prompt and store the results
  health    Probe the configured backend once
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>         Path to configuration file (YAML)
  --prompts <path>        JSON lines file of {"idx": n, "prompt": "..."}
  --name <name>           Experiment name (overrides experiment.name)
  --split <split>         Dataset split: train, valid or test (default test)
  --max-tasks <n>         Concurrent generation limit
  --clean-results         Remove the result store before the run (default true)
  --clean-cache           Remove the generation cache before the run (default false)

Environment variables prefixed with EVALFLOW_ override the configuration file,
e.g. EVALFLOW_CLIENT_BASE_URL=http://gpu-01:8080.

Examples:
  evalflow run --config evalflow.yaml --prompts data/prompts.jsonl --name sentiment
  evalflow run --prompts prompts.jsonl --clean-cache
  evalflow health --config evalflow.yaml
  evalflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
