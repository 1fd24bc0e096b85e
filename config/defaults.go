// =============================================================================
// 📦 evalflow 默认配置
// =============================================================================

package config

import (
	"github.com/BaSui01/evalflow/internal/database"
	"github.com/BaSui01/evalflow/llm"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Experiment: DefaultExperimentConfig(),
		Client:     DefaultClientConfig(),
		Cache:      DefaultStoreConfig(),
		Results:    DefaultResultsConfig(),
		Scheduler:  DefaultSchedulerConfig(),
		Log:        DefaultLogConfig(),
		Metrics:    DefaultMetricsConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultExperimentConfig 返回默认实验配置
func DefaultExperimentConfig() ExperimentConfig {
	return ExperimentConfig{Dir: "data"}
}

// DefaultClientConfig 返回默认客户端配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Backend:             "tgi",
		BaseURL:             "http://localhost:8080",
		MaxIdleConnsPerHost: 64,
		Connection:          llm.DefaultClientConfig(),
	}
}

// DefaultStoreConfig 返回默认缓存配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MinCommitTransactions: database.DefaultMinCommitTransactions,
	}
}

// DefaultResultsConfig 返回默认结果存储配置，每次运行前清空旧结果
func DefaultResultsConfig() StoreConfig {
	cfg := DefaultStoreConfig()
	cfg.Clean = true
	return cfg
}

// DefaultSchedulerConfig 返回默认调度配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{MaxTasks: 32}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Addr:      ":9091",
		Namespace: "evalflow",
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "evalflow",
		SampleRate:   0.1,
	}
}
