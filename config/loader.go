// =============================================================================
// 📦 evalflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("evalflow.yaml").
//	    WithEnvPrefix("EVALFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================

package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/evalflow/llm"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 evalflow 的完整配置结构
type Config struct {
	// Experiment 实验标识
	Experiment ExperimentConfig `yaml:"experiment" env:"EXPERIMENT"`

	// Client 生成客户端与后端
	Client ClientConfig `yaml:"client" env:"CLIENT"`

	// Cache 生成缓存
	Cache StoreConfig `yaml:"cache" env:"CACHE"`

	// Results 结果存储
	Results StoreConfig `yaml:"results" env:"RESULTS"`

	// Scheduler 并发调度
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标端点
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ExperimentConfig 组成实验 ID 的各部分
type ExperimentConfig struct {
	// 实验名
	Name string `yaml:"name" env:"NAME"`
	// 模型名，为空时取后端信息中的 model_id
	Model string `yaml:"model" env:"MODEL"`
	// 数据集名
	Dataset string `yaml:"dataset" env:"DATASET"`
	// 随机种子，为空时实验 ID 不含种子；0 也是有效种子
	Seed *int `yaml:"seed" env:"SEED"`
	// 持久化根目录，缓存位于 <dir>/database，结果位于 <dir>/results/<kind>
	Dir string `yaml:"dir" env:"DIR"`
}

// ClientConfig 生成后端与客户端配置
type ClientConfig struct {
	// 后端: tgi, vllm, offline
	Backend string `yaml:"backend" env:"BACKEND"`
	// 后端地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 单个 HTTP 请求超时，0 使用后端默认值
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 每主机空闲连接数
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host" env:"MAX_IDLE_CONNS_PER_HOST"`
	// 连接、重连、限流与默认生成参数
	Connection llm.ClientConfig `yaml:"connection" env:"CONNECTION"`
}

// StoreConfig SQLite 存储配置
type StoreConfig struct {
	// 存储目录，为空时取 experiment.dir 下的默认目录；两者都为空时使用内存数据库
	Dir string `yaml:"dir" env:"DIR"`
	// 累计多少次写入后触发后台提交
	MinCommitTransactions int `yaml:"min_commit_transactions" env:"MIN_COMMIT_TRANSACTIONS"`
	// 打开新存储时用于初始化的已有存储名
	Deps []string `yaml:"deps" env:"DEPS"`
	// 打开前删除已有文件
	Clean bool `yaml:"clean" env:"CLEAN"`
}

// SchedulerConfig 调度配置
type SchedulerConfig struct {
	// 同时运行的任务上限
	MaxTasks int `yaml:"max_tasks" env:"MAX_TASKS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig Prometheus 端点配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "EVALFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置。显式指定的文件必须存在。
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置带 env tag 的字段
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.Pointer:
		if field.Type().Elem().Kind() == reflect.Struct {
			return fmt.Errorf("unsupported pointer field type %s", field.Type())
		}
		ptr := reflect.New(field.Type().Elem())
		if err := setFieldValue(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)

	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 校验
// =============================================================================

// Validate 校验配置，返回所有违规项的组合错误
func (c *Config) Validate() error {
	var err error

	if c.Experiment.Name == "" {
		err = multierr.Append(err, fmt.Errorf("experiment.name is required"))
	}

	// 后端名称由 factory.Registry 在创建时校验
	if c.Client.Backend == "" {
		err = multierr.Append(err, fmt.Errorf("client.backend is required"))
	}
	if c.Client.Backend != "offline" && c.Client.BaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("client.base_url is required for backend %q", c.Client.Backend))
	}
	if c.Client.Timeout < 0 {
		err = multierr.Append(err, fmt.Errorf("client.timeout must not be negative"))
	}
	if c.Client.Connection.RequestsPerSecond < 0 {
		err = multierr.Append(err, fmt.Errorf("client.connection.requests_per_second must not be negative"))
	}

	if c.Scheduler.MaxTasks < 1 {
		err = multierr.Append(err, fmt.Errorf("scheduler.max_tasks must be positive"))
	}

	for name, store := range map[string]StoreConfig{"cache": c.Cache, "results": c.Results} {
		if store.MinCommitTransactions < 0 {
			err = multierr.Append(err, fmt.Errorf("%s.min_commit_transactions must not be negative", name))
		}
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		err = multierr.Append(err, fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		err = multierr.Append(err, fmt.Errorf("telemetry.sample_rate must be between 0 and 1"))
	}

	return err
}
