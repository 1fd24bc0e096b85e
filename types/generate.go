package types

// 默认生成参数。
const (
	DefaultMaxNewTokens      = 20
	DefaultBestOf            = 1
	DefaultTemperature       = 1.0
	DefaultTopK              = 50
	DefaultTopP              = 1.0
	DefaultRepetitionPenalty = 1.0
)

// GenerateConfig 是调用方传入的可选生成参数，nil 字段表示使用默认值。
type GenerateConfig struct {
	MaxNewTokens      *int     `json:"max_new_tokens,omitempty" yaml:"max_new_tokens,omitempty"`
	BestOf            *int     `json:"best_of,omitempty" yaml:"best_of,omitempty"`
	Stop              []string `json:"stop,omitempty" yaml:"stop,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	TopP              *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty"`
	Seed              *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	DoSample          *bool    `json:"do_sample,omitempty" yaml:"do_sample,omitempty"`
}

// GenerateParams 是合并默认值后的完整生成参数。
type GenerateParams struct {
	MaxNewTokens      int      `json:"max_new_tokens" yaml:"max_new_tokens"`
	BestOf            int      `json:"best_of" yaml:"best_of"`
	Stop              []string `json:"stop" yaml:"stop"`
	Temperature       float64  `json:"temperature" yaml:"temperature"`
	TopK              int      `json:"top_k" yaml:"top_k"`
	TopP              float64  `json:"top_p" yaml:"top_p"`
	RepetitionPenalty float64  `json:"repetition_penalty" yaml:"repetition_penalty"`
	Seed              *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	DoSample          *bool    `json:"do_sample,omitempty" yaml:"do_sample,omitempty"`
}

// DefaultGenerateParams 返回内置默认参数。
func DefaultGenerateParams() GenerateParams {
	return GenerateParams{
		MaxNewTokens:      DefaultMaxNewTokens,
		BestOf:            DefaultBestOf,
		Stop:              []string{},
		Temperature:       DefaultTemperature,
		TopK:              DefaultTopK,
		TopP:              DefaultTopP,
		RepetitionPenalty: DefaultRepetitionPenalty,
	}
}

// Merge 将 cfg 中设置的字段覆盖到 p 的副本上。
func (p GenerateParams) Merge(cfg GenerateConfig) GenerateParams {
	out := p
	out.Stop = append([]string{}, p.Stop...)

	if cfg.MaxNewTokens != nil {
		out.MaxNewTokens = *cfg.MaxNewTokens
	}
	if cfg.BestOf != nil {
		out.BestOf = *cfg.BestOf
	}
	if cfg.Stop != nil {
		out.Stop = append([]string{}, cfg.Stop...)
	}
	if cfg.Temperature != nil {
		out.Temperature = *cfg.Temperature
	}
	if cfg.TopK != nil {
		out.TopK = *cfg.TopK
	}
	if cfg.TopP != nil {
		out.TopP = *cfg.TopP
	}
	if cfg.RepetitionPenalty != nil {
		out.RepetitionPenalty = *cfg.RepetitionPenalty
	}
	if cfg.Seed != nil {
		seed := *cfg.Seed
		out.Seed = &seed
	}
	if cfg.DoSample != nil {
		doSample := *cfg.DoSample
		out.DoSample = &doSample
	}
	return out
}

// GenerateResponse 是一次成功生成的结果。Duration 单位为秒。
type GenerateResponse struct {
	Text     string  `json:"response"`
	Duration float64 `json:"duration"`
}

// Ptr 返回 v 的指针，便于构造 GenerateConfig。
func Ptr[T any](v T) *T {
	return &v
}
