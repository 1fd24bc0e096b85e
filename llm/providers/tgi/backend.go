package tgi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/evalflow/internal/httpclient"
	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/llm/providers"
	"github.com/BaSui01/evalflow/types"
)

// Name 后端名称
const Name = "tgi"

// Config TGI 后端配置
type Config struct {
	// 服务地址，例如 http://localhost:8080
	BaseURL string `json:"base_url" yaml:"base_url"`

	// 单个请求的超时
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// 每主机空闲连接数
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host,omitempty" yaml:"max_idle_conns_per_host,omitempty"`
}

var _ llm.Backend = (*Backend)(nil)

// Backend 是 text-generation-inference 的 llm.Backend 实现
type Backend struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New 创建 TGI 后端
func New(cfg Config, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		cfg: cfg,
		client: httpclient.New(httpclient.Options{
			Timeout:             cfg.Timeout,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		}),
		logger: logger.With(zap.String("component", "tgi"), zap.String("base_url", cfg.BaseURL)),
	}
}

// Name 返回后端名称
func (b *Backend) Name() string { return Name }

// TryConnect 请求 GET /health，200 表示可用
func (b *Backend) TryConnect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, providers.Endpoint(b.cfg.BaseURL, "/health"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return providers.WrapTransportError(err, Name)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		// 凭证错误不会随重试恢复
		return providers.MapHTTPError(resp.StatusCode, providers.ReadErrorMessage(resp.Body), Name)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s health check failed: status=%d", Name, resp.StatusCode)
	}
}

// Info 请求 GET /info
func (b *Backend) Info(ctx context.Context) (llm.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, providers.Endpoint(b.cfg.BaseURL, "/info"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, providers.WrapTransportError(err, Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorMessage(resp.Body), Name)
	}

	var info llm.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%s info: decode: %w", Name, err)
	}
	return info, nil
}

type parameters struct {
	MaxNewTokens      int      `json:"max_new_tokens"`
	BestOf            int      `json:"best_of"`
	Stop              []string `json:"stop"`
	Temperature       float64  `json:"temperature"`
	TopK              int      `json:"top_k"`
	TopP              float64  `json:"top_p"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	Seed              *int64   `json:"seed,omitempty"`
	DoSample          *bool    `json:"do_sample,omitempty"`
}

type generateRequest struct {
	Inputs     string     `json:"inputs"`
	Parameters parameters `json:"parameters"`
	Stream     bool       `json:"stream"`
}

type generateResponse struct {
	GeneratedText string `json:"generated_text"`
}

// Generate 请求 POST /。推理耗时取自 X-Inference-Time 响应头（秒）。
func (b *Backend) Generate(ctx context.Context, prompt string, params types.GenerateParams) (llm.BackendResponse, error) {
	payload, err := json.Marshal(generateRequest{
		Inputs: prompt,
		Parameters: parameters{
			MaxNewTokens:      params.MaxNewTokens,
			BestOf:            params.BestOf,
			Stop:              params.Stop,
			Temperature:       params.Temperature,
			TopK:              params.TopK,
			TopP:              params.TopP,
			RepetitionPenalty: params.RepetitionPenalty,
			Seed:              params.Seed,
			DoSample:          params.DoSample,
		},
	})
	if err != nil {
		return llm.BackendResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, providers.Endpoint(b.cfg.BaseURL, "/"), bytes.NewReader(payload))
	if err != nil {
		return llm.BackendResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return llm.BackendResponse{}, providers.WrapTransportError(err, Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return llm.BackendResponse{}, providers.MapHTTPError(resp.StatusCode, msg, Name)
	}

	var answer []generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return llm.BackendResponse{}, providers.WrapTransportError(fmt.Errorf("decode response: %w", err), Name)
	}
	if len(answer) == 0 {
		return llm.BackendResponse{}, fmt.Errorf("%s: empty response", Name)
	}

	out := llm.BackendResponse{Text: answer[0].GeneratedText}
	if header := resp.Header.Get("X-Inference-Time"); header != "" {
		if seconds, err := strconv.ParseFloat(header, 64); err == nil {
			out.Duration = &seconds
		} else {
			b.logger.Debug("ignoring malformed X-Inference-Time", zap.String("value", header))
		}
	}
	return out, nil
}
