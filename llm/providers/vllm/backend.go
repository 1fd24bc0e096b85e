package vllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/evalflow/internal/httpclient"
	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/llm/providers"
	"github.com/BaSui01/evalflow/types"
)

// Name 后端名称
const Name = "vllm"

// DefaultTimeout vLLM 请求排队时间可能很长
const DefaultTimeout = time.Hour

// Config vLLM 后端配置
type Config struct {
	BaseURL             string        `json:"base_url" yaml:"base_url"`
	Timeout             time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host,omitempty" yaml:"max_idle_conns_per_host,omitempty"`
}

var _ llm.Backend = (*Backend)(nil)

// Backend 是 vLLM api_server 的 llm.Backend 实现
type Backend struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New 创建 vLLM 后端
func New(cfg Config, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Backend{
		cfg: cfg,
		client: httpclient.New(httpclient.Options{
			Timeout:             cfg.Timeout,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		}),
		logger: logger.With(zap.String("component", "vllm"), zap.String("base_url", cfg.BaseURL)),
	}
}

// Name 返回后端名称
func (b *Backend) Name() string { return Name }

type generateRequest struct {
	Prompt          string   `json:"prompt"`
	MaxTokens       int      `json:"max_tokens"`
	BestOf          int      `json:"best_of"`
	Stop            []string `json:"stop"`
	Temperature     float64  `json:"temperature"`
	TopK            int      `json:"top_k"`
	TopP            float64  `json:"top_p"`
	PresencePenalty float64  `json:"presence_penalty"`
	Seed            *int64   `json:"seed,omitempty"`
}

type generateResponse struct {
	Text []string `json:"text"`
}

// TryConnect 发送一个单 token 的生成请求，200 表示可用。
// api_server 没有独立的健康检查端点。
func (b *Backend) TryConnect(ctx context.Context) error {
	resp, err := b.post(ctx, generateRequest{
		Prompt:      "Alive?",
		MaxTokens:   1,
		BestOf:      1,
		Stop:        []string{},
		Temperature: 1,
		TopK:        50,
		TopP:        1,
	})
	if err != nil {
		return err
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

// Info vLLM 不提供模型信息
func (b *Backend) Info(context.Context) (llm.Info, error) {
	return llm.Info{}, nil
}

// Generate 请求 POST /generate。presence_penalty 取 repetition_penalty - 1，
// 返回文本去掉回显的提示词前缀。
func (b *Backend) Generate(ctx context.Context, prompt string, params types.GenerateParams) (llm.BackendResponse, error) {
	stop := params.Stop
	if stop == nil {
		stop = []string{}
	}
	resp, err := b.post(ctx, generateRequest{
		Prompt:          prompt,
		MaxTokens:       params.MaxNewTokens,
		BestOf:          params.BestOf,
		Stop:            stop,
		Temperature:     params.Temperature,
		TopK:            params.TopK,
		TopP:            params.TopP,
		PresencePenalty: params.RepetitionPenalty - 1,
		Seed:            params.Seed,
	})
	if err != nil {
		return llm.BackendResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return llm.BackendResponse{}, providers.MapHTTPError(resp.StatusCode, msg, Name)
	}

	var answer generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return llm.BackendResponse{}, providers.WrapTransportError(fmt.Errorf("decode response: %w", err), Name)
	}
	if len(answer.Text) == 0 {
		return llm.BackendResponse{}, fmt.Errorf("%s: empty response", Name)
	}

	text := answer.Text[0]
	if !strings.HasPrefix(text, prompt) {
		b.logger.Debug("response does not echo the prompt")
	}
	return llm.BackendResponse{Text: strings.TrimPrefix(text, prompt)}, nil
}

func (b *Backend) post(ctx context.Context, body generateRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, providers.Endpoint(b.cfg.BaseURL, "/generate"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, providers.WrapTransportError(err, Name)
	}
	return resp, nil
}
