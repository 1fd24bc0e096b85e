package vllm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/testutil"
	"github.com/BaSui01/evalflow/types"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{BaseURL: server.URL}, zaptest.NewLogger(t))
}

func TestNew_DefaultTimeout(t *testing.T) {
	b := New(Config{BaseURL: "http://localhost:8000"}, nil)
	assert.Equal(t, DefaultTimeout, b.client.Timeout)

	b = New(Config{BaseURL: "http://localhost:8000", Timeout: time.Minute}, nil)
	assert.Equal(t, time.Minute, b.client.Timeout)
}

func TestBackend_TryConnect(t *testing.T) {
	var probe generateRequest
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&probe))
		_ = json.NewEncoder(w).Encode(generateResponse{Text: []string{"Alive? yes"}})
	})

	require.NoError(t, b.TryConnect(testutil.TestContext(t)))
	assert.Equal(t, "Alive?", probe.Prompt)
	assert.Equal(t, 1, probe.MaxTokens)
	assert.Equal(t, []string{}, probe.Stop)
}

func TestBackend_TryConnectNotReady(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.Error(t, b.TryConnect(testutil.TestContext(t)))
}

func TestBackend_TryConnectUnauthorized(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	})

	err := b.TryConnect(testutil.TestContext(t))
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.False(t, llmErr.Retryable)
	assert.Equal(t, http.StatusUnauthorized, llmErr.HTTPStatus)
}

func TestBackend_Info(t *testing.T) {
	b := New(Config{BaseURL: "http://localhost:1"}, nil)
	info, err := b.Info(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Empty(t, info)
}

func TestBackend_Generate(t *testing.T) {
	var got generateRequest
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(generateResponse{Text: []string{got.Prompt + " MOCK RESPONSE"}})
	})

	params := types.DefaultGenerateParams()
	params.RepetitionPenalty = 1.2
	params.MaxNewTokens = 7

	resp, err := b.Generate(testutil.TestContext(t), "PROMPT", params)
	require.NoError(t, err)
	assert.Equal(t, " MOCK RESPONSE", resp.Text)
	assert.Nil(t, resp.Duration)

	assert.Equal(t, 7, got.MaxTokens)
	assert.InDelta(t, 0.2, got.PresencePenalty, 1e-9)
}

func TestBackend_GenerateErrors(t *testing.T) {
	t.Run("bad request is soft", func(t *testing.T) {
		b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"prompt too long"}`))
		})
		_, err := b.Generate(testutil.TestContext(t), "p", types.DefaultGenerateParams())
		require.Error(t, err)
		assert.True(t, types.IsGenerateError(err))
	})

	t.Run("server error is retryable", func(t *testing.T) {
		b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := b.Generate(testutil.TestContext(t), "p", types.DefaultGenerateParams())
		require.Error(t, err)
		assert.True(t, llm.IsRetryable(err))
	})

	t.Run("empty text", func(t *testing.T) {
		b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(generateResponse{})
		})
		_, err := b.Generate(testutil.TestContext(t), "p", types.DefaultGenerateParams())
		assert.Error(t, err)
	})
}
