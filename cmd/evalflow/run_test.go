package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/evalflow/config"
	"github.com/BaSui01/evalflow/internal/experiment"
	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/llm/factory"
	"github.com/BaSui01/evalflow/llm/providers/offline"
	"github.com/BaSui01/evalflow/results"
	"github.com/BaSui01/evalflow/testutil"
	"github.com/BaSui01/evalflow/testutil/mocks"
	"github.com/BaSui01/evalflow/types"
)

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Experiment.Name = "Prompts"
	cfg.Experiment.Dataset = "unit"
	cfg.Experiment.Dir = dir
	cfg.Scheduler.MaxTasks = 2
	cfg.Client.Connection.ConnectTimeout = time.Second
	cfg.Client.Connection.ConnectRetryDelay = 5 * time.Millisecond
	cfg.Client.Connection.ReconnectDelay = time.Millisecond
	return cfg
}

func newRunner(t *testing.T, cfg *config.Config, backend llm.Backend) (*runner, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return &runner{
		cfg:      cfg,
		backend:  backend,
		logger:   zaptest.NewLogger(t),
		registry: prometheus.NewRegistry(),
		out:      &out,
		runID:    "run-1",
	}, &out
}

var testJobs = []promptJob{
	{Idx: 0, Prompt: "a"},
	{Idx: 1, Prompt: "b"},
	{Idx: 2, Prompt: "c"},
}

func openResults(t *testing.T, dir, expID string) *results.Database[results.PromptResult] {
	t.Helper()
	db, err := results.New[results.PromptResult](results.Config{
		Name: expID,
		Dir:  experiment.ResultsDir(dir, resultsKind),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, db.Open(testutil.TestContext(t)))
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func TestRunner_StoresResponsesAndErrors(t *testing.T) {
	dir := t.TempDir()
	backend := mocks.NewMockBackend().
		WithResponse("a", "  alpha \n").
		WithError("b", types.NewGenerateError("prompt too long")).
		WithDuration(0.5)

	r, out := newRunner(t, testConfig(dir), backend)
	sum, err := r.run(testutil.TestContext(t), types.SplitValid, testJobs)
	require.NoError(t, err)

	assert.Equal(t, "prompts_d-unit_p-valid", sum.ExperimentID)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Stored)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []int{1}, sum.FailedIdx)
	assert.InDelta(t, 1.0, sum.Generation, 1e-9)
	assert.Contains(t, out.String(), "model_id: mock")

	ctx := testutil.TestContext(t)
	db := openResults(t, dir, sum.ExperimentID)

	entry, found, err := db.Get(ctx, types.SplitValid, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, entry.Record)
	assert.Equal(t, results.PromptResult{Prompt: "a", Response: "alpha", Duration: 0.5}, *entry.Record)

	entry, found, err = db.Get(ctx, types.SplitValid, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, entry.Err)
	assert.Equal(t, "prompt too long", entry.Err.Message)

	n, err := db.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestRunner_RerunIsServedFromCache(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	first := mocks.NewMockBackend().WithError("b", types.NewGenerateError("prompt too long"))
	r, _ := newRunner(t, cfg, first)
	_, err := r.run(testutil.TestContext(t), types.SplitTest, testJobs)
	require.NoError(t, err)
	assert.Equal(t, 3, first.GenerateCalls())

	// 离线重放：成功结果来自缓存，缓存的错误在离线模式下无法重新生成
	r, _ = newRunner(t, cfg, offline.New())
	sum, err := r.run(testutil.TestContext(t), types.SplitTest, testJobs)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Stored)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Failed)
}

func TestRunner_CleanCache(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	r, _ := newRunner(t, cfg, mocks.NewMockBackend())
	_, err := r.run(testutil.TestContext(t), types.SplitTest, testJobs)
	require.NoError(t, err)

	cfg.Cache.Clean = true
	second := mocks.NewMockBackend()
	r, _ = newRunner(t, cfg, second)
	_, err = r.run(testutil.TestContext(t), types.SplitTest, testJobs)
	require.NoError(t, err)
	assert.Equal(t, 3, second.GenerateCalls())
}

func TestRunner_InMemoryStores(t *testing.T) {
	cfg := testConfig("")
	backend := mocks.NewMockBackend()

	r, _ := newRunner(t, cfg, backend)
	sum, err := r.run(testutil.TestContext(t), types.SplitTrain, testJobs)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Stored)
}

func TestRunner_FatalErrorStopsRun(t *testing.T) {
	boom := errors.New("boom")
	backend := mocks.NewMockBackend().WithError("b", boom)

	r, _ := newRunner(t, testConfig(""), backend)
	_, err := r.run(testutil.TestContext(t), types.SplitTest, testJobs)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRunner_ConnectTimeout(t *testing.T) {
	cfg := testConfig("")
	cfg.Client.Connection.ConnectTimeout = 50 * time.Millisecond
	backend := mocks.NewMockBackend().WithConnectFailures(1000)

	r, _ := newRunner(t, cfg, backend)
	_, err := r.run(testutil.TestContext(t), types.SplitTest, testJobs)
	assert.ErrorIs(t, err, llm.ErrConnectTimeout)
	assert.Zero(t, backend.GenerateCalls())
}

func TestProbe(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, probe(testutil.TestContext(t), mocks.NewMockBackend(), &out))
	assert.Equal(t, "OK (mock, model mock)\n", out.String())

	out.Reset()
	require.NoError(t, probe(testutil.TestContext(t), offline.New(), &out))
	assert.Equal(t, "OK (offline)\n", out.String())

	err := probe(testutil.CancelledContext(), mocks.NewMockBackend(), &out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_ExperimentIDSeed(t *testing.T) {
	cfg := testConfig(t.TempDir())
	r := &runner{cfg: cfg}
	assert.Equal(t, "prompts_d-unit_p-test", r.experimentID(types.SplitTest))

	cfg.Experiment.Seed = types.Ptr(0)
	assert.Equal(t, "prompts_d-unit_p-test_s-0", r.experimentID(types.SplitTest))

	cfg.Experiment.Seed = types.Ptr(7)
	assert.Equal(t, "prompts_d-unit_p-test_s-7", r.experimentID(types.SplitTest))
}

func TestHealthCommand_UsesInjectedRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evalflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  backend: mock\n  base_url: http://mock\n"), 0o600))

	backend := mocks.NewMockBackend()
	backends := factory.New()
	require.NoError(t, backends.Register("mock", func(factory.BackendConfig, *zap.Logger) (llm.Backend, error) {
		return backend, nil
	}))

	assert.Equal(t, 0, healthCommand([]string{"--config", path}, backends))
	assert.Equal(t, 1, backend.ConnectCalls())

	// 未注册的名称
	assert.Equal(t, 1, healthCommand([]string{"--config", path}, factory.New()))
}

func TestSummary_Print(t *testing.T) {
	var out bytes.Buffer
	(&summary{ExperimentID: "x", RunID: "r", Total: 2, Stored: 1, Failed: 1, FailedIdx: []int{4}}).print(&out)
	assert.Contains(t, out.String(), "Experiment: x (run r)")
	assert.Contains(t, out.String(), "Failed idx: [4]")
}
