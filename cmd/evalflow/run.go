package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BaSui01/evalflow/config"
	"github.com/BaSui01/evalflow/internal/experiment"
	"github.com/BaSui01/evalflow/internal/metrics"
	"github.com/BaSui01/evalflow/internal/server"
	"github.com/BaSui01/evalflow/internal/telemetry"
	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/llm/batch"
	"github.com/BaSui01/evalflow/llm/cache"
	"github.com/BaSui01/evalflow/llm/factory"
	"github.com/BaSui01/evalflow/results"
	"github.com/BaSui01/evalflow/types"
)

// resultsKind 是 run 命令在 <dir>/results 下使用的子目录
const resultsKind = "prompt"

// =============================================================================
// 🖥️ run 命令
// =============================================================================

func runCommand(args []string, backends *factory.Registry) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	promptsPath := fs.String("prompts", "", "Path to JSON lines prompts file")
	name := fs.String("name", "", "Experiment name")
	splitName := fs.String("split", "test", "Dataset split")
	maxTasks := fs.Int("max-tasks", 0, "Concurrent generation limit")
	cleanResults := fs.Bool("clean-results", true, "Remove the result store before the run")
	cleanCache := fs.Bool("clean-cache", false, "Remove the generation cache before the run")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// 仅覆盖命令行显式给出的参数
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Experiment.Name = *name
		case "max-tasks":
			cfg.Scheduler.MaxTasks = *maxTasks
		case "clean-results":
			cfg.Results.Clean = *cleanResults
		case "clean-cache":
			cfg.Cache.Clean = *cleanCache
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}
	split, err := types.ParseSplit(*splitName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid split: %v\n", err)
		return 1
	}
	if *promptsPath == "" {
		fmt.Fprintln(os.Stderr, "--prompts is required")
		return 1
	}
	jobs, err := readPrompts(*promptsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read prompts: %v\n", err)
		return 1
	}

	runID := uuid.NewString()
	logger := initLogger(cfg.Log).With(zap.String("run_id", runID))
	defer func() { _ = logger.Sync() }()

	logger.Info("starting evalflow",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetry.Init(ctx, cfg.Telemetry, logger,
		telemetry.WithAttribute("evalflow.run_id", runID),
		telemetry.WithAttribute("evalflow.experiment", cfg.Experiment.Name),
	)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	backend, err := backends.Create(cfg.Client.Backend, factory.BackendConfig{
		BaseURL:             cfg.Client.BaseURL,
		Timeout:             cfg.Client.Timeout,
		MaxIdleConnsPerHost: cfg.Client.MaxIdleConnsPerHost,
	}, logger)
	if err != nil {
		logger.Error("failed to create backend", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &runner{
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		registry: registry,
		out:      os.Stdout,
		runID:    runID,
	}
	sum, err := r.run(ctx, split, jobs)
	if sum != nil {
		sum.print(os.Stdout)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("run interrupted", zap.Error(err))
			return 130
		}
		logger.Error("run failed", zap.Error(err))
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}

// =============================================================================
// 🏃 评测运行
// =============================================================================

type runner struct {
	cfg      *config.Config
	backend  llm.Backend
	logger   *zap.Logger
	registry *prometheus.Registry
	out      io.Writer
	runID    string
}

// jobOutcome 是单个提示词的处理结果
type jobOutcome struct {
	Idx     int
	Stored  bool
	Err     *types.GenerateError
	Seconds float64
}

// summary 汇总一次运行
type summary struct {
	ExperimentID string
	RunID        string
	Total        int
	Stored       int
	Failed       int
	Skipped      int
	Generation   float64
	Elapsed      time.Duration
	FailedIdx    []int
}

func (s *summary) print(w io.Writer) {
	fmt.Fprintf(w, "Experiment: %s (run %s)\n", s.ExperimentID, s.RunID)
	fmt.Fprintf(w, " - Prompts: %d\n", s.Total)
	fmt.Fprintf(w, " - Stored responses: %d\n", s.Stored)
	fmt.Fprintf(w, " - Generation errors: %d\n", s.Failed)
	fmt.Fprintf(w, " - Skipped (offline): %d\n", s.Skipped)
	fmt.Fprintf(w, " - Generation time: %.2fs\n", s.Generation)
	fmt.Fprintf(w, " - Wall time: %s\n", s.Elapsed.Round(time.Millisecond))
	if len(s.FailedIdx) > 0 {
		fmt.Fprintf(w, " - Failed idx: %v\n", s.FailedIdx)
	}
}

func (r *runner) experimentID(split types.Split) string {
	e := r.cfg.Experiment
	return experiment.ID(e.Name, experiment.Options{
		Model:   e.Model,
		Dataset: e.Dataset,
		Split:   &split,
		Seed:    e.Seed,
	})
}

func storeDir(configured, root, derived string) string {
	if configured != "" {
		return configured
	}
	if root == "" {
		return ""
	}
	return derived
}

// run 打开存储、连接后端，并对所有提示词执行有界并发生成
func (r *runner) run(ctx context.Context, split types.Split, jobs []promptJob) (sum *summary, err error) {
	started := time.Now()
	expID := r.experimentID(split)
	logger := r.logger.With(zap.String("experiment", expID))

	collector := metrics.NewCollector(r.cfg.Metrics.Namespace, r.registry, logger)

	root := r.cfg.Experiment.Dir
	for _, dir := range []string{
		storeDir(r.cfg.Cache.Dir, root, experiment.CacheDir(root)),
		storeDir(r.cfg.Results.Dir, root, experiment.ResultsDir(root, resultsKind)),
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	memo := cache.New(cache.Config{
		Name:                  expID,
		Dir:                   storeDir(r.cfg.Cache.Dir, root, experiment.CacheDir(root)),
		Deps:                  r.cfg.Cache.Deps,
		MinCommitTransactions: r.cfg.Cache.MinCommitTransactions,
	}, logger, cache.WithMetrics(collector))

	db, err := results.New[results.PromptResult](results.Config{
		Name:                  expID,
		Dir:                   storeDir(r.cfg.Results.Dir, root, experiment.ResultsDir(root, resultsKind)),
		MinCommitTransactions: r.cfg.Results.MinCommitTransactions,
	}, logger, results.WithMetrics(collector))
	if err != nil {
		return nil, err
	}

	if r.cfg.Results.Clean {
		if err := db.Remove(); err != nil {
			return nil, fmt.Errorf("clean results: %w", err)
		}
	}
	if r.cfg.Cache.Clean {
		if err := memo.Remove(); err != nil {
			return nil, fmt.Errorf("clean cache: %w", err)
		}
	}

	if err := memo.Open(ctx); err != nil {
		return nil, err
	}
	if err := db.Open(ctx); err != nil {
		_ = memo.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	// 中断后仍要刷新已写入的结果
	defer func() {
		closeCtx := context.WithoutCancel(ctx)
		err = multierr.Combine(err, db.Close(closeCtx), memo.Close(closeCtx))
	}()

	client := llm.NewClient(r.backend, memo, r.cfg.Client.Connection,
		llm.WithLogger(logger),
		llm.WithMetrics(collector),
	)

	if r.cfg.Metrics.Enabled {
		ops := server.NewManager(server.Config{Addr: r.cfg.Metrics.Addr}, r.registry, func(context.Context) error {
			if state := client.State(); state == llm.StateFailed {
				return fmt.Errorf("backend %s", state)
			}
			return nil
		}, logger)
		if err := ops.Start(); err != nil {
			return nil, err
		}
		defer func() { _ = ops.Shutdown(context.WithoutCancel(ctx)) }()
	}

	logger.Info("waiting for backend connection",
		zap.String("backend", r.backend.Name()),
		zap.String("base_url", r.cfg.Client.BaseURL),
	)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	info, err := client.Info(ctx)
	if err != nil {
		return nil, err
	}
	r.printInfo(info)

	worker := func(ctx context.Context, job promptJob) (jobOutcome, error) {
		return r.process(ctx, client, db, split, job)
	}
	scheduler := batch.NewAsyncMap(worker, batch.FromSlice(jobs), r.cfg.Scheduler.MaxTasks,
		batch.WithLogger(logger),
		batch.WithMetrics(collector),
	)

	it, err := scheduler.Start(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	sum = &summary{ExperimentID: expID, RunID: r.runID, Total: len(jobs)}
	for it.Next() {
		o := it.Result()
		sum.Generation += o.Seconds
		switch {
		case o.Stored:
			sum.Stored++
		case o.Err != nil && o.Err.IsOffline():
			sum.Skipped++
		default:
			sum.Failed++
			sum.FailedIdx = append(sum.FailedIdx, o.Idx)
		}
	}
	sort.Ints(sum.FailedIdx)
	sum.Elapsed = time.Since(started)
	return sum, it.Err()
}

// process 生成单个提示词的回答并写入结果存储。软失败作为该观测的结果保存。
func (r *runner) process(ctx context.Context, client *llm.Client, db *results.Database[results.PromptResult], split types.Split, job promptJob) (jobOutcome, error) {
	capture := llm.NewCapture(client)
	text, err := capture.Generate(ctx, job.Prompt, types.GenerateConfig{})
	if err := capture.Recover(err); err != nil {
		return jobOutcome{}, fmt.Errorf("prompt %d: %w", job.Idx, err)
	}

	out := jobOutcome{Idx: job.Idx, Seconds: capture.Duration()}
	if genErr := capture.Err(); genErr != nil {
		out.Err = genErr
		if err := db.PutError(ctx, split, job.Idx, genErr); err != nil {
			return jobOutcome{}, err
		}
		return out, nil
	}

	record := results.PromptResult{Prompt: job.Prompt, Response: text, Duration: capture.Duration()}
	if err := db.Put(ctx, split, job.Idx, record); err != nil {
		return jobOutcome{}, err
	}
	out.Stored = true
	return out, nil
}

func (r *runner) printInfo(info llm.Info) {
	fmt.Fprintln(r.out, "Connection established")
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, " - %s: %v\n", k, info[k])
	}
}

// =============================================================================
// 🏥 health 命令
// =============================================================================

func healthCommand(args []string, backends *factory.Registry) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	timeout := fs.Duration("timeout", 10*time.Second, "Probe timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	backend, err := backends.Create(cfg.Client.Backend, factory.BackendConfig{
		BaseURL: cfg.Client.BaseURL,
		Timeout: cfg.Client.Timeout,
	}, initLogger(cfg.Log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := probe(ctx, backend, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	return 0
}

// probe 探测一次后端并打印模型 ID
func probe(ctx context.Context, backend llm.Backend, w io.Writer) error {
	if err := backend.TryConnect(ctx); err != nil {
		return err
	}
	info, err := backend.Info(ctx)
	if err != nil {
		return err
	}
	if model := info.ModelID(); model != "" {
		fmt.Fprintf(w, "OK (%s, model %s)\n", backend.Name(), model)
	} else {
		fmt.Fprintf(w, "OK (%s)\n", backend.Name())
	}
	return nil
}
