package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/evalflow/internal/metrics"
)

// DefaultMinCommitTransactions 是触发后台提交的默认写入数阈值。
const DefaultMinCommitTransactions = 100

var (
	// ErrClosed 句柄已关闭
	ErrClosed = errors.New("database handle is closed")
)

var tracer = otel.Tracer("github.com/BaSui01/evalflow/internal/database")

// =============================================================================
// 🗄️ SQLite 存储句柄
// =============================================================================

// Config 存储句柄配置
type Config struct {
	// 存储名称，用于日志与指标
	Name string `yaml:"name" json:"name"`

	// 数据库文件路径，空字符串或 ":memory:" 表示内存数据库
	Path string `yaml:"path" json:"path"`

	// 累计多少次写入后触发一次后台提交
	MinCommitTransactions int `yaml:"min_commit_transactions" json:"min_commit_transactions"`
}

// InMemory 判断是否为内存数据库
func (c Config) InMemory() bool {
	return c.Path == "" || c.Path == ":memory:"
}

// Option 句柄选项
type Option func(*Handle)

// WithMetrics 设置指标收集器
func WithMetrics(collector *metrics.Collector) Option {
	return func(h *Handle) {
		h.metrics = collector
	}
}

// Handle 在一个长事务上串行化所有读写，并按阈值批量提交。
//
// 所有语句都在同一个事务中执行，因此读操作能看到尚未提交的写入。
// 同一时刻至多存在一次在途提交，其余提交请求会加入它。
type Handle struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	config  Config
	isNew   bool
	logger  *zap.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	tx       *gorm.DB
	pending  int
	inflight *commitFuture
	lastErr  error
	closed   bool
}

// commitFuture 是一次在途提交的共享结果
type commitFuture struct {
	done chan struct{}
	err  error
}

// Open 打开（必要时创建）数据库并开启长事务
func Open(ctx context.Context, config Config, logger *zap.Logger, opts ...Option) (*Handle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MinCommitTransactions <= 0 {
		config.MinCommitTransactions = DefaultMinCommitTransactions
	}
	if config.Name == "" {
		config.Name = "store"
	}

	isNew := true
	dsn := ":memory:"
	if !config.InMemory() {
		dsn = config.Path
		if _, err := os.Stat(config.Path); err == nil {
			isNew = false
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", config.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", config.Path, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 单连接：长事务独占该连接，内存数据库也不会因新连接而丢失
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	h := &Handle{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		isNew:  isNew,
		logger: logger.With(zap.String("component", "store"), zap.String("store", config.Name)),
	}
	for _, opt := range opts {
		opt(h)
	}

	if !config.InMemory() {
		if isNew {
			if err := db.WithContext(ctx).Exec("PRAGMA journal_mode = WAL").Error; err != nil {
				sqlDB.Close()
				return nil, fmt.Errorf("enable WAL: %w", err)
			}
		}
		if err := db.WithContext(ctx).Exec("PRAGMA synchronous = NORMAL").Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("set synchronous: %w", err)
		}
	}

	tx := db.Begin()
	if tx.Error != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("begin transaction: %w", tx.Error)
	}
	h.tx = tx

	h.logger.Debug("store opened",
		zap.String("path", dsn),
		zap.Bool("new", isNew),
		zap.Int("min_commit_transactions", config.MinCommitTransactions),
	)

	return h, nil
}

// IsNew 报告打开前数据库文件是否不存在
func (h *Handle) IsNew() bool {
	return h.isNew
}

// Name 返回存储名称
func (h *Handle) Name() string {
	return h.config.Name
}

// Pending 返回尚未提交的写入数
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}

// =============================================================================
// 🎯 读写
// =============================================================================

// TxFunc 在长事务上执行的回调
type TxFunc func(tx *gorm.DB) error

// Write 在长事务中执行写操作，写入数达到阈值时调度后台提交。
// 语句不随调用方取消而中断，已发出的写入不会被回滚。
func (h *Handle) Write(ctx context.Context, fn TxFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	if err := fn(h.tx.WithContext(context.WithoutCancel(ctx))); err != nil {
		return err
	}

	h.pending++
	h.metrics.SetStorePending(h.config.Name, h.pending)
	if h.pending >= h.config.MinCommitTransactions {
		h.scheduleCommitLocked()
	}
	return nil
}

// Read 在长事务中执行读操作
func (h *Handle) Read(ctx context.Context, fn TxFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	return fn(h.tx.WithContext(context.WithoutCancel(ctx)))
}

// =============================================================================
// 🔄 提交
// =============================================================================

// Commit 等待在途提交完成，然后再强制执行一次提交
func (h *Handle) Commit(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	prev := h.inflight
	h.mu.Unlock()

	if prev != nil {
		// 之前的失败已记录在 lastErr 中
		if err := prev.wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	f := h.scheduleCommitLocked()
	h.mu.Unlock()

	err := f.wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}

	h.mu.Lock()
	background := h.lastErr
	h.lastErr = nil
	h.mu.Unlock()

	if background != nil && background != err {
		return multierr.Append(fmt.Errorf("background commit failed: %w", background), err)
	}
	return err
}

// scheduleCommitLocked 返回在途提交，不存在时启动一个新的提交。调用方需持有 mu。
func (h *Handle) scheduleCommitLocked() *commitFuture {
	if h.inflight != nil {
		return h.inflight
	}

	f := &commitFuture{done: make(chan struct{})}
	h.inflight = f
	go h.runCommit(f)
	return f
}

func (h *Handle) runCommit(f *commitFuture) {
	h.mu.Lock()
	var err error
	if !h.closed {
		err = h.commitLocked(true)
	}
	h.inflight = nil
	if err != nil {
		h.lastErr = err
	}
	h.mu.Unlock()

	f.err = err
	close(f.done)
}

// commitLocked 提交当前事务，reopen 为 true 时开启新事务。调用方需持有 mu。
func (h *Handle) commitLocked(reopen bool) error {
	_, span := tracer.Start(context.Background(), "store.commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("store", h.config.Name),
		attribute.Int("pending", h.pending),
	)

	start := time.Now()
	pending := h.pending
	err := h.tx.Commit().Error
	h.pending = 0
	h.metrics.RecordStoreCommit(h.config.Name, err, time.Since(start))
	h.metrics.SetStorePending(h.config.Name, 0)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("store commit failed", zap.Int("pending", pending), zap.Error(err))
		err = fmt.Errorf("commit %s: %w", h.config.Name, err)
	} else {
		h.logger.Debug("store committed",
			zap.Int("writes", pending),
			zap.Duration("duration", time.Since(start)),
		)
	}

	if !reopen {
		h.tx = nil
		return err
	}

	tx := h.db.Begin()
	if tx.Error != nil {
		return multierr.Append(err, fmt.Errorf("begin transaction: %w", tx.Error))
	}
	h.tx = tx
	return err
}

// wait 等待提交完成，ctx 结束时返回 ctx.Err()
func (f *commitFuture) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// 🔧 生命周期
// =============================================================================

// Backup 提交后将一致的数据库副本写入 path
func (h *Handle) Backup(ctx context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	for h.inflight != nil {
		f := h.inflight
		h.mu.Unlock()
		<-f.done
		h.mu.Lock()
		if h.closed {
			return ErrClosed
		}
	}

	if err := h.commitLocked(false); err != nil {
		h.tx = h.db.Begin()
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.tx = h.db.Begin()
		return fmt.Errorf("create backup directory: %w", err)
	}

	backupErr := h.db.WithContext(context.WithoutCancel(ctx)).Exec("VACUUM INTO ?", path).Error

	tx := h.db.Begin()
	if tx.Error != nil {
		return multierr.Append(backupErr, fmt.Errorf("begin transaction: %w", tx.Error))
	}
	h.tx = tx

	if backupErr != nil {
		return fmt.Errorf("backup %s to %s: %w", h.config.Name, path, backupErr)
	}
	h.logger.Info("store backed up", zap.String("path", path))
	return nil
}

// Close 提交所有写入并关闭连接。重复调用是安全的。
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.inflight != nil {
		f := h.inflight
		h.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			h.mu.Lock()
			return ctx.Err()
		}
		h.mu.Lock()
	}

	if h.closed {
		return nil
	}
	h.closed = true

	var err error
	if h.lastErr != nil {
		err = fmt.Errorf("background commit failed: %w", h.lastErr)
		h.lastErr = nil
	}
	err = multierr.Append(err, h.commitLocked(false))
	err = multierr.Append(err, h.sqlDB.Close())

	h.logger.Debug("store closed")
	return err
}

// Remove 删除数据库文件及其 WAL 附属文件，文件不存在不视为错误
func Remove(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}

	var errs error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errs
}

// Exists 报告数据库文件是否存在
func Exists(path string) bool {
	if path == "" || path == ":memory:" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
