package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/evalflow/internal/database"
	"github.com/BaSui01/evalflow/internal/metrics"
	"github.com/BaSui01/evalflow/types"
)

var (
	// ErrStoreOpen 在打开状态下执行了只允许关闭状态的操作
	ErrStoreOpen = errors.New("generation cache is open")
	// ErrNotOpen 存储尚未打开
	ErrNotOpen = errors.New("generation cache is not open")
	// ErrInvalidEntry 条目必须恰好包含响应或错误之一
	ErrInvalidEntry = errors.New("cache entry must hold exactly one of response or error")
)

// iterateBatchSize 是 Iterate 每次读取的行数
const iterateBatchSize = 500

// Config 生成缓存配置
type Config struct {
	// 缓存名称，通常为实验 ID；文件名为 <Name>.sqlite
	Name string `yaml:"name" json:"name"`

	// 存储目录，为空时使用内存数据库
	Dir string `yaml:"dir" json:"dir"`

	// 新建缓存时从这些同目录缓存中复制条目，靠后的依赖覆盖靠前的
	Deps []string `yaml:"deps" json:"deps"`

	// 累计多少次写入后触发一次后台提交
	MinCommitTransactions int `yaml:"min_commit_transactions" json:"min_commit_transactions"`
}

// Path 返回缓存文件路径，内存缓存返回空字符串
func (c Config) Path() string {
	return pathFor(c.Dir, c.Name)
}

func pathFor(dir, name string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, name+".sqlite")
}

// Entry 是一条缓存记录，Response 与 Err 恰好设置其一
type Entry struct {
	Response *types.GenerateResponse
	Err      *types.GenerateError
}

// ResponseEntry 构造成功条目
func ResponseEntry(resp types.GenerateResponse) Entry {
	return Entry{Response: &resp}
}

// ErrorEntry 构造错误条目
func ErrorEntry(err *types.GenerateError) Entry {
	return Entry{Err: err}
}

// cacheRow 是 Cache 表的一行
type cacheRow struct {
	Prompt   string   `gorm:"column:prompt;primaryKey"`
	Response *string  `gorm:"column:response"`
	Duration *float64 `gorm:"column:duration"`
	Error    []byte   `gorm:"column:error"`
	Trace    *string  `gorm:"column:trace"`
}

func (cacheRow) TableName() string { return "Cache" }

// Option 缓存选项
type Option func(*GenerationCache)

// WithMetrics 设置指标收集器
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *GenerationCache) {
		c.metrics = collector
	}
}

// =============================================================================
// 🗃️ 生成缓存
// =============================================================================

// GenerationCache 是 prompt → 生成结果的持久化记忆存储
type GenerationCache struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	handle *database.Handle
}

// New 创建未打开的生成缓存
func New(config Config, logger *zap.Logger, opts ...Option) *GenerationCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "cache"
	}

	c := &GenerationCache{
		config: config,
		logger: logger.With(zap.String("component", "generation_cache"), zap.String("cache", config.Name)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name 返回缓存名称
func (c *GenerationCache) Name() string {
	return c.config.Name
}

// Open 打开缓存。缓存文件此前不存在时，从依赖缓存复制条目并提交。
func (c *GenerationCache) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		return nil
	}

	h, err := database.Open(ctx, database.Config{
		Name:                  c.config.Name,
		Path:                  c.config.Path(),
		MinCommitTransactions: c.config.MinCommitTransactions,
	}, c.logger, database.WithMetrics(c.metrics))
	if err != nil {
		return fmt.Errorf("open generation cache %s: %w", c.config.Name, err)
	}

	if err := h.Write(ctx, func(tx *gorm.DB) error {
		return tx.AutoMigrate(&cacheRow{})
	}); err != nil {
		h.Close(ctx)
		return fmt.Errorf("migrate generation cache %s: %w", c.config.Name, err)
	}

	if h.IsNew() && c.config.Dir != "" {
		if err := c.bootstrap(ctx, h); err != nil {
			h.Close(ctx)
			return err
		}
	}

	if err := h.Commit(ctx); err != nil {
		h.Close(ctx)
		return err
	}

	c.handle = h
	return nil
}

// bootstrap 从依赖缓存复制条目
func (c *GenerationCache) bootstrap(ctx context.Context, h *database.Handle) error {
	for _, dep := range c.config.Deps {
		if dep == c.config.Name {
			continue
		}

		depPath := pathFor(c.config.Dir, dep)
		if !database.Exists(depPath) {
			c.logger.Debug("skipping missing dependency", zap.String("dependency", dep))
			continue
		}

		depHandle, err := database.Open(ctx, database.Config{Name: dep, Path: depPath}, c.logger)
		if err != nil {
			return fmt.Errorf("open dependency %s: %w", dep, err)
		}

		copied := 0
		err = depHandle.Read(ctx, func(src *gorm.DB) error {
			var batch []cacheRow
			return src.Model(&cacheRow{}).FindInBatches(&batch, iterateBatchSize, func(_ *gorm.DB, _ int) error {
				rows := batch
				copied += len(rows)
				return h.Write(ctx, func(dst *gorm.DB) error {
					return dst.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
				})
			}).Error
		})
		closeErr := depHandle.Close(ctx)
		if err != nil {
			return fmt.Errorf("copy dependency %s: %w", dep, err)
		}
		if closeErr != nil {
			return fmt.Errorf("close dependency %s: %w", dep, closeErr)
		}

		c.logger.Info("bootstrapped from dependency",
			zap.String("dependency", dep),
			zap.Int("entries", copied),
		)
	}
	return nil
}

func (c *GenerationCache) current() (*database.Handle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handle == nil {
		return nil, ErrNotOpen
	}
	return c.handle, nil
}

// =============================================================================
// 🎯 读写
// =============================================================================

// Put 写入或覆盖 prompt 对应的条目。离线错误不会被存储。
func (c *GenerationCache) Put(ctx context.Context, prompt string, entry Entry) error {
	if entry.Err != nil && entry.Err.IsOffline() {
		c.logger.Debug("offline error is never cached")
		return nil
	}

	row, err := encodeRow(prompt, entry)
	if err != nil {
		return err
	}

	h, err := c.current()
	if err != nil {
		return err
	}

	return h.Write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
}

// PutResponse 写入成功结果
func (c *GenerationCache) PutResponse(ctx context.Context, prompt string, resp types.GenerateResponse) error {
	return c.Put(ctx, prompt, ResponseEntry(resp))
}

// PutError 写入生成错误
func (c *GenerationCache) PutError(ctx context.Context, prompt string, genErr *types.GenerateError) error {
	return c.Put(ctx, prompt, ErrorEntry(genErr))
}

// Get 读取 prompt 对应的条目，不存在时返回 false
func (c *GenerationCache) Get(ctx context.Context, prompt string) (Entry, bool, error) {
	h, err := c.current()
	if err != nil {
		return Entry{}, false, err
	}

	var rows []cacheRow
	if err := h.Read(ctx, func(tx *gorm.DB) error {
		return tx.Where("prompt = ?", prompt).Limit(1).Find(&rows).Error
	}); err != nil {
		return Entry{}, false, err
	}

	if len(rows) == 0 {
		c.metrics.RecordCacheMiss(c.config.Name)
		return Entry{}, false, nil
	}

	entry, err := decodeRow(rows[0])
	if err != nil {
		return Entry{}, false, err
	}
	c.metrics.RecordCacheHit(c.config.Name)
	return entry, true, nil
}

// Has 报告 prompt 是否有条目
func (c *GenerationCache) Has(ctx context.Context, prompt string) (bool, error) {
	h, err := c.current()
	if err != nil {
		return false, err
	}

	var count int64
	if err := h.Read(ctx, func(tx *gorm.DB) error {
		return tx.Model(&cacheRow{}).Where("prompt = ?", prompt).Count(&count).Error
	}); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Len 返回条目数
func (c *GenerationCache) Len(ctx context.Context) (int64, error) {
	h, err := c.current()
	if err != nil {
		return 0, err
	}

	var count int64
	err = h.Read(ctx, func(tx *gorm.DB) error {
		return tx.Model(&cacheRow{}).Count(&count).Error
	})
	return count, err
}

// Iterate 按 prompt 顺序遍历所有条目。fn 在锁外调用，可以安全地回调缓存。
func (c *GenerationCache) Iterate(ctx context.Context, fn func(prompt string, entry Entry) error) error {
	h, err := c.current()
	if err != nil {
		return err
	}

	last := ""
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var rows []cacheRow
		if err := h.Read(ctx, func(tx *gorm.DB) error {
			q := tx.Order("prompt").Limit(iterateBatchSize)
			if !first {
				q = q.Where("prompt > ?", last)
			}
			return q.Find(&rows).Error
		}); err != nil {
			return err
		}

		for _, row := range rows {
			entry, err := decodeRow(row)
			if err != nil {
				return err
			}
			if err := fn(row.Prompt, entry); err != nil {
				return err
			}
		}

		if len(rows) < iterateBatchSize {
			return nil
		}
		last = rows[len(rows)-1].Prompt
		first = false
	}
}

// =============================================================================
// 🔧 生命周期
// =============================================================================

// Commit 等待在途提交并强制提交所有写入
func (c *GenerationCache) Commit(ctx context.Context) error {
	h, err := c.current()
	if err != nil {
		return err
	}
	return h.Commit(ctx)
}

// Backup 将缓存的一致副本写入 path
func (c *GenerationCache) Backup(ctx context.Context, path string) error {
	h, err := c.current()
	if err != nil {
		return err
	}
	return h.Backup(ctx, path)
}

// Close 提交并关闭缓存，未打开时为空操作
func (c *GenerationCache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		return nil
	}
	err := c.handle.Close(ctx)
	c.handle = nil
	return err
}

// Remove 删除缓存文件，文件不存在不视为错误
func (c *GenerationCache) Remove() error {
	c.mu.RLock()
	open := c.handle != nil
	c.mu.RUnlock()

	if open {
		return ErrStoreOpen
	}
	return database.Remove(c.config.Path())
}

// =============================================================================
// 🔄 行编码
// =============================================================================

func encodeRow(prompt string, entry Entry) (cacheRow, error) {
	if (entry.Response == nil) == (entry.Err == nil) {
		return cacheRow{}, ErrInvalidEntry
	}

	row := cacheRow{Prompt: prompt}
	if entry.Response != nil {
		text := entry.Response.Text
		duration := entry.Response.Duration
		row.Response = &text
		row.Duration = &duration
		return row, nil
	}

	blob, err := types.MarshalErrorRecord(entry.Err)
	if err != nil {
		return cacheRow{}, err
	}
	trace := entry.Err.Trace
	row.Error = blob
	row.Trace = &trace
	return row, nil
}

func decodeRow(row cacheRow) (Entry, error) {
	if row.Error != nil {
		genErr, err := types.UnmarshalErrorRecord(row.Error)
		if err != nil {
			return Entry{}, fmt.Errorf("prompt %q: %w", row.Prompt, err)
		}
		if genErr.Trace == "" && row.Trace != nil {
			genErr.Trace = *row.Trace
		}
		return Entry{Err: genErr}, nil
	}

	if row.Response == nil {
		return Entry{}, fmt.Errorf("prompt %q: %w", row.Prompt, ErrInvalidEntry)
	}

	resp := &types.GenerateResponse{Text: *row.Response}
	if row.Duration != nil {
		resp.Duration = *row.Duration
	}
	return Entry{Response: resp}, nil
}
