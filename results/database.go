package results

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/evalflow/internal/database"
	"github.com/BaSui01/evalflow/internal/metrics"
	"github.com/BaSui01/evalflow/types"
)

var (
	// ErrNotGenerateError PutError 收到的错误不是 GenerateError
	ErrNotGenerateError = errors.New("error is not a generate error")
	// ErrInvalidKey 划分或下标无效
	ErrInvalidKey = errors.New("invalid result key")
	// ErrStoreOpen 在打开状态下删除存储
	ErrStoreOpen = errors.New("result database is open")
	// ErrNotOpen 存储尚未打开
	ErrNotOpen = errors.New("result database is not open")
)

// MaxIndex 是能编码为行 ID 而不溢出的最大观测下标
const MaxIndex = (math.MaxInt64 - (types.SplitCount - 1)) / types.SplitCount

// Key 将 (split, idx) 编码为行 ID：idx*3 + split 序数
func Key(split types.Split, idx int) (int64, error) {
	if !split.Valid() {
		return 0, fmt.Errorf("%w: split %d", ErrInvalidKey, int(split))
	}
	if idx < 0 {
		return 0, fmt.Errorf("%w: negative index %d", ErrInvalidKey, idx)
	}
	if int64(idx) > MaxIndex {
		return 0, fmt.Errorf("%w: index %d exceeds %d", ErrInvalidKey, idx, int64(MaxIndex))
	}
	return int64(idx)*types.SplitCount + int64(split.Ordinal()), nil
}

// Config 结果存储配置
type Config struct {
	// 存储名称，通常为实验 ID；文件名为 <Name>.sqlite
	Name string `yaml:"name" json:"name"`

	// 存储目录，为空时使用内存数据库
	Dir string `yaml:"dir" json:"dir"`

	// 表名，为空时使用记录类型的 TableName() 或类型名
	Table string `yaml:"table" json:"table"`

	// 累计多少次写入后触发一次后台提交
	MinCommitTransactions int `yaml:"min_commit_transactions" json:"min_commit_transactions"`
}

// Path 返回存储文件路径，内存存储返回空字符串
func (c Config) Path() string {
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, c.Name+".sqlite")
}

// Entry 是一条结果，Record 与 Err 恰好设置其一
type Entry[R any] struct {
	Record *R
	Err    *types.GenerateError
}

type options struct {
	metrics *metrics.Collector
}

// Option 结果存储选项
type Option func(*options)

// WithMetrics 设置指标收集器
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = collector
	}
}

type tableNamer interface {
	TableName() string
}

// =============================================================================
// 📦 结果存储
// =============================================================================

// Database 按 (split, idx) 保存每条观测的类型化结果或生成错误
type Database[R any] struct {
	config Config
	schema *schema
	opts   options
	logger *zap.Logger

	insertRecordSQL string
	insertErrorSQL  string
	selectSQL       string

	mu     sync.RWMutex
	handle *database.Handle
}

// New 推导 R 的列映射并创建未打开的结果存储。R 含不支持的字段时返回 ErrUnsupportedField。
func New[R any](config Config, logger *zap.Logger, opts ...Option) (*Database[R], error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var zero R
	rt := reflect.TypeOf(zero)
	if rt == nil {
		return nil, fmt.Errorf("%w: record type must be a concrete struct", ErrUnsupportedField)
	}
	s, err := deriveSchema(rt)
	if err != nil {
		return nil, err
	}

	if config.Table == "" {
		if namer, ok := any(zero).(tableNamer); ok {
			config.Table = namer.TableName()
		} else {
			config.Table = s.typ.Name()
		}
	}
	if !identifierPattern.MatchString(config.Table) {
		return nil, fmt.Errorf("invalid table name %q", config.Table)
	}
	if config.Name == "" {
		config.Name = strings.ToLower(config.Table)
	}

	d := &Database[R]{
		config: config,
		schema: s,
		logger: logger.With(zap.String("component", "result_database"), zap.String("table", config.Table)),
	}
	for _, opt := range opts {
		opt(&d.opts)
	}
	d.prepareSQL()
	return d, nil
}

func (d *Database[R]) prepareSQL() {
	cols := d.schema.quotedColumns()
	table := fmt.Sprintf("%q", d.config.Table)

	placeholders := strings.Repeat(", ?", len(cols))
	d.insertRecordSQL = fmt.Sprintf(
		"REPLACE INTO %s (id, idx, split, %s, error, trace) VALUES (?, ?, ?%s, NULL, NULL)",
		table, strings.Join(cols, ", "), placeholders,
	)
	// 未列出的记录列取默认值 NULL
	d.insertErrorSQL = fmt.Sprintf(
		"REPLACE INTO %s (id, idx, split, error, trace) VALUES (?, ?, ?, ?, ?)",
		table,
	)
	d.selectSQL = fmt.Sprintf(
		"SELECT %s, error, trace FROM %s WHERE id = ?",
		strings.Join(cols, ", "), table,
	)
}

// Table 返回表名
func (d *Database[R]) Table() string {
	return d.config.Table
}

// Open 打开存储并确保表存在
func (d *Database[R]) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != nil {
		return nil
	}

	h, err := database.Open(ctx, database.Config{
		Name:                  d.config.Name,
		Path:                  d.config.Path(),
		MinCommitTransactions: d.config.MinCommitTransactions,
	}, d.logger, database.WithMetrics(d.opts.metrics))
	if err != nil {
		return fmt.Errorf("open result database %s: %w", d.config.Name, err)
	}

	if err := h.Write(ctx, func(tx *gorm.DB) error {
		return tx.Exec(d.schema.createTableSQL(d.config.Table)).Error
	}); err != nil {
		h.Close(ctx)
		return fmt.Errorf("create table %s: %w", d.config.Table, err)
	}

	if err := h.Commit(ctx); err != nil {
		h.Close(ctx)
		return err
	}

	d.handle = h
	return nil
}

func (d *Database[R]) current() (*database.Handle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.handle == nil {
		return nil, ErrNotOpen
	}
	return d.handle, nil
}

// =============================================================================
// 🎯 读写
// =============================================================================

// Put 保存记录，同时清空错误列
func (d *Database[R]) Put(ctx context.Context, split types.Split, idx int, record R) error {
	id, err := Key(split, idx)
	if err != nil {
		return err
	}

	values, err := d.schema.encode(reflect.ValueOf(record))
	if err != nil {
		return err
	}

	h, err := d.current()
	if err != nil {
		return err
	}

	args := append([]any{id, idx, split.Ordinal()}, values...)
	return h.Write(ctx, func(tx *gorm.DB) error {
		return tx.Exec(d.insertRecordSQL, args...).Error
	})
}

// PutError 保存生成错误并清空记录列。离线错误不写入；其他错误返回 ErrNotGenerateError。
func (d *Database[R]) PutError(ctx context.Context, split types.Split, idx int, err error) error {
	if err == nil {
		return fmt.Errorf("%w: nil error", ErrNotGenerateError)
	}
	genErr, ok := types.AsGenerateError(err)
	if !ok {
		return fmt.Errorf("%w: %w", ErrNotGenerateError, err)
	}
	if genErr.IsOffline() {
		return nil
	}

	id, keyErr := Key(split, idx)
	if keyErr != nil {
		return keyErr
	}

	blob, encErr := types.MarshalErrorRecord(genErr)
	if encErr != nil {
		return encErr
	}

	h, hErr := d.current()
	if hErr != nil {
		return hErr
	}

	return h.Write(ctx, func(tx *gorm.DB) error {
		return tx.Exec(d.insertErrorSQL, id, idx, split.Ordinal(), blob, genErr.Trace).Error
	})
}

// Get 读取结果，不存在时返回 false
func (d *Database[R]) Get(ctx context.Context, split types.Split, idx int) (Entry[R], bool, error) {
	id, err := Key(split, idx)
	if err != nil {
		return Entry[R]{}, false, err
	}

	h, err := d.current()
	if err != nil {
		return Entry[R]{}, false, err
	}

	var (
		entry Entry[R]
		found bool
	)
	err = h.Read(ctx, func(tx *gorm.DB) error {
		rows, err := tx.Raw(d.selectSQL, id).Rows()
		if err != nil {
			return err
		}
		defer rows.Close()

		if !rows.Next() {
			return rows.Err()
		}
		found = true

		targets := d.schema.scanTargets()
		var (
			errBlob []byte
			trace   *string
		)
		if err := rows.Scan(append(targets, &errBlob, &trace)...); err != nil {
			return err
		}

		if errBlob != nil {
			genErr, err := types.UnmarshalErrorRecord(errBlob)
			if err != nil {
				return err
			}
			if genErr.Trace == "" && trace != nil {
				genErr.Trace = *trace
			}
			entry.Err = genErr
			return nil
		}

		record := new(R)
		d.schema.decode(targets, reflect.ValueOf(record).Elem())
		entry.Record = record
		return nil
	})
	if err != nil {
		return Entry[R]{}, false, fmt.Errorf("get %s[%d]: %w", split, idx, err)
	}
	return entry, found, nil
}

// Has 报告结果是否存在
func (d *Database[R]) Has(ctx context.Context, split types.Split, idx int) (bool, error) {
	id, err := Key(split, idx)
	if err != nil {
		return false, err
	}

	h, err := d.current()
	if err != nil {
		return false, err
	}

	var count int64
	err = h.Read(ctx, func(tx *gorm.DB) error {
		return tx.Table(d.config.Table).Where("id = ?", id).Count(&count).Error
	})
	return count > 0, err
}

// Len 返回结果条数
func (d *Database[R]) Len(ctx context.Context) (int64, error) {
	h, err := d.current()
	if err != nil {
		return 0, err
	}

	var count int64
	err = h.Read(ctx, func(tx *gorm.DB) error {
		return tx.Table(d.config.Table).Count(&count).Error
	})
	return count, err
}

// =============================================================================
// 🔧 生命周期
// =============================================================================

// Commit 等待在途提交并强制提交所有写入
func (d *Database[R]) Commit(ctx context.Context) error {
	h, err := d.current()
	if err != nil {
		return err
	}
	return h.Commit(ctx)
}

// Backup 将存储的一致副本写入 path
func (d *Database[R]) Backup(ctx context.Context, path string) error {
	h, err := d.current()
	if err != nil {
		return err
	}
	return h.Backup(ctx, path)
}

// Close 提交并关闭存储，未打开时为空操作
func (d *Database[R]) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == nil {
		return nil
	}
	err := d.handle.Close(ctx)
	d.handle = nil
	return err
}

// Remove 删除存储文件，文件不存在不视为错误
func (d *Database[R]) Remove() error {
	d.mu.RLock()
	open := d.handle != nil
	d.mu.RUnlock()

	if open {
		return ErrStoreOpen
	}
	return database.Remove(d.config.Path())
}
