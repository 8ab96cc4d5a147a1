package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/sshcollectorpro/mtcollector/internal/config"
	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

var (
	// ErrStoreMissing 库文件不存在且不允许创建
	ErrStoreMissing = errors.New("capture store missing")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
)

// CaptureStore 设备配置记录的持久化存储
//
// 写操作串行执行；对其他进程持有的写锁按 busy 重试。
type CaptureStore struct {
	db      *gorm.DB
	path    string
	retries int
	writeMu sync.Mutex
}

// Open 打开 SQLite 存储
//
// 文件不存在且 CreateIfMissing 为 false 时返回 ErrStoreMissing，不会创建空库。
func Open(cfg config.SQLiteConfig) (*CaptureStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrStoreMissing)
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat database: %w", err)
		}
		if !cfg.CreateIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrStoreMissing, cfg.Path)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: gormLogger.New(
			logger.GetLogger(),
			gormLogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormLogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
		// 每次写操作都开事务会放大锁争用
		SkipDefaultTransaction: true,
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		cfg.Path, busy.Milliseconds())
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// 单连接，保证 PRAGMA 在唯一连接上生效
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &CaptureStore{db: db, path: cfg.Path, retries: cfg.MaxRetries}
	if s.retries < 1 {
		s.retries = 5
	}
	if err := s.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	logger.WithField("path", cfg.Path).Debug("capture store opened")
	return s, nil
}

// Migrate 创建或更新表结构与唯一索引
func (s *CaptureStore) Migrate() error {
	return s.db.AutoMigrate(
		&model.DeviceRecord{},
		&model.Run{},
		&model.RunEvent{},
	)
}

// Path 库文件路径
func (s *CaptureStore) Path() string { return s.path }

// DB 底层 gorm 实例
func (s *CaptureStore) DB() *gorm.DB { return s.db }

// Insert 写入一条记录；自然键已存在时返回 Duplicate，原记录保持不变
func (s *CaptureStore) Insert(ctx context.Context, rec *model.DeviceRecord) (model.InsertOutcome, error) {
	if rec == nil {
		return model.Inserted, fmt.Errorf("nil device record")
	}
	var affected int64
	err := s.write(func(db *gorm.DB) error {
		res := db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(rec)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return model.Inserted, fmt.Errorf("failed to insert record for %s: %w", rec.Address, err)
	}
	if affected == 0 {
		return model.Duplicate, nil
	}
	return model.Inserted, nil
}

// RecordFilter 记录查询条件
type RecordFilter struct {
	Address  string
	DeviceID string
	Limit    int
	Offset   int
}

// ListRecords 按采集时间倒序列出记录（不含原始配置正文）
func (s *CaptureStore) ListRecords(ctx context.Context, f RecordFilter) ([]model.DeviceRecord, int64, error) {
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&model.DeviceRecord{})
		if f.Address != "" {
			q = q.Where("address = ?", f.Address)
		}
		if f.DeviceID != "" {
			q = q.Where("device_id = ?", f.DeviceID)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []model.DeviceRecord
	err := scoped().Omit("raw_output").
		Order("captured_at DESC").Order("id DESC").
		Limit(limit).Offset(f.Offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	return out, total, nil
}

// GetRecord 按主键读取完整记录
func (s *CaptureStore) GetRecord(ctx context.Context, id uint) (*model.DeviceRecord, error) {
	var rec model.DeviceRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %d: %w", id, err)
	}
	return &rec, nil
}

// SaveRun 在一个事务中写入运行汇总与逐目标结果
func (s *CaptureStore) SaveRun(ctx context.Context, run *model.Run, events []model.RunEvent) error {
	return s.write(func(db *gorm.DB) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(run).Error; err != nil {
				return err
			}
			if len(events) == 0 {
				return nil
			}
			for i := range events {
				events[i].RunID = run.ID
			}
			return tx.CreateInBatches(events, 100).Error
		})
	})
}

// ListRuns 最近的运行记录
func (s *CaptureStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.Run
	if err := s.db.WithContext(ctx).Order("start_time DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return out, nil
}

// RunEvents 某次运行的逐目标结果
func (s *CaptureStore) RunEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	var out []model.RunEvent
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	return out, nil
}

// write 串行化写入并在 busy 时退避重试
func (s *CaptureStore) write(fn func(*gorm.DB) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WithRetry(s.db, fn, s.retries, 50*time.Millisecond)
}

// IsBusyError 判断是否为 SQLite 并发锁相关错误
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "cannot start a transaction within a transaction")
}

// WithRetry 在检测到并发锁错误时短暂重试
func WithRetry(db *gorm.DB, fn func(*gorm.DB) error, attempts int, sleep time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	if sleep <= 0 {
		sleep = 50 * time.Millisecond
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(db)
		if err == nil || !IsBusyError(err) {
			return err
		}
		time.Sleep(sleep)
		// 轻微指数退避
		if sleep < 500*time.Millisecond {
			sleep *= 2
		}
	}
	return err
}

// Health 检查数据库可用且表结构存在
func (s *CaptureStore) Health() error {
	if s == nil || s.db == nil {
		return ErrStoreMissing
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Ping(); err != nil {
		return err
	}
	if !s.db.Migrator().HasTable(&model.DeviceRecord{}) {
		return fmt.Errorf("%w: table devices not found", ErrStoreMissing)
	}
	return nil
}

// Stats 连接池与记录数统计
func (s *CaptureStore) Stats() map[string]interface{} {
	out := map[string]interface{}{"path": s.path}
	var records int64
	if err := s.db.Model(&model.DeviceRecord{}).Count(&records).Error; err == nil {
		out["records"] = records
	}
	var runs int64
	if err := s.db.Model(&model.Run{}).Count(&runs).Error; err == nil {
		out["runs"] = runs
	}
	if sqlDB, err := s.db.DB(); err == nil {
		st := sqlDB.Stats()
		out["open_connections"] = st.OpenConnections
		out["in_use"] = st.InUse
		out["wait_count"] = st.WaitCount
		out["wait_duration"] = st.WaitDuration.String()
	}
	return out
}

// Close 关闭数据库连接
func (s *CaptureStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
