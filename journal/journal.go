package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/database"
	"github.com/BaSui01/notegen/internal/metrics"
	"github.com/BaSui01/notegen/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 📒 数据模型
// =============================================================================

// Generation 一次生成的记录
type Generation struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RequestID  string    `gorm:"size:64;not null;uniqueIndex" json:"request_id"`
	SessionID  string    `gorm:"size:64;index" json:"session_id"`
	NoteID     string    `gorm:"size:128;index:idx_note_started" json:"note_id"`
	Outcome    string    `gorm:"size:16;not null;index" json:"outcome"` // completed, partial, cancelled, error
	ErrorCode  string    `gorm:"size:32" json:"error_code,omitempty"`
	Chars      int       `gorm:"default:0" json:"chars"`
	Chunks     int       `gorm:"default:0" json:"chunks"`
	DurationMS int64     `gorm:"default:0" json:"duration_ms"`
	StartedAt  time.Time `gorm:"index:idx_note_started" json:"started_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Generation) TableName() string {
	return "generation_journal"
}

// Migrate 创建或更新表结构
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Generation{}); err != nil {
		return fmt.Errorf("failed to auto migrate journal: %w", err)
	}
	return nil
}

// =============================================================================
// 🗃️ Store
// =============================================================================

// Store 生成记录存储
type Store struct {
	pool       *database.PoolManager
	logger     *zap.Logger
	maxRetries int
}

var _ session.GenerationRecorder = (*Store)(nil)

// NewStore 基于已有连接池创建 Store，并执行迁移
func NewStore(pool *database.PoolManager, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("journal: pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := Migrate(pool.DB()); err != nil {
		return nil, err
	}
	return &Store{
		pool:       pool,
		logger:     logger.With(zap.String("component", "journal")),
		maxRetries: 3,
	}, nil
}

// Open 按配置打开数据库并创建 Store
func Open(cfg config.JournalConfig, logger *zap.Logger, collector *metrics.Collector) (*Store, error) {
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	pool, err := database.NewPoolManager("journal", db, database.PoolConfigFrom(cfg.Database), logger, collector)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// RecordGeneration 写入一条记录。同一 RequestID 重复写入时忽略。
func (s *Store) RecordGeneration(ctx context.Context, rec session.GenerationRecord) error {
	row := Generation{
		RequestID:  rec.RequestID,
		SessionID:  rec.SessionID,
		NoteID:     rec.NoteID,
		Outcome:    rec.Outcome,
		ErrorCode:  rec.ErrorCode,
		Chars:      rec.Chars,
		Chunks:     rec.Chunks,
		DurationMS: rec.Duration.Milliseconds(),
		StartedAt:  rec.StartedAt.UTC(),
	}

	err := s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Generation{}).Where("request_id = ?", row.RequestID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("journal: record %s: %w", rec.RequestID, err)
	}

	s.logger.Debug("generation recorded",
		zap.String("request_id", rec.RequestID),
		zap.String("outcome", rec.Outcome),
	)
	return nil
}

// Recent 返回某篇笔记最近的记录，按开始时间倒序
func (s *Store) Recent(ctx context.Context, noteID string, limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []Generation
	err := s.pool.DB().WithContext(ctx).
		Where("note_id = ?", noteID).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// OutcomeCounts 统计 since 之后各结果的数量
func (s *Store) OutcomeCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		Total   int64
	}
	err := s.pool.DB().WithContext(ctx).
		Model(&Generation{}).
		Select("outcome, COUNT(*) AS total").
		Where("started_at >= ?", since.UTC()).
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Outcome] = r.Total
	}
	return counts, nil
}

// Prune 删除 before 之前开始的记录，返回删除条数
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.pool.DB().WithContext(ctx).
		Where("started_at < ?", before.UTC()).
		Delete(&Generation{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Info("journal pruned", zap.Int64("rows", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Close 关闭底层连接池
func (s *Store) Close() error {
	return s.pool.Close()
}
