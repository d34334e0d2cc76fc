// Package repository 定义了检查点存储的数据访问接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"knowpipe-go/internal/model"
	"knowpipe-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRecordNotFound 表示指定内容摘要的文件记录不存在。
var ErrRecordNotFound = gorm.ErrRecordNotFound

// CheckpointRepository 接口定义了摄取管道的检查点持久化操作。
// 文件记录（file_record）与分块进度（chunk_progress）均以内容摘要为键；
// 分块完成的写入必须在调度器推进到下一个分块之前落盘。
type CheckpointRepository interface {
	// FileRecord operations
	GetFileRecord(contentHash string) (*model.FileRecord, error)
	CreateFileRecord(record *model.FileRecord) error
	UpdateFileMeta(contentHash, fileName string, totalSize int64, totalChunks int) error
	SetFileStatus(contentHash string, status int, at time.Time) error
	SetCompletedChunks(contentHash string, completed int) error
	ListFileRecords() ([]model.FileRecord, error)
	DeleteFileRecord(ctx context.Context, contentHash string) error

	// ChunkProgress operations
	RecordChunkDone(ctx context.Context, contentHash string, chunkIndex int) error
	IsChunkDone(ctx context.Context, contentHash string, chunkIndex int) (bool, error)
	ListDoneChunks(contentHash string) ([]int, error)
	CountDoneChunks(contentHash string) (int, error)
	ClearChunkProgress(ctx context.Context, contentHash string) error
}

// checkpointRepository 是 CheckpointRepository 接口的 GORM+Redis 实现。
// MySQL 是唯一的事实来源；Redis 位图仅作为已完成分块的读取捷径，
// 位只会在数据库行落盘之后置位，因此位为 1 时可以直接信任。
type checkpointRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewCheckpointRepository 创建一个新的 CheckpointRepository 实例。
func NewCheckpointRepository(db *gorm.DB, redisClient *redis.Client) CheckpointRepository {
	return &checkpointRepository{db: db, redisClient: redisClient}
}

// getRedisDoneKey generates the redis key for the chunk-done bitmap.
func (r *checkpointRepository) getRedisDoneKey(contentHash string) string {
	return "ingest:done:" + contentHash
}

// GetFileRecord 根据内容摘要检索文件记录。
func (r *checkpointRepository) GetFileRecord(contentHash string) (*model.FileRecord, error) {
	var record model.FileRecord
	err := r.db.Where("content_hash = ?", contentHash).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CreateFileRecord 创建一条新的文件记录。
// content_hash 上有唯一索引，同一身份不会产生第二条记录。
func (r *checkpointRepository) CreateFileRecord(record *model.FileRecord) error {
	return r.db.Create(record).Error
}

// UpdateFileMeta 补全外部调用方预插入记录缺失的元数据（文件名、大小、总分块数）。
// 只更新元数据字段，绝不触碰 status，避免覆盖已有的状态。
func (r *checkpointRepository) UpdateFileMeta(contentHash, fileName string, totalSize int64, totalChunks int) error {
	return r.db.Model(&model.FileRecord{}).
		Where("content_hash = ?", contentHash).
		Updates(map[string]interface{}{
			"file_name":    fileName,
			"total_size":   totalSize,
			"total_chunks": totalChunks,
		}).Error
}

// SetFileStatus 更新文件记录的状态以及对应的时间戳。
func (r *checkpointRepository) SetFileStatus(contentHash string, status int, at time.Time) error {
	updates := map[string]interface{}{"status": status}
	switch status {
	case model.StatusProcessing:
		updates["started_at"] = at
	case model.StatusCompleted, model.StatusFailed:
		updates["completed_at"] = at
	}
	return r.db.Model(&model.FileRecord{}).
		Where("content_hash = ?", contentHash).
		Updates(updates).Error
}

// SetCompletedChunks 在文件定稿时冻结已完成分块数，供进度查询使用。
// chunk_progress 行在终态后即被清理，没有这个字段 failed 文件的进度将不可追溯。
func (r *checkpointRepository) SetCompletedChunks(contentHash string, completed int) error {
	return r.db.Model(&model.FileRecord{}).
		Where("content_hash = ?", contentHash).
		Update("completed_chunks", completed).Error
}

// ListFileRecords 返回全部文件记录，按发现时间升序。
func (r *checkpointRepository) ListFileRecords() ([]model.FileRecord, error) {
	var records []model.FileRecord
	err := r.db.Order("created_at asc, id asc").Find(&records).Error
	return records, err
}

// DeleteFileRecord 删除一条文件记录及其全部分块进度。
func (r *checkpointRepository) DeleteFileRecord(ctx context.Context, contentHash string) error {
	var errs []error
	if err := r.db.Where("content_hash = ?", contentHash).Delete(&model.ChunkProgress{}).Error; err != nil {
		errs = append(errs, err)
	}
	if err := r.db.Where("content_hash = ?", contentHash).Delete(&model.FileRecord{}).Error; err != nil {
		errs = append(errs, err)
	}
	if err := r.redisClient.Del(ctx, r.getRedisDoneKey(contentHash)).Err(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("删除文件记录部分失败（contentHash=%s）: %w", contentHash, errors.Join(errs...))
	}
	return nil
}

// RecordChunkDone 持久化记录一个分块的完成；幂等，重复写入等同于写入一次。
// 先写 MySQL（唯一键冲突时忽略），成功落盘后才在 Redis 位图中置位。
func (r *checkpointRepository) RecordChunkDone(ctx context.Context, contentHash string, chunkIndex int) error {
	record := &model.ChunkProgress{
		ContentHash: contentHash,
		ChunkIndex:  chunkIndex,
	}
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error
	if err != nil {
		return err
	}

	// 位图仅是读取捷径，置位失败不影响正确性
	if err := r.redisClient.SetBit(ctx, r.getRedisDoneKey(contentHash), int64(chunkIndex), 1).Err(); err != nil {
		log.Warnf("[Checkpoint] Redis 置位失败 (hash=%s, chunk=%d): %v", contentHash, chunkIndex, err)
	}
	return nil
}

// IsChunkDone 检查一个分块是否已完成。位图命中时直接返回，否则回查数据库。
func (r *checkpointRepository) IsChunkDone(ctx context.Context, contentHash string, chunkIndex int) (bool, error) {
	bit, err := r.redisClient.GetBit(ctx, r.getRedisDoneKey(contentHash), int64(chunkIndex)).Result()
	if err == nil && bit == 1 {
		return true, nil
	}

	var count int64
	err = r.db.Model(&model.ChunkProgress{}).
		Where("content_hash = ? AND chunk_index = ?", contentHash, chunkIndex).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListDoneChunks 返回已完成的分块序号，升序。
func (r *checkpointRepository) ListDoneChunks(contentHash string) ([]int, error) {
	var indices []int
	err := r.db.Model(&model.ChunkProgress{}).
		Where("content_hash = ?", contentHash).
		Order("chunk_index asc").
		Pluck("chunk_index", &indices).Error
	return indices, err
}

// CountDoneChunks 返回已完成的分块数量。
func (r *checkpointRepository) CountDoneChunks(contentHash string) (int, error) {
	var count int64
	err := r.db.Model(&model.ChunkProgress{}).
		Where("content_hash = ?", contentHash).
		Count(&count).Error
	return int(count), err
}

// ClearChunkProgress 删除一个文件的全部分块进度；幂等，可安全重试或跳过。
func (r *checkpointRepository) ClearChunkProgress(ctx context.Context, contentHash string) error {
	if err := r.db.Where("content_hash = ?", contentHash).Delete(&model.ChunkProgress{}).Error; err != nil {
		return err
	}
	if err := r.redisClient.Del(ctx, r.getRedisDoneKey(contentHash)).Err(); err != nil {
		log.Warnf("[Checkpoint] 清理 Redis 位图失败 (hash=%s): %v", contentHash, err)
	}
	return nil
}
