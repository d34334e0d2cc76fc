// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"

	"knowpipe-go/internal/model"
	"knowpipe-go/internal/repository"
	"knowpipe-go/pkg/log"
)

var (
	// ErrFileNotFound 表示指定内容摘要的文件记录不存在。
	ErrFileNotFound = errors.New("文件记录不存在")
	// ErrFileNotTerminal 表示文件记录尚未进入终态，不允许删除。
	ErrFileNotTerminal = errors.New("文件尚未处理完毕，不能删除")
)

// FileStatusDTO 定义了返回给管理接口的文件状态结构。
type FileStatusDTO struct {
	ContentHash     string           `json:"contentHash"`
	FileName        string           `json:"fileName"`
	TotalSize       int64            `json:"totalSize"`
	Status          string           `json:"status"`
	TotalChunks     int              `json:"totalChunks"`
	CompletedChunks int              `json:"completedChunks"`
	CreatedAt       model.LocalTime  `json:"createdAt"`
	StartedAt       *model.LocalTime `json:"startedAt,omitempty"`
	CompletedAt     *model.LocalTime `json:"completedAt,omitempty"`
}

// IngestService 接口定义了摄取状态的查询与管理操作。
type IngestService interface {
	ListFiles() ([]FileStatusDTO, error)
	GetFile(contentHash string) (*FileStatusDTO, error)
	DeleteFile(ctx context.Context, contentHash string) error
}

type ingestService struct {
	repo repository.CheckpointRepository
}

// NewIngestService 创建一个新的 IngestService 实例。
func NewIngestService(repo repository.CheckpointRepository) IngestService {
	return &ingestService{repo: repo}
}

// ListFiles 返回全部文件记录及其 (completedChunks / totalChunks) 进度。
func (s *ingestService) ListFiles() ([]FileStatusDTO, error) {
	records, err := s.repo.ListFileRecords()
	if err != nil {
		return nil, fmt.Errorf("查询文件记录列表失败: %w", err)
	}

	dtos := make([]FileStatusDTO, 0, len(records))
	for i := range records {
		dto, err := s.toDTO(&records[i])
		if err != nil {
			return nil, err
		}
		dtos = append(dtos, *dto)
	}
	return dtos, nil
}

// GetFile 返回单个文件记录的状态。
func (s *ingestService) GetFile(contentHash string) (*FileStatusDTO, error) {
	record, err := s.repo.GetFileRecord(contentHash)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("查询文件记录失败: %w", err)
	}
	return s.toDTO(record)
}

// DeleteFile 删除一条终态的文件记录及其残留的分块进度。
// 非终态记录拒绝删除：调度循环可能正在派发该身份的分块。
func (s *ingestService) DeleteFile(ctx context.Context, contentHash string) error {
	record, err := s.repo.GetFileRecord(contentHash)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return ErrFileNotFound
		}
		return fmt.Errorf("查询文件记录失败: %w", err)
	}
	if !model.IsTerminalStatus(record.Status) {
		return ErrFileNotTerminal
	}

	if err := s.repo.DeleteFileRecord(ctx, contentHash); err != nil {
		return fmt.Errorf("删除文件记录失败: %w", err)
	}
	log.Infof("[IngestService] 已删除文件记录, ContentHash: %s, FileName: %s", contentHash, record.FileName)
	return nil
}

// toDTO 组装状态 DTO。处理中的文件读取实时进度，终态文件使用定稿时冻结的值。
func (s *ingestService) toDTO(record *model.FileRecord) (*FileStatusDTO, error) {
	completed := record.CompletedChunks
	if !model.IsTerminalStatus(record.Status) {
		live, err := s.repo.CountDoneChunks(record.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("查询分块进度失败: %w", err)
		}
		completed = live
	}

	dto := &FileStatusDTO{
		ContentHash:     record.ContentHash,
		FileName:        record.FileName,
		TotalSize:       record.TotalSize,
		Status:          model.StatusText(record.Status),
		TotalChunks:     record.TotalChunks,
		CompletedChunks: completed,
		CreatedAt:       model.LocalTime(record.CreatedAt),
	}
	if record.StartedAt != nil {
		t := model.LocalTime(*record.StartedAt)
		dto.StartedAt = &t
	}
	if record.CompletedAt != nil {
		t := model.LocalTime(*record.CompletedAt)
		dto.CompletedAt = &t
	}
	return dto, nil
}
