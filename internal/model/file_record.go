// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 文件记录的状态码。completed 与 failed 为终态，进入终态后不再发起任何分块调度。
const (
	StatusQueued     = 0
	StatusProcessing = 1
	StatusCompleted  = 2
	StatusFailed     = 3
)

// StatusText 将状态码转换为对外展示的状态名。
func StatusText(status int) string {
	switch status {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminalStatus 判断状态是否为终态。
func IsTerminalStatus(status int) bool {
	return status == StatusCompleted || status == StatusFailed
}

// FileRecord 定义了 file_record 表的 ORM 模型。
// 每个内容摘要（ContentHash）至多存在一条记录；文件名仅作展示，不参与身份判定。
// 记录在处理完成后长期保留，作为历史与去重依据。
type FileRecord struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	ContentHash     string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"contentHash"`
	FileName        string     `gorm:"type:varchar(255);not null" json:"fileName"`
	TotalSize       int64      `gorm:"not null" json:"totalSize"`
	TotalChunks     int        `gorm:"not null;default:0" json:"totalChunks"`
	CompletedChunks int        `gorm:"not null;default:0" json:"completedChunks"`
	Status          int        `gorm:"type:tinyint;not null;default:0" json:"status"` // 0: queued, 1: processing, 2: completed, 3: failed
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	StartedAt       *time.Time `gorm:"default:null" json:"startedAt"`
	CompletedAt     *time.Time `gorm:"default:null" json:"completedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FileRecord) TableName() string {
	return "file_record"
}

// ChunkProgress 对应于数据库中的 'chunk_progress' 表。
// 每行代表一个已成功抽取的分块，是断点续传时"已完成"的唯一事实来源。
// 文件进入终态后整批删除，仅作处理期间的临时脚手架。
type ChunkProgress struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ContentHash string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_chunk,priority:1" json:"contentHash"`
	ChunkIndex  int       `gorm:"not null;uniqueIndex:uk_chunk,priority:2" json:"chunkIndex"`
	CompletedAt time.Time `gorm:"autoCreateTime" json:"completedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChunkProgress) TableName() string {
	return "chunk_progress"
}
