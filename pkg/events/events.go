// Package events defines the status event payload shared by Kafka and the websocket stream.
package events

// FileStatusEvent 描述一个文件记录的状态变化，发布给下游消费者。
type FileStatusEvent struct {
	ContentHash     string `json:"content_hash"`
	FileName        string `json:"file_name"`
	Status          string `json:"status"`
	TotalChunks     int    `json:"total_chunks"`
	CompletedChunks int    `json:"completed_chunks"`
	Timestamp       string `json:"timestamp"`
}
