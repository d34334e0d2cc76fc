package model

// KnowledgeDoc 定义了存储在 Elasticsearch 知识索引中的文档结构。
// 每条记录对应从某个分块中蒸馏出的一条知识。
type KnowledgeDoc struct {
	DocID        string    `json:"doc_id"` // 唯一标识：contentHash_chunkIndex_factIndex
	ContentHash  string    `json:"content_hash"`
	ChunkIndex   int       `json:"chunk_index"`
	FileName     string    `json:"file_name"`
	Fact         string    `json:"fact"`
	Vector       []float32 `json:"vector"` // 知识文本的向量表示
	ModelVersion string    `json:"model_version"`
	CreatedAt    string    `json:"created_at"`
}
