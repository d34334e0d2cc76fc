// Package extract 实现了默认的知识抽取器：调用大模型把分块文本蒸馏为
// 知识条目，逐条向量化后索引到 Elasticsearch 知识库。
package extract

import (
	"context"
	"fmt"
	"time"

	"knowpipe-go/internal/config"
	"knowpipe-go/internal/model"
	"knowpipe-go/pkg/embedding"
	"knowpipe-go/pkg/es"
	"knowpipe-go/pkg/llm"
	"knowpipe-go/pkg/log"
)

// KnowledgeExtractor 组合了 LLM 蒸馏、向量化和知识库写入。
// 对调度管道呈现为一次不透明调用：要么整块成功，要么整块失败。
type KnowledgeExtractor struct {
	llmClient       llm.Client
	embeddingClient embedding.Client
	esCfg           config.ElasticsearchConfig
	embeddingCfg    config.EmbeddingConfig
}

// NewKnowledgeExtractor 创建一个新的 KnowledgeExtractor 实例。
func NewKnowledgeExtractor(
	llmClient llm.Client,
	embeddingClient embedding.Client,
	esCfg config.ElasticsearchConfig,
	embeddingCfg config.EmbeddingConfig,
) *KnowledgeExtractor {
	return &KnowledgeExtractor{
		llmClient:       llmClient,
		embeddingClient: embeddingClient,
		esCfg:           esCfg,
		embeddingCfg:    embeddingCfg,
	}
}

// Extract 处理一个分块：蒸馏知识、向量化、索引。
// 知识文档的 DocID 由 (contentHash, chunkIndex, 条目序号) 构成，
// 同一分块被重复处理时只会覆盖同一批文档，下游写入因此是幂等的。
func (e *KnowledgeExtractor) Extract(ctx context.Context, contentHash string, chunkIndex int, chunkText, fileName string) error {
	log.Infof("[Extractor] 开始蒸馏分块, ContentHash: %s, ChunkIndex: %d, 长度: %d", contentHash, chunkIndex, len(chunkText))

	facts, err := e.llmClient.DistillKnowledge(ctx, chunkText)
	if err != nil {
		return fmt.Errorf("知识蒸馏失败: %w", err)
	}
	if len(facts) == 0 {
		log.Infof("[Extractor] 分块 %d 未蒸馏出知识条目, ContentHash: %s", chunkIndex, contentHash)
		return nil
	}
	log.Infof("[Extractor] 分块 %d 蒸馏出 %d 条知识, ContentHash: %s", chunkIndex, len(facts), contentHash)

	createdAt := time.Now().Format("2006-01-02 15:04:05")
	for i, fact := range facts {
		vector, err := e.embeddingClient.CreateEmbedding(ctx, fact)
		if err != nil {
			return fmt.Errorf("知识条目 %d 向量化失败: %w", i, err)
		}

		doc := model.KnowledgeDoc{
			DocID:        fmt.Sprintf("%s_%d_%d", contentHash, chunkIndex, i),
			ContentHash:  contentHash,
			ChunkIndex:   chunkIndex,
			FileName:     fileName,
			Fact:         fact,
			Vector:       vector,
			ModelVersion: e.embeddingCfg.Model,
			CreatedAt:    createdAt,
		}
		if err := es.IndexKnowledge(ctx, e.esCfg.IndexName, doc); err != nil {
			return fmt.Errorf("知识条目 %d 索引失败: %w", i, err)
		}
	}

	log.Infof("[Extractor] 分块 %d 处理完成, ContentHash: %s", chunkIndex, contentHash)
	return nil
}
