package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"knowpipe-go/internal/chunker"
	"knowpipe-go/internal/config"
	"knowpipe-go/internal/model"
	"knowpipe-go/internal/repository"
	"knowpipe-go/pkg/events"
	"knowpipe-go/pkg/log"
	"knowpipe-go/pkg/storage"
)

// ErrChunkCountMismatch 表示文件记录中存储的分块总数与按当前内容重新计算的结果不一致。
// 这是一个数据损坏信号：带着错位的分块序号继续处理会导致无限重做或永久卡死的分块，
// 因此该身份的处理直接中止，区别于普通的分块抽取失败。
var ErrChunkCountMismatch = errors.New("存储的分块总数与重新计算的结果不一致")

// checkpointWriteRetries 是单个分块完成状态落盘的最大尝试次数。
const checkpointWriteRetries = 3

// processEntry 按状态机处理一个被发现的输入：
// identified -> chunking -> dispatching -> finalizing。
// 任何一步失败都让输入留在源位置，等待下一个周期从持久化的断点继续。
func (d *Dispatcher) processEntry(ctx context.Context, entry storage.IntakeEntry, cfg config.IngestConfig) error {
	// 1. 读取内容并推导身份
	data, err := d.source.Read(ctx, entry.Key)
	if err != nil {
		return fmt.Errorf("读取输入内容失败: %w", err)
	}
	contentHash := chunker.Identify(data)

	// 同一身份不允许被两个并发流程同时派发
	if !d.tryAcquire(contentHash) {
		log.Infof("[Pipeline] 身份 %s 正在处理中，跳过输入 '%s'", contentHash, entry.Name)
		return nil
	}
	defer d.release(contentHash)

	log.Infof("[Pipeline] 开始处理输入, FileName: %s, ContentHash: %s, Size: %d", entry.Name, contentHash, len(data))

	// 2. 去重短路：该内容已有终态记录（可能来自不同文件名的同一内容），
	// 不再分块、不再调用抽取器，直接删除输入。
	record, err := d.repo.GetFileRecord(contentHash)
	if err != nil && !errors.Is(err, repository.ErrRecordNotFound) {
		return fmt.Errorf("查询文件记录失败: %w", err)
	}
	if record != nil && model.IsTerminalStatus(record.Status) {
		log.Infof("[Pipeline] 内容已处理过 (status=%s)，删除重复输入 '%s'", model.StatusText(record.Status), entry.Name)
		if err := d.source.Remove(ctx, entry.Key); err != nil {
			log.Warnf("[Pipeline] 删除重复输入失败: %v", err)
		}
		return nil
	}

	// 3. 分块并落实文件记录
	chunks := chunker.Split(string(data), cfg.ChunkTargetSize)
	total := len(chunks)

	switch {
	case record == nil:
		record = &model.FileRecord{
			ContentHash: contentHash,
			FileName:    entry.Name,
			TotalSize:   int64(len(data)),
			TotalChunks: total,
			Status:      model.StatusQueued,
		}
		if err := d.repo.CreateFileRecord(record); err != nil {
			return fmt.Errorf("创建文件记录失败: %w", err)
		}
	case record.TotalChunks == 0 && total > 0:
		// 外部调用方为了提前可见性预插入的 queued 记录，补全分块元数据，不触碰状态
		if err := d.repo.UpdateFileMeta(contentHash, entry.Name, int64(len(data)), total); err != nil {
			return fmt.Errorf("补全文件元数据失败: %w", err)
		}
		record.TotalChunks = total
	case record.TotalChunks != total:
		return fmt.Errorf("%w: hash=%s, 记录=%d, 重算=%d", ErrChunkCountMismatch, contentHash, record.TotalChunks, total)
	}

	if err := d.repo.SetFileStatus(contentHash, model.StatusProcessing, time.Now()); err != nil {
		return fmt.Errorf("标记 processing 状态失败: %w", err)
	}

	// 空输入：零分块，直接完成，零次抽取调用
	if total == 0 {
		log.Infof("[Pipeline] 输入 '%s' 为空，直接完成", entry.Name)
		return d.finalize(ctx, entry, contentHash, 0, 0)
	}

	// 4. 断点续传：求已完成分块在 [0, total) 上的补集，按序号升序派发
	done, err := d.repo.ListDoneChunks(contentHash)
	if err != nil {
		return fmt.Errorf("查询已完成分块失败: %w", err)
	}
	pending := pendingIndices(done, total)
	log.Infof("[Pipeline] 派发分块, ContentHash: %s, 总数: %d, 已完成: %d, 待处理: %d",
		contentHash, total, len(done), len(pending))

	failedCount := 0
	for _, idx := range pending {
		select {
		case <-ctx.Done():
			// 停机：不再派发新的分块；已落盘的进度在下次启动时恢复
			log.Infof("[Pipeline] 停机中断派发, ContentHash: %s, 已推进到分块 %d", contentHash, idx)
			return nil
		default:
		}

		if err := d.extractor.Extract(ctx, contentHash, idx, chunks[idx], entry.Name); err != nil {
			if ctx.Err() != nil {
				// 停机取消打断的调用不是该分块的真实结果，不计入失败也不定稿，
				// 文件留在 processing，输入留在源位置，下次启动从断点继续
				log.Infof("[Pipeline] 停机中断分块 %d 的抽取, ContentHash: %s", idx, contentHash)
				return nil
			}
			// 单块失败是该分块本轮的最终结果，不重试也不阻塞兄弟分块
			log.Errorf("[Pipeline] 分块 %d/%d 抽取失败, ContentHash: %s, Error: %v", idx, total, contentHash, err)
			failedCount++
			continue
		}

		if err := d.recordDoneWithRetry(ctx, contentHash, idx); err != nil {
			// 检查点存储不可用：绝不在完成状态未落盘时推进，放弃本周期，下一轮从断点重试
			return fmt.Errorf("分块 %d 完成状态写入失败，放弃本周期: %w", idx, err)
		}
		log.Infof("[Pipeline] 分块 %d/%d 抽取成功, ContentHash: %s", idx, total, contentHash)
	}

	return d.finalize(ctx, entry, contentHash, total, total-failedCount)
}

// finalize 把文件记录推进到终态，清理分块进度，发布状态事件，
// 并在终态持久化之后（且仅在其后）删除源输入。
func (d *Dispatcher) finalize(ctx context.Context, entry storage.IntakeEntry, contentHash string, total, completed int) error {
	status := model.StatusCompleted
	if completed < total {
		status = model.StatusFailed
	}

	if err := d.repo.SetCompletedChunks(contentHash, completed); err != nil {
		return fmt.Errorf("冻结完成分块数失败: %w", err)
	}
	now := time.Now()
	if err := d.repo.SetFileStatus(contentHash, status, now); err != nil {
		return fmt.Errorf("写入终态失败: %w", err)
	}

	// 进度行清理是纯空间优化，失败可忽略：终态记录本身已足以表明无事可做
	if err := d.repo.ClearChunkProgress(ctx, contentHash); err != nil {
		log.Warnf("[Pipeline] 清理分块进度失败 (hash=%s): %v", contentHash, err)
	}

	d.notify(events.FileStatusEvent{
		ContentHash:     contentHash,
		FileName:        entry.Name,
		Status:          model.StatusText(status),
		TotalChunks:     total,
		CompletedChunks: completed,
		Timestamp:       now.Format("2006-01-02 15:04:05"),
	})

	// 删除输入必须发生在终态落盘之后，否则崩溃会让这份工作既无法恢复也无法重新提交
	if err := d.source.Remove(ctx, entry.Key); err != nil {
		log.Warnf("[Pipeline] 删除已处理输入失败 (key=%s): %v", entry.Key, err)
	}

	log.Infof("[Pipeline] 输入 '%s' 处理完毕, ContentHash: %s, 状态: %s, 进度: %d/%d",
		entry.Name, contentHash, model.StatusText(status), completed, total)
	return nil
}

// recordDoneWithRetry 持久化一个分块的完成状态，存储瞬时故障时有限重试。
// 写入报错可能只是应答丢失，重试前先回查：行已存在则视为写入成功。
func (d *Dispatcher) recordDoneWithRetry(ctx context.Context, contentHash string, chunkIndex int) error {
	var err error
	for attempt := 1; attempt <= checkpointWriteRetries; attempt++ {
		err = d.repo.RecordChunkDone(ctx, contentHash, chunkIndex)
		if err == nil {
			return nil
		}
		if done, checkErr := d.repo.IsChunkDone(ctx, contentHash, chunkIndex); checkErr == nil && done {
			return nil
		}
		log.Warnf("[Pipeline] 分块完成写入失败 (hash=%s, chunk=%d, attempt=%d/%d): %v",
			contentHash, chunkIndex, attempt, checkpointWriteRetries, err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return err
}

// pendingIndices 计算 [0, total) 中尚未完成的分块序号，升序。
func pendingIndices(done []int, total int) []int {
	doneSet := make(map[int]struct{}, len(done))
	for _, idx := range done {
		doneSet[idx] = struct{}{}
	}
	var pending []int
	for i := 0; i < total; i++ {
		if _, ok := doneSet[i]; !ok {
			pending = append(pending, i)
		}
	}
	return pending
}
