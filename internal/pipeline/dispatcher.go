// Package pipeline 实现了可断点续传的分块摄取调度循环。
//
// 调度器按固定周期扫描输入源，每个周期从持久化状态出发重新计算工作列表，
// 内存中不保留跨周期的处理状态，重启后自然从断点恢复。
package pipeline

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"knowpipe-go/internal/config"
	"knowpipe-go/internal/repository"
	"knowpipe-go/pkg/events"
	"knowpipe-go/pkg/log"
	"knowpipe-go/pkg/storage"
)

// IntakeSource 抽象了"投递目录"：产出待处理输入、读取其字节内容、处理完毕后删除。
type IntakeSource interface {
	List(ctx context.Context) ([]storage.IntakeEntry, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Extractor 抽象了外部抽取器：消费一个分块并把蒸馏出的知识写入下游存储。
// 对管道而言是一次不透明调用，只关心成功与否。
type Extractor interface {
	Extract(ctx context.Context, contentHash string, chunkIndex int, chunkText, fileName string) error
}

// StatusNotifier 接收文件状态事件（Kafka 生产者、websocket 推送等）。
type StatusNotifier interface {
	NotifyStatus(event events.FileStatusEvent)
}

// Dispatcher 封装了调度循环的全部依赖和在途状态。
type Dispatcher struct {
	source    IntakeSource
	extractor Extractor
	repo      repository.CheckpointRepository
	cfgFn     func() config.IngestConfig
	notifiers []StatusNotifier

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewDispatcher 创建一个新的 Dispatcher 实例。
// cfgFn 在每个调度周期被重新调用，配置热更新在下一个周期生效。
func NewDispatcher(
	source IntakeSource,
	extractor Extractor,
	repo repository.CheckpointRepository,
	cfgFn func() config.IngestConfig,
	notifiers ...StatusNotifier,
) *Dispatcher {
	return &Dispatcher{
		source:    source,
		extractor: extractor,
		repo:      repo,
		cfgFn:     cfgFn,
		notifiers: notifiers,
		inflight:  make(map[string]struct{}),
	}
}

// Run 启动调度循环，直到 ctx 被取消。
// 停机时不再派发新的分块，但等待在途文件把当前分块的结果落盘后才返回。
func (d *Dispatcher) Run(ctx context.Context) {
	cfg := d.cfgFn()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	log.Infof("[Dispatcher] 调度循环已启动, poll_interval=%s, enabled=%v", cfg.PollInterval, cfg.Enabled)

	for {
		select {
		case <-ctx.Done():
			log.Info("[Dispatcher] 收到停止信号，等待在途文件完成当前分块...")
			d.wg.Wait()
			log.Info("[Dispatcher] 调度循环已退出")
			return
		case <-ticker.C:
			next := d.cfgFn()
			if next.PollInterval != cfg.PollInterval {
				log.Infof("[Dispatcher] 扫描间隔已更新: %s -> %s", cfg.PollInterval, next.PollInterval)
				ticker.Reset(next.PollInterval)
			}
			cfg = next
			if !cfg.Enabled {
				continue
			}
			d.scanOnce(ctx, cfg)
		}
	}
}

// scanOnce 执行一次输入源扫描。文件按发现时间从旧到新处理，
// 文件之间有界并发，单个文件内部的分块严格按序号串行派发。
// 不等待处理完成即返回，慢文件不会拖延下一个扫描周期；
// 在途守卫保证同一输入与同一身份不会被并发处理。
func (d *Dispatcher) scanOnce(ctx context.Context, cfg config.IngestConfig) {
	entries, err := d.source.List(ctx)
	if err != nil {
		log.Errorf("[Dispatcher] 扫描输入源失败: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	log.Infof("[Dispatcher] 本周期发现 %d 个待处理输入", len(entries))

	sem := make(chan struct{}, cfg.MaxConcurrentFiles)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !isSupportedName(entry.Name, cfg.Extensions) {
			log.Warnf("[Dispatcher] 跳过不支持的输入类型: %s", entry.Name)
			continue
		}
		if !d.tryAcquire("key:" + entry.Key) {
			// 上个周期仍在处理该输入
			log.Debugf("[Dispatcher] 输入 '%s' 仍在处理中，跳过本周期", entry.Key)
			continue
		}

		sem <- struct{}{}
		d.wg.Add(1)
		go func(e storage.IntakeEntry) {
			defer func() {
				<-sem
				d.release("key:" + e.Key)
				d.wg.Done()
			}()
			if err := d.processEntry(ctx, e, cfg); err != nil {
				log.Errorf("[Dispatcher] 处理输入 '%s' 失败: %v", e.Name, err)
			}
		}(entry)
	}
}

// isSupportedName 判断文件名是否属于可摄取的纯文本类型。
// 无扩展名的文件默认接受；有扩展名时必须在允许列表内。
func isSupportedName(name string, extensions []string) bool {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return true
	}
	for _, allowed := range extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// tryAcquire 尝试占用一个在途槽位（输入 key 或内容身份），已被占用时返回 false。
func (d *Dispatcher) tryAcquire(token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[token]; ok {
		return false
	}
	d.inflight[token] = struct{}{}
	return true
}

func (d *Dispatcher) release(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, token)
}

func (d *Dispatcher) notify(event events.FileStatusEvent) {
	for _, n := range d.notifiers {
		n.NotifyStatus(event)
	}
}
