package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"knowpipe-go/internal/chunker"
	"knowpipe-go/internal/config"
	"knowpipe-go/internal/model"
	"knowpipe-go/internal/repository"
	"knowpipe-go/pkg/events"
	"knowpipe-go/pkg/log"
	"knowpipe-go/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

// ---- 内存版检查点存储 ----

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*model.FileRecord
	done    map[string]map[int]bool
	ops     []string // 操作顺序，用于校验"先落终态、后删输入"

	failRecordDone    bool // 模拟检查点存储不可用
	ackLossRecordDone bool // 模拟行已落盘但应答丢失
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records: make(map[string]*model.FileRecord),
		done:    make(map[string]map[int]bool),
	}
}

func (r *fakeRepo) logOp(op string) {
	r.ops = append(r.ops, op)
}

func (r *fakeRepo) GetFileRecord(hash string) (*model.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[hash]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRepo) CreateFileRecord(record *model.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.ContentHash]; ok {
		return errors.New("duplicate content hash")
	}
	cp := *record
	r.records[record.ContentHash] = &cp
	return nil
}

func (r *fakeRepo) UpdateFileMeta(hash, fileName string, totalSize int64, totalChunks int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[hash]
	rec.FileName = fileName
	rec.TotalSize = totalSize
	rec.TotalChunks = totalChunks
	return nil
}

func (r *fakeRepo) SetFileStatus(hash string, status int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[hash].Status = status
	r.logOp(fmt.Sprintf("status:%s:%s", hash[:8], model.StatusText(status)))
	return nil
}

func (r *fakeRepo) SetCompletedChunks(hash string, completed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[hash].CompletedChunks = completed
	return nil
}

func (r *fakeRepo) ListFileRecords() ([]model.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.FileRecord
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (r *fakeRepo) DeleteFileRecord(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, hash)
	delete(r.done, hash)
	return nil
}

func (r *fakeRepo) RecordChunkDone(_ context.Context, hash string, idx int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRecordDone {
		return errors.New("checkpoint store unavailable")
	}
	if r.done[hash] == nil {
		r.done[hash] = make(map[int]bool)
	}
	r.done[hash][idx] = true
	if r.ackLossRecordDone {
		return errors.New("connection reset before ack")
	}
	return nil
}

func (r *fakeRepo) IsChunkDone(_ context.Context, hash string, idx int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done[hash][idx], nil
}

func (r *fakeRepo) ListDoneChunks(hash string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for i := 0; i < 1<<16; i++ {
		if r.done[hash][i] {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *fakeRepo) CountDoneChunks(hash string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.done[hash]), nil
}

func (r *fakeRepo) ClearChunkProgress(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.done, hash)
	return nil
}

// ---- 内存版输入源 ----

type fakeSource struct {
	mu      sync.Mutex
	data    map[string][]byte
	removed []string
	repo    *fakeRepo // 共享操作日志
}

func newFakeSource(repo *fakeRepo) *fakeSource {
	return &fakeSource{data: make(map[string][]byte), repo: repo}
}

func (s *fakeSource) put(key string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = content
}

func (s *fakeSource) List(_ context.Context) ([]storage.IntakeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []storage.IntakeEntry
	for key, content := range s.data {
		entries = append(entries, storage.IntakeEntry{Key: key, Name: key, Size: int64(len(content))})
	}
	return entries, nil
}

func (s *fakeSource) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.data[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return content, nil
}

func (s *fakeSource) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	s.removed = append(s.removed, key)
	if s.repo != nil {
		s.repo.logOp("remove:" + key)
	}
	return nil
}

// ---- 可编排的抽取器 ----

type fakeExtractor struct {
	mu       sync.Mutex
	calls    []int // 按调用顺序记录分块序号
	failIdx  map[int]bool
	failHash map[string]bool
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{failIdx: make(map[int]bool), failHash: make(map[string]bool)}
}

func (e *fakeExtractor) Extract(_ context.Context, hash string, idx int, _ string, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, idx)
	if e.failIdx[idx] || e.failHash[hash] {
		return errors.New("extractor boom")
	}
	return nil
}

func (e *fakeExtractor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func testCfg() config.IngestConfig {
	return config.IngestConfig{
		Enabled:            true,
		PollInterval:       time.Second,
		ChunkTargetSize:    20,
		MaxConcurrentFiles: 2,
		Extensions:         []string{".txt", ".md"},
	}
}

func newTestDispatcher(repo *fakeRepo, source *fakeSource, ext *fakeExtractor, notifiers ...StatusNotifier) *Dispatcher {
	return NewDispatcher(source, ext, repo, testCfg, notifiers...)
}

func chunkerIdentify(data []byte) string {
	return chunker.Identify(data)
}

func multiLineContent(n int) []byte {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "line-%03d\n", i)
	}
	return []byte(sb.String())
}

// ---- 测试 ----

func TestProcessEntryHappyPath(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(10) // 10 行 * 9 字符，targetSize=20 => 每块 2 行
	source.put("a.txt", content)
	entry := storage.IntakeEntry{Key: "a.txt", Name: "a.txt", Size: int64(len(content))}

	require.NoError(t, d.processEntry(context.Background(), entry, testCfg()))

	rec, err := repo.GetFileRecord(chunkerIdentify(content))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, 5, rec.TotalChunks)
	assert.Equal(t, 5, rec.CompletedChunks)
	// 分块按序号升序派发
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ext.calls)
	// 输入已删除
	assert.Equal(t, []string{"a.txt"}, source.removed)
	// 终态后进度行被清理
	count, _ := repo.CountDoneChunks(rec.ContentHash)
	assert.Equal(t, 0, count)
}

func TestProcessEntryRemovesInputOnlyAfterTerminalStatus(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(4)
	source.put("a.txt", content)
	entry := storage.IntakeEntry{Key: "a.txt", Name: "a.txt"}
	require.NoError(t, d.processEntry(context.Background(), entry, testCfg()))

	// 操作日志里终态写入必须先于输入删除
	var statusAt, removeAt int
	for i, op := range repo.ops {
		if strings.Contains(op, ":completed") {
			statusAt = i
		}
		if strings.HasPrefix(op, "remove:") {
			removeAt = i
		}
	}
	assert.Less(t, statusAt, removeAt, "输入删除不得先于终态落盘")
}

func TestProcessEntryResumesFromCheckpoint(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(10) // 5 个分块
	hash := chunkerIdentify(content)
	source.put("a.txt", content)

	// 模拟上次运行留下的记录：5 块中前 2 块已完成
	require.NoError(t, repo.CreateFileRecord(&model.FileRecord{
		ContentHash: hash, FileName: "a.txt", TotalSize: int64(len(content)),
		TotalChunks: 5, Status: model.StatusProcessing,
	}))
	require.NoError(t, repo.RecordChunkDone(context.Background(), hash, 0))
	require.NoError(t, repo.RecordChunkDone(context.Background(), hash, 1))

	entry := storage.IntakeEntry{Key: "a.txt", Name: "a.txt"}
	require.NoError(t, d.processEntry(context.Background(), entry, testCfg()))

	// 只派发剩余的 3 块，且升序
	assert.Equal(t, []int{2, 3, 4}, ext.calls)
	rec, _ := repo.GetFileRecord(hash)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, 5, rec.CompletedChunks)
}

func TestProcessEntryPartialFailureIsolation(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	ext.failIdx[2] = true // 第 2 块失败
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(10) // 5 个分块
	source.put("a.txt", content)
	entry := storage.IntakeEntry{Key: "a.txt", Name: "a.txt"}
	require.NoError(t, d.processEntry(context.Background(), entry, testCfg()))

	// 失败块之后的兄弟分块照常派发
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ext.calls)
	rec, _ := repo.GetFileRecord(chunkerIdentify(content))
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, 4, rec.CompletedChunks)
	assert.Equal(t, 5, rec.TotalChunks)
	// 失败文件的输入同样在终态后删除
	assert.Equal(t, []string{"a.txt"}, source.removed)
}

func TestProcessEntryDedupShortCircuit(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(6)
	hash := chunkerIdentify(content)

	// 第一次提交走完整流程
	source.put("first.txt", content)
	require.NoError(t, d.processEntry(context.Background(), storage.IntakeEntry{Key: "first.txt", Name: "first.txt"}, testCfg()))
	firstCalls := ext.callCount()
	require.Greater(t, firstCalls, 0)

	// 同样字节换个文件名重新投递：不分块、不抽取，直接删除输入
	source.put("renamed.md", content)
	require.NoError(t, d.processEntry(context.Background(), storage.IntakeEntry{Key: "renamed.md", Name: "renamed.md"}, testCfg()))

	assert.Equal(t, firstCalls, ext.callCount(), "重复内容不得再次调用抽取器")
	assert.Contains(t, source.removed, "renamed.md")
	records, _ := repo.ListFileRecords()
	assert.Len(t, records, 1, "同一身份至多一条文件记录")
	rec, _ := repo.GetFileRecord(hash)
	assert.Equal(t, "first.txt", rec.FileName, "保留首次提交的文件名")
}

func TestProcessEntryTerminalImmutability(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(4)
	hash := chunkerIdentify(content)
	require.NoError(t, repo.CreateFileRecord(&model.FileRecord{
		ContentHash: hash, FileName: "old.txt", TotalChunks: 2,
		CompletedChunks: 1, Status: model.StatusFailed,
	}))

	source.put("again.txt", content)
	require.NoError(t, d.processEntry(context.Background(), storage.IntakeEntry{Key: "again.txt", Name: "again.txt"}, testCfg()))

	// failed 为终态：不重新派发，记录保持原状
	assert.Equal(t, 0, ext.callCount())
	rec, _ := repo.GetFileRecord(hash)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.CompletedChunks)
}

func TestProcessEntryEmptyInput(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	source.put("empty.txt", []byte{})
	require.NoError(t, d.processEntry(context.Background(), storage.IntakeEntry{Key: "empty.txt", Name: "empty.txt"}, testCfg()))

	assert.Equal(t, 0, ext.callCount(), "空输入不得触发任何抽取调用")
	rec, _ := repo.GetFileRecord(chunkerIdentify([]byte{}))
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, 0, rec.TotalChunks)
	assert.Equal(t, []string{"empty.txt"}, source.removed)
}

func TestProcessEntryChunkCountMismatch(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(10) // 重算应为 5 块
	hash := chunkerIdentify(content)
	require.NoError(t, repo.CreateFileRecord(&model.FileRecord{
		ContentHash: hash, FileName: "a.txt", TotalChunks: 9, Status: model.StatusProcessing,
	}))

	source.put("a.txt", content)
	err := d.processEntry(context.Background(), storage.IntakeEntry{Key: "a.txt", Name: "a.txt"}, testCfg())
	require.ErrorIs(t, err, ErrChunkCountMismatch)

	// 损坏信号：不派发、不删输入、不改状态
	assert.Equal(t, 0, ext.callCount())
	assert.Empty(t, source.removed)
	rec, _ := repo.GetFileRecord(hash)
	assert.Equal(t, model.StatusProcessing, rec.Status)
}

func TestProcessEntryAbandonsTickOnCheckpointWriteFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.failRecordDone = true
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(10)
	source.put("a.txt", content)
	err := d.processEntry(context.Background(), storage.IntakeEntry{Key: "a.txt", Name: "a.txt"}, testCfg())
	require.Error(t, err)

	// 首个分块的完成写入失败后立即放弃本周期：不再推进后续分块，也不定稿
	assert.Equal(t, 1, ext.callCount())
	rec, _ := repo.GetFileRecord(chunkerIdentify(content))
	assert.Equal(t, model.StatusProcessing, rec.Status)
	assert.Empty(t, source.removed, "未定稿不得删除输入")
}

func TestProcessEntryShutdownStopsDispatching(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // 在派发开始前就请求停机

	content := multiLineContent(10)
	source.put("a.txt", content)
	require.NoError(t, d.processEntry(ctx, storage.IntakeEntry{Key: "a.txt", Name: "a.txt"}, testCfg()))

	assert.Equal(t, 0, ext.callCount())
	rec, _ := repo.GetFileRecord(chunkerIdentify(content))
	assert.Equal(t, model.StatusProcessing, rec.Status, "停机中断的文件留在 processing，等待下次恢复")
	assert.Empty(t, source.removed)
}

// cancellingExtractor 在处理到指定分块时触发停机取消，模拟调用在途时收到停止信号。
type cancellingExtractor struct {
	inner     *fakeExtractor
	cancelAt  int
	cancelCtx context.CancelFunc
}

func (e *cancellingExtractor) Extract(ctx context.Context, hash string, idx int, text string, name string) error {
	if idx == e.cancelAt {
		e.cancelCtx()
		return ctx.Err()
	}
	return e.inner.Extract(ctx, hash, idx, text, name)
}

func TestProcessEntryShutdownDuringExtractStaysProcessing(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	inner := newFakeExtractor()
	ctx, cancel := context.WithCancel(context.Background())
	ext := &cancellingExtractor{inner: inner, cancelAt: 2, cancelCtx: cancel}
	d := NewDispatcher(source, ext, repo, testCfg)

	content := multiLineContent(10) // 5 个分块
	source.put("a.txt", content)
	require.NoError(t, d.processEntry(ctx, storage.IntakeEntry{Key: "a.txt", Name: "a.txt"}, testCfg()))

	// 被取消打断的分块不计入失败：不定稿、不删输入，文件留在 processing
	rec, _ := repo.GetFileRecord(chunkerIdentify(content))
	assert.Equal(t, model.StatusProcessing, rec.Status, "停机打断的调用不得把文件定稿为 failed")
	assert.Empty(t, source.removed, "未定稿不得删除输入")
	// 取消前已落盘的进度得以保留，供下次启动续传
	count, _ := repo.CountDoneChunks(rec.ContentHash)
	assert.Equal(t, 2, count)
}

func TestRecordDoneRecoversFromLostAck(t *testing.T) {
	repo := newFakeRepo()
	repo.ackLossRecordDone = true // 行落盘成功但应答丢失
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(10) // 5 个分块
	source.put("a.txt", content)
	require.NoError(t, d.processEntry(context.Background(), storage.IntakeEntry{Key: "a.txt", Name: "a.txt"}, testCfg()))

	// 回查发现行已存在，视为写入成功：全部分块照常推进并完成
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ext.calls)
	rec, _ := repo.GetFileRecord(chunkerIdentify(content))
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, 5, rec.CompletedChunks)
}

func TestProcessEntryRespectsPreInsertedQueuedRecord(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	d := newTestDispatcher(repo, source, ext)

	content := multiLineContent(6)
	hash := chunkerIdentify(content)
	// 外部调用方提前插入 queued 记录（尚无分块元数据）
	require.NoError(t, repo.CreateFileRecord(&model.FileRecord{
		ContentHash: hash, FileName: "pre.txt", Status: model.StatusQueued,
	}))

	source.put("pre.txt", content)
	require.NoError(t, d.processEntry(context.Background(), storage.IntakeEntry{Key: "pre.txt", Name: "pre.txt"}, testCfg()))

	records, _ := repo.ListFileRecords()
	assert.Len(t, records, 1, "upsert 不得产生第二条记录")
	rec, _ := repo.GetFileRecord(hash)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.TotalChunks)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []events.FileStatusEvent
}

func (n *fakeNotifier) NotifyStatus(event events.FileStatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func TestFinalizePublishesStatusEvent(t *testing.T) {
	repo := newFakeRepo()
	source := newFakeSource(repo)
	ext := newFakeExtractor()
	ext.failIdx[0] = true
	notifier := &fakeNotifier{}
	d := newTestDispatcher(repo, source, ext, notifier)

	content := multiLineContent(4) // 2 个分块
	source.put("a.txt", content)
	require.NoError(t, d.processEntry(context.Background(), storage.IntakeEntry{Key: "a.txt", Name: "a.txt"}, testCfg()))

	require.Len(t, notifier.events, 1)
	event := notifier.events[0]
	assert.Equal(t, "failed", event.Status)
	assert.Equal(t, "a.txt", event.FileName)
	assert.Equal(t, 2, event.TotalChunks)
	assert.Equal(t, 1, event.CompletedChunks)
	assert.Equal(t, chunkerIdentify(content), event.ContentHash)
}

func TestPendingIndices(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, pendingIndices(nil, 3))
	assert.Equal(t, []int{1, 3}, pendingIndices([]int{0, 2, 4}, 5))
	assert.Nil(t, pendingIndices([]int{0, 1}, 2))
	assert.Nil(t, pendingIndices(nil, 0))
}

func TestIsSupportedName(t *testing.T) {
	exts := []string{".txt", ".md"}
	assert.True(t, isSupportedName("notes.txt", exts))
	assert.True(t, isSupportedName("README.MD", exts))
	assert.True(t, isSupportedName("Makefile", exts), "无扩展名默认接受")
	assert.False(t, isSupportedName("image.png", exts))
	assert.False(t, isSupportedName("archive.tar.gz", exts))
}
