package service

import (
	"sync"

	"knowpipe-go/pkg/events"
)

// EventHub 是进程内的状态事件广播器，为 websocket 订阅者分发文件状态变化。
// 实现了调度管道的 StatusNotifier 接口。
type EventHub struct {
	mu   sync.RWMutex
	subs map[chan events.FileStatusEvent]struct{}
}

// NewEventHub 创建一个新的 EventHub 实例。
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan events.FileStatusEvent]struct{})}
}

// Subscribe 注册一个订阅者，返回接收事件的通道。
func (h *EventHub) Subscribe() chan events.FileStatusEvent {
	ch := make(chan events.FileStatusEvent, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe 注销订阅者并关闭其通道。
func (h *EventHub) Unsubscribe(ch chan events.FileStatusEvent) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// NotifyStatus 把事件广播给所有订阅者。
// 发送是非阻塞的：消费过慢的订阅者丢弃事件，广播不能拖慢调度管道。
func (h *EventHub) NotifyStatus(event events.FileStatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
