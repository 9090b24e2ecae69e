package event

import (
	"context"
	"log"
	"sync"
	"time"
)

// Severity 事件级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event 表示系统中的一个事件
type Event struct {
	Type       string                 `json:"type"`     // 事件类型
	Severity   Severity               `json:"severity"` // 事件级别
	Strategy   string                 `json:"strategy,omitempty"`
	Instrument string                 `json:"instrument,omitempty"`
	Message    string                 `json:"message"`
	Data       interface{}            `json:"data,omitempty"`     // 事件数据
	Metadata   map[string]interface{} `json:"metadata,omitempty"` // 元数据
	Timestamp  time.Time              `json:"timestamp"`          // 时间戳
}

// Publisher is what trading components depend on to report lifecycle events.
type Publisher interface {
	Publish(event Event)
}

// Handler 事件处理函数
type Handler func(ctx context.Context, event Event) error

// Bus 事件总线，用于解耦系统各个组件
type Bus struct {
	handlers map[string][]Handler
	wildcard []Handler
	mu       sync.RWMutex

	// 异步处理的缓冲通道
	eventChan chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBus 创建新的事件总线
func NewBus(bufferSize int) *Bus {
	ctx, cancel := context.WithCancel(context.Background())

	bus := &Bus{
		handlers:  make(map[string][]Handler),
		eventChan: make(chan Event, bufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	// 启动事件处理协程
	bus.wg.Add(1)
	go bus.processEvents()

	return bus
}

// Subscribe 订阅事件类型; "*" receives every event.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "*" {
		b.wildcard = append(b.wildcard, handler)
		return
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布事件. Critical events are dispatched synchronously and are never dropped;
// everything else is queued and dropped with a warning when the buffer is full.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	if event.Severity == SeverityCritical {
		log.Printf("CRITICAL [%s] %s %s: %s", event.Type, event.Strategy, event.Instrument, event.Message)
		if err := b.dispatch(context.Background(), event); err != nil {
			log.Printf("EventBus: Error processing critical event %s: %v", event.Type, err)
		}
		return
	}

	select {
	case b.eventChan <- event:
	default:
		log.Printf("EventBus: Warning - event channel full, dropping event: %s", event.Type)
	}
}

// PublishSync 同步发布事件（立即处理）
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return b.dispatch(ctx, event)
}

// processEvents 处理事件的后台协程
func (b *Bus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.eventChan:
			if err := b.dispatch(b.ctx, event); err != nil {
				log.Printf("EventBus: Error processing event %s: %v", event.Type, err)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// dispatch 分发事件给所有订阅者
func (b *Bus) dispatch(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.wildcard))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	// 并发执行所有处理器
	var wg sync.WaitGroup
	errChan := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				errChan <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			log.Printf("EventBus: Handler error for event %s: %v", event.Type, err)
		}
	}

	return nil
}

// Shutdown 关闭事件总线, draining whatever is still queued.
func (b *Bus) Shutdown() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		for {
			select {
			case event := <-b.eventChan:
				_ = b.dispatch(context.Background(), event)
			default:
				log.Println("EventBus: Shutdown complete")
				return
			}
		}
	})
}

// GetSubscriberCount 获取某个事件类型的订阅者数量（用于调试）
func (b *Bus) GetSubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}
