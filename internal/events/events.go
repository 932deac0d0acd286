// Package events carries task notifications (state changes, progress, segment
// failures) from the download engine to whoever renders them.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-fetch/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventTaskState     EventType = "task_state"
	EventProgress      EventType = "progress"
	EventSegmentRetry  EventType = "segment_retry"
	EventSegmentFailed EventType = "segment_failed"
	EventSinkFallback  EventType = "sink_fallback"
	EventLog           EventType = "log"
)

// LogLevel defines log severity levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
	TaskID    string
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

func newBase(t EventType, taskID string) BaseEvent {
	return BaseEvent{EventType: t, Time: time.Now(), TaskID: taskID}
}

// TaskStateEvent is published on every controller state transition.
type TaskStateEvent struct {
	BaseEvent
	OldState string
	NewState string
	Message  string
}

// ProgressEvent reports byte counters for one task. Encrypted counters track
// network progress; plain counters track bytes handed to the sink.
type ProgressEvent struct {
	BaseEvent
	FetchedBytes   int64
	EncryptedTotal int64
	WrittenBytes   int64
	PlainTotal     int64
}

// SegmentEvent reports a retry or a terminal failure of one segment.
type SegmentEvent struct {
	BaseEvent
	Index   int
	Attempt int
	Class   string
	Delay   time.Duration
	Err     error
}

// SinkFallbackEvent is published when a durable sink degrades to memory.
type SinkFallbackEvent struct {
	BaseEvent
	Path string
	Err  error
}

// LogEvent represents log messages
type LogEvent struct {
	BaseEvent
	Level   LogLevel
	Message string
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking. Events that do
// not fit in a subscriber's buffer are dropped and counted.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range eb.all {
		close(ch)
	}
}

// PublishTaskState is a convenience method for state transitions.
func (eb *EventBus) PublishTaskState(taskID, oldState, newState, message string) {
	eb.Publish(&TaskStateEvent{
		BaseEvent: newBase(EventTaskState, taskID),
		OldState:  oldState,
		NewState:  newState,
		Message:   message,
	})
}

// PublishProgress is a convenience method for publishing progress events
func (eb *EventBus) PublishProgress(taskID string, fetched, encryptedTotal, written, plainTotal int64) {
	eb.Publish(&ProgressEvent{
		BaseEvent:      newBase(EventProgress, taskID),
		FetchedBytes:   fetched,
		EncryptedTotal: encryptedTotal,
		WrittenBytes:   written,
		PlainTotal:     plainTotal,
	})
}

// PublishSegmentRetry reports a scheduled retry of one segment.
func (eb *EventBus) PublishSegmentRetry(taskID string, index, attempt int, class string, delay time.Duration, err error) {
	eb.Publish(&SegmentEvent{
		BaseEvent: newBase(EventSegmentRetry, taskID),
		Index:     index,
		Attempt:   attempt,
		Class:     class,
		Delay:     delay,
		Err:       err,
	})
}

// PublishSegmentFailed reports a segment that exhausted its retry budget.
func (eb *EventBus) PublishSegmentFailed(taskID string, index, attempt int, class string, err error) {
	eb.Publish(&SegmentEvent{
		BaseEvent: newBase(EventSegmentFailed, taskID),
		Index:     index,
		Attempt:   attempt,
		Class:     class,
		Err:       err,
	})
}

// PublishSinkFallback reports that output continues in memory.
func (eb *EventBus) PublishSinkFallback(taskID, path string, err error) {
	eb.Publish(&SinkFallbackEvent{
		BaseEvent: newBase(EventSinkFallback, taskID),
		Path:      path,
		Err:       err,
	})
}

// PublishLog is a convenience method for publishing log events
func (eb *EventBus) PublishLog(taskID string, level LogLevel, message string) {
	eb.Publish(&LogEvent{
		BaseEvent: newBase(EventLog, taskID),
		Level:     level,
		Message:   message,
	})
}

// UnsubscribeAll removes a subscription channel from every event type
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			break
		}
	}
}

// GetDroppedEventCount returns the total number of events dropped due to full buffers
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}
