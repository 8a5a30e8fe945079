package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
)

// Notifier доставляет сигнал оператору
type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

// Dispatcher рассылает события по всем получателям в отдельной горутине.
// Publish не блокирует вызывающего: при переполненной очереди событие отбрасывается.
type Dispatcher struct {
	sinks   []Notifier
	queue   chan models.Event
	done    chan struct{}
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher создает и запускает диспетчер
func NewDispatcher(queueSize int, sinks ...Notifier) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan models.Event, queueSize),
		done:    make(chan struct{}),
		timeout: 10 * time.Second,
	}
	go d.run()
	return d
}

// Publish ставит событие в очередь
func (d *Dispatcher) Publish(event models.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- event:
	default:
		logger.Warn("Очередь уведомлений переполнена, событие отброшено",
			zap.String("type", string(event.Type)),
			zap.String("symbol", event.Symbol))
	}
}

// Close прекращает прием событий и ждет доставки уже поставленных в очередь
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := sink.Notify(ctx, event); err != nil {
				logger.Warn("Ошибка доставки уведомления",
					zap.String("sink", fmt.Sprintf("%T", sink)),
					zap.String("type", string(event.Type)),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// LogNotifier пишет события в лог
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, e models.Event) error {
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.String("symbol", e.Symbol),
		zap.String("message", e.Message),
	}
	for _, k := range sortedKeys(e.Fields) {
		fields = append(fields, zap.Float64(k, e.Fields[k]))
	}

	switch e.Severity {
	case models.SeverityCritical:
		logger.Error("Событие", fields...)
	case models.SeverityWarning:
		logger.Warn("Событие", fields...)
	default:
		logger.Info("Событие", fields...)
	}
	return nil
}

// FormatEvent текстовое представление события для мессенджеров
func FormatEvent(e models.Event) string {
	var b strings.Builder
	switch e.Severity {
	case models.SeverityCritical:
		b.WriteString("🚨 ")
	case models.SeverityWarning:
		b.WriteString("⚠️ ")
	default:
		b.WriteString("ℹ️ ")
	}
	b.WriteString(string(e.Type))
	if e.Symbol != "" {
		b.WriteString(" ")
		b.WriteString(e.Symbol)
	}
	if e.Message != "" {
		b.WriteString("\n")
		b.WriteString(e.Message)
	}
	for _, k := range sortedKeys(e.Fields) {
		fmt.Fprintf(&b, "\n%s: %s", k, models.FormatDecimal(e.Fields[k]))
	}
	return b.String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
