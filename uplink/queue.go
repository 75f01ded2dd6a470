package uplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrDelivery пакет не доставлен и возвращен в голову очереди
var ErrDelivery = errors.New("uplink delivery failed")

// DeliveryError ошибка отправки пакета. Не фатальна: записи остаются в очереди.
type DeliveryError struct {
	Queue string
	Count int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %s batch of %d requeued: %v", ErrDelivery, e.Queue, e.Count, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}

// Sender доставляет пакет записей в хранилище
type Sender[T any] interface {
	Send(ctx context.Context, batch []T, retentionDays int) error
}

// SenderFunc адаптер функции к Sender
type SenderFunc[T any] func(ctx context.Context, batch []T, retentionDays int) error

func (f SenderFunc[T]) Send(ctx context.Context, batch []T, retentionDays int) error {
	return f(ctx, batch, retentionDays)
}

// Config параметры очереди
type Config struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// DefaultLogConfig конфигурация очереди журнала
func DefaultLogConfig() Config {
	return Config{BatchSize: 50, FlushInterval: 5 * time.Second}
}

// DefaultTelemetryConfig конфигурация очереди телеметрии
func DefaultTelemetryConfig() Config {
	return Config{BatchSize: 100, FlushInterval: 5 * time.Second}
}

// Stats наблюдаемое состояние очереди
type Stats struct {
	Name                string    `json:"name"`
	Depth               int       `json:"depth"`
	InFlight            int       `json:"inFlight"`
	Delivered           uint64    `json:"delivered"`
	FailedAttempts      uint64    `json:"failedAttempts"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastSuccessAt       time.Time `json:"lastSuccessAt,omitzero"`
}

// Queue очередь записей с пакетной выгрузкой.
// Отправка однопоточная: пока пакет в полете, Flush ничего не делает.
// При ошибке пакет возвращается в голову очереди в исходном порядке.
type Queue[T any] struct {
	mu            sync.Mutex
	name          string
	config        Config
	retentionDays int
	sender        Sender[T]
	records       []T
	inFlight      int
	flushing      bool
	notify        chan struct{}
	stats         Stats
	warnDepth     int
	warned        bool
	drainTimeout  time.Duration
	clock         clockwork.Clock
	logger        *slog.Logger
}

// Option настраивает Queue
type Option func(*options)

type options struct {
	retentionDays int
	warnDepth     int
	drainTimeout  time.Duration
	clock         clockwork.Clock
	logger        *slog.Logger
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithClock(clk clockwork.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithRetentionDays срок хранения, передаваемый с каждым пакетом
func WithRetentionDays(days int) Option {
	return func(o *options) { o.retentionDays = days }
}

// WithWarnDepth глубина очереди, при превышении которой пишется предупреждение
func WithWarnDepth(depth int) Option {
	return func(o *options) { o.warnDepth = depth }
}

// WithDrainTimeout сколько Run ждет финальной выгрузки при остановке
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// NewQueue создает очередь с именем name
func NewQueue[T any](name string, config Config, sender Sender[T], opts ...Option) *Queue[T] {
	o := options{
		retentionDays: 7,
		drainTimeout:  5 * time.Second,
		clock:         clockwork.NewRealClock(),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if o.warnDepth <= 0 {
		o.warnDepth = config.BatchSize * 20
	}
	return &Queue[T]{
		name:          name,
		config:        config,
		retentionDays: o.retentionDays,
		sender:        sender,
		notify:        make(chan struct{}, 1),
		stats:         Stats{Name: name},
		warnDepth:     o.warnDepth,
		drainTimeout:  o.drainTimeout,
		clock:         o.clock,
		logger:        o.logger.With("component", "uplink", "queue", name),
	}
}

// Enqueue добавляет запись. Не блокируется на вводе-выводе: при достижении
// размера пакета только будит цикл выгрузки.
func (q *Queue[T]) Enqueue(record T) {
	q.mu.Lock()
	q.records = append(q.records, record)
	depth := len(q.records)
	crossed := depth >= q.warnDepth && !q.warned
	if crossed {
		q.warned = true
	}
	q.mu.Unlock()

	if crossed {
		q.logger.Warn("uplink queue is growing", "depth", depth)
	}
	if depth >= q.config.BatchSize {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Len текущая глубина очереди без учета пакета в полете
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Stats снимок счетчиков очереди
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.records)
	s.InFlight = q.inFlight
	return s
}

// Flush отправляет до BatchSize записей из головы очереди.
// Ничего не делает, если очередь пуста или отправка уже идет.
func (q *Queue[T]) Flush(ctx context.Context) error {
	_, err := q.flush(ctx)
	return err
}

func (q *Queue[T]) flush(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.flushing || len(q.records) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	n := min(q.config.BatchSize, len(q.records))
	batch := slices.Clone(q.records[:n])
	q.records = slices.Delete(q.records, 0, n)
	q.flushing = true
	q.inFlight = n
	q.mu.Unlock()

	err := q.sender.Send(ctx, batch, q.retentionDays)

	q.mu.Lock()
	q.flushing = false
	q.inFlight = 0
	if err != nil {
		q.records = append(batch, q.records...)
		q.stats.FailedAttempts++
		q.stats.ConsecutiveFailures++
		q.stats.LastError = err.Error()
	} else {
		q.stats.Delivered += uint64(n)
		q.stats.ConsecutiveFailures = 0
		q.stats.LastError = ""
		q.stats.LastSuccessAt = q.clock.Now()
		if len(q.records) < q.warnDepth {
			q.warned = false
		}
	}
	depth := len(q.records)
	q.mu.Unlock()

	if err != nil {
		derr := &DeliveryError{Queue: q.name, Count: n, Err: err}
		q.logger.Error("uplink flush failed", "count", n, "depth", depth, "error", err)
		return 0, derr
	}
	q.logger.Debug("uplink batch delivered", "count", n, "depth", depth)
	return n, nil
}

// Run выполняет выгрузку по таймеру и по заполнению пакета, пока ctx не отменен.
// При остановке делает одну попытку выгрузить остаток с ограничением drainTimeout.
func (q *Queue[T]) Run(ctx context.Context) error {
	ticker := q.clock.NewTicker(q.config.FlushInterval)
	defer ticker.Stop()

	q.logger.Info("uplink queue started", "batch_size", q.config.BatchSize, "flush_interval", q.config.FlushInterval)
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return nil
		case <-ticker.Chan():
			_ = q.Flush(ctx)
		case <-q.notify:
			q.flushFull(ctx)
		}
	}
}

// flushFull отправляет полные пакеты подряд, пока они есть и отправка успешна
func (q *Queue[T]) flushFull(ctx context.Context) {
	for q.Len() >= q.config.BatchSize {
		if sent, err := q.flush(ctx); err != nil || sent == 0 {
			return
		}
	}
}

func (q *Queue[T]) drain() {
	if q.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.drainTimeout)
	defer cancel()

	for q.Len() > 0 {
		sent, err := q.flush(ctx)
		if err != nil {
			q.logger.Warn("uplink drain abandoned", "remaining", q.Len(), "error", err)
			return
		}
		if sent == 0 {
			return
		}
	}
	q.logger.Info("uplink queue drained")
}
