// Package hotstate хранит в Redis/Valkey последние значения: кадр телеметрии,
// состояние каналов и глубину очередей выгрузки. Это горячий путь для внешних
// панелей, история остается в хранилище.
package hotstate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"n4-basestation/common"
	"n4-basestation/link"
	"n4-basestation/uplink"
)

// Config параметры подключения
type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		TTL:    24 * time.Hour,
		Prefix: "n4",
	}
}

// Store подмножество команд Redis, которое использует Writer
type Store interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
}

type update struct {
	key    string
	value  any
	fields []any
}

// Writer принимает обновления без блокировки и пишет их в Redis из Run.
// При переполнении буфера обновления отбрасываются.
type Writer struct {
	config   Config
	store    Store
	updates  chan update
	dropped  atomic.Uint64
	failures atomic.Uint64
	logger   *slog.Logger
}

// при недоступном Redis в лог попадает первая неудача и каждая failureLogEvery-я
const failureLogEvery = 100

// Connect создает клиента Redis и проверяет соединение
func Connect(ctx context.Context, config Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", config.Addr, err)
	}
	return rdb, nil
}

// NewWriter создает писателя. logger может быть nil.
func NewWriter(config Config, store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{
		config:  config,
		store:   store,
		updates: make(chan update, 256),
		logger:  logger.With("component", "hotstate"),
	}
}

func (w *Writer) key(parts ...string) string {
	k := w.config.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (w *Writer) push(u update) {
	select {
	case w.updates <- u:
	default:
		w.dropped.Add(1)
	}
}

// ObserveFrame сохраняет последний отображенный кадр
func (w *Writer) ObserveFrame(frame common.TelemetryFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		w.logger.Warn("failed to encode frame", "error", err)
		return
	}
	w.push(update{key: w.key("telemetry", "last"), value: payload})
}

// ObserveStatus сохраняет фазу канала
func (w *Writer) ObserveStatus(status link.Status) {
	fields := []any{"phase", status.Phase.String(), "last_error", status.LastError}
	if status.LastGoodFrameAt != nil {
		fields = append(fields, "last_good_frame_at", status.LastGoodFrameAt.UTC().Format(time.RFC3339Nano))
	}
	w.push(update{key: w.key("link", status.Channel.String()), fields: fields})
}

// ObserveQueue сохраняет глубину очереди выгрузки
func (w *Writer) ObserveQueue(stats uplink.Stats) {
	w.push(update{key: w.key("uplink", stats.Name, "depth"), value: stats.Depth})
}

// Dropped число отброшенных обновлений
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Failures число обновлений, которые Redis не принял
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}

// Run пишет обновления, пока ctx не отменен
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-w.updates:
			w.apply(ctx, u)
		}
	}
}

func (w *Writer) apply(ctx context.Context, u update) {
	err := w.write(ctx, u)
	if err == nil {
		return
	}
	if n := w.failures.Add(1); n == 1 || n%failureLogEvery == 0 {
		w.logger.Warn("hot state update failed", "key", u.key, "failures", n, "error", err)
	}
}

func (w *Writer) write(ctx context.Context, u update) error {
	if u.fields != nil {
		return w.store.HSet(ctx, u.key, u.fields...).Err()
	}
	return w.store.Set(ctx, u.key, u.value, w.config.TTL).Err()
}
