// Package store реализует HTTP-хранилище журнала и телеметрии, в которое
// базовая станция выгружает пакеты. Хранение вынесено в Backend: дневные
// CSV-файлы или PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"n4-basestation/common"
)

// ErrUnknownBackend неизвестное имя бэкенда в конфигурации
var ErrUnknownBackend = errors.New("unknown store backend")

// Backend хранилище записей
type Backend interface {
	SaveLogs(ctx context.Context, logs []common.LogEvent, retentionDays int) error
	SaveTelemetry(ctx context.Context, frames []common.TelemetryFrame, retentionDays int) error
	QueryLogs(ctx context.Context, q common.LogQuery) (common.LogPage, error)
	QueryTelemetry(ctx context.Context, q common.TelemetryQuery) (common.TelemetryPage, error)
	Close() error
}

// Config параметры хранилища
type Config struct {
	Listen      string `mapstructure:"listen"`
	Backend     string `mapstructure:"backend"`
	DataDir     string `mapstructure:"data_dir"`
	PostgresURL string `mapstructure:"postgres_url"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Listen:  ":3000",
		Backend: "file",
		DataDir: "./data",
	}
}

// Open открывает бэкенд, выбранный в конфигурации
func Open(ctx context.Context, config Config, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	switch config.Backend {
	case "file", "":
		b, err := NewFileBackend(config.DataDir, WithFileLogger(logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	case "postgres":
		if config.PostgresURL == "" {
			return nil, errors.New("postgres_url is required for the postgres backend")
		}
		b, err := NewPostgresBackend(ctx, config.PostgresURL, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Backend)
	}
}

// page вырезает страницу из уже отсортированных записей
func page[T any](items []T, q common.PageQuery) []T {
	offset := q.Offset()
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+q.Limit, len(items))
	return items[offset:end]
}

// sortNewestFirst сортирует по убыванию времени, сохраняя порядок равных
func sortNewestFirst[T any](items []T, ts func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return ts(items[i]).After(ts(items[j]))
	})
}

// altitudeInRange проверяет фильтр высоты. Кадр без высоты не проходит заданный фильтр.
func altitudeInRange(alt float64, q common.TelemetryQuery) bool {
	if q.MinAltitude == nil && q.MaxAltitude == nil {
		return true
	}
	if math.IsNaN(alt) {
		return false
	}
	if q.MinAltitude != nil && alt < *q.MinAltitude {
		return false
	}
	if q.MaxAltitude != nil && alt > *q.MaxAltitude {
		return false
	}
	return true
}
