package common

import "time"

// LinkListener получает события от транспорта (MQTT, последовательный порт, HTTP-опрос)
type LinkListener interface {
	LinkConnecting()
	LinkConnected()
	LinkConnectFailed(err error)
	LinkLost(err error)
	MessageReceived(msg Message)
}

// Запросы и ответы HTTP API хранилища

type LogBatch struct {
	Logs          []LogEvent `json:"logs"`
	RetentionDays int        `json:"retentionDays"`
}

type TelemetryBatch struct {
	Telemetry     []TelemetryFrame `json:"telemetry"`
	RetentionDays int              `json:"retentionDays"`
}

// PageQuery общие параметры постраничной выборки
type PageQuery struct {
	Page      int
	Limit     int
	StartDate *time.Time
	EndDate   *time.Time
}

// Offset смещение первой записи страницы
func (q PageQuery) Offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// TotalPages число страниц для total записей
func (q PageQuery) TotalPages(total int) int {
	if q.Limit <= 0 {
		return 0
	}
	return (total + q.Limit - 1) / q.Limit
}

// InRange проверяет, попадает ли момент в [StartDate, EndDate]
func (q PageQuery) InRange(ts time.Time) bool {
	if q.StartDate != nil && ts.Before(*q.StartDate) {
		return false
	}
	if q.EndDate != nil && ts.After(*q.EndDate) {
		return false
	}
	return true
}

type LogQuery struct {
	PageQuery
	Level LogLevel
}

type TelemetryQuery struct {
	PageQuery
	MinAltitude *float64
	MaxAltitude *float64
}

type LogPage struct {
	Logs       []LogEvent `json:"logs"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	TotalPages int        `json:"totalPages"`
}

type TelemetryPage struct {
	Telemetry  []TelemetryFrame `json:"telemetry"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	TotalPages int              `json:"totalPages"`
}

// StoreResponse ответ хранилища на запись или ошибку
type StoreResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Значения по умолчанию для постраничной выборки
const (
	DefaultLogLimit       = 50
	DefaultTelemetryLimit = 100
)
