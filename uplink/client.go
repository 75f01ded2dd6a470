package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"n4-basestation/common"
)

// BatchIDHeader заголовок с идентификатором пакета для сопоставления повторов в журнале хранилища
const BatchIDHeader = "X-Batch-ID"

// StatusError хранилище ответило кодом, отличным от 2xx
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("store responded %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("store responded %d", e.StatusCode)
}

// ClientConfig параметры HTTP-клиента хранилища
type ClientConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultClientConfig возвращает конфигурацию по умолчанию
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "http://localhost:3000",
		RequestTimeout: 10 * time.Second,
	}
}

// Client HTTP-клиент API хранилища журнала и телеметрии
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient создает клиента. logger может быть nil.
func NewClient(config ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		logger:     logger.With("component", "uplink-client"),
	}
}

// PostLogs отправляет пакет записей журнала
func (c *Client) PostLogs(ctx context.Context, logs []common.LogEvent, retentionDays int) error {
	return c.post(ctx, "/api/logs", common.LogBatch{Logs: logs, RetentionDays: retentionDays}, len(logs))
}

// PostTelemetry отправляет пакет кадров телеметрии
func (c *Client) PostTelemetry(ctx context.Context, frames []common.TelemetryFrame, retentionDays int) error {
	return c.post(ctx, "/api/telemetry", common.TelemetryBatch{Telemetry: frames, RetentionDays: retentionDays}, len(frames))
}

// LogSender адаптирует клиента к очереди журнала
func (c *Client) LogSender() Sender[common.LogEvent] {
	return SenderFunc[common.LogEvent](c.PostLogs)
}

// TelemetrySender адаптирует клиента к очереди телеметрии
func (c *Client) TelemetrySender() Sender[common.TelemetryFrame] {
	return SenderFunc[common.TelemetryFrame](c.PostTelemetry)
}

func (c *Client) post(ctx context.Context, path string, body any, count int) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	batchID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(BatchIDHeader, batchID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	var reply common.StoreResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Message: reply.Error}
	}

	c.logger.Debug("batch stored", "path", path, "batch_id", batchID, "count", count, "reply", reply.Message)
	return nil
}

// FetchLogs запрашивает страницу журнала.
// При ошибке возвращает пустую страницу вместе с ошибкой.
func (c *Client) FetchLogs(ctx context.Context, q common.LogQuery) (common.LogPage, error) {
	values := pageValues(q.PageQuery)
	if q.Level != "" {
		values.Set("level", string(q.Level))
	}

	var page common.LogPage
	if err := c.get(ctx, "/api/logs", values, &page); err != nil {
		return common.LogPage{Logs: []common.LogEvent{}}, err
	}
	return page, nil
}

// FetchTelemetry запрашивает страницу телеметрии.
// При ошибке возвращает пустую страницу вместе с ошибкой.
func (c *Client) FetchTelemetry(ctx context.Context, q common.TelemetryQuery) (common.TelemetryPage, error) {
	values := pageValues(q.PageQuery)
	if q.MinAltitude != nil {
		values.Set("minAltitude", strconv.FormatFloat(*q.MinAltitude, 'f', -1, 64))
	}
	if q.MaxAltitude != nil {
		values.Set("maxAltitude", strconv.FormatFloat(*q.MaxAltitude, 'f', -1, 64))
	}

	var page common.TelemetryPage
	if err := c.get(ctx, "/api/telemetry", values, &page); err != nil {
		return common.TelemetryPage{Telemetry: []common.TelemetryFrame{}}, err
	}
	return page, nil
}

func pageValues(q common.PageQuery) url.Values {
	values := url.Values{}
	if q.Page > 0 {
		values.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.StartDate != nil {
		values.Set("startDate", q.StartDate.UTC().Format(time.RFC3339Nano))
	}
	if q.EndDate != nil {
		values.Set("endDate", q.EndDate.UTC().Format(time.RFC3339Nano))
	}
	return values
}

func (c *Client) get(ctx context.Context, path string, values url.Values, out any) error {
	target := c.baseURL + path
	if len(values) > 0 {
		target += "?" + values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("fetch failed", "path", path, "error", err)
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var reply common.StoreResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply)
		return &StatusError{StatusCode: resp.StatusCode, Message: reply.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
