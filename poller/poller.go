// Package poller опрашивает HTTP-мост последовательного порта и передает
// полученные кадры телеметрии станции.
package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"n4-basestation/common"
)

// Config параметры опроса
type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		URL:      "http://localhost:5000/data",
		Interval: 100 * time.Millisecond,
		Timeout:  2 * time.Second,
	}
}

// состояние связи с мостом с точки зрения опросчика
type bridgeState int

const (
	stateConnecting bridgeState = iota
	stateConnected
	stateDown
)

// Poller опрашивает мост с фиксированным интервалом.
// 404 означает отсутствие новых данных. Ошибка запроса не останавливает опрос:
// о потере связи сообщается один раз за обрыв, первый ответ после обрыва
// проходит Connecting и Connected заново. Poll и Run не вызываются параллельно.
type Poller struct {
	config     Config
	listener   common.LinkListener
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger
	state      bridgeState
}

// Option настраивает Poller
type Option func(*Poller)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

func WithClock(clk clockwork.Clock) Option {
	return func(p *Poller) { p.clock = clk }
}

// New создает опросчик
func New(config Config, listener common.LinkListener, opts ...Option) *Poller {
	p := &Poller{
		config:     config,
		listener:   listener,
		httpClient: &http.Client{Timeout: config.Timeout},
		clock:      clockwork.NewRealClock(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "poller", "url", config.URL)
	return p
}

// Run опрашивает мост, пока ctx не отменен
func (p *Poller) Run(ctx context.Context) error {
	p.state = stateConnecting
	p.listener.LinkConnecting()
	ticker := p.clock.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			switch p.state {
			case stateConnected:
				p.listener.LinkLost(ctx.Err())
			case stateConnecting:
				p.listener.LinkConnectFailed(ctx.Err())
			}
			return nil
		case <-ticker.Chan():
		}

		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Debug("poll failed", "error", err)
		}
	}
}

// Poll выполняет один запрос и обновляет состояние связи
func (p *Poller) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			p.failed(err)
		}
		return err
	}
	defer resp.Body.Close()
	p.responded()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Debug("bridge returned error status", "status", resp.StatusCode)
	}
	payload := strings.TrimSpace(string(body))
	p.listener.MessageReceived(common.Message{
		Channel:    common.ChannelFlightComputer,
		Kind:       common.KindTelemetry,
		Topic:      p.config.URL,
		Payload:    payload,
		ReceivedAt: p.clock.Now(),
	})
	return nil
}

func (p *Poller) failed(err error) {
	switch p.state {
	case stateConnected:
		p.logger.Warn("bridge lost", "error", err)
		p.listener.LinkLost(err)
	case stateConnecting:
		p.logger.Warn("bridge unreachable", "error", err)
		p.listener.LinkConnectFailed(err)
	default:
		return
	}
	p.state = stateDown
}

func (p *Poller) responded() {
	switch p.state {
	case stateConnected:
		return
	case stateDown:
		p.logger.Info("bridge recovered")
		p.listener.LinkConnecting()
	default:
		p.logger.Info("bridge reachable")
	}
	p.state = stateConnected
	p.listener.LinkConnected()
}
