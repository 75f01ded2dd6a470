package link

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"n4-basestation/common"
)

// Phase фаза состояния канала связи
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Stale
	DataError
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Stale:
		return "Stale"
	case DataError:
		return "DataError"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Status снимок состояния канала
type Status struct {
	Channel         common.Channel `json:"-"`
	Phase           Phase          `json:"phase"`
	LastGoodFrameAt *time.Time     `json:"lastGoodFrameAt,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
}

// Config параметры монитора
type Config struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		StaleThreshold: 5 * time.Second,
		CheckInterval:  500 * time.Millisecond,
	}
}

// Monitor автомат состояния одного канала. Фаза меняется только через его методы,
// каждая смена фазы рассылается подписчикам. События, недопустимые в текущей фазе, игнорируются.
type Monitor struct {
	mu          sync.Mutex
	config      Config
	status      Status
	connectedAt time.Time
	subs        map[int]func(Status)
	nextSub     int
	logger      *slog.Logger
}

// Option настраивает Monitor
type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor создает монитор канала в фазе Disconnected
func NewMonitor(channel common.Channel, config Config, opts ...Option) *Monitor {
	m := &Monitor{
		config: config,
		status: Status{Channel: channel, Phase: Disconnected},
		subs:   make(map[int]func(Status)),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "link", "channel", channel.String())
	return m
}

// Status возвращает копию текущего состояния
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe регистрирует получателя смен фазы. Возвращает функцию отписки.
// Колбэк вызывается вне блокировки монитора.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// RequestConnect Disconnected → Connecting
func (m *Monitor) RequestConnect() bool {
	return m.apply("connect requested", func(s *Status, _ *time.Time) bool {
		if s.Phase != Disconnected {
			return false
		}
		s.Phase = Connecting
		s.LastError = ""
		return true
	})
}

// ConnectSucceeded Connecting → Connected
func (m *Monitor) ConnectSucceeded(at time.Time) bool {
	return m.apply("connect succeeded", func(s *Status, connectedAt *time.Time) bool {
		if s.Phase != Connecting {
			return false
		}
		s.Phase = Connected
		*connectedAt = at
		return true
	})
}

// ConnectFailed Connecting → Disconnected, в том числе по таймауту
func (m *Monitor) ConnectFailed(err error) bool {
	return m.apply("connect failed", func(s *Status, _ *time.Time) bool {
		if s.Phase != Connecting {
			return false
		}
		s.Phase = Disconnected
		s.LastError = errString(err)
		return true
	})
}

// ConnectionLost переводит канал в Disconnected из любой фазы
func (m *Monitor) ConnectionLost(err error) bool {
	return m.apply("connection lost", func(s *Status, _ *time.Time) bool {
		if s.Phase == Disconnected {
			return false
		}
		s.Phase = Disconnected
		s.LastError = errString(err)
		return true
	})
}

// FrameDecoded отмечает успешно декодированный кадр.
// В Connected только обновляет время последнего кадра и не рассылается.
func (m *Monitor) FrameDecoded(at time.Time) bool {
	return m.apply("frame decoded", func(s *Status, connectedAt *time.Time) bool {
		ts := at
		switch s.Phase {
		case Connected:
			s.LastGoodFrameAt = &ts
			return false
		case Connecting:
			*connectedAt = at
			fallthrough
		case Stale, DataError:
			s.LastGoodFrameAt = &ts
			s.Phase = Connected
			s.LastError = ""
			return true
		default:
			return false
		}
	})
}

// DecodeFailed Connected/Stale → DataError
func (m *Monitor) DecodeFailed(err error) bool {
	return m.apply("decode failed", func(s *Status, _ *time.Time) bool {
		if s.Phase != Connected && s.Phase != Stale {
			return false
		}
		s.Phase = DataError
		s.LastError = errString(err)
		return true
	})
}

// Tick проверяет устаревание данных. Применяется только к каналу бортового компьютера.
// Stale публикуется один раз за эпизод.
func (m *Monitor) Tick(now time.Time) bool {
	return m.apply("stale", func(s *Status, connectedAt *time.Time) bool {
		if s.Channel != common.ChannelFlightComputer || m.config.StaleThreshold <= 0 {
			return false
		}
		if s.Phase != Connected {
			return false
		}
		reference := *connectedAt
		if s.LastGoodFrameAt != nil {
			reference = *s.LastGoodFrameAt
		}
		if now.Sub(reference) <= m.config.StaleThreshold {
			return false
		}
		s.Phase = Stale
		return true
	})
}

func (m *Monitor) apply(event string, transition func(s *Status, connectedAt *time.Time) bool) bool {
	m.mu.Lock()
	from := m.status.Phase
	if !transition(&m.status, &m.connectedAt) {
		m.mu.Unlock()
		return false
	}
	status := m.status
	subs := make([]func(Status), 0, len(m.subs))
	for id := 0; id < m.nextSub; id++ {
		if fn, ok := m.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	m.logger.Info("link phase changed", "event", event, "from", from.String(), "to", status.Phase.String())
	for _, fn := range subs {
		fn(status)
	}
	return true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
