// Package station связывает конвейер базовой станции: декодирование входящих
// сообщений, состояние каналов, прореженный вывод на графики и выгрузку
// журнала и телеметрии в хранилище.
package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"n4-basestation/common"
	"n4-basestation/decoder"
	"n4-basestation/link"
	"n4-basestation/projector"
	"n4-basestation/series"
	"n4-basestation/uplink"
)

// Ключи рядов графиков
const (
	SeriesAltitude = "altitude"
	SeriesAGL      = "agl"
	SeriesVelocity = "velocity"
	SeriesAX       = "ax"
	SeriesAY       = "ay"
	SeriesAZ       = "az"
)

var (
	// ErrNoCommander станция создана без канала команд
	ErrNoCommander = errors.New("no command transport configured")
	// ErrNoConnector нет транспорта, который можно подключить заново
	ErrNoConnector = errors.New("no reconnectable transport configured")
)

// Command команда бортовому компьютеру
type Command string

const (
	CommandArm    Command = "ARM"
	CommandDisarm Command = "DISARM"
	CommandReset  Command = "RESET"
)

// ParseCommand проверяет имя команды без учета регистра
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToUpper(strings.TrimSpace(s))); c {
	case CommandArm, CommandDisarm, CommandReset:
		return c, nil
	default:
		return "", fmt.Errorf("unknown command %q", s)
	}
}

// Commander отправляет команду по транспорту
type Commander interface {
	Send(ctx context.Context, payload string) error
}

// Connector подключает транспорт заново по запросу оператора
type Connector interface {
	// ConnectTo подключается к broker, пустая строка оставляет текущий адрес
	ConnectTo(ctx context.Context, broker string) error
	Broker() string
}

// Observer получает отображаемые кадры, смены фаз каналов и состояние очередей
type Observer interface {
	ObserveFrame(frame common.TelemetryFrame)
	ObserveStatus(status link.Status)
	ObserveQueue(stats uplink.Stats)
}

// Config параметры отображения и отчетов
type Config struct {
	ThrottleInterval time.Duration `mapstructure:"throttle_interval"`
	ChartWindow      time.Duration `mapstructure:"chart_window"`
	MaxUILogs        int           `mapstructure:"max_ui_logs"`
	ReportInterval   time.Duration `mapstructure:"report_interval"`
	InboxSize        int           `mapstructure:"inbox_size"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ThrottleInterval: 100 * time.Millisecond,
		ChartWindow:      10 * time.Second,
		MaxUILogs:        10,
		ReportInterval:   30 * time.Second,
		InboxSize:        1024,
	}
}

// Station владеет мониторами каналов и питает проектор, буфер графиков и очереди.
// Все входящие события обрабатываются одной горутиной Run.
type Station struct {
	config     Config
	linkConfig link.Config
	clock      clockwork.Clock
	logger     *slog.Logger

	monitors  map[common.Channel]*link.Monitor
	projector *projector.Projector[common.TelemetryFrame]
	series    *series.Buffer
	logs      *uplink.Queue[common.LogEvent]
	telemetry *uplink.Queue[common.TelemetryFrame]
	commander Commander
	connector Connector
	observer  Observer

	inbox chan event
	done  chan struct{}

	framesReceived atomic.Uint64
	decodeErrors   atomic.Uint64
	dropped        atomic.Uint64

	mu         sync.Mutex
	latest     *common.TelemetryFrame
	armed      bool
	recentLogs []common.LogEvent
}

// Option настраивает Station
type Option func(*Station)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Station) { s.logger = logger }
}

func WithClock(clk clockwork.Clock) Option {
	return func(s *Station) { s.clock = clk }
}

// WithCommander задает транспорт для команд ARM/DISARM/RESET
func WithCommander(c Commander) Option {
	return func(s *Station) { s.commander = c }
}

// WithConnector задает транспорт, который оператор может подключить заново
func WithConnector(c Connector) Option {
	return func(s *Station) { s.connector = c }
}

// WithObserver подключает получателя горячего состояния
func WithObserver(o Observer) Option {
	return func(s *Station) { s.observer = o }
}

// New создает станцию. Очереди выгрузки создаются вызывающим и запускаются отдельно.
func New(config Config, linkConfig link.Config, logs *uplink.Queue[common.LogEvent], telemetry *uplink.Queue[common.TelemetryFrame], opts ...Option) *Station {
	s := &Station{
		config:     config,
		linkConfig: linkConfig,
		clock:      clockwork.NewRealClock(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		logs:       logs,
		telemetry:  telemetry,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.InboxSize <= 0 {
		s.config.InboxSize = DefaultConfig().InboxSize
	}
	s.inbox = make(chan event, s.config.InboxSize)

	base := s.logger
	s.logger = base.With("component", "station")
	s.monitors = map[common.Channel]*link.Monitor{
		common.ChannelBaseStation:    link.NewMonitor(common.ChannelBaseStation, linkConfig, link.WithLogger(base)),
		common.ChannelFlightComputer: link.NewMonitor(common.ChannelFlightComputer, linkConfig, link.WithLogger(base)),
	}
	for _, m := range s.monitors {
		m.Subscribe(s.onStatus)
	}
	s.series = series.NewBuffer(config.ChartWindow, s.clock)
	s.projector = projector.New(config.ThrottleInterval, s.clock, s.project)
	return s
}

// Subscribe регистрирует получателя смен фаз обоих каналов
func (s *Station) Subscribe(fn func(link.Status)) func() {
	cancels := make([]func(), 0, len(s.monitors))
	for _, m := range s.monitors {
		cancels = append(cancels, m.Subscribe(fn))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Status текущее состояние канала
func (s *Station) Status(channel common.Channel) link.Status {
	return s.monitors[channel].Status()
}

// Run обрабатывает события, проверяет устаревание и пишет периодический отчет, пока ctx не отменен.
// При выходе отменяет отложенный вывод проектора. Очереди выгрузки продолжают работать сами.
func (s *Station) Run(ctx context.Context) error {
	staleTicker := s.clock.NewTicker(s.linkConfig.CheckInterval)
	defer staleTicker.Stop()
	reportTicker := s.clock.NewTicker(s.config.ReportInterval)
	defer reportTicker.Stop()
	defer close(s.done)
	defer s.projector.Stop()

	s.logger.Info("station started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("station stopped")
			return nil
		case e := <-s.inbox:
			s.handle(e)
		case <-staleTicker.Chan():
			s.tick(s.clock.Now())
		case <-reportTicker.Chan():
			s.report()
		}
	}
}

func (s *Station) tick(now time.Time) {
	for _, m := range s.monitors {
		m.Tick(now)
	}
	s.series.EvictExpired(now)
}

func (s *Station) handle(e event) {
	switch e := e.(type) {
	case messageEvent:
		s.handleMessage(e.msg)
	case transportEvent:
		s.handleTransport(e)
	}
}

func (s *Station) handleTransport(e transportEvent) {
	for _, ch := range e.channels {
		m := s.monitors[ch]
		switch e.kind {
		case transportConnecting:
			m.RequestConnect()
		case transportConnected:
			m.ConnectSucceeded(e.at)
		case transportConnectFailed:
			m.ConnectFailed(e.err)
		case transportLost:
			m.ConnectionLost(e.err)
			if ch == common.ChannelFlightComputer {
				s.projector.Reset()
			}
		}
	}
}

func (s *Station) handleMessage(msg common.Message) {
	monitor := s.monitors[msg.Channel]
	res, err := decoder.Decode(msg)
	if err != nil {
		s.decodeErrors.Add(1)
		if monitor.DecodeFailed(err) {
			s.logger.Warn("failed to decode message", "topic", msg.Topic, "error", err)
			s.recordLocal(common.LogEvent{
				Level:   common.LevelError,
				Message: fmt.Sprintf("Error parsing message on %s: %v", msg.Topic, err),
			})
		} else {
			s.logger.Debug("failed to decode message", "topic", msg.Topic, "error", err)
		}
		return
	}

	switch res.Kind {
	case common.KindLog:
		s.logs.Enqueue(res.Log)
		s.addRecent(res.Log)
	case common.KindTelemetry:
		s.framesReceived.Add(1)
		monitor.FrameDecoded(msg.ReceivedAt)
		s.telemetry.Enqueue(res.Frame)
		s.mu.Lock()
		s.armed = res.Frame.OperationMode
		s.mu.Unlock()
		s.projector.Push(res.Frame)
	}
}

// project получает прореженные кадры и пополняет ряды графиков
func (s *Station) project(frame common.TelemetryFrame) {
	s.mu.Lock()
	s.latest = &frame
	s.mu.Unlock()

	at := frame.ReceivedAt
	push := func(key string, v float64) {
		if !math.IsNaN(v) {
			s.series.Push(key, series.Point{T: at, Y: v})
		}
	}
	push(SeriesAltitude, frame.Position.AltGPS)
	if frame.AGL != nil {
		push(SeriesAGL, *frame.AGL)
	}
	if frame.Velocity != nil {
		push(SeriesVelocity, *frame.Velocity)
	}
	if a := frame.Acceleration; a != nil {
		push(SeriesAX, a.AX)
		push(SeriesAY, a.AY)
		push(SeriesAZ, a.AZ)
	}
	if s.observer != nil {
		s.observer.ObserveFrame(frame)
	}
}

func (s *Station) onStatus(status link.Status) {
	if s.observer != nil {
		s.observer.ObserveStatus(status)
	}
}

// recordLocal ставит локальную запись станции в журнал и в список последних записей
func (s *Station) recordLocal(event common.LogEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	if event.Source == "" {
		event.Source = common.SourceBasestation
	}
	s.logs.Enqueue(event)
	s.addRecent(event)
}

// addRecent хранит не более MaxUILogs записей, новые первыми
func (s *Station) addRecent(event common.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentLogs = slices.Insert(s.recentLogs, 0, event)
	if len(s.recentLogs) > s.config.MaxUILogs {
		s.recentLogs = s.recentLogs[:s.config.MaxUILogs]
	}
}

// Armed отображаемый режим: последний полученный operation_mode
// или результат последней успешной команды
func (s *Station) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

var commandActions = map[Command][2]string{
	CommandArm:    {"Armed", "Arm"},
	CommandDisarm: {"Disarmed", "Disarm"},
	CommandReset:  {"Reset", "Reset"},
}

// SendCommand отправляет команду и записывает исход в журнал
func (s *Station) SendCommand(ctx context.Context, cmd Command) error {
	if s.commander == nil {
		return ErrNoCommander
	}
	err := s.commander.Send(ctx, string(cmd))

	actions := commandActions[cmd]
	event := common.LogEvent{Status: "Sent", Level: common.LevelInfo, Action: actions[0]}
	if err != nil {
		event.Status = "Failed"
		event.Level = common.LevelError
		event.Action = actions[1]
		event.Message = fmt.Sprintf("Failed to send %s: %v", cmd, err)
		s.logger.Error("command failed", "command", string(cmd), "error", err)
	} else {
		event.Message = fmt.Sprintf("Command %s sent", cmd)
		s.logger.Info("command sent", "command", string(cmd))
	}
	s.recordLocal(event)

	if err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	s.mu.Lock()
	switch cmd {
	case CommandArm:
		s.armed = true
	case CommandDisarm:
		s.armed = false
	}
	s.mu.Unlock()
	return nil
}

// Connect запрашивает новое подключение транспорта. Фазы каналов меняются
// через события транспорта, как и при первом подключении.
func (s *Station) Connect(ctx context.Context, broker string) error {
	if s.connector == nil {
		return ErrNoConnector
	}
	if err := s.connector.ConnectTo(ctx, broker); err != nil {
		s.logger.Warn("reconnect failed", "broker", s.connector.Broker(), "error", err)
		return err
	}
	s.logger.Info("reconnect requested", "broker", s.connector.Broker())
	return nil
}

// ToggleArm отправляет ARM или DISARM в зависимости от отображаемого режима
func (s *Station) ToggleArm(ctx context.Context) error {
	if s.Armed() {
		return s.SendCommand(ctx, CommandDisarm)
	}
	return s.SendCommand(ctx, CommandArm)
}
