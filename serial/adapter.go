package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"n4-basestation/common"
)

// ErrNotConnected устройство не открыто
var ErrNotConnected = errors.New("serial device not connected")

// Config представляет конфигурацию приемника на последовательном порту
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	DevicePath        string        `mapstructure:"device_path"`        // Путь к устройству, например "/dev/ttyUSB0"
	BaudRate          int           `mapstructure:"baud_rate"`          // Скорость порта
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"` // Интервал переподключения при ошибках
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		DevicePath:        "/dev/ttyUSB0",
		BaudRate:          115200,
		ReconnectInterval: 5 * time.Second,
	}
}

// Opener открывает устройство
type Opener func(config Config) (io.ReadWriteCloser, error)

// Adapter читает кадры телеметрии, разделенные переводом строки, из наземного радиоприемника
// и пишет в него команды. После ошибок переоткрывает устройство раз в ReconnectInterval.
type Adapter struct {
	config    Config
	listener  common.LinkListener
	open      Opener
	clock     clockwork.Clock
	conn      io.ReadWriteCloser
	connMutex sync.RWMutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// Option настраивает Adapter
type Option func(*Adapter)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

func WithClock(clk clockwork.Clock) Option {
	return func(a *Adapter) { a.clock = clk }
}

// WithOpener подменяет открытие устройства
func WithOpener(open Opener) Option {
	return func(a *Adapter) { a.open = open }
}

// NewAdapter создает новый адаптер
func NewAdapter(config Config, listener common.LinkListener, opts ...Option) *Adapter {
	a := &Adapter{
		config:   config,
		listener: listener,
		open:     openDevice,
		clock:    clockwork.NewRealClock(),
		stopChan: make(chan struct{}),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "serial", "device", config.DevicePath)
	return a
}

// Start запускает работу адаптера
func (a *Adapter) Start() error {
	a.logger.Info("starting serial adapter")

	a.wg.Add(1)
	go a.readLoop()
	return nil
}

// Stop останавливает работу адаптера
func (a *Adapter) Stop() error {
	a.stopOnce.Do(func() {
		a.logger.Info("stopping serial adapter")
		close(a.stopChan)
		a.closeConnection()
	})
	a.wg.Wait()
	return nil
}

// Run запускает адаптер и останавливает его при отмене ctx
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop()
}

func (a *Adapter) getConnection() io.ReadWriteCloser {
	a.connMutex.RLock()
	defer a.connMutex.RUnlock()
	return a.conn
}

// setConnection сохраняет открытое устройство. Если Stop уже вызван,
// устройство закрывается и возвращается false.
func (a *Adapter) setConnection(conn io.ReadWriteCloser) bool {
	a.connMutex.Lock()
	defer a.connMutex.Unlock()
	if a.stopped() {
		conn.Close()
		return false
	}
	a.conn = conn
	return true
}

// closeConnection закрывает текущее соединение
func (a *Adapter) closeConnection() {
	a.connMutex.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.connMutex.Unlock()
}

func (a *Adapter) stopped() bool {
	select {
	case <-a.stopChan:
		return true
	default:
		return false
	}
}

// connect открывает устройство и сообщает исход слушателю
func (a *Adapter) connect() bool {
	a.listener.LinkConnecting()
	conn, err := a.open(a.config)
	if err != nil {
		a.logger.Warn("serial connect failed", "error", err)
		a.listener.LinkConnectFailed(err)
		return false
	}
	if !a.setConnection(conn) {
		a.logger.Debug("serial adapter stopped while opening device")
		return false
	}
	a.logger.Info("serial connection established")
	a.listener.LinkConnected()
	return true
}

// readLoop читает строки, пока адаптер не остановлен, переподключаясь после ошибок
func (a *Adapter) readLoop() {
	defer a.wg.Done()

	for !a.stopped() {
		if a.getConnection() == nil && !a.connect() {
			if !a.wait(a.config.ReconnectInterval) {
				return
			}
			continue
		}

		err := a.readLines(a.getConnection())
		if a.stopped() {
			return
		}
		a.closeConnection()
		a.logger.Warn("serial read failed", "error", err)
		a.listener.LinkLost(err)
		if !a.wait(a.config.ReconnectInterval) {
			return
		}
	}
}

// wait возвращает false, если адаптер остановлен во время ожидания
func (a *Adapter) wait(d time.Duration) bool {
	timer := a.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-a.stopChan:
		return false
	case <-timer.Chan():
		return true
	}
}

func (a *Adapter) readLines(conn io.Reader) error {
	if conn == nil {
		return ErrNotConnected
	}
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			a.listener.MessageReceived(common.Message{
				Channel:    common.ChannelFlightComputer,
				Kind:       common.KindTelemetry,
				Topic:      a.config.DevicePath,
				Payload:    line,
				ReceivedAt: a.clock.Now(),
			})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("serial device closed: %w", err)
			}
			return err
		}
	}
}

// Send записывает команду, завершенную переводом строки
func (a *Adapter) Send(ctx context.Context, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := a.getConnection()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write([]byte(payload + "\n")); err != nil {
		a.closeConnection()
		return fmt.Errorf("failed to write command %q: %w", payload, err)
	}
	a.logger.Info("command written", "command", payload)
	return nil
}

// openDevice открывает последовательный порт без управляющего терминала и переводит его в raw-режим
func openDevice(config Config) (io.ReadWriteCloser, error) {
	if _, err := os.Stat(config.DevicePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("device %s does not exist", config.DevicePath)
	}

	file, err := os.OpenFile(config.DevicePath, os.O_RDWR|unix.O_NOCTTY, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", config.DevicePath, err)
	}
	if err := makeRaw(int(file.Fd()), config.BaudRate); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", config.DevicePath, err)
	}
	return file, nil
}
