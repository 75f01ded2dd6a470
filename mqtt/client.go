package mqtt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"n4-basestation/common"
)

var (
	// ErrNotConnected клиент не подключен к брокеру
	ErrNotConnected = errors.New("MQTT client not connected")
	// ErrConnectTimeout брокер не ответил за ConnectTimeout
	ErrConnectTimeout = errors.New("MQTT connect timed out")
	// ErrClosed соединение закрыто локально
	ErrClosed = errors.New("MQTT client closed")
)

// Config представляет конфигурацию MQTT клиента
type Config struct {
	Broker         string        `mapstructure:"broker"`          // Адрес брокера, например "tcp://localhost:1883"
	Username       string        `mapstructure:"username"`        // Имя пользователя (опционально)
	Password       string        `mapstructure:"password"`        // Пароль (опционально)
	ClientID       string        `mapstructure:"client_id"`       // ID клиента (генерируется если пустой)
	TelemetryTopic string        `mapstructure:"telemetry_topic"` // Топик кадров телеметрии бортового компьютера
	LogsTopic      string        `mapstructure:"logs_topic"`      // Топик журнала бортового компьютера
	CommandTopic   string        `mapstructure:"command_topic"`   // Топик команд ARM/DISARM
	QoS            byte          `mapstructure:"qos"`             // Quality of Service (0, 1, 2)
	KeepAlive      time.Duration `mapstructure:"keep_alive"`      // Интервал keep alive
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // Таймаут подключения
}

// generateClientID генерирует случайный ID клиента
func generateClientID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "n4-basestation-" + hex.EncodeToString(bytes)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		TelemetryTopic: "n4/flight-computer-1",
		LogsTopic:      "n4/logs",
		CommandTopic:   "n4/commands",
		QoS:            1,
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Client представляет MQTT клиента базовой станции. Автоматическое переподключение
// отключено: повторное подключение выполняется явным вызовом Connect.
type Client struct {
	config     Config
	listener   common.LinkListener
	factory    func(*mqttLib.ClientOptions) mqttLib.Client
	clock      clockwork.Clock
	connectMu  sync.Mutex
	mu         sync.Mutex
	broker     string
	mqttClient mqttLib.Client
	logger     *slog.Logger
}

// Option настраивает Client
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithClock(clk clockwork.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithFactory подменяет создание paho-клиента
func WithFactory(factory func(*mqttLib.ClientOptions) mqttLib.Client) Option {
	return func(c *Client) { c.factory = factory }
}

// NewClient создает нового MQTT клиента
func NewClient(config Config, listener common.LinkListener, opts ...Option) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	c := &Client{
		config:   config,
		broker:   config.Broker,
		listener: listener,
		factory:  mqttLib.NewClient,
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "mqtt")
	return c
}

func (c *Client) options(broker string) *mqttLib.ClientOptions {
	opts := mqttLib.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	// Устанавливаем аутентификацию если задана
	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Info("MQTT authentication enabled")
	}

	// Обработчики событий
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	return opts
}

// Connect подключается к брокеру. Исход сообщается слушателю:
// LinkConnecting сразу, затем LinkConnected из обработчика подключения или LinkConnectFailed.
// Предыдущее соединение, если оно есть, закрывается.
func (c *Client) Connect(ctx context.Context) error {
	return c.ConnectTo(ctx, "")
}

// ConnectTo как Connect, но сначала переключает адрес брокера. Пустой broker оставляет текущий.
func (c *Client) ConnectTo(ctx context.Context, broker string) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if broker != "" {
		c.broker = broker
	}
	broker = c.broker
	c.mu.Unlock()

	c.Disconnect()

	c.logger.Info("connecting to MQTT broker", "broker", broker)
	c.listener.LinkConnecting()

	client := c.factory(c.options(broker))
	c.mu.Lock()
	c.mqttClient = client
	c.mu.Unlock()

	timeout := c.clock.NewTimer(c.config.ConnectTimeout)
	defer timeout.Stop()

	token := client.Connect()
	var err error
	select {
	case <-token.Done():
		err = token.Error()
	case <-ctx.Done():
		err = ctx.Err()
	case <-timeout.Chan():
		err = ErrConnectTimeout
	}
	if err != nil {
		c.abandon(client)
		err = fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, err)
		c.logger.Error("MQTT connect failed", "error", err)
		c.listener.LinkConnectFailed(err)
		return err
	}
	return nil
}

// abandon забывает клиента и закрывает его. Его обработчики после этого игнорируются.
func (c *Client) abandon(client mqttLib.Client) {
	c.mu.Lock()
	if c.mqttClient == client {
		c.mqttClient = nil
	}
	c.mu.Unlock()
	client.Disconnect(0)
}

// current сообщает, что client является действующим клиентом
func (c *Client) current(client mqttLib.Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return client != nil && client == c.mqttClient
}

// Broker текущий адрес брокера
func (c *Client) Broker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broker
}

// Disconnect закрывает соединение
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.mqttClient
	c.mqttClient = nil
	c.mu.Unlock()

	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Disconnect(250)
		c.logger.Info("MQTT client disconnected")
	}
	c.listener.LinkLost(ErrClosed)
}

// IsConnected возвращает true если клиент подключен к брокеру
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// Send публикует команду в топик команд и ждет подтверждения
func (c *Client) Send(ctx context.Context, payload string) error {
	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(c.config.CommandTopic, c.config.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", c.config.CommandTopic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", c.config.CommandTopic, err)
	}
	c.logger.Info("command published", "topic", c.config.CommandTopic, "command", payload)
	return nil
}

// onConnectHandler вызывается при успешном подключении к брокеру
func (c *Client) onConnectHandler(client mqttLib.Client) {
	if !c.current(client) {
		c.logger.Warn("closing connection of an abandoned MQTT client")
		client.Disconnect(0)
		return
	}
	c.logger.Info("connected to MQTT broker")

	// Подписываемся на топики телеметрии и журнала
	filters := map[string]byte{
		c.config.TelemetryTopic: c.config.QoS,
		c.config.LogsTopic:      c.config.QoS,
	}
	if token := client.SubscribeMultiple(filters, c.onMessage); token.Wait() && token.Error() != nil {
		err := fmt.Errorf("failed to subscribe: %w", token.Error())
		c.logger.Error("MQTT subscribe failed", "error", err)
		c.abandon(client)
		c.listener.LinkConnectFailed(err)
		return
	}
	c.logger.Info("subscribed", "telemetry_topic", c.config.TelemetryTopic, "logs_topic", c.config.LogsTopic)
	c.listener.LinkConnected()
}

// onConnectionLostHandler вызывается при потере соединения
func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	if !c.current(client) {
		return
	}
	c.logger.Warn("MQTT connection lost", "error", err)
	c.listener.LinkLost(err)
}

// onMessage передает входящее сообщение слушателю с пометкой вида по топику
func (c *Client) onMessage(client mqttLib.Client, msg mqttLib.Message) {
	if !c.current(client) {
		return
	}
	kind, ok := c.kindOf(msg.Topic())
	if !ok {
		c.logger.Debug("message on unexpected topic", "topic", msg.Topic())
		return
	}
	c.listener.MessageReceived(common.Message{
		Channel:    common.ChannelFlightComputer,
		Kind:       kind,
		Topic:      msg.Topic(),
		Payload:    string(msg.Payload()),
		ReceivedAt: c.clock.Now(),
	})
}

func (c *Client) kindOf(topic string) (common.MessageKind, bool) {
	switch topic {
	case c.config.TelemetryTopic:
		return common.KindTelemetry, true
	case c.config.LogsTopic:
		return common.KindLog, true
	default:
		return 0, false
	}
}
