package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"n4-basestation/hotstate"
	"n4-basestation/link"
	"n4-basestation/mqtt"
	"n4-basestation/poller"
	"n4-basestation/serial"
	"n4-basestation/station"
	"n4-basestation/uplink"
)

// Config конфигурация базовой станции
type Config struct {
	Logging LoggingConfig   `mapstructure:"logging"`
	HTTP    HTTPConfig      `mapstructure:"http"`
	MQTT    mqtt.Config     `mapstructure:"mqtt"`
	Poller  poller.Config   `mapstructure:"poller"`
	Serial  serial.Config   `mapstructure:"serial"`
	Link    link.Config     `mapstructure:"link"`
	Display station.Config  `mapstructure:"display"`
	Uplink  UplinkConfig    `mapstructure:"uplink"`
	Redis   hotstate.Config `mapstructure:"redis"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text или json
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"` // пустая строка отключает HTTP
}

type UplinkConfig struct {
	uplink.ClientConfig `mapstructure:",squash"`
	RetentionDays       int           `mapstructure:"retention_days"`
	WarnDepth           int           `mapstructure:"warn_depth"` // 0: 20 пакетов
	Logs                uplink.Config `mapstructure:"logs"`
	Telemetry           uplink.Config `mapstructure:"telemetry"`
}

// errHelp запрошена справка, запускать станцию не нужно
var errHelp = errors.New("help requested")

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("http.listen", ":8080")

	m := mqtt.DefaultConfig()
	v.SetDefault("mqtt.broker", m.Broker)
	v.SetDefault("mqtt.username", m.Username)
	v.SetDefault("mqtt.password", m.Password)
	v.SetDefault("mqtt.client_id", m.ClientID)
	v.SetDefault("mqtt.telemetry_topic", m.TelemetryTopic)
	v.SetDefault("mqtt.logs_topic", m.LogsTopic)
	v.SetDefault("mqtt.command_topic", m.CommandTopic)
	v.SetDefault("mqtt.qos", m.QoS)
	v.SetDefault("mqtt.keep_alive", m.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", m.ConnectTimeout)

	p := poller.DefaultConfig()
	v.SetDefault("poller.enabled", p.Enabled)
	v.SetDefault("poller.url", p.URL)
	v.SetDefault("poller.interval", p.Interval)
	v.SetDefault("poller.timeout", p.Timeout)

	s := serial.DefaultConfig()
	v.SetDefault("serial.enabled", s.Enabled)
	v.SetDefault("serial.device_path", s.DevicePath)
	v.SetDefault("serial.baud_rate", s.BaudRate)
	v.SetDefault("serial.reconnect_interval", s.ReconnectInterval)

	l := link.DefaultConfig()
	v.SetDefault("link.stale_threshold", l.StaleThreshold)
	v.SetDefault("link.check_interval", l.CheckInterval)

	d := station.DefaultConfig()
	v.SetDefault("display.throttle_interval", d.ThrottleInterval)
	v.SetDefault("display.chart_window", d.ChartWindow)
	v.SetDefault("display.max_ui_logs", d.MaxUILogs)
	v.SetDefault("display.report_interval", d.ReportInterval)
	v.SetDefault("display.inbox_size", d.InboxSize)

	c := uplink.DefaultClientConfig()
	v.SetDefault("uplink.base_url", c.BaseURL)
	v.SetDefault("uplink.request_timeout", c.RequestTimeout)
	v.SetDefault("uplink.retention_days", 7)
	v.SetDefault("uplink.warn_depth", 0)
	lq, tq := uplink.DefaultLogConfig(), uplink.DefaultTelemetryConfig()
	v.SetDefault("uplink.logs.batch_size", lq.BatchSize)
	v.SetDefault("uplink.logs.flush_interval", lq.FlushInterval)
	v.SetDefault("uplink.telemetry.batch_size", tq.BatchSize)
	v.SetDefault("uplink.telemetry.flush_interval", tq.FlushInterval)

	r := hotstate.DefaultConfig()
	v.SetDefault("redis.enabled", r.Enabled)
	v.SetDefault("redis.addr", r.Addr)
	v.SetDefault("redis.password", r.Password)
	v.SetDefault("redis.db", r.DB)
	v.SetDefault("redis.ttl", r.TTL)
	v.SetDefault("redis.prefix", r.Prefix)
}

// loadConfig собирает конфигурацию из значений по умолчанию, config.yaml,
// переменных окружения N4_* и флагов командной строки (в порядке возрастания приоритета)
func loadConfig(args []string, stderr io.Writer) (Config, error) {
	flags := pflag.NewFlagSet("n4-basestation", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.StringP("config", "c", "", "path to config file (default: ./config.yaml or /etc/n4/config.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("listen", "", "status HTTP listen address")
	flags.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	flags.String("store-url", "", "base URL of the log and telemetry store")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, errHelp
		}
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)

	for key, flag := range map[string]string{
		"logging.level":   "log-level",
		"logging.format":  "log-format",
		"http.listen":     "listen",
		"mqtt.broker":     "mqtt-broker",
		"uplink.base_url": "store-url",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return Config{}, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	v.SetEnvPrefix("N4")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/n4")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if *configPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Uplink.Logs.BatchSize < 1 || c.Uplink.Telemetry.BatchSize < 1 {
		errs = append(errs, errors.New("uplink batch_size must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"uplink.logs.flush_interval":      c.Uplink.Logs.FlushInterval,
		"uplink.telemetry.flush_interval": c.Uplink.Telemetry.FlushInterval,
		"link.check_interval":             c.Link.CheckInterval,
		"link.stale_threshold":            c.Link.StaleThreshold,
		"display.throttle_interval":       c.Display.ThrottleInterval,
		"display.report_interval":         c.Display.ReportInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MQTT.Broker == "" && !c.Serial.Enabled && !c.Poller.Enabled {
		errs = append(errs, errors.New("no transport configured: set mqtt.broker, serial.enabled or poller.enabled"))
	}
	return errors.Join(errs...)
}

func newLogger(config LoggingConfig, out io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(config.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", config.Format)
	}
}

// loggerOrExit для ошибок до появления логгера
func loggerOrExit(config LoggingConfig) *slog.Logger {
	logger, err := newLogger(config, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	return logger
}
