// Команда n4-store принимает пакеты журнала и телеметрии от базовой станции
// и отдает их постранично.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"n4-basestation/store"
)

type config struct {
	store.Config `mapstructure:",squash"`
	LogLevel     string `mapstructure:"log_level"`
}

var errHelp = errors.New("help requested")

func loadConfig(args []string, stderr io.Writer) (config, error) {
	flags := pflag.NewFlagSet("n4-store", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.StringP("config", "c", "", "path to YAML config file")
	flags.String("listen", "", "HTTP listen address")
	flags.String("backend", "", "storage backend: file or postgres")
	flags.String("data-dir", "", "directory for daily CSV files")
	flags.String("postgres-url", "", "PostgreSQL connection URL")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return config{}, errHelp
		}
		return config{}, err
	}

	v := viper.New()
	d := store.DefaultConfig()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("postgres_url", d.PostgresURL)
	v.SetDefault("log_level", "info")

	for key, flag := range map[string]string{
		"listen":       "listen",
		"backend":      "backend",
		"data_dir":     "data-dir",
		"postgres_url": "postgres-url",
		"log_level":    "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return config{}, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	v.SetEnvPrefix("N4_STORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var c config
	if err := v.Unmarshal(&c); err != nil {
		return config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return c, nil
}

func main() {
	c, err := loadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, errHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", c.LogLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c.Config, logger); err != nil {
		logger.Error("store stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c store.Config, logger *slog.Logger) error {
	backend, err := store.Open(ctx, c, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	server := &http.Server{
		Addr:              c.Listen,
		Handler:           store.NewServer(backend, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("store listening", "address", server.Addr, "backend", c.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
