package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"n4-basestation/common"
	"n4-basestation/hotstate"
	"n4-basestation/mqtt"
	"n4-basestation/poller"
	"n4-basestation/serial"
	"n4-basestation/station"
	"n4-basestation/uplink"
)

// commandRouter отправляет команду через первый транспорт, который ее принял
type commandRouter struct {
	transports []station.Commander
}

func (r *commandRouter) Send(ctx context.Context, payload string) error {
	if len(r.transports) == 0 {
		return station.ErrNoCommander
	}
	var errs []error
	for _, t := range r.transports {
		err := t.Send(ctx, payload)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// brokerConnector связывает станцию с MQTT-клиентом, созданным после нее
type brokerConnector struct {
	client *mqtt.Client
}

func (b *brokerConnector) ConnectTo(ctx context.Context, broker string) error {
	if b.client == nil {
		return station.ErrNoConnector
	}
	return b.client.ConnectTo(ctx, broker)
}

func (b *brokerConnector) Broker() string {
	if b.client == nil {
		return ""
	}
	return b.client.Broker()
}

func main() {
	config, err := loadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, errHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}
	logger := loggerOrExit(config.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("base station stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, config Config, logger *slog.Logger) error {
	clk := clockwork.NewRealClock()
	g, ctx := errgroup.WithContext(ctx)

	client := uplink.NewClient(config.Uplink.ClientConfig, logger)
	queueOpts := []uplink.Option{
		uplink.WithLogger(logger),
		uplink.WithClock(clk),
		uplink.WithRetentionDays(config.Uplink.RetentionDays),
	}
	if config.Uplink.WarnDepth > 0 {
		queueOpts = append(queueOpts, uplink.WithWarnDepth(config.Uplink.WarnDepth))
	}
	logs := uplink.NewQueue[common.LogEvent]("logs", config.Uplink.Logs, client.LogSender(), queueOpts...)
	telemetry := uplink.NewQueue[common.TelemetryFrame]("telemetry", config.Uplink.Telemetry, client.TelemetrySender(), queueOpts...)

	router := &commandRouter{}
	connector := &brokerConnector{}
	stationOpts := []station.Option{
		station.WithLogger(logger),
		station.WithClock(clk),
		station.WithCommander(router),
		station.WithConnector(connector),
	}

	if config.Redis.Enabled {
		rdb, err := hotstate.Connect(ctx, config.Redis)
		if err != nil {
			logger.Warn("hot state disabled", "error", err)
		} else {
			defer rdb.Close()
			writer := hotstate.NewWriter(config.Redis, rdb, logger)
			stationOpts = append(stationOpts, station.WithObserver(writer))
			g.Go(func() error { return writer.Run(ctx) })
		}
	}

	st := station.New(config.Display, config.Link, logs, telemetry, stationOpts...)

	if config.MQTT.Broker != "" {
		mq := mqtt.NewClient(config.MQTT, st.Listener(common.ChannelBaseStation, common.ChannelFlightComputer),
			mqtt.WithLogger(logger), mqtt.WithClock(clk))
		router.transports = append(router.transports, mq)
		connector.client = mq
		g.Go(func() error {
			if err := mq.Connect(ctx); err != nil {
				logger.Error("MQTT unavailable, waiting for shutdown", "error", err)
			}
			<-ctx.Done()
			mq.Disconnect()
			return nil
		})
	}

	if config.Serial.Enabled {
		adapter := serial.NewAdapter(config.Serial, st.Listener(common.ChannelFlightComputer),
			serial.WithLogger(logger), serial.WithClock(clk))
		router.transports = append(router.transports, adapter)
		g.Go(func() error { return adapter.Run(ctx) })
	}

	if config.Poller.Enabled {
		p := poller.New(config.Poller, st.Listener(common.ChannelFlightComputer),
			poller.WithLogger(logger), poller.WithClock(clk))
		g.Go(func() error { return p.Run(ctx) })
	}

	g.Go(func() error { return st.Run(ctx) })
	g.Go(func() error { return logs.Run(ctx) })
	g.Go(func() error { return telemetry.Run(ctx) })

	if config.HTTP.Listen != "" {
		mux := http.NewServeMux()
		station.NewHandler(st, client, logger).RegisterRoutes(mux)
		server := &http.Server{
			Addr:              config.HTTP.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("status HTTP server listening", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info("N4 base station started")
	err := g.Wait()
	logger.Info("N4 base station stopped")
	return err
}
