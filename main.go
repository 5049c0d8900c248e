package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/smsbridge/broker"
	"i4.energy/across/smsbridge/delivery"
	"i4.energy/across/smsbridge/metrics"
	"i4.energy/across/smsbridge/modem"
	"i4.energy/across/smsbridge/sms"
	"i4.energy/across/smsbridge/store"
)

func main() {
	RegisterFlags(flag.CommandLine)
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)}))
	slog.SetDefault(logger)

	m := metrics.New()

	overflow, err := store.Open(config.StorePath,
		store.WithCapacity(config.StoreCapacity),
		store.WithLogger(logger.With("component", "store")),
	)
	if err != nil {
		logger.Error("Failed to open overflow store", "error", err)
		os.Exit(1)
	}

	publisher := broker.New(broker.Config{
		BrokerURL:   config.MQTTBroker,
		ClientID:    config.MQTTClientID,
		Username:    config.MQTTUsername,
		Password:    config.MQTTPassword,
		Topic:       config.MQTTTopic,
		DeviceTopic: config.MQTTDeviceTopic,
	}, logger.With("component", "broker"))

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(config.ATTimeout).
		WithSimPIN(config.SimPIN).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		WithLogger(logger.With("component", "modem")).
		WithMetrics(m).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	queue := sms.NewQueue(config.QueueSize)
	worker := delivery.New(publisher, overflow,
		delivery.WithBackoff(config.RetryBackoff),
		delivery.WithMaxAttempts(config.RetryAttempts),
		delivery.WithPollInterval(config.PollInterval),
		delivery.WithLogger(logger.With("component", "delivery")),
		delivery.WithMetrics(m),
	)
	gateway := NewGateway(modemConfig, queue, publisher, logger.With("component", "gateway"))

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:  logger.With("component", "server"),
			Gateway: gateway,
			Broker:  publisher,
			Store:   overflow,
			Worker:  worker,
			Metrics: m,
		},
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting SMS bridge",
		"serial_port", config.SerialPort, "broker", config.MQTTBroker, "topic", config.MQTTTopic)

	if err := publisher.Connect(ctx); err != nil {
		logger.Warn("MQTT connect failed, retrying in background", "error", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return gateway.Run(gctx)
	})
	group.Go(func() error {
		return worker.Run(gctx, queue)
	})
	group.Go(func() error {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	publisher.Close()
	if cerr := overflow.Close(); cerr != nil {
		logger.Warn("Failed to close overflow store", "error", cerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("SMS bridge stopped", "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
