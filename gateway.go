package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/smsbridge/carrier"
	"i4.energy/across/smsbridge/modem"
	"i4.energy/across/smsbridge/sms"
)

// Announcer receives the carrier name once the modem is up.
type Announcer interface {
	SetOperator(name string)
	AnnounceReady(ctx context.Context, operator string) error
}

// Gateway keeps a modem generation running and feeding the queue. When a
// generation fails it is torn down completely (loops stopped, transport
// closed) before a new one is dialed.
type Gateway struct {
	config       modem.Config
	queue        *sms.Queue
	announcer    Announcer
	logger       *slog.Logger
	restartDelay time.Duration

	ready       atomic.Bool
	operator    atomic.Pointer[string]
	generations atomic.Int64
}

func NewGateway(config modem.Config, queue *sms.Queue, announcer Announcer, logger *slog.Logger) *Gateway {
	g := &Gateway{
		config:       config,
		queue:        queue,
		announcer:    announcer,
		logger:       logger,
		restartDelay: 5 * time.Second,
	}
	unknown := carrier.Unknown
	g.operator.Store(&unknown)
	return g
}

// Run restarts the modem until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		err := g.runGeneration(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Error("Modem stopped, restarting", "error", err, "delay", g.restartDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.restartDelay):
		}
	}
}

func (g *Gateway) runGeneration(ctx context.Context) error {
	gen := g.generations.Add(1)
	logger := g.logger.With("generation", gen)

	m, err := modem.New(ctx, g.config)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return m.Loop(gctx)
	})

	group.Go(func() error {
		if err := m.Init(gctx); err != nil {
			return fmt.Errorf("init modem: %w", err)
		}

		operator := m.Operator()
		g.operator.Store(&operator)
		g.announcer.SetOperator(operator)
		g.ready.Store(true)
		defer g.ready.Store(false)
		logger.Info("Modem initialized, listening for messages", "operator", operator)

		group.Go(func() error {
			if err := g.announcer.AnnounceReady(gctx, operator); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Could not announce device ready", "error", err)
			}
			return nil
		})

		return m.Listen(gctx, g.queue)
	})

	<-gctx.Done()
	if err := m.Close(); err != nil {
		logger.Warn("Failed to close modem", "error", err)
	}
	return group.Wait()
}

// Ready reports whether a modem is initialized and listening.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// Operator returns the carrier of the most recently initialized modem.
func (g *Gateway) Operator() string {
	return *g.operator.Load()
}

// Generation counts the modem connections made so far.
func (g *Gateway) Generation() int64 {
	return g.generations.Load()
}
