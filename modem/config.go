package modem

import (
	"log/slog"
	"time"

	"i4.energy/across/smsbridge/metrics"
)

// Defaults applied by ConfigBuilder.Build.
const (
	DefaultATTimeout     = 10 * time.Second
	DefaultInitTimeout   = 2 * time.Minute
	DefaultProbeAttempts = 3
	DefaultProbeInterval = time.Second
	DefaultRxBufferSize  = 1024
)

// Config holds the settings of a Modem. Build one with NewConfigBuilder.
type Config struct {
	dialer        Dialer
	simPIN        string
	atTimeout     time.Duration
	initTimeout   time.Duration
	probeAttempts int
	probeInterval time.Duration
	rxBufferSize  int
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.atTimeout <= 0 {
		c.atTimeout = DefaultATTimeout
	}
	if c.initTimeout <= 0 {
		c.initTimeout = DefaultInitTimeout
	}
	if c.probeAttempts <= 0 {
		c.probeAttempts = DefaultProbeAttempts
	}
	if c.probeInterval <= 0 {
		c.probeInterval = DefaultProbeInterval
	}
	if c.rxBufferSize <= 0 {
		c.rxBufferSize = DefaultRxBufferSize
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.simPIN = pin
	return b
}

// WithATTimeout bounds every command exchange.
func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.atTimeout = d
	return b
}

// WithInitTimeout bounds the whole bring-up sequence.
func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.initTimeout = d
	return b
}

// WithProbe sets how often the liveness probe is tried before giving up.
func (b *ConfigBuilder) WithProbe(attempts int, interval time.Duration) *ConfigBuilder {
	b.config.probeAttempts = attempts
	b.config.probeInterval = interval
	return b
}

func (b *ConfigBuilder) WithRxBufferSize(n int) *ConfigBuilder {
	b.config.rxBufferSize = n
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

func (b *ConfigBuilder) WithMetrics(m *metrics.Metrics) *ConfigBuilder {
	b.config.metrics = m
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
