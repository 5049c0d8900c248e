// Package broker publishes received messages to an MQTT broker.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"i4.energy/across/smsbridge/carrier"
	"i4.energy/across/smsbridge/sms"
)

// TimestampFormat is the UTC layout used in every payload.
const TimestampFormat = "2006-01-02T15:04:05Z"

const (
	DefaultTopic          = "sms/received"
	DefaultDeviceTopic    = "sms/device"
	DefaultPublishTimeout = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadyWait      = 30 * time.Second

	// qos is at-least-once for both topics.
	qos = 1
)

// unknownOperatorText names an unknown carrier in the device status text.
const unknownOperatorText = "未知运营商"

var (
	// ErrNotConnected is returned by Publish without touching the network
	// when the client has no open connection.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrPublishTimeout is returned when the broker does not acknowledge a
	// publish in time.
	ErrPublishTimeout = errors.New("broker: publish timeout")
)

// Client is the subset of mqtt.Client the publisher uses.
type Client interface {
	Connect() mqtt.Token
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

var _ Client = (mqtt.Client)(nil)

// Config describes the broker connection.
type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	Topic       string
	DeviceTopic string

	PublishTimeout time.Duration
	ConnectTimeout time.Duration
	ReadyWait      time.Duration
}

func (c *Config) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = "smsbridge-" + uuid.NewString()
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.DeviceTopic == "" {
		c.DeviceTopic = DefaultDeviceTopic
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadyWait <= 0 {
		c.ReadyWait = DefaultReadyWait
	}
}

// Publisher sends messages to the broker. It never retries on its own.
type Publisher struct {
	client   Client
	config   Config
	logger   *slog.Logger
	now      func() time.Time
	operator atomic.Pointer[string]
}

type smsPayload struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Operator  string `json:"operator"`
	Timestamp string `json:"timestamp"`
}

type readyPayload struct {
	Status    string `json:"status"`
	Operator  string `json:"operator"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// New creates a publisher with a paho client configured for automatic
// reconnection. Call Connect to start connecting.
func New(config Config, logger *slog.Logger) *Publisher {
	config.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting", "broker", config.BrokerURL)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT connected", "broker", config.BrokerURL, "client_id", config.ClientID)
	})

	return NewWithClient(mqtt.NewClient(opts), config, logger)
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, config Config, logger *slog.Logger) *Publisher {
	config.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		client: client,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	p.SetOperator(carrier.Unknown)
	return p
}

// Connect starts the connection. With connect-retry enabled the client
// keeps trying in the background, so Connect only waits up to the connect
// timeout and a failure here is not final.
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("broker: connect %s: %w", p.config.BrokerURL, err)
		}
		return nil
	case <-time.After(p.config.ConnectTimeout):
		p.logger.Warn("MQTT connect still pending, continuing in background", "broker", p.config.BrokerURL)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetOperator sets the carrier name sent with every message.
func (p *Publisher) SetOperator(name string) {
	if name == "" {
		name = carrier.Unknown
	}
	p.operator.Store(&name)
}

func (p *Publisher) Operator() string {
	return *p.operator.Load()
}

// IsConnected reports whether the connection is currently open.
func (p *Publisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Publish sends msg as JSON on the SMS topic and waits for the broker's
// acknowledgement.
func (p *Publisher) Publish(ctx context.Context, msg sms.Message) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(smsPayload{
		Sender:    msg.Sender(),
		Content:   msg.Content(),
		Operator:  p.Operator(),
		Timestamp: p.timestamp(),
	})
	if err != nil {
		return fmt.Errorf("broker: encode message: %w", err)
	}

	if err := p.publish(ctx, p.config.Topic, payload); err != nil {
		return err
	}
	p.logger.Debug("Published SMS", "topic", p.config.Topic, "payload", string(payload))
	return nil
}

// AnnounceReady waits for the connection for up to the configured ready
// wait and then publishes the device status on the device topic.
func (p *Publisher) AnnounceReady(ctx context.Context, operator string) error {
	if err := p.waitConnected(ctx); err != nil {
		return err
	}

	name := operator
	if name == "" || name == carrier.Unknown {
		name = unknownOperatorText
	}
	payload, err := json.Marshal(readyPayload{
		Status:    "ready",
		Operator:  name,
		Timestamp: p.timestamp(),
		Message:   name + "设备已就绪",
	})
	if err != nil {
		return fmt.Errorf("broker: encode status: %w", err)
	}

	if err := p.publish(ctx, p.config.DeviceTopic, payload); err != nil {
		return err
	}
	p.logger.Info("Published device ready", "topic", p.config.DeviceTopic, "operator", name)
	return nil
}

func (p *Publisher) waitConnected(ctx context.Context) error {
	if p.client.IsConnectionOpen() {
		return nil
	}

	deadline := time.NewTimer(p.config.ReadyWait)
	defer deadline.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNotConnected
		case <-ticker.C:
			if p.client.IsConnectionOpen() {
				return nil
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)

	timer := time.NewTimer(p.config.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("broker: publish to %s: %w", topic, err)
		}
		return nil
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) timestamp() string {
	return p.now().UTC().Format(TimestampFormat)
}

// Close disconnects, giving in-flight messages a moment to complete.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
