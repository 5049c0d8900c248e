package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the status server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// SimPIN is the SIM card PIN code
	SimPIN string

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopic       string
	MQTTDeviceTopic string

	// StorePath is the bbolt file holding undelivered messages.
	StorePath     string
	StoreCapacity int

	RetryBackoff  time.Duration
	RetryAttempts int
	PollInterval  time.Duration
	ATTimeout     time.Duration
	QueueSize     int
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.MQTTBroker = "tcp://localhost:1883"
		c.MQTTTopic = "sms/received"
		c.MQTTDeviceTopic = "sms/device"
		c.StorePath = "smsbridge.db"
		c.StoreCapacity = 20
		c.RetryBackoff = 10 * time.Second
		c.RetryAttempts = 3
		c.PollInterval = time.Second
		c.ATTimeout = 10 * time.Second
		c.QueueSize = 10
		return nil
	}
}

// settings maps every configuration key to its setter. Keys double as flag
// names; the environment variable is the key upper-cased with dashes
// turned into underscores.
var settings = map[string]func(c *Config, v string) error{
	"bind-address":      setString(func(c *Config) *string { return &c.BindAddress }),
	"serial-port":       setString(func(c *Config) *string { return &c.SerialPort }),
	"baud-rate":         setInt(func(c *Config) *int { return &c.BaudRate }),
	"log-level":         setString(func(c *Config) *string { return &c.LogLevel }),
	"sim-pin":           setString(func(c *Config) *string { return &c.SimPIN }),
	"mqtt-broker":       setString(func(c *Config) *string { return &c.MQTTBroker }),
	"mqtt-client-id":    setString(func(c *Config) *string { return &c.MQTTClientID }),
	"mqtt-username":     setString(func(c *Config) *string { return &c.MQTTUsername }),
	"mqtt-password":     setString(func(c *Config) *string { return &c.MQTTPassword }),
	"mqtt-topic":        setString(func(c *Config) *string { return &c.MQTTTopic }),
	"mqtt-device-topic": setString(func(c *Config) *string { return &c.MQTTDeviceTopic }),
	"store-path":        setString(func(c *Config) *string { return &c.StorePath }),
	"store-capacity":    setInt(func(c *Config) *int { return &c.StoreCapacity }),
	"retry-backoff":     setDuration(func(c *Config) *time.Duration { return &c.RetryBackoff }),
	"retry-attempts":    setInt(func(c *Config) *int { return &c.RetryAttempts }),
	"poll-interval":     setDuration(func(c *Config) *time.Duration { return &c.PollInterval }),
	"at-timeout":        setDuration(func(c *Config) *time.Duration { return &c.ATTimeout }),
	"queue-size":        setInt(func(c *Config) *int { return &c.QueueSize }),
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("must be positive, got %d", n)
		}
		*field(c) = n
		return nil
	}
}

func setDuration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("must be positive, got %s", d)
		}
		*field(c) = d
		return nil
	}
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		for key, set := range settings {
			name := envName(key)
			v := os.Getenv(name)
			if v == "" {
				continue
			}
			if err := set(c, v); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
		return nil
	}
}

// WithFlags loads configuration from command-line flags that were set
// explicitly.
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			set, ok := settings[f.Name]
			if !ok || err != nil {
				return
			}
			if e := set(c, f.Value.String()); e != nil {
				err = fmt.Errorf("invalid -%s: %w", f.Name, e)
			}
		})
		return err
	}
}

// RegisterFlags declares a flag for every configuration key on fSet.
func RegisterFlags(fSet *flag.FlagSet) {
	fSet.String("bind-address", "0.0.0.0:8080", "Bind address for the status server")
	fSet.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	fSet.Int("baud-rate", 115200, "Baud rate for serial communication")
	fSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	fSet.String("sim-pin", "", "SIM card PIN code (if required)")
	fSet.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	fSet.String("mqtt-client-id", "", "MQTT client ID (default smsbridge-<uuid>)")
	fSet.String("mqtt-username", "", "MQTT username")
	fSet.String("mqtt-password", "", "MQTT password")
	fSet.String("mqtt-topic", "sms/received", "Topic for received messages")
	fSet.String("mqtt-device-topic", "sms/device", "Topic for device status")
	fSet.String("store-path", "smsbridge.db", "Path of the overflow store file")
	fSet.Int("store-capacity", 20, "Messages kept in the overflow store")
	fSet.Duration("retry-backoff", 10*time.Second, "Delay between publish retries")
	fSet.Int("retry-attempts", 3, "Publish attempts before a message is stored")
	fSet.Duration("poll-interval", time.Second, "Delivery worker wake interval")
	fSet.Duration("at-timeout", 10*time.Second, "Timeout for a single AT command")
	fSet.Int("queue-size", 10, "Messages buffered between modem and delivery")
}
