package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ismaiel54/exchange-tester/internal/chaos"
	"github.com/ismaiel54/exchange-tester/internal/harness"
	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// Config holds configuration for both binaries
type Config struct {
	// Service name
	ServiceName string

	// Log level: debug, info, warn, error
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Log format: json or console
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// HTTP server port (healthz, metrics, stats)
	HTTPPort int `env:"PORT_HTTP" envDefault:"8080"`

	// gRPC health server port
	GRPCPort int `env:"PORT_GRPC" envDefault:"50051"`

	Transport TransportConfig `envPrefix:"TRANSPORT_"`
	Harness   HarnessConfig   `envPrefix:"HARNESS_"`
	Chaos     chaos.Config    `envPrefix:"CHAOS_"`
}

// TransportConfig selects and configures the transport driver
type TransportConfig struct {
	Driver        string        `env:"DRIVER" envDefault:"zmq"`
	OutboundAddr  string        `env:"OUTBOUND_ADDR" envDefault:"tcp://127.0.0.1:5555"`
	OutboundBind  bool          `env:"OUTBOUND_BIND" envDefault:"false"`
	InboundAddr   string        `env:"INBOUND_ADDR" envDefault:"tcp://127.0.0.1:5556"`
	InboundBind   bool          `env:"INBOUND_BIND" envDefault:"true"`
	HWM           int           `env:"HWM" envDefault:"100000"`
	DialTimeout   time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	KafkaBrokers  []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"127.0.0.1:9092"`
	KafkaClientID string        `env:"KAFKA_CLIENT_ID" envDefault:"exchange-tester"`
	KafkaGroup    string        `env:"KAFKA_GROUP" envDefault:"exchange-tester-v1"`
	NATSURL       string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
}

// HarnessConfig tunes the send/drain lifecycle
type HarnessConfig struct {
	ClientID        uint64        `env:"CLIENT_ID" envDefault:"55"`
	PollTimeout     time.Duration `env:"POLL_TIMEOUT" envDefault:"100ms"`
	StartupGrace    time.Duration `env:"STARTUP_GRACE" envDefault:"500ms"`
	JoinTimeout     time.Duration `env:"JOIN_TIMEOUT" envDefault:"2s"`
	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`
	Settle          time.Duration `env:"SETTLE" envDefault:"2s"`
	StopOnFirstFill bool          `env:"STOP_ON_FIRST_FILL" envDefault:"false"`
	Seed            uint64        `env:"SEED" envDefault:"42"`
	StatsInterval   time.Duration `env:"STATS_INTERVAL" envDefault:"30s"`
	Symbols         []string      `env:"SYMBOLS" envSeparator:"," envDefault:"AAPL,TSLA,GOOG,MSFT"`
}

// LoadConfig loads configuration from an optional .env file and the environment
func LoadConfig(serviceName string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{ServiceName: serviceName}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the harness cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Transport.HWM <= 0 {
		errs = append(errs, fmt.Errorf("TRANSPORT_HWM must be positive, got %d", c.Transport.HWM))
	}
	if c.Transport.OutboundAddr == "" {
		errs = append(errs, errors.New("TRANSPORT_OUTBOUND_ADDR is required"))
	}
	if c.Transport.InboundAddr == "" {
		errs = append(errs, errors.New("TRANSPORT_INBOUND_ADDR is required"))
	}
	if c.Harness.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HARNESS_POLL_TIMEOUT must be positive, got %s", c.Harness.PollTimeout))
	}
	if c.Harness.JoinTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HARNESS_JOIN_TIMEOUT must be positive, got %s", c.Harness.JoinTimeout))
	}
	if err := c.Chaos.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// TransportOptions returns the driver options
func (c *Config) TransportOptions() transport.Options {
	t := c.Transport
	return transport.Options{
		Driver:        t.Driver,
		HighWaterMark: t.HWM,
		DialTimeout:   t.DialTimeout,
		KafkaBrokers:  t.KafkaBrokers,
		KafkaClientID: t.KafkaClientID,
		KafkaGroup:    t.KafkaGroup,
		NATSURL:       t.NATSURL,
		RedisAddr:     t.RedisAddr,
		RedisPassword: t.RedisPassword,
		RedisDB:       t.RedisDB,
	}
}

// OutboundEndpoint is the order channel as seen by the harness
func (c *Config) OutboundEndpoint() transport.Endpoint {
	return transport.Endpoint{Address: c.Transport.OutboundAddr, Bind: c.Transport.OutboundBind}
}

// InboundEndpoint is the response channel as seen by the harness
func (c *Config) InboundEndpoint() transport.Endpoint {
	return transport.Endpoint{Address: c.Transport.InboundAddr, Bind: c.Transport.InboundBind}
}

// HarnessOptions returns the harness options
func (c *Config) HarnessOptions() harness.Options {
	h := c.Harness
	return harness.Options{
		ClientID:        h.ClientID,
		PollTimeout:     h.PollTimeout,
		StartupGrace:    h.StartupGrace,
		JoinTimeout:     h.JoinTimeout,
		SendTimeout:     h.SendTimeout,
		StatsInterval:   h.StatsInterval,
		StopOnFirstFill: h.StopOnFirstFill,
		Seed:            h.Seed,
		Symbols:         h.Symbols,
	}
}

// ExchangeEndpoints returns the order and response endpoints from the exchange
// side, with the bind roles inverted so both ends can share one config.
func (c *Config) ExchangeEndpoints() (orders, responses transport.Endpoint) {
	orders = c.OutboundEndpoint()
	orders.Bind = !orders.Bind
	responses = c.InboundEndpoint()
	responses.Bind = !responses.Bind
	return orders, responses
}
