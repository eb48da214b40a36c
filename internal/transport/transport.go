// Package transport provides the two one-directional channels between the
// harness and the exchange, behind a registry of named drivers.
package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrConnectionRefused means the peer or broker could not be reached
	ErrConnectionRefused = errors.New("connection refused")
	// ErrBackpressure means the queue stayed at its high-water mark until the context expired
	ErrBackpressure = errors.New("backpressure: high-water mark reached")
	// ErrClosed means the endpoint was closed
	ErrClosed = errors.New("endpoint closed")
	// ErrTimeout means no message arrived before the deadline
	ErrTimeout = errors.New("timeout")
	// ErrUnknownDriver means no driver is registered under the requested name
	ErrUnknownDriver = errors.New("unknown transport driver")
)

// DefaultHighWaterMark bounds queued messages per endpoint
const DefaultHighWaterMark = 100000

// Outbound sends raw payloads towards the exchange
type Outbound interface {
	// Send queues a payload. It does not block until the high-water mark is
	// reached, then blocks until ctx expires and fails with ErrBackpressure.
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Inbound receives raw payloads from the exchange
type Inbound interface {
	// Poll reports whether a message is available within timeout
	Poll(ctx context.Context, timeout time.Duration) (bool, error)
	// Receive returns the next available message
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Endpoint names one side of a channel. Address meaning depends on the driver:
// a ZeroMQ URL, a Kafka topic, a NATS subject, a Redis list key or a hub queue name.
type Endpoint struct {
	Address string
	Bind    bool
}

// Options configure a driver
type Options struct {
	Driver        string
	HighWaterMark int
	DialTimeout   time.Duration

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroup    string

	NATSURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Hub backs the memory driver. A nil hub uses DefaultHub.
	Hub *Hub

	Logger *zap.Logger
}

// HWM returns the configured high-water mark or the default
func (o Options) HWM() int {
	if o.HighWaterMark <= 0 {
		return DefaultHighWaterMark
	}
	return o.HighWaterMark
}

// Log returns the configured logger or a no-op logger
func (o Options) Log() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// DialTimeoutOrDefault returns the dial timeout, five seconds when unset
func (o Options) DialTimeoutOrDefault() time.Duration {
	if o.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return o.DialTimeout
}
