// Package nats is the NATS core driver. Endpoint addresses are subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// DriverName is the registry name of this driver
const DriverName = "nats"

func init() {
	transport.Register(DriverName, transport.Driver{
		Outbound: func(ctx context.Context, opts transport.Options, ep transport.Endpoint) (transport.Outbound, error) {
			return NewPublisher(opts, ep)
		},
		Inbound: func(ctx context.Context, opts transport.Options, ep transport.Endpoint) (transport.Inbound, error) {
			return NewSubscriber(opts, ep)
		},
	})
}

func connect(opts transport.Options, name string) (*nats.Conn, error) {
	logger := opts.Log()
	nc, err := nats.Connect(opts.NATSURL,
		nats.Name(name),
		nats.Timeout(opts.DialTimeoutOrDefault()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		if errors.Is(err, nats.ErrNoServers) {
			return nil, fmt.Errorf("nats %s: %w: %v", opts.NATSURL, transport.ErrConnectionRefused, err)
		}
		return nil, fmt.Errorf("nats connect %s: %w", opts.NATSURL, err)
	}
	return nc, nil
}

func mapErr(subject string, err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
		return fmt.Errorf("nats %s: %w", subject, transport.ErrClosed)
	case errors.Is(err, nats.ErrReconnectBufExceeded), errors.Is(err, nats.ErrSlowConsumer):
		return fmt.Errorf("nats %s: %w: %v", subject, transport.ErrBackpressure, err)
	default:
		return fmt.Errorf("nats %s: %w", subject, err)
	}
}

// Publisher publishes payloads on a subject
type Publisher struct {
	nc      *nats.Conn
	subject string
	once    sync.Once
}

// NewPublisher connects and returns a publisher for ep.Address
func NewPublisher(opts transport.Options, ep transport.Endpoint) (*Publisher, error) {
	if ep.Address == "" {
		return nil, errors.New("nats: empty subject")
	}
	nc, err := connect(opts, "exchange-tester-out")
	if err != nil {
		return nil, err
	}
	opts.Log().Info("nats publisher ready", zap.String("subject", ep.Address))
	return &Publisher{nc: nc, subject: ep.Address}, nil
}

// Send implements transport.Outbound
func (p *Publisher) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("nats %s: %w", p.subject, transport.ErrBackpressure)
	}
	if err := p.nc.Publish(p.subject, payload); err != nil {
		return mapErr(p.subject, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		err = p.nc.Drain()
		if err != nil {
			p.nc.Close()
		}
	})
	return err
}

// Subscriber reads payloads from a subject. Messages beyond HWM pending are
// dropped by the client and reported as slow consumer errors.
type Subscriber struct {
	*transport.PolledInbound
}

type fetcher struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NewSubscriber connects and subscribes synchronously to ep.Address
func NewSubscriber(opts transport.Options, ep transport.Endpoint) (*Subscriber, error) {
	if ep.Address == "" {
		return nil, errors.New("nats: empty subject")
	}
	nc, err := connect(opts, "exchange-tester-in")
	if err != nil {
		return nil, err
	}

	sub, err := nc.SubscribeSync(ep.Address)
	if err != nil {
		nc.Close()
		return nil, mapErr(ep.Address, err)
	}
	if err := sub.SetPendingLimits(opts.HWM(), -1); err != nil {
		nc.Close()
		return nil, mapErr(ep.Address, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, mapErr(ep.Address, err)
	}

	opts.Log().Info("nats subscriber ready", zap.String("subject", ep.Address), zap.Int("hwm", opts.HWM()))
	return &Subscriber{PolledInbound: transport.NewPolledInbound(&fetcher{nc: nc, sub: sub, subject: ep.Address})}, nil
}

func (f *fetcher) Fetch(_ context.Context, timeout time.Duration) ([][]byte, error) {
	m, err := f.sub.NextMsg(timeout)
	switch {
	case err == nil:
		return [][]byte{m.Data}, nil
	case errors.Is(err, nats.ErrTimeout):
		return nil, nil
	default:
		return nil, mapErr(f.subject, err)
	}
}

func (f *fetcher) Close() error {
	err := f.sub.Unsubscribe()
	f.nc.Close()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}
