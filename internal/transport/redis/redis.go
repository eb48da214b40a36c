// Package redis is a list-queue driver on go-redis. Endpoint addresses are list keys;
// senders LPUSH and receivers RPOP, so each key behaves as a FIFO queue.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// DriverName is the registry name of this driver
const DriverName = "redis"

const popInterval = 10 * time.Millisecond

func init() {
	transport.Register(DriverName, transport.Driver{
		Outbound: func(ctx context.Context, opts transport.Options, ep transport.Endpoint) (transport.Outbound, error) {
			return NewQueueWriter(ctx, opts, ep)
		},
		Inbound: func(ctx context.Context, opts transport.Options, ep transport.Endpoint) (transport.Inbound, error) {
			return NewQueueReader(ctx, opts, ep)
		},
	})
}

func newClient(ctx context.Context, opts transport.Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.RedisAddr,
		Password:    opts.RedisPassword,
		DB:          opts.RedisDB,
		DialTimeout: opts.DialTimeoutOrDefault(),
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeoutOrDefault())
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w: %v", opts.RedisAddr, transport.ErrConnectionRefused, err)
	}
	return client, nil
}

func mapErr(key string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis %s: %w", key, transport.ErrClosed)
	}
	return fmt.Errorf("redis %s: %w", key, err)
}

// QueueWriter pushes payloads onto a list, refusing to grow it past HWM
type QueueWriter struct {
	client *redis.Client
	key    string
	hwm    int64
	once   sync.Once
}

// NewQueueWriter connects to Redis and returns a writer for ep.Address
func NewQueueWriter(ctx context.Context, opts transport.Options, ep transport.Endpoint) (*QueueWriter, error) {
	if ep.Address == "" {
		return nil, errors.New("redis: empty key")
	}
	client, err := newClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	opts.Log().Info("redis writer ready", zap.String("key", ep.Address), zap.Int("hwm", opts.HWM()))
	return &QueueWriter{client: client, key: ep.Address, hwm: int64(opts.HWM())}, nil
}

// Send implements transport.Outbound
func (w *QueueWriter) Send(ctx context.Context, payload []byte) error {
	ticker := time.NewTicker(popInterval)
	defer ticker.Stop()

	for {
		n, err := w.client.LLen(ctx, w.key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("redis %s: %w", w.key, transport.ErrBackpressure)
			}
			return mapErr(w.key, err)
		}
		if n < w.hwm {
			if err := w.client.LPush(ctx, w.key, payload).Err(); err != nil {
				return mapErr(w.key, err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis %s: %w", w.key, transport.ErrBackpressure)
		case <-ticker.C:
		}
	}
}

// Close implements transport.Outbound
func (w *QueueWriter) Close() error {
	var err error
	w.once.Do(func() { err = w.client.Close() })
	return err
}

// QueueReader pops payloads from a list
type QueueReader struct {
	*transport.PolledInbound
}

type fetcher struct {
	client *redis.Client
	key    string
}

// NewQueueReader connects to Redis and returns a reader for ep.Address
func NewQueueReader(ctx context.Context, opts transport.Options, ep transport.Endpoint) (*QueueReader, error) {
	if ep.Address == "" {
		return nil, errors.New("redis: empty key")
	}
	client, err := newClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	opts.Log().Info("redis reader ready", zap.String("key", ep.Address))
	return &QueueReader{PolledInbound: transport.NewPolledInbound(&fetcher{client: client, key: ep.Address})}, nil
}

// Fetch pops one element, retrying every popInterval until timeout
func (f *fetcher) Fetch(ctx context.Context, timeout time.Duration) ([][]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		data, err := f.client.RPop(ctx, f.key).Bytes()
		switch {
		case err == nil:
			return [][]byte{data}, nil
		case errors.Is(err, redis.Nil):
		case ctx.Err() != nil:
			return nil, nil
		default:
			return nil, mapErr(f.key, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(min(popInterval, remaining)):
		}
	}
}

func (f *fetcher) Close() error {
	return f.client.Close()
}
