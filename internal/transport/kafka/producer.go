// Package kafka is the Kafka driver built on franz-go. Endpoint addresses are topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// DriverName is the registry name of this driver
const DriverName = "kafka"

func init() {
	transport.Register(DriverName, transport.Driver{
		Outbound: func(ctx context.Context, opts transport.Options, ep transport.Endpoint) (transport.Outbound, error) {
			return NewProducer(ctx, opts, ep)
		},
		Inbound: func(ctx context.Context, opts transport.Options, ep transport.Endpoint) (transport.Inbound, error) {
			return NewConsumer(ctx, opts, ep)
		},
	})
}

// Producer writes payloads to a single topic
type Producer struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger

	produceCount int64
	errorCount   int64
	closed       int32
	stop         chan struct{}
}

// NewProducer creates a producer for the endpoint's topic
func NewProducer(ctx context.Context, opts transport.Options, ep transport.Endpoint) (*Producer, error) {
	if ep.Address == "" {
		return nil, errors.New("kafka: empty topic")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(opts.KafkaBrokers...),
		kgo.ClientID(opts.KafkaClientID),
		kgo.DefaultProduceTopic(ep.Address),
		kgo.MaxBufferedRecords(opts.HWM()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := ping(ctx, client, opts); err != nil {
		client.Close()
		return nil, err
	}

	p := &Producer{
		client: client,
		topic:  ep.Address,
		logger: opts.Log().With(zap.String("driver", DriverName), zap.String("topic", ep.Address)),
		stop:   make(chan struct{}),
	}

	p.logger.Info("producer initialized",
		zap.Strings("brokers", opts.KafkaBrokers),
		zap.Int("hwm", opts.HWM()),
	)

	go p.logStats()

	return p, nil
}

func ping(ctx context.Context, client *kgo.Client, opts transport.Options) error {
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeoutOrDefault())
	defer cancel()

	if err := client.Ping(pingCtx); err != nil {
		return fmt.Errorf("kafka %v: %w: %v", opts.KafkaBrokers, transport.ErrConnectionRefused, err)
	}
	return nil
}

// Send implements transport.Outbound. Records are produced synchronously;
// MaxBufferedRecords blocks the produce once HWM records are in flight.
func (p *Producer) Send(ctx context.Context, payload []byte) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return transport.ErrClosed
	}

	record := &kgo.Record{
		Topic: p.topic,
		Value: append([]byte(nil), payload...),
	}

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return p.mapErr(err)
	}

	atomic.AddInt64(&p.produceCount, 1)
	return nil
}

func (p *Producer) mapErr(err error) error {
	switch {
	case errors.Is(err, kgo.ErrClientClosed):
		return fmt.Errorf("kafka produce %s: %w", p.topic, transport.ErrClosed)
	case errors.Is(err, kgo.ErrMaxBuffered),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("kafka produce %s: %w: %v", p.topic, transport.ErrBackpressure, err)
	default:
		return fmt.Errorf("failed to produce message: %w", err)
	}
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	close(p.stop)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.client.Flush(flushCtx)
	p.client.Close()

	p.logger.Info("producer closed",
		zap.Int64("produced", atomic.LoadInt64(&p.produceCount)),
		zap.Int64("errors", atomic.LoadInt64(&p.errorCount)),
	)
	return err
}

// logStats logs producer statistics periodically
func (p *Producer) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.logger.Info("producer stats",
				zap.Int64("produced", atomic.LoadInt64(&p.produceCount)),
				zap.Int64("errors", atomic.LoadInt64(&p.errorCount)),
			)
		}
	}
}
