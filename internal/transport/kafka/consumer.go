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

// Consumer reads payloads from a single topic as part of a consumer group.
// Consumption starts at the time the consumer was opened, so replies left on
// the topic by earlier runs are not counted.
type Consumer struct {
	*transport.PolledInbound
}

type fetcher struct {
	client *kgo.Client
	logger *zap.Logger
	topic  string
	group  string
	max    int

	pollCount  int64
	errorCount int64
	stop       chan struct{}
}

// NewConsumer creates a consumer for the endpoint's topic
func NewConsumer(ctx context.Context, opts transport.Options, ep transport.Endpoint) (*Consumer, error) {
	if ep.Address == "" {
		return nil, errors.New("kafka: empty topic")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(opts.KafkaBrokers...),
		kgo.ClientID(opts.KafkaClientID),
		kgo.ConsumerGroup(opts.KafkaGroup),
		kgo.ConsumeTopics(ep.Address),
		kgo.ConsumeResetOffset(kgo.NewOffset().AfterMilli(time.Now().UnixMilli())),
		kgo.DisableAutoCommit(), // committed once buffered
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := ping(ctx, client, opts); err != nil {
		client.Close()
		return nil, err
	}

	f := &fetcher{
		client: client,
		logger: opts.Log().With(zap.String("driver", DriverName), zap.String("topic", ep.Address)),
		topic:  ep.Address,
		group:  opts.KafkaGroup,
		max:    opts.HWM(),
		stop:   make(chan struct{}),
	}

	f.logger.Info("consumer initialized",
		zap.Strings("brokers", opts.KafkaBrokers),
		zap.String("group", opts.KafkaGroup),
	)

	go f.logStats()

	return &Consumer{PolledInbound: transport.NewPolledInbound(f)}, nil
}

func (f *fetcher) Fetch(ctx context.Context, _ time.Duration) ([][]byte, error) {
	fetches := f.client.PollRecords(ctx, f.max)
	if fetches.IsClientClosed() {
		return nil, transport.ErrClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		atomic.AddInt64(&f.errorCount, 1)
		errs = append(errs, fmt.Errorf("%s[%d]: %w", topic, partition, err))
	})

	var batch [][]byte
	var records []*kgo.Record
	fetches.EachRecord(func(record *kgo.Record) {
		batch = append(batch, record.Value)
		records = append(records, record)
	})

	if len(records) > 0 {
		if err := f.client.CommitRecords(context.WithoutCancel(ctx), records...); err != nil {
			f.logger.Warn("commit failed", zap.Error(err))
		}
		atomic.AddInt64(&f.pollCount, int64(len(records)))
	}

	return batch, errors.Join(errs...)
}

func (f *fetcher) Close() error {
	close(f.stop)
	f.client.Close()
	f.logger.Info("consumer closed",
		zap.String("group", f.group),
		zap.Int64("processed", atomic.LoadInt64(&f.pollCount)),
		zap.Int64("errors", atomic.LoadInt64(&f.errorCount)),
	)
	return nil
}

// logStats logs consumer statistics periodically
func (f *fetcher) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.logger.Info("consumer stats",
				zap.String("group", f.group),
				zap.Int64("processed", atomic.LoadInt64(&f.pollCount)),
				zap.Int64("errors", atomic.LoadInt64(&f.errorCount)),
			)
		}
	}
}
