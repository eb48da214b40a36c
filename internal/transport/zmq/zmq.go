// Package zmq is the ZeroMQ driver: PUSH for orders, PULL for responses.
package zmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// DriverName is the registry name of this driver
const DriverName = "zmq"

const (
	dialRetry = 250 * time.Millisecond
	// linger bounds how long Close keeps flushing queued messages
	linger = time.Second
	// abandonAfter bounds how long Close waits for a writer stuck past linger
	abandonAfter = 2 * time.Second
)

func init() {
	transport.Register(DriverName, transport.Driver{
		Outbound: func(ctx context.Context, opts transport.Options, ep transport.Endpoint) (transport.Outbound, error) {
			return NewPush(ctx, opts, ep)
		},
		Inbound: func(ctx context.Context, opts transport.Options, ep transport.Endpoint) (transport.Inbound, error) {
			return NewPull(ctx, opts, ep)
		},
	})
}

func socketOptions(opts transport.Options) []zmq4.Option {
	retries := int(opts.DialTimeoutOrDefault() / dialRetry)
	if retries < 1 {
		retries = 1
	}
	return []zmq4.Option{
		zmq4.WithLogger(zap.NewStdLog(opts.Log().Named("zmq4"))),
		zmq4.WithDialerRetry(dialRetry),
		zmq4.WithDialerMaxRetries(retries),
	}
}

func attach(sock zmq4.Socket, ep transport.Endpoint) error {
	if ep.Bind {
		if err := sock.Listen(ep.Address); err != nil {
			return fmt.Errorf("zmq bind %s: %w: %v", ep.Address, transport.ErrConnectionRefused, err)
		}
		return nil
	}
	if err := sock.Dial(ep.Address); err != nil {
		return fmt.Errorf("zmq connect %s: %w: %v", ep.Address, transport.ErrConnectionRefused, err)
	}
	return nil
}

// Push is the outbound side. Send enqueues into a queue of HWM capacity that a
// writer goroutine drains into the socket.
type Push struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
	addr   string
	logger *zap.Logger

	queue  chan []byte
	done   chan struct{}
	exited chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	sent      atomic.Int64
	failed    atomic.Int64
}

// NewPush opens a PUSH socket on ep
func NewPush(_ context.Context, opts transport.Options, ep transport.Endpoint) (*Push, error) {
	sockCtx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewPush(sockCtx, socketOptions(opts)...)
	if err := attach(sock, ep); err != nil {
		_ = sock.Close()
		cancel()
		return nil, err
	}

	p := &Push{
		sock:   sock,
		cancel: cancel,
		addr:   ep.Address,
		logger: opts.Log().With(zap.String("driver", DriverName), zap.String("addr", ep.Address)),
		queue:  make(chan []byte, opts.HWM()),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	p.logger.Info("push socket ready", zap.Bool("bind", ep.Bind), zap.Int("hwm", opts.HWM()))
	go p.writeLoop()
	return p, nil
}

// Send implements transport.Outbound
func (p *Push) Send(ctx context.Context, payload []byte) error {
	if p.closed.Load() {
		return transport.ErrClosed
	}

	msg := append([]byte(nil), payload...)
	select {
	case p.queue <- msg:
		return nil
	default:
	}

	select {
	case p.queue <- msg:
		return nil
	case <-p.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("zmq push %s: %w", p.addr, transport.ErrBackpressure)
	}
}

func (p *Push) writeLoop() {
	defer close(p.exited)

	for {
		select {
		case msg := <-p.queue:
			p.write(msg)
		case <-p.done:
			p.flush()
			return
		}
	}
}

func (p *Push) flush() {
	deadline := time.Now().Add(linger)
	for time.Now().Before(deadline) {
		select {
		case msg := <-p.queue:
			p.write(msg)
		default:
			return
		}
	}
	if n := len(p.queue); n > 0 {
		p.logger.Warn("dropping unsent messages on close", zap.Int("pending", n))
	}
}

func (p *Push) write(msg []byte) {
	if err := p.sock.Send(zmq4.NewMsg(msg)); err != nil {
		p.failed.Add(1)
		p.logger.Error("zmq send failed", zap.Error(err))
		return
	}
	p.sent.Add(1)
}

// Close implements transport.Outbound
func (p *Push) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)

		// a send blocked on a missing peer only returns once the socket context is cancelled
		abort := time.AfterFunc(linger, p.cancel)
		select {
		case <-p.exited:
		case <-time.After(linger + abandonAfter):
			p.logger.Warn("writer still blocked after linger, abandoning it")
		}
		abort.Stop()

		err = p.sock.Close()
		p.cancel()
		p.logger.Info("push socket closed",
			zap.Int64("sent", p.sent.Load()),
			zap.Int64("failed", p.failed.Load()),
		)
	})
	return err
}

// Pull is the inbound side. A reader goroutine moves received messages into a
// buffer of HWM capacity; Poll and Receive read from that buffer.
type Pull struct {
	*transport.PolledInbound
}

type pullFetcher struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
	logger *zap.Logger

	buf    chan []byte
	errs   chan error
	done   chan struct{}
	exited chan struct{}
	closed atomic.Bool
}

// NewPull opens a PULL socket on ep
func NewPull(_ context.Context, opts transport.Options, ep transport.Endpoint) (*Pull, error) {
	sockCtx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewPull(sockCtx, socketOptions(opts)...)
	if err := attach(sock, ep); err != nil {
		_ = sock.Close()
		cancel()
		return nil, err
	}

	f := &pullFetcher{
		sock:   sock,
		cancel: cancel,
		logger: opts.Log().With(zap.String("driver", DriverName), zap.String("addr", ep.Address)),
		buf:    make(chan []byte, opts.HWM()),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	f.logger.Info("pull socket ready", zap.Bool("bind", ep.Bind), zap.Int("hwm", opts.HWM()))
	go f.readLoop()
	return &Pull{PolledInbound: transport.NewPolledInbound(f)}, nil
}

func (f *pullFetcher) readLoop() {
	defer close(f.exited)

	for {
		msg, err := f.sock.Recv()
		if err != nil {
			if f.closed.Load() {
				return
			}
			select {
			case f.errs <- err:
			default:
			}
			select {
			case <-f.done:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		select {
		case f.buf <- msg.Bytes():
		case <-f.done:
			return
		}
	}
}

func (f *pullFetcher) Fetch(ctx context.Context, timeout time.Duration) ([][]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-f.buf:
		batch := [][]byte{msg}
	drain:
		for len(batch) < cap(f.buf) {
			select {
			case more := <-f.buf:
				batch = append(batch, more)
			default:
				break drain
			}
		}
		return batch, nil
	case err := <-f.errs:
		return nil, fmt.Errorf("zmq recv: %w", err)
	case <-f.done:
		return nil, transport.ErrClosed
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (f *pullFetcher) Close() error {
	f.closed.Store(true)
	close(f.done)
	err := f.sock.Close()
	f.cancel()
	<-f.exited
	return err
}
