// Package harness drives an exchange over a pair of transport endpoints: it
// sends order batches on the outbound channel while a background drain loop
// classifies and counts the responses arriving on the inbound channel.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ismaiel54/exchange-tester/internal/msg"
	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// Options configure a Harness. Zero values take the defaults of DefaultOptions.
type Options struct {
	ClientID        uint64
	PollTimeout     time.Duration
	StartupGrace    time.Duration
	JoinTimeout     time.Duration
	SendTimeout     time.Duration
	StatsInterval   time.Duration
	StopOnFirstFill bool
	Seed            uint64

	// Symbols used by SendValid
	Symbols []string
	// InvalidPayloads replaces the built-in malformed payload rotation of SendInvalid
	InvalidPayloads [][]byte

	Metrics *Metrics
}

// DefaultSymbols are the instruments SendValid draws from
var DefaultSymbols = []string{"AAPL", "TSLA", "GOOG", "MSFT"}

// DefaultOptions returns the stock configuration
func DefaultOptions() Options {
	return Options{
		ClientID:     55,
		PollTimeout:  100 * time.Millisecond,
		StartupGrace: 500 * time.Millisecond,
		JoinTimeout:  2 * time.Second,
		SendTimeout:  5 * time.Second,
		Seed:         42,
		Symbols:      DefaultSymbols,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ClientID == 0 {
		o.ClientID = def.ClientID
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.StartupGrace < 0 {
		o.StartupGrace = 0
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = def.JoinTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = def.SendTimeout
	}
	if len(o.Symbols) == 0 {
		o.Symbols = def.Symbols
	}
	return o
}

// SendReport summarizes one batch. Err joins the first failures.
type SendReport struct {
	Requested int
	Sent      int
	Failed    int
	Err       error
}

const maxReportedErrors = 5

func (r *SendReport) add(err error) {
	if err == nil {
		r.Sent++
		return
	}
	r.Failed++
	if r.Failed <= maxReportedErrors {
		r.Err = errors.Join(r.Err, err)
	}
}

// Harness owns both endpoints, the counters and the drain loop
type Harness struct {
	out    transport.Outbound
	in     transport.Inbound
	opts   Options
	logger *zap.Logger

	tally tally
	seq   atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	loop     *drainLoop
	stopped  bool
	stopDone chan struct{}
	stopErr  error
}

// New creates a harness over out and in. The harness takes ownership of both.
func New(out transport.Outbound, in transport.Inbound, opts Options, logger *zap.Logger) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	return &Harness{
		out:    out,
		in:     in,
		opts:   opts,
		logger: logger,
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// StartListening starts the drain loop, then waits for the start-up grace period.
// It returns ErrAlreadyRunning if a loop is active.
func (h *Harness) StartListening() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrStopped
	}
	if h.loop != nil && h.loop.active() {
		h.mu.Unlock()
		h.logger.Warn("start ignored", zap.Error(ErrAlreadyRunning))
		return ErrAlreadyRunning
	}

	loop := newDrainLoop(h.in, &h.tally, h.opts, h.logger.Named("drain"))
	loop.start()
	h.loop = loop
	h.mu.Unlock()

	if h.opts.StartupGrace > 0 {
		time.Sleep(h.opts.StartupGrace)
	}
	h.logger.Info("listening for responses")
	return nil
}

// Running reports whether a drain loop is active
func (h *Harness) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loop != nil && h.loop.State() == StateRunning
}

// DrainState returns the state of the current drain loop
func (h *Harness) DrainState() DrainState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loop == nil {
		if h.stopped {
			return StateStopped
		}
		return StateIdle
	}
	return h.loop.State()
}

// Stop cancels the drain loop, waits up to JoinTimeout for it, seals the
// counters and closes both endpoints. Cleanup happens even if the join times
// out. Calling Stop again waits for and returns the first result.
func (h *Harness) Stop() error {
	h.mu.Lock()
	if h.stopped {
		done := h.stopDone
		h.mu.Unlock()
		<-done
		return h.stopErr
	}
	h.stopped = true
	h.stopDone = make(chan struct{})
	loop := h.loop
	h.mu.Unlock()
	defer close(h.stopDone)

	var errs []error
	if loop == nil {
		h.logger.Warn("stop without start", zap.Error(ErrNotRunning))
	} else if err := loop.stop(h.opts.JoinTimeout); err != nil {
		h.logger.Error("drain loop join failed",
			zap.Duration("join_timeout", h.opts.JoinTimeout),
			zap.Error(err),
		)
		errs = append(errs, err)
	}

	final := h.tally.seal()

	if err := h.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close outbound: %w", err))
	}
	if err := h.in.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close inbound: %w", err))
	}

	h.logger.Info("harness stopped",
		zap.Uint64("total", final.Total),
		zap.Uint64("acks", final.Acks),
		zap.Uint64("rejects", final.Rejects),
		zap.Uint64("fills", final.Fills),
		zap.Uint64("unknown", final.Unknown),
		zap.Uint64("decode_errors", final.DecodeErrors),
	)

	h.stopErr = errors.Join(errs...)
	return h.stopErr
}

// Stats returns a consistent snapshot of the counters
func (h *Harness) Stats() Counters {
	return h.tally.snapshot()
}

func (h *Harness) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// SendValid sends n well-formed orders
func (h *Harness) SendValid(ctx context.Context, n int) SendReport {
	report := h.sendBatch(ctx, "valid", n, func(int) ([]byte, error) {
		return msg.Encode(h.nextValidOrder())
	})
	h.logger.Info("sent valid orders",
		zap.Int("requested", report.Requested),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
	return report
}

// SendInvalid sends n malformed or incomplete payloads
func (h *Harness) SendInvalid(ctx context.Context, n int) SendReport {
	report := h.sendBatch(ctx, "invalid", n, h.invalidPayload)
	h.logger.Info("sent invalid payloads",
		zap.Int("requested", report.Requested),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
	return report
}

func (h *Harness) sendBatch(ctx context.Context, batch string, n int, payload func(i int) ([]byte, error)) SendReport {
	report := SendReport{Requested: max(n, 0)}
	if h.isStopped() {
		report.Failed = report.Requested
		if n > 0 {
			report.Err = ErrStopped
		}
		return report
	}

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			remaining := n - i
			report.Failed += remaining
			report.Err = errors.Join(report.Err, fmt.Errorf("%d sends skipped: %w", remaining, err))
			break
		}

		data, err := payload(i)
		if err == nil {
			err = h.send(ctx, data)
		}
		h.opts.Metrics.send(batch, err)
		if err != nil {
			h.logger.Warn("send failed", zap.String("batch", batch), zap.Int("index", i), zap.Error(err))
		}
		report.add(err)
	}

	if report.Failed > maxReportedErrors {
		report.Err = errors.Join(report.Err, fmt.Errorf("%d more send errors not shown", report.Failed-maxReportedErrors))
	}
	return report
}

func (h *Harness) send(ctx context.Context, data []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, h.opts.SendTimeout)
	defer cancel()
	return h.out.Send(sendCtx, data)
}

// SendOrder sends one caller-built order. A zero header is filled in.
func (h *Harness) SendOrder(ctx context.Context, order msg.OrderMessage) error {
	if order.Header == (msg.Header{}) {
		order.Header = h.nextHeader(msg.MsgTypeNewOrder)
	}
	return h.sendMessage(ctx, "order", order)
}

// SendCancel sends one caller-built cancel. A zero header is filled in.
func (h *Harness) SendCancel(ctx context.Context, cancel msg.CancelMessage) error {
	if cancel.Header == (msg.Header{}) {
		cancel.Header = h.nextHeader(msg.MsgTypeCancel)
	}
	return h.sendMessage(ctx, "cancel", cancel)
}

func (h *Harness) sendMessage(ctx context.Context, batch string, m msg.Message) error {
	if h.isStopped() {
		return ErrStopped
	}
	data, err := msg.Encode(m)
	if err == nil {
		err = h.send(ctx, data)
	}
	h.opts.Metrics.send(batch, err)
	return err
}
