package harness

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ismaiel54/exchange-tester/internal/msg"
	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// DrainState is the lifecycle state of a drain loop
type DrainState int32

const (
	StateIdle DrainState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s DrainState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

const maxLoggedPayload = 256

// drainLoop polls the inbound channel until cancelled. One instance runs once.
type drainLoop struct {
	in      transport.Inbound
	tally   *tally
	metrics *Metrics
	logger  *zap.Logger

	pollTimeout     time.Duration
	statsInterval   time.Duration
	stopOnFirstFill bool

	state   atomic.Int32
	cancel  context.CancelFunc
	started chan struct{}
	done    chan struct{}
}

func newDrainLoop(in transport.Inbound, t *tally, opts Options, logger *zap.Logger) *drainLoop {
	return &drainLoop{
		in:              in,
		tally:           t,
		metrics:         opts.Metrics,
		logger:          logger,
		pollTimeout:     opts.PollTimeout,
		statsInterval:   opts.StatsInterval,
		stopOnFirstFill: opts.StopOnFirstFill,
		started:         make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (d *drainLoop) State() DrainState {
	return DrainState(d.state.Load())
}

func (d *drainLoop) active() bool {
	s := d.State()
	return s == StateRunning || s == StateStopping
}

// start launches the goroutine and returns once it is scheduled
func (d *drainLoop) start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.state.Store(int32(StateRunning))
	go d.run(ctx)
	<-d.started
}

// stop cancels the loop and waits up to timeout for it to exit
func (d *drainLoop) stop(timeout time.Duration) error {
	d.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	d.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-d.done:
		return nil
	case <-timer.C:
		return ErrJoinTimeout
	}
}

func (d *drainLoop) run(ctx context.Context) {
	d.metrics.setRunning(true)
	close(d.started)
	d.logger.Info("drain loop started", zap.Duration("poll_timeout", d.pollTimeout))

	defer func() {
		d.state.Store(int32(StateStopped))
		d.metrics.setRunning(false)
		d.logger.Info("drain loop stopped")
		close(d.done)
	}()

	lastStats := time.Now()
	for ctx.Err() == nil {
		if d.statsInterval > 0 && time.Since(lastStats) >= d.statsInterval {
			d.logStats()
			lastStats = time.Now()
		}

		ready, err := d.in.Poll(ctx, d.pollTimeout)
		if err != nil {
			if d.transportFailed(ctx, "poll", err) {
				return
			}
			continue
		}
		if !ready {
			continue
		}

		data, err := d.in.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if d.transportFailed(ctx, "receive", err) {
				return
			}
			continue
		}

		if d.handle(data) {
			return
		}
	}
}

// transportFailed logs err and reports whether the loop should exit.
// Otherwise it waits one poll interval so a broken transport cannot spin.
func (d *drainLoop) transportFailed(ctx context.Context, op string, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, transport.ErrClosed) {
		d.logger.Info("inbound closed, draining stops", zap.String("op", op))
		return true
	}

	d.metrics.transportError(op)
	d.logger.Error("transport error", zap.String("op", op), zap.Error(err))

	timer := time.NewTimer(d.pollTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// handle decodes and counts one payload; it returns true when the loop should exit
func (d *drainLoop) handle(data []byte) bool {
	resp, err := msg.DecodeResponse(data)
	if err != nil {
		if d.tally.recordDecodeError() {
			d.metrics.decodeError()
		}
		d.logger.Warn("failed to decode response",
			zap.Error(err),
			zap.ByteString("payload", truncate(data)),
		)
		return false
	}

	kind := Classify(resp)
	if !d.tally.record(kind) {
		return true
	}
	d.metrics.response(kind)

	if ce := d.logger.Check(zap.DebugLevel, "response"); ce != nil {
		ce.Write(
			zap.Stringer("kind", kind),
			zap.Stringer("type", resp.Header.Type),
			zap.Uint64("seq", resp.Header.Seq),
		)
	}
	if kind == KindReject && resp.Reject != nil {
		d.logger.Debug("order rejected",
			zap.Uint64("client_order_id", resp.Reject.ClientOrderID),
			zap.String("reason", resp.Reject.Info.Reason),
			zap.Int("code", resp.Reject.Info.Code),
		)
	}

	if kind == KindFill && d.stopOnFirstFill {
		d.logger.Info("fill received, stopping drain loop")
		return true
	}
	return false
}

func (d *drainLoop) logStats() {
	c := d.tally.snapshot()
	d.logger.Info("harness stats",
		zap.Uint64("total", c.Total),
		zap.Uint64("acks", c.Acks),
		zap.Uint64("rejects", c.Rejects),
		zap.Uint64("fills", c.Fills),
		zap.Uint64("unknown", c.Unknown),
		zap.Uint64("decode_errors", c.DecodeErrors),
	)
}

func truncate(data []byte) []byte {
	if len(data) > maxLoggedPayload {
		return data[:maxLoggedPayload]
	}
	return data
}
