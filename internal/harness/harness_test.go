package harness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ismaiel54/exchange-tester/internal/exchangesim"
	"github.com/ismaiel54/exchange-tester/internal/msg"
	"github.com/ismaiel54/exchange-tester/internal/transport"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.PollTimeout = 10 * time.Millisecond
	opts.StartupGrace = 5 * time.Millisecond
	opts.JoinTimeout = time.Second
	opts.SendTimeout = time.Second
	return opts
}

type rig struct {
	h         *Harness
	sim       *exchangesim.Simulator
	responses transport.Outbound
}

// newRig connects a harness to a simulator over an in-memory hub
func newRig(t *testing.T, opts Options, simOpts exchangesim.Options) *rig {
	t.Helper()
	ctx := context.Background()
	topts := transport.Options{Driver: transport.MemoryDriver, HighWaterMark: 1024, Hub: transport.NewHub()}

	open := func(ep string, inbound bool) any {
		if inbound {
			in, err := transport.OpenInbound(ctx, topts, transport.Endpoint{Address: ep, Bind: true})
			require.NoError(t, err)
			return in
		}
		out, err := transport.OpenOutbound(ctx, topts, transport.Endpoint{Address: ep})
		require.NoError(t, err)
		return out
	}

	orderOut := open("orders", false).(transport.Outbound)
	orderIn := open("orders", true).(transport.Inbound)
	respOut := open("responses", false).(transport.Outbound)
	respIn := open("responses", true).(transport.Inbound)
	injector := open("responses", false).(transport.Outbound)

	simOpts.PollTimeout = 5 * time.Millisecond
	sim := exchangesim.New(orderIn, respOut, simOpts, nil)
	simCtx, cancel := context.WithCancel(ctx)
	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		_ = sim.Run(simCtx)
	}()

	h := New(orderOut, respIn, opts, nil)
	t.Cleanup(func() {
		_ = h.Stop()
		cancel()
		<-simDone
		_ = orderIn.Close()
		_ = respOut.Close()
		_ = injector.Close()
	})

	return &rig{h: h, sim: sim, responses: injector}
}

func waitForTotal(t *testing.T, h *Harness, total uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Stats().Total >= total }, 5*time.Second, 5*time.Millisecond)
}

func TestValidOrdersAreAcked(t *testing.T) {
	r := newRig(t, testOptions(), exchangesim.Options{})

	require.NoError(t, r.h.StartListening())
	report := r.h.SendValid(context.Background(), 10)
	assert.Equal(t, SendReport{Requested: 10, Sent: 10}, report)

	waitForTotal(t, r.h, 10)
	require.NoError(t, r.h.Stop())

	final := r.h.Stats()
	assert.Equal(t, uint64(10), final.Total)
	assert.Equal(t, uint64(10), final.Acks)
	assert.Zero(t, final.Rejects)
	assert.Zero(t, final.DecodeErrors)
	assert.True(t, final.Consistent())
	assert.Equal(t, uint64(10), r.sim.Stats().Received)
}

func TestGarbageOrdersAreRejected(t *testing.T) {
	opts := testOptions()
	opts.InvalidPayloads = [][]byte{[]byte(`{"header":{"type":1},"body":{"garbage":true}}`)}
	r := newRig(t, opts, exchangesim.Options{})

	require.NoError(t, r.h.StartListening())
	report := r.h.SendInvalid(context.Background(), 10)
	assert.Equal(t, 10, report.Sent)

	waitForTotal(t, r.h, 10)
	require.NoError(t, r.h.Stop())

	final := r.h.Stats()
	assert.Equal(t, uint64(10), final.Rejects)
	assert.Zero(t, final.Acks)
	assert.True(t, final.Consistent())
}

func TestInvalidRotationIsRejected(t *testing.T) {
	r := newRig(t, testOptions(), exchangesim.Options{})

	require.NoError(t, r.h.StartListening())
	report := r.h.SendInvalid(context.Background(), 10)
	assert.Equal(t, 10, report.Sent)
	assert.NoError(t, report.Err)

	waitForTotal(t, r.h, 10)
	assert.Equal(t, uint64(10), r.h.Stats().Rejects)
}

func TestMixedBatches(t *testing.T) {
	r := newRig(t, testOptions(), exchangesim.Options{FillEvery: 5})

	require.NoError(t, r.h.StartListening())
	r.h.SendValid(context.Background(), 10)
	r.h.SendInvalid(context.Background(), 5)

	waitForTotal(t, r.h, 17)
	require.NoError(t, r.h.Stop())

	final := r.h.Stats()
	assert.Equal(t, Counters{Total: 17, Acks: 10, Rejects: 5, Fills: 2}, final)
}

func TestStartTwice(t *testing.T) {
	r := newRig(t, testOptions(), exchangesim.Options{})

	require.NoError(t, r.h.StartListening())
	assert.ErrorIs(t, r.h.StartListening(), ErrAlreadyRunning)
	assert.True(t, r.h.Running())

	r.h.SendValid(context.Background(), 5)
	waitForTotal(t, r.h, 5)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.h.Stop())

	assert.Equal(t, uint64(5), r.h.Stats().Total, "responses counted once")
}

func TestZeroSendsImmediateStop(t *testing.T) {
	r := newRig(t, testOptions(), exchangesim.Options{})

	require.NoError(t, r.h.StartListening())
	report := r.h.SendValid(context.Background(), 0)
	assert.Equal(t, SendReport{}, report)

	done := make(chan error, 1)
	go func() { done <- r.h.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stop deadlocked")
	}
	assert.Equal(t, Counters{}, r.h.Stats())
	assert.Equal(t, StateStopped, r.h.DrainState())
}

func TestMalformedResponseDoesNotStopLoop(t *testing.T) {
	r := newRig(t, testOptions(), exchangesim.Options{})
	ctx := context.Background()

	require.NoError(t, r.h.StartListening())
	require.NoError(t, r.responses.Send(ctx, []byte("\x00not json")))
	require.NoError(t, r.responses.Send(ctx, []byte(`{"body":{}}`)))
	require.NoError(t, r.responses.Send(ctx, []byte(`{"header":{"version":1,"type":100,"seq":1,"client_id":55},"body":{"client_order_id":20001,"order_id":1,"symbol":"AAPL"}}`)))

	waitForTotal(t, r.h, 1)
	stats := r.h.Stats()
	assert.Equal(t, uint64(2), stats.DecodeErrors)
	assert.Equal(t, uint64(1), stats.Acks)
	assert.Equal(t, uint64(1), stats.Total, "decode errors are not part of total")
}

func TestUnknownTypesAreCounted(t *testing.T) {
	r := newRig(t, testOptions(), exchangesim.Options{})
	ctx := context.Background()

	require.NoError(t, r.h.StartListening())
	require.NoError(t, r.responses.Send(ctx, []byte(`{"header":{"type":900},"body":{}}`)))
	require.NoError(t, r.responses.Send(ctx, []byte(`{"header":{"type":0}}`)))

	waitForTotal(t, r.h, 2)
	assert.Equal(t, Counters{Total: 2, Unknown: 2}, r.h.Stats())
}

func TestStopOnFirstFill(t *testing.T) {
	opts := testOptions()
	opts.StopOnFirstFill = true
	r := newRig(t, opts, exchangesim.Options{})
	ctx := context.Background()

	require.NoError(t, r.h.StartListening())
	require.NoError(t, r.responses.Send(ctx, []byte(`{"header":{"type":102},"body":{"order_id":1,"symbol":"AAPL","side":1,"fill_qty":100,"fill_price":15000,"complete":true}}`)))

	require.Eventually(t, func() bool { return r.h.DrainState() == StateStopped }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Counters{Total: 1, Fills: 1}, r.h.Stats())

	require.NoError(t, r.responses.Send(ctx, []byte(`{"header":{"type":100},"body":{}}`)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, uint64(1), r.h.Stats().Total, "stopped loop does not count")

	require.NoError(t, r.h.StartListening(), "a loop that stopped itself can be restarted")
	waitForTotal(t, r.h, 2)
	assert.Equal(t, uint64(1), r.h.Stats().Acks)
}

type mockOutbound struct {
	mock.Mock
}

func (m *mockOutbound) Send(ctx context.Context, payload []byte) error {
	return m.Called(ctx, payload).Error(0)
}

func (m *mockOutbound) Close() error {
	return m.Called().Error(0)
}

// idleInbound never has a message. Poll ignores ctx when stubborn is set.
type idleInbound struct {
	closed   atomic.Int32
	stubborn time.Duration
}

func (i *idleInbound) Poll(ctx context.Context, timeout time.Duration) (bool, error) {
	if i.stubborn > 0 {
		time.Sleep(i.stubborn)
		return false, nil
	}
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
	return false, nil
}

func (i *idleInbound) Receive(context.Context) ([]byte, error) { return nil, transport.ErrTimeout }

func (i *idleInbound) Close() error {
	i.closed.Add(1)
	return nil
}

func TestStopWithoutStart(t *testing.T) {
	out := &mockOutbound{}
	out.On("Close").Return(nil).Once()
	in := &idleInbound{}

	h := New(out, in, testOptions(), nil)
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop(), "stop is idempotent")

	out.AssertExpectations(t)
	assert.Equal(t, int32(1), in.closed.Load())
	assert.ErrorIs(t, h.StartListening(), ErrStopped)
	assert.Equal(t, StateStopped, h.DrainState())
}

func TestStopJoinTimeoutStillCleansUp(t *testing.T) {
	out := &mockOutbound{}
	out.On("Close").Return(nil).Once()
	in := &idleInbound{stubborn: 300 * time.Millisecond}

	opts := testOptions()
	opts.JoinTimeout = 20 * time.Millisecond
	h := New(out, in, opts, nil)

	require.NoError(t, h.StartListening())
	err := h.Stop()
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.ErrorIs(t, h.Stop(), ErrJoinTimeout, "second stop returns the first result")

	out.AssertExpectations(t)
	assert.Equal(t, int32(1), in.closed.Load())
}

func TestStopReportsCloseErrors(t *testing.T) {
	boom := errors.New("socket busy")
	out := &mockOutbound{}
	out.On("Close").Return(boom)

	h := New(out, &idleInbound{}, testOptions(), nil)
	assert.ErrorIs(t, h.Stop(), boom)
}

func TestSendPartialFailure(t *testing.T) {
	boom := errors.New("queue full")
	out := &mockOutbound{}
	out.On("Send", mock.Anything, mock.Anything).Return(nil).Times(3)
	out.On("Send", mock.Anything, mock.Anything).Return(boom)
	out.On("Close").Return(nil)

	h := New(out, &idleInbound{}, testOptions(), nil)
	defer h.Stop()

	report := h.SendValid(context.Background(), 10)
	assert.Equal(t, 10, report.Requested)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 7, report.Failed)
	assert.ErrorIs(t, report.Err, boom)
	out.AssertNumberOfCalls(t, "Send", 10)
}

func TestSendCancelledContext(t *testing.T) {
	out := &mockOutbound{}
	out.On("Close").Return(nil)
	h := New(out, &idleInbound{}, testOptions(), nil)
	defer h.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := h.SendInvalid(ctx, 4)
	assert.Equal(t, SendReport{Requested: 4, Failed: 4, Err: report.Err}, report)
	assert.ErrorIs(t, report.Err, context.Canceled)
	out.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestSendAfterStop(t *testing.T) {
	out := &mockOutbound{}
	out.On("Close").Return(nil)
	h := New(out, &idleInbound{}, testOptions(), nil)
	require.NoError(t, h.Stop())

	report := h.SendValid(context.Background(), 2)
	assert.Equal(t, 2, report.Failed)
	assert.ErrorIs(t, report.Err, ErrStopped)
	assert.ErrorIs(t, h.SendOrder(context.Background(), msg.OrderMessage{}), ErrStopped)
}

func TestSendOrderFillsHeader(t *testing.T) {
	var sent [][]byte
	out := &mockOutbound{}
	out.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = append(sent, args.Get(1).([]byte))
	}).Return(nil)
	out.On("Close").Return(nil)

	h := New(out, &idleInbound{}, testOptions(), nil)
	defer h.Stop()

	require.NoError(t, h.SendOrder(context.Background(), msg.OrderMessage{Body: msg.NewOrderBody{Symbol: "MSFT", Side: msg.SideSell, OrdType: msg.OrdTypeMarket, Qty: 1}}))
	require.NoError(t, h.SendCancel(context.Background(), h.NewCancel("MSFT", 4)))
	require.Len(t, sent, 2)

	order, err := msg.DecodeOrder(sent[0])
	require.NoError(t, err)
	assert.Equal(t, msg.Header{Version: msg.ProtocolVersion, Type: msg.MsgTypeNewOrder, Seq: 1, ClientID: 55}, order.Header)

	cancel, err := msg.DecodeCancel(sent[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cancel.Header.Seq)
	assert.Equal(t, uint64(4), cancel.Body.OrderID)
}

func TestValidOrdersVary(t *testing.T) {
	h := New(&mockOutbound{}, &idleInbound{}, testOptions(), nil)

	symbols := map[string]bool{}
	sides := map[msg.Side]bool{}
	for i := 0; i < 200; i++ {
		o := h.nextValidOrder()
		assert.Equal(t, uint64(clientOrderIDBase)+o.Header.Seq, o.Body.ClientOrderID)
		assert.Equal(t, uint64(55), o.Header.ClientID)
		assert.NotZero(t, o.Body.Qty)
		symbols[o.Body.Symbol] = true
		sides[o.Body.Side] = true
	}
	assert.Len(t, symbols, len(DefaultSymbols))
	assert.Len(t, sides, 2)
}

func TestInvalidPayloadRotation(t *testing.T) {
	h := New(&mockOutbound{}, &idleInbound{}, testOptions(), nil)

	for i := 0; i < invalidKinds; i++ {
		payload, err := h.invalidPayload(i)
		require.NoError(t, err)

		order, err := msg.DecodeOrder(payload)
		if i == 3 {
			require.NoError(t, err)
			assert.Zero(t, order.Body.Qty)
			continue
		}
		assert.Error(t, err, "payload %d: %s", i, payload)
	}

	custom := New(&mockOutbound{}, &idleInbound{}, Options{InvalidPayloads: [][]byte{[]byte("x"), []byte("y")}}, nil)
	third, err := custom.invalidPayload(2)
	require.NoError(t, err)
	assert.Equal(t, "x", string(third))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	opts := testOptions()
	opts.Metrics = m
	r := newRig(t, opts, exchangesim.Options{})

	require.NoError(t, r.h.StartListening())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.drainRunning))

	r.h.SendValid(context.Background(), 3)
	require.NoError(t, r.responses.Send(context.Background(), []byte("nope")))
	waitForTotal(t, r.h, 3)
	require.Eventually(t, func() bool { return r.h.Stats().DecodeErrors == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.h.Stop())

	assert.Equal(t, float64(3), testutil.ToFloat64(m.responsesTotal.WithLabelValues("ack")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decodeErrorsTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.sendsTotal.WithLabelValues("valid", "ok")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.drainRunning))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.response(KindAck) })
}

func TestConcurrentCountersStayConsistent(t *testing.T) {
	var tl tally
	var wg sync.WaitGroup
	stop := make(chan struct{})

	inconsistent := atomic.Int32{}
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if !tl.snapshot().Consistent() {
					inconsistent.Add(1)
				}
			}
		}
	}()

	kinds := []ResponseKind{KindAck, KindReject, KindFill, KindUnknown}
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tl.record(kinds[(w+i)%len(kinds)])
				if i%10 == 0 {
					tl.recordDecodeError()
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)

	final := tl.seal()
	assert.Zero(t, inconsistent.Load())
	assert.Equal(t, uint64(8000), final.Total)
	assert.Equal(t, uint64(800), final.DecodeErrors)
	assert.True(t, final.Consistent())

	assert.False(t, tl.record(KindAck), "sealed tally rejects updates")
	assert.Equal(t, final, tl.snapshot())
}

func TestClassify(t *testing.T) {
	tests := map[msg.MsgType]ResponseKind{
		msg.MsgTypeAck:       KindAck,
		msg.MsgTypeReject:    KindReject,
		msg.MsgTypeFill:      KindFill,
		msg.MsgTypeUnknown:   KindUnknown,
		msg.MsgTypeHeartbeat: KindUnknown,
		msg.MsgTypeNewOrder:  KindUnknown,
		msg.MsgType(999):     KindUnknown,
	}
	for typ, want := range tests {
		assert.Equal(t, want, Classify(msg.ResponseMessage{Header: msg.Header{Type: typ}}), "type %s", typ)
	}
	assert.Equal(t, "fill", KindFill.String())
}

type inboundStep struct {
	pollErr    error
	receiveErr error
	data       []byte
}

// scriptedInbound replays steps in order, then reports ErrClosed
type scriptedInbound struct {
	mu      sync.Mutex
	steps   []inboundStep
	current *inboundStep
}

func (s *scriptedInbound) Poll(context.Context, time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return false, transport.ErrClosed
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.pollErr != nil {
		return false, step.pollErr
	}
	s.current = &step
	return true, nil
}

func (s *scriptedInbound) Receive(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := s.current
	s.current = nil
	if step == nil {
		return nil, transport.ErrTimeout
	}
	return step.data, step.receiveErr
}

func (s *scriptedInbound) Close() error { return nil }

func TestDrainSurvivesTransportErrorsAndExitsOnClosed(t *testing.T) {
	ack, err := msg.Encode(msg.ResponseMessage{
		Header: msg.Header{Version: 1, Type: msg.MsgTypeAck, Seq: 1, ClientID: 55},
		Ack:    &msg.AckBody{ClientOrderID: 20001, OrderID: 1, Symbol: "AAPL"},
	})
	require.NoError(t, err)

	in := &scriptedInbound{steps: []inboundStep{
		{pollErr: errors.New("link down")},
		{data: ack},
		{receiveErr: errors.New("frame lost")},
		{data: ack},
	}}

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	out := &mockOutbound{}
	out.On("Close").Return(nil).Once()
	opts := testOptions()
	opts.Metrics = m
	h := New(out, in, opts, nil)

	require.NoError(t, h.StartListening())
	require.Eventually(t, func() bool { return h.DrainState() == StateStopped }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, h.Running())
	assert.Equal(t, Counters{Total: 2, Acks: 2}, h.Stats())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transportErrorsTotal.WithLabelValues("poll")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transportErrorsTotal.WithLabelValues("receive")))

	require.NoError(t, h.Stop())
	out.AssertExpectations(t)
}

func TestStateReadableDuringStop(t *testing.T) {
	out := &mockOutbound{}
	out.On("Close").Return(nil).Once()
	in := &idleInbound{stubborn: time.Second}

	opts := testOptions()
	opts.JoinTimeout = 500 * time.Millisecond
	h := New(out, in, opts, nil)
	require.NoError(t, h.StartListening())

	first := make(chan error, 1)
	go func() { first <- h.Stop() }()
	require.Eventually(t, func() bool { return h.DrainState() == StateStopping }, time.Second, time.Millisecond)

	start := time.Now()
	assert.False(t, h.Running())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.ErrorIs(t, h.Stop(), ErrJoinTimeout, "a concurrent stop waits for the first one")
	assert.ErrorIs(t, <-first, ErrJoinTimeout)
	out.AssertExpectations(t)
}
