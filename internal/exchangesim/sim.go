// Package exchangesim is a stand-in exchange: it reads order requests and
// answers them the way the exchange's request router does. It has no book and
// never matches; fills are produced only by the FillEvery policy.
package exchangesim

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ismaiel54/exchange-tester/internal/msg"
	"github.com/ismaiel54/exchange-tester/internal/transport"
)

// Reject reasons and codes sent by the router
const (
	ReasonInvalidQuantity = "Invalid Quantity"
	ReasonInvalidJSON     = "Invalid JSON format"
	ReasonMissingEnvelope = "Malformed JSON: Missing header/body"
	ReasonUnknownType     = "Unknown Message Type"
	ReasonInvalidRequest  = "Invalid Request Data"

	CodeInvalidQuantity = 101
	CodeBadRequest      = 400

	// UnknownSymbol is the symbol of rejects for requests that could not be decoded
	UnknownSymbol = "UNKNOWN"
)

const replyTimeout = 5 * time.Second

// Options configure a Simulator
type Options struct {
	PollTimeout time.Duration
	// FillEvery emits a complete Fill after every Nth ack; zero disables fills
	FillEvery int
	// FirstOrderID is the first exchange order id handed out
	FirstOrderID uint64
}

// Stats counts what the simulator received and answered
type Stats struct {
	Received uint64 `json:"received"`
	Acks     uint64 `json:"acks"`
	Rejects  uint64 `json:"rejects"`
	Fills    uint64 `json:"fills"`
	Cancels  uint64 `json:"cancels"`
	Failed   uint64 `json:"failed"`
}

// Simulator reads requests from in and writes responses to out
type Simulator struct {
	in     transport.Inbound
	out    transport.Outbound
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	stats       Stats
	nextOrderID uint64
}

// New creates a simulator. It does not take ownership of in and out.
func New(in transport.Inbound, out transport.Outbound, opts Options, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	if opts.FirstOrderID == 0 {
		opts.FirstOrderID = 1
	}
	return &Simulator{
		in:          in,
		out:         out,
		opts:        opts,
		logger:      logger,
		nextOrderID: opts.FirstOrderID,
	}
}

// Run serves requests until ctx is cancelled or the inbound side is closed
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("exchange simulator running", zap.Int("fill_every", s.opts.FillEvery))
	defer s.logger.Info("exchange simulator stopped")

	for ctx.Err() == nil {
		ready, err := s.in.Poll(ctx, s.opts.PollTimeout)
		if err == nil && !ready {
			continue
		}

		var data []byte
		if err == nil {
			data, err = s.in.Receive(ctx)
		}

		switch {
		case err == nil:
			s.Handle(ctx, data)
		case errors.Is(err, transport.ErrTimeout):
		case ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
			return nil
		default:
			s.logger.Error("request channel error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(s.opts.PollTimeout):
			}
		}
	}
	return nil
}

// Stats returns a snapshot of the simulator counters
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Handle answers one raw request
func (s *Simulator) Handle(ctx context.Context, data []byte) {
	s.count(func(st *Stats) { st.Received++ })

	req, err := msg.DecodeRequest(data)
	if err != nil {
		reason := rejectReason(err)
		s.logger.Debug("rejecting request", zap.String("reason", reason), zap.Error(err))
		s.reply(ctx, msg.ResponseMessage{
			Header: msg.Header{Version: msg.ProtocolVersion, Type: msg.MsgTypeReject},
			Reject: &msg.RejectBody{Symbol: UnknownSymbol, Info: msg.RejectInfo{Reason: reason, Code: CodeBadRequest}},
		}, func(st *Stats) { st.Rejects++ })
		return
	}

	switch m := req.(type) {
	case msg.OrderMessage:
		s.handleOrder(ctx, m)
	case msg.CancelMessage:
		s.count(func(st *Stats) { st.Cancels++ })
		s.logger.Debug("cancel received",
			zap.String("symbol", m.Body.Symbol),
			zap.Uint64("order_id", m.Body.OrderID),
		)
	}
}

func (s *Simulator) handleOrder(ctx context.Context, order msg.OrderMessage) {
	header := order.Header

	if order.Body.Qty == 0 {
		header.Type = msg.MsgTypeReject
		s.reply(ctx, msg.ResponseMessage{
			Header: header,
			Reject: &msg.RejectBody{
				ClientOrderID: order.Body.ClientOrderID,
				Symbol:        order.Body.Symbol,
				Info:          msg.RejectInfo{Reason: ReasonInvalidQuantity, Code: CodeInvalidQuantity},
			},
		}, func(st *Stats) { st.Rejects++ })
		return
	}

	s.mu.Lock()
	orderID := s.nextOrderID
	s.nextOrderID++
	s.mu.Unlock()

	header.Type = msg.MsgTypeAck
	acked := s.reply(ctx, msg.ResponseMessage{
		Header: header,
		Ack: &msg.AckBody{
			ClientOrderID: order.Body.ClientOrderID,
			OrderID:       orderID,
			Symbol:        order.Body.Symbol,
		},
	}, func(st *Stats) { st.Acks++ })

	if !acked || s.opts.FillEvery <= 0 || s.Stats().Acks%uint64(s.opts.FillEvery) != 0 {
		return
	}

	header.Type = msg.MsgTypeFill
	s.reply(ctx, msg.ResponseMessage{
		Header: header,
		Fill: &msg.FillBody{
			OrderID:   orderID,
			Symbol:    order.Body.Symbol,
			Side:      order.Body.Side,
			FillQty:   order.Body.Qty,
			FillPrice: order.Body.LimitPrice,
			Complete:  true,
		},
	}, func(st *Stats) { st.Fills++ })
}

func (s *Simulator) reply(ctx context.Context, resp msg.ResponseMessage, onSent func(*Stats)) bool {
	data, err := msg.Encode(resp)
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, replyTimeout)
		err = s.out.Send(sendCtx, data)
		cancel()
	}
	if err != nil {
		s.count(func(st *Stats) { st.Failed++ })
		s.logger.Error("failed to send response", zap.Stringer("type", resp.Header.Type), zap.Error(err))
		return false
	}
	s.count(onSent)
	return true
}

func (s *Simulator) count(update func(*Stats)) {
	s.mu.Lock()
	update(&s.stats)
	s.mu.Unlock()
}

func rejectReason(err error) string {
	var decodeErr *msg.DecodeError
	if !errors.As(err, &decodeErr) {
		return ReasonInvalidRequest
	}

	switch {
	case errors.Is(err, msg.ErrUnsupportedType):
		return ReasonUnknownType
	case errors.Is(err, msg.ErrMalformed) && decodeErr.Field == "":
		return ReasonInvalidJSON
	case errors.Is(err, msg.ErrMissingField) && (decodeErr.Field == "header" || decodeErr.Field == "body"):
		return ReasonMissingEnvelope
	default:
		return ReasonInvalidRequest
	}
}
