package harness

import (
	"fmt"

	"github.com/ismaiel54/exchange-tester/internal/msg"
)

// clientOrderIDBase offsets client order ids from the header sequence
const clientOrderIDBase = 20000

// malformed payloads rotated by SendInvalid, followed by two generated kinds
var invalidTemplates = [][]byte{
	[]byte(`{"header":{"type":1},"body":{"garbage":true}}`),
	[]byte(`{"invalid":"data","reason":"testing your error handling"}`),
	[]byte(`this is not json`),
}

const invalidKinds = 5

func (h *Harness) nextHeader(t msg.MsgType) msg.Header {
	return msg.Header{
		Version:  msg.ProtocolVersion,
		Type:     t,
		Seq:      h.seq.Add(1),
		ClientID: h.opts.ClientID,
	}
}

// NewOrder builds a limit order with the next sequence number
func (h *Harness) NewOrder(symbol string, side msg.Side, qty uint64, price int64) msg.OrderMessage {
	header := h.nextHeader(msg.MsgTypeNewOrder)
	return msg.OrderMessage{
		Header: header,
		Body: msg.NewOrderBody{
			ClientOrderID: clientOrderIDBase + header.Seq,
			Symbol:        symbol,
			Side:          side,
			OrdType:       msg.OrdTypeLimit,
			Qty:           qty,
			LimitPrice:    price,
		},
	}
}

// NewCancel builds a cancel for an exchange order id
func (h *Harness) NewCancel(symbol string, orderID uint64) msg.CancelMessage {
	return msg.CancelMessage{
		Header: h.nextHeader(msg.MsgTypeCancel),
		Body:   msg.CancelBody{Symbol: symbol, OrderID: orderID},
	}
}

func (h *Harness) nextValidOrder() msg.OrderMessage {
	h.rngMu.Lock()
	symbol := h.opts.Symbols[h.rng.IntN(len(h.opts.Symbols))]
	side := msg.SideBuy
	if h.rng.IntN(2) == 1 {
		side = msg.SideSell
	}
	qty := uint64(100 * (1 + h.rng.IntN(10)))
	price := int64(14500 + h.rng.IntN(1001))
	h.rngMu.Unlock()

	return h.NewOrder(symbol, side, qty, price)
}

func (h *Harness) invalidPayload(i int) ([]byte, error) {
	if len(h.opts.InvalidPayloads) > 0 {
		return h.opts.InvalidPayloads[i%len(h.opts.InvalidPayloads)], nil
	}

	switch kind := i % invalidKinds; kind {
	case 0, 1, 2:
		return invalidTemplates[kind], nil
	case 3:
		order := h.nextValidOrder()
		order.Body.Qty = 0
		return msg.Encode(order)
	default:
		header := h.nextHeader(msg.MsgTypeUnknown)
		return []byte(fmt.Sprintf(`{"header":{"version":%d,"type":777,"seq":%d,"client_id":%d},"body":{}}`,
			header.Version, header.Seq, header.ClientID)), nil
	}
}
