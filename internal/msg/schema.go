package msg

import "encoding/json"

// ProtocolVersion is the envelope version written by the harness
const ProtocolVersion uint32 = 1

// MsgType is the numeric header.type code
type MsgType uint16

// Message type codes
const (
	MsgTypeUnknown   MsgType = 0
	MsgTypeNewOrder  MsgType = 1
	MsgTypeCancel    MsgType = 2
	MsgTypeAck       MsgType = 100
	MsgTypeReject    MsgType = 101
	MsgTypeFill      MsgType = 102
	MsgTypeHeartbeat MsgType = 900
)

// Side of an order. Encoded as 1 (buy) or 2 (sell).
type Side uint8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

// OrdType of an order. Encoded as 1 (market) or 2 (limit).
type OrdType uint8

const (
	OrdTypeMarket OrdType = 1
	OrdTypeLimit  OrdType = 2
)

// TimeInForce of an order. Zero means unset, which the exchange treats as Day.
type TimeInForce uint8

const (
	TIFDay TimeInForce = 1
	TIFIOC TimeInForce = 2
)

// Header is the common envelope header
type Header struct {
	Version  uint32  `json:"version"`
	Type     MsgType `json:"type"`
	Seq      uint64  `json:"seq"`
	ClientID uint64  `json:"client_id"`
}

// NewOrderBody is the body of a NewOrder request
type NewOrderBody struct {
	ClientOrderID uint64      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	OrdType       OrdType     `json:"ord_type"`
	Qty           uint64      `json:"qty"`
	LimitPrice    int64       `json:"limit_price"` // scaled, e.g. cents
	TIF           TimeInForce `json:"tif,omitempty"`
}

// CancelBody is the body of a Cancel request. Either OrderID or ClientOrderID identifies the order.
type CancelBody struct {
	Symbol        string `json:"symbol,omitempty"`
	OrderID       uint64 `json:"order_id,omitempty"`
	ClientOrderID uint64 `json:"client_order_id,omitempty"`
}

// AckBody is the body of an Ack response
type AckBody struct {
	ClientOrderID uint64 `json:"client_order_id"`
	OrderID       uint64 `json:"order_id"`
	Symbol        string `json:"symbol"`
}

// RejectInfo explains a rejection
type RejectInfo struct {
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}

// RejectBody is the body of a Reject response
type RejectBody struct {
	ClientOrderID uint64     `json:"client_order_id"`
	Symbol        string     `json:"symbol"`
	Info          RejectInfo `json:"info"`
}

// FillBody is the body of a Fill response
type FillBody struct {
	OrderID   uint64 `json:"order_id"`
	Symbol    string `json:"symbol"`
	Side      Side   `json:"side"`
	FillQty   uint64 `json:"fill_qty"`
	FillPrice int64  `json:"fill_price"`
	Complete  bool   `json:"complete"`
}

// Message is anything that can be put on the wire
type Message interface {
	MessageHeader() Header
}

// OrderMessage is a NewOrder request envelope
type OrderMessage struct {
	Header Header       `json:"header"`
	Body   NewOrderBody `json:"body"`
}

// MessageHeader implements Message
func (m OrderMessage) MessageHeader() Header { return m.Header }

// CancelMessage is a Cancel request envelope
type CancelMessage struct {
	Header Header     `json:"header"`
	Body   CancelBody `json:"body"`
}

// MessageHeader implements Message
func (m CancelMessage) MessageHeader() Header { return m.Header }

// ResponseMessage is a response envelope produced by the exchange.
// At most one of Ack, Reject, Fill is set, selected by Header.Type; Raw always holds the body as received.
type ResponseMessage struct {
	Header Header
	Ack    *AckBody
	Reject *RejectBody
	Fill   *FillBody
	Raw    json.RawMessage
}

// MessageHeader implements Message
func (m ResponseMessage) MessageHeader() Header { return m.Header }

// MarshalJSON writes the envelope with the typed body, falling back to Raw
func (m ResponseMessage) MarshalJSON() ([]byte, error) {
	var body any = struct{}{}
	switch {
	case m.Ack != nil:
		body = m.Ack
	case m.Reject != nil:
		body = m.Reject
	case m.Fill != nil:
		body = m.Fill
	case len(m.Raw) > 0:
		body = m.Raw
	}

	return api.Marshal(struct {
		Header Header `json:"header"`
		Body   any    `json:"body"`
	}{Header: m.Header, Body: body})
}
