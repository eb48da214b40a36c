package harness

import "github.com/ismaiel54/exchange-tester/internal/msg"

// ResponseKind is the classification of an exchange response
type ResponseKind int

const (
	KindUnknown ResponseKind = iota
	KindAck
	KindReject
	KindFill
)

func (k ResponseKind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindReject:
		return "reject"
	case KindFill:
		return "fill"
	default:
		return "unknown"
	}
}

// Classify routes a response by header type only; the body is never inspected
func Classify(resp msg.ResponseMessage) ResponseKind {
	return ClassifyType(resp.Header.Type)
}

// ClassifyType maps a header type code onto a kind
func ClassifyType(t msg.MsgType) ResponseKind {
	switch t {
	case msg.MsgTypeAck:
		return KindAck
	case msg.MsgTypeReject:
		return KindReject
	case msg.MsgTypeFill:
		return KindFill
	default:
		return KindUnknown
	}
}
