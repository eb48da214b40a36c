package msg

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var msgTypeNames = map[string]MsgType{
	"neworder":        MsgTypeNewOrder,
	"neworderrequest": MsgTypeNewOrder,
	"new_order":       MsgTypeNewOrder,
	"cancel":          MsgTypeCancel,
	"ack":             MsgTypeAck,
	"reject":          MsgTypeReject,
	"fill":            MsgTypeFill,
	"heartbeat":       MsgTypeHeartbeat,
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeNewOrder:
		return "NewOrder"
	case MsgTypeCancel:
		return "Cancel"
	case MsgTypeAck:
		return "Ack"
	case MsgTypeReject:
		return "Reject"
	case MsgTypeFill:
		return "Fill"
	case MsgTypeHeartbeat:
		return "Heartbeat"
	default:
		return "MsgType(" + strconv.Itoa(int(t)) + ")"
	}
}

// UnmarshalJSON accepts a numeric code (integral floats such as 100.0 included)
// or a type name. Values that fit neither, including out of range numbers,
// decode to MsgTypeUnknown rather than failing.
func (t *MsgType) UnmarshalJSON(data []byte) error {
	*t = MsgTypeUnknown

	if s, ok := jsonString(data); ok {
		if v, found := msgTypeNames[strings.ToLower(s)]; found {
			*t = v
		}
		return nil
	}

	if n, err := jsonUint(data, 16); err == nil {
		*t = MsgType(n)
	}
	return nil
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "Side(" + strconv.Itoa(int(s)) + ")"
	}
}

// UnmarshalJSON accepts 1/2 or the textual aliases used by the exchange codec
func (s *Side) UnmarshalJSON(data []byte) error {
	if text, ok := jsonString(data); ok {
		switch text {
		case "B", "Buy", "BUY", "bid", "Bid":
			*s = SideBuy
			return nil
		case "S", "Sell", "SELL", "ask", "Ask":
			*s = SideSell
			return nil
		}
		return fmt.Errorf("invalid side %q", text)
	}

	switch code, err := jsonInt(data); {
	case err != nil:
		return fmt.Errorf("invalid side: %w", err)
	case code == int64(SideBuy), code == int64(SideSell):
		*s = Side(code)
		return nil
	default:
		return fmt.Errorf("invalid side %d", code)
	}
}

func (o OrdType) String() string {
	switch o {
	case OrdTypeMarket:
		return "MKT"
	case OrdTypeLimit:
		return "LMT"
	default:
		return "OrdType(" + strconv.Itoa(int(o)) + ")"
	}
}

// UnmarshalJSON accepts 1/2 or MKT/LMT style names
func (o *OrdType) UnmarshalJSON(data []byte) error {
	if text, ok := jsonString(data); ok {
		switch text {
		case "MKT", "Market", "MARKET":
			*o = OrdTypeMarket
			return nil
		case "LMT", "Limit", "LIMIT":
			*o = OrdTypeLimit
			return nil
		}
		return fmt.Errorf("invalid ord_type %q", text)
	}

	switch code, err := jsonInt(data); {
	case err != nil:
		return fmt.Errorf("invalid ord_type: %w", err)
	case code == int64(OrdTypeMarket), code == int64(OrdTypeLimit):
		*o = OrdType(code)
		return nil
	default:
		return fmt.Errorf("invalid ord_type %d", code)
	}
}

func (t TimeInForce) String() string {
	switch t {
	case TIFDay:
		return "DAY"
	case TIFIOC:
		return "IOC"
	default:
		return "TimeInForce(" + strconv.Itoa(int(t)) + ")"
	}
}

// UnmarshalJSON accepts 1/2 or DAY/IOC
func (t *TimeInForce) UnmarshalJSON(data []byte) error {
	if text, ok := jsonString(data); ok {
		switch text {
		case "DAY", "Day":
			*t = TIFDay
			return nil
		case "IOC":
			*t = TIFIOC
			return nil
		}
		return fmt.Errorf("invalid tif %q", text)
	}

	switch code, err := jsonInt(data); {
	case err != nil:
		return fmt.Errorf("invalid tif: %w", err)
	case code == int64(TIFDay), code == int64(TIFIOC):
		*t = TimeInForce(code)
		return nil
	default:
		return fmt.Errorf("invalid tif %d", code)
	}
}

func jsonString(data []byte) (string, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := api.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

func jsonInt(data []byte) (int64, error) {
	return strconv.ParseInt(string(bytes.TrimSpace(data)), 10, 64)
}

// jsonUint parses an unsigned integer of the given bit size. Integral floats
// like 100.0 or 1e2 are accepted.
func jsonUint(data []byte, bits int) (uint64, error) {
	text := string(bytes.TrimSpace(data))
	if n, err := strconv.ParseUint(text, 10, bits); err == nil {
		return n, nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid unsigned integer %s", text)
	}
	if f < 0 || f >= math.Ldexp(1, bits) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%s is not an unsigned %d-bit integer", text, bits)
	}
	return uint64(f), nil
}
