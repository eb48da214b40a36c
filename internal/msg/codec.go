package msg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

var (
	// ErrMalformed means the bytes are not a JSON object envelope
	ErrMalformed = errors.New("malformed message")
	// ErrMissingField means a required field is absent
	ErrMissingField = errors.New("missing field")
	// ErrUnsupportedType means the header type is not valid for the decode direction
	ErrUnsupportedType = errors.New("unsupported message type")
)

// DecodeError describes why a payload could not be decoded
type DecodeError struct {
	Kind  error
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is
func (e *DecodeError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func malformed(err error) error {
	return &DecodeError{Kind: ErrMalformed, Err: err}
}

func missing(field string) error {
	return &DecodeError{Kind: ErrMissingField, Field: field}
}

// Encode serializes a message into its JSON envelope
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}
	data, err := api.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageHeader().Type, err)
	}
	return data, nil
}

type rawEnvelope struct {
	Header map[string]json.RawMessage `json:"header"`
	Body   json.RawMessage            `json:"body"`
}

func splitEnvelope(data []byte) (rawEnvelope, error) {
	var env rawEnvelope

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, malformed(errors.New("not a JSON object"))
	}
	if err := api.Unmarshal(trimmed, &env); err != nil {
		return env, malformed(err)
	}
	return env, nil
}

// header.type is lenient: unknown or out of range codes decode to MsgTypeUnknown.
// The numeric fields must be unsigned integers when present.
func decodeHeader(fields map[string]json.RawMessage) (Header, error) {
	var h Header
	if fields == nil {
		return h, missing("header")
	}

	rawType, ok := fields["type"]
	if !ok || isNull(rawType) {
		return h, missing("header.type")
	}
	_ = h.Type.UnmarshalJSON(rawType)

	version, err := headerUint(fields, "version", 32)
	if err != nil {
		return h, err
	}
	h.Version = uint32(version)

	if h.Seq, err = headerUint(fields, "seq", 64); err != nil {
		return h, err
	}
	if h.ClientID, err = headerUint(fields, "client_id", 64); err != nil {
		return h, err
	}
	return h, nil
}

func headerUint(fields map[string]json.RawMessage, name string, bits int) (uint64, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return 0, nil
	}
	n, err := jsonUint(raw, bits)
	if err != nil {
		return 0, &DecodeError{Kind: ErrMalformed, Field: "header." + name, Err: err}
	}
	return n, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// DecodeResponse decodes an exchange response. Unknown types decode successfully
// with only Raw populated; a body that does not match its type leaves the typed
// field nil.
func DecodeResponse(data []byte) (ResponseMessage, error) {
	var resp ResponseMessage

	env, err := splitEnvelope(data)
	if err != nil {
		return resp, err
	}

	resp.Header, err = decodeHeader(env.Header)
	if err != nil {
		return resp, err
	}
	resp.Raw = env.Body

	if len(env.Body) == 0 || isNull(env.Body) {
		return resp, nil
	}

	switch resp.Header.Type {
	case MsgTypeAck:
		var body AckBody
		if api.Unmarshal(env.Body, &body) == nil {
			resp.Ack = &body
		}
	case MsgTypeReject:
		var body RejectBody
		if api.Unmarshal(env.Body, &body) == nil {
			resp.Reject = &body
		}
	case MsgTypeFill:
		var body FillBody
		if api.Unmarshal(env.Body, &body) == nil {
			resp.Fill = &body
		}
	}
	return resp, nil
}

// DecodeRequest decodes an order or cancel request
func DecodeRequest(data []byte) (Message, error) {
	env, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}
	header, err := decodeHeader(env.Header)
	if err != nil {
		return nil, err
	}
	if len(env.Body) == 0 || isNull(env.Body) {
		return nil, missing("body")
	}

	switch header.Type {
	case MsgTypeNewOrder:
		body, err := decodeOrderBody(env.Body)
		if err != nil {
			return nil, err
		}
		return OrderMessage{Header: header, Body: body}, nil
	case MsgTypeCancel:
		var body CancelBody
		if err := api.Unmarshal(env.Body, &body); err != nil {
			return nil, &DecodeError{Kind: ErrMalformed, Field: "body", Err: err}
		}
		return CancelMessage{Header: header, Body: body}, nil
	default:
		return nil, &DecodeError{Kind: ErrUnsupportedType, Field: "header.type", Err: fmt.Errorf("type %s", header.Type)}
	}
}

// DecodeOrder decodes a NewOrder request
func DecodeOrder(data []byte) (OrderMessage, error) {
	m, err := DecodeRequest(data)
	if err != nil {
		return OrderMessage{}, err
	}
	order, ok := m.(OrderMessage)
	if !ok {
		return OrderMessage{}, &DecodeError{Kind: ErrUnsupportedType, Field: "header.type", Err: fmt.Errorf("expected NewOrder, got %s", m.MessageHeader().Type)}
	}
	return order, nil
}

// DecodeCancel decodes a Cancel request
func DecodeCancel(data []byte) (CancelMessage, error) {
	m, err := DecodeRequest(data)
	if err != nil {
		return CancelMessage{}, err
	}
	cancel, ok := m.(CancelMessage)
	if !ok {
		return CancelMessage{}, &DecodeError{Kind: ErrUnsupportedType, Field: "header.type", Err: fmt.Errorf("expected Cancel, got %s", m.MessageHeader().Type)}
	}
	return cancel, nil
}

var requiredOrderFields = []string{"symbol", "side", "ord_type", "qty"}

func decodeOrderBody(raw json.RawMessage) (NewOrderBody, error) {
	var body NewOrderBody

	var fields map[string]json.RawMessage
	if err := api.Unmarshal(raw, &fields); err != nil {
		return body, &DecodeError{Kind: ErrMalformed, Field: "body", Err: err}
	}
	for _, name := range requiredOrderFields {
		if v, ok := fields[name]; !ok || isNull(v) {
			return body, missing("body." + name)
		}
	}

	if err := api.Unmarshal(raw, &body); err != nil {
		return body, &DecodeError{Kind: ErrMalformed, Field: "body", Err: err}
	}

	if _, ok := fields["limit_price"]; !ok {
		if price, ok := fields["price"]; ok {
			if err := api.Unmarshal(price, &body.LimitPrice); err != nil {
				return body, &DecodeError{Kind: ErrMalformed, Field: "body.price", Err: err}
			}
		}
	}
	return body, nil
}
