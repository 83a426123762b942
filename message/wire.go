package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"rerpc/codec"
)

var (
	ErrUnknownType = errors.New("message: unknown type")
	ErrMissingType = errors.New("message: missing type")
)

var rpcVariants = map[string]func() RpcMessage{
	TypeCall:             func() RpcMessage { return &CallRequest{} },
	TypeCallResult:       func() RpcMessage { return &CallResult{} },
	TypeCallFailure:      func() RpcMessage { return &CallFailure{} },
	TypeCancelCall:       func() RpcMessage { return &CancelCall{} },
	TypeStreamData:       func() RpcMessage { return &StreamData{} },
	TypeStreamInit:       func() RpcMessage { return &StreamInit{} },
	TypeStreamNext:       func() RpcMessage { return &StreamNext{} },
	TypeStreamClosed:     func() RpcMessage { return &StreamClosed{} },
	TypeResourceConsumed: func() RpcMessage { return &ResourceConsumed{} },
}

var transportVariants = map[string]func() TransportMessage{
	TypeRouteOpened: func() TransportMessage { return &RouteOpened{} },
	TypeRouteClosed: func() TransportMessage { return &RouteClosed{} },
	TypeEnvelope:    func() TransportMessage { return &Envelope{} },
}

// EncodeRPC renders m as a tagged JSON object.
func EncodeRPC(c codec.Codec, m RpcMessage) ([]byte, error) {
	return encodeTagged(c, m.Type(), m)
}

// DecodeRPC parses a tagged JSON object into the matching RpcMessage variant.
func DecodeRPC(c codec.Codec, data []byte) (RpcMessage, error) {
	kind, body, err := splitTagged(data)
	if err != nil {
		return nil, err
	}
	newVariant, ok := rpcVariants[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	v := newVariant()
	if err := c.Decode(body, v); err != nil {
		return nil, fmt.Errorf("message: decode %s: %w", kind, err)
	}
	return deref(v), nil
}

// EncodeTransport renders m as a tagged JSON object.
func EncodeTransport(c codec.Codec, m TransportMessage) ([]byte, error) {
	return encodeTagged(c, m.Type(), m)
}

// DecodeTransport parses a tagged JSON object into the matching
// TransportMessage variant.
func DecodeTransport(c codec.Codec, data []byte) (TransportMessage, error) {
	kind, body, err := splitTagged(data)
	if err != nil {
		return nil, err
	}
	newVariant, ok := transportVariants[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	v := newVariant()
	if err := c.Decode(body, v); err != nil {
		return nil, fmt.Errorf("message: decode %s: %w", kind, err)
	}
	switch m := v.(type) {
	case *RouteOpened:
		return *m, nil
	case *RouteClosed:
		return *m, nil
	case *Envelope:
		return *m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
}

// Seal encodes m with the shared codec and addresses it.
func Seal(m RpcMessage, destination, origin string) (Envelope, error) {
	payload, err := EncodeRPC(codec.RPC, m)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Destination: destination,
		Origin:      origin,
		Payload:     payload,
	}, nil
}

// ParseMessage decodes the payload with the shared codec.
func (e Envelope) ParseMessage() (RpcMessage, error) {
	return DecodeRPC(codec.RPC, e.Payload)
}

func encodeTagged(c codec.Codec, kind string, v any) ([]byte, error) {
	body, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("message: %s does not encode to an object", kind)
	}
	tag, _ := json.Marshal(kind)

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// splitTagged returns the discriminator and the object without it, so the
// variant can be decoded by a strict codec.
func splitTagged(data []byte) (string, []byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, fmt.Errorf("message: %w", err)
	}
	rawKind, ok := fields["type"]
	if !ok {
		return "", nil, ErrMissingType
	}
	var kind string
	if err := json.Unmarshal(rawKind, &kind); err != nil {
		return "", nil, fmt.Errorf("message: type: %w", err)
	}
	delete(fields, "type")

	// Values are copied as received so raw payloads reach the variant
	// unchanged.
	var buf bytes.Buffer
	buf.Grow(len(data))
	buf.WriteByte('{')
	for k, v := range fields {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return "", nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return kind, buf.Bytes(), nil
}

func deref(v RpcMessage) RpcMessage {
	switch m := v.(type) {
	case *CallRequest:
		return Normalize(*m)
	case *CallResult:
		return Normalize(*m)
	case *CallFailure:
		return *m
	case *CancelCall:
		return *m
	case *StreamData:
		return Normalize(*m)
	case *StreamInit:
		return *m
	case *StreamNext:
		return *m
	case *StreamClosed:
		return *m
	case *ResourceConsumed:
		return *m
	}
	return v
}

// Normalize returns m in the form ParseMessage produces: raw values (call
// arguments, results, stream elements) compacted, and a JSON null replaced by
// nil, since both travel as null. For any m,
//
//	ParseMessage(Seal(m, d, o)) == Normalize(m)
//
// and Normalize(m) == m when m already is in that form.
func Normalize(m RpcMessage) RpcMessage {
	switch m := m.(type) {
	case CallRequest:
		m.Args = normalizeRaw(m.Args)
		return m
	case CallResult:
		m.Result = normalizeRaw(m.Result)
		return m
	case StreamData:
		m.Data = normalizeRaw(m.Data)
		return m
	}
	return m
}

func normalizeRaw(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		// Not valid JSON; Seal would have refused it.
		return raw
	}
	if bytes.Equal(buf.Bytes(), raw) {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}
