// Package codec holds the process-wide JSON configuration used for every
// message that crosses a Transport.
//
// The configuration is built once at package init and is read-only afterwards;
// callers share the exported instances by reference.
package codec

import "encoding/json"

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	// Strict reports whether unknown object keys are rejected on decode.
	Strict() bool
}

var (
	// RPC is the shared codec for envelopes and RPC messages. Unknown keys are
	// tolerated so newer peers can add fields.
	RPC Codec = &JSONCodec{}

	// Strict rejects unknown keys. Transports may opt in to it.
	Strict Codec = &JSONCodec{disallowUnknown: true}
)

// Marshal encodes v with RPC into a raw JSON value.
func Marshal(v any) (json.RawMessage, error) {
	data, err := RPC.Encode(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Unmarshal decodes raw with RPC.
func Unmarshal(raw json.RawMessage, v any) error {
	return RPC.Decode(raw, v)
}
