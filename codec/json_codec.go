package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// JSONCodec wraps encoding/json. Structs are expected to carry no omitempty
// tags so default values are always emitted; map keys that are not strings go
// through encoding.TextMarshaler. Strings are written as they are, without
// HTML escaping.
type JSONCodec struct {
	disallowUnknown bool
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if c.disallowUnknown {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return err
	}
	// Exactly one value per payload.
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("codec: trailing data after JSON value")
	}
	return nil
}

func (c *JSONCodec) Strict() bool {
	return c.disallowUnknown
}
