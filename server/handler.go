package server

import (
	"bytes"
	"context"
	"encoding/json"

	"rerpc/codec"
	"rerpc/middleware"
	"rerpc/stream"
)

// Handler serves one method.
type Handler struct {
	// Decode turns the raw arguments into the value handed to Invoke as
	// Request.Args, importing stream references into cc. It runs before the
	// call is scheduled and must not block.
	Decode func(cc *stream.Context, args json.RawMessage) (any, error)
	Invoke middleware.HandlerFunc
}

// Func adapts a typed function to a Handler.
func Func[A, R any](fn func(ctx context.Context, args *A) (*R, error)) Handler {
	return Handler{
		Decode: func(cc *stream.Context, raw json.RawMessage) (any, error) {
			args := new(A)
			if err := decodeArgs(cc, raw, args); err != nil {
				return nil, err
			}
			return args, nil
		},
		Invoke: func(ctx context.Context, req *middleware.Request) (*middleware.Response, error) {
			reply, err := fn(ctx, req.Args.(*A))
			if err != nil {
				return nil, err
			}
			return &middleware.Response{Reply: reply}, nil
		},
	}
}

func decodeArgs(cc *stream.Context, raw json.RawMessage, v any) error {
	if len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := codec.Unmarshal(raw, v); err != nil {
			return err
		}
	}
	return stream.Import(cc, v)
}
