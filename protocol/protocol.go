// Package protocol implements the binary frame used to carry encoded
// TransportMessages over byte-stream sockets (TCP, pipes).
//
// A fixed 10-byte header is followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that many
// bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │fl│kd│ bodyLen │    body ...    │
//	│ rrp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// When FlagSnappy is set the body is snappy-compressed; BodyLen is the
// compressed length. MaxBodyLen bounds both the compressed and the
// decompressed length.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

const (
	MagicNumber byte = 0x72 // 'r'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (flags) + 1 (kind) + 4 (bodyLen)

	// MaxBodyLen bounds the memory a single frame may claim.
	MaxBodyLen uint32 = 16 << 20
)

// Flags
const (
	FlagSnappy byte = 0x01
)

// Kind distinguishes message frames from keepalive frames.
type Kind byte

const (
	KindMessage   Kind = 0 // Body is one encoded TransportMessage
	KindHeartbeat Kind = 1 // KeepAlive probe (no body)
)

var ErrBodyTooLarge = errors.New("protocol: frame body too large")

// Header is the fixed frame header.
type Header struct {
	Flags   byte
	Kind    Kind
	BodyLen uint32
}

// Sizes reports the body size before and after compression for one frame.
// Raw equals Wire when the frame was not compressed.
type Sizes struct {
	Raw  int
	Wire int
}

// Encode writes one frame to w. If compress is set the body is
// snappy-compressed first. The caller must serialize concurrent writers.
func Encode(w io.Writer, kind Kind, body []byte, compress bool) (Sizes, error) {
	sizes := Sizes{Raw: len(body)}
	if uint32(len(body)) > MaxBodyLen {
		return sizes, ErrBodyTooLarge
	}
	var flags byte
	if compress && len(body) > 0 {
		body = snappy.Encode(nil, body)
		flags |= FlagSnappy
	}
	if uint32(len(body)) > MaxBodyLen {
		return sizes, ErrBodyTooLarge
	}
	sizes.Wire = len(body)

	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = flags
	buf[5] = byte(kind)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// Single write so one frame is never split between two writers.
	if _, err := w.Write(buf); err != nil {
		return sizes, err
	}
	return sizes, nil
}

// Decode reads one frame from r and returns the header and the decompressed
// body.
func Decode(r io.Reader) (*Header, []byte, Sizes, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, Sizes{}, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, Sizes{}, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, Sizes{}, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	kind := Kind(headerBuf[5])
	if kind != KindMessage && kind != KindHeartbeat {
		return nil, nil, Sizes{}, fmt.Errorf("unsupported frame kind: %d", headerBuf[5])
	}

	header := &Header{
		Flags:   headerBuf[4],
		Kind:    kind,
		BodyLen: binary.BigEndian.Uint32(headerBuf[6:10]),
	}
	if header.BodyLen > MaxBodyLen {
		return nil, nil, Sizes{}, ErrBodyTooLarge
	}

	body := make([]byte, header.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, Sizes{}, err
	}
	sizes := Sizes{Raw: len(body), Wire: len(body)}

	if header.Flags&FlagSnappy != 0 {
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, nil, sizes, fmt.Errorf("protocol: snappy: %w", err)
		}
		if n < 0 || uint64(n) > uint64(MaxBodyLen) {
			return nil, nil, sizes, ErrBodyTooLarge
		}
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, nil, sizes, fmt.Errorf("protocol: snappy: %w", err)
		}
		body = decoded
		sizes.Raw = len(body)
	}
	return header, body, sizes, nil
}
