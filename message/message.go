// Package message defines the two message families exchanged between peers.
//
// TransportMessage is the only thing placed on a Transport. Its Envelope
// variant carries an encoded RpcMessage between two logical endpoints:
//
//	Envelope{destination, origin, payload = encode(RpcMessage)}
//
// Both families are tagged unions: an interface with an unexported marker
// method plus one struct per variant. On the wire every value is a JSON object
// whose "type" field holds the discriminator from the tables below; the table
// is the contract, independent of the Go type names.
package message

import (
	"encoding/json"

	"github.com/google/uuid"

	"rerpc/failure"
)

// UID identifies a request or a stream. It is a random 128-bit value, unique
// per process by construction rather than by negotiation.
type UID string

func NewUID() UID {
	return UID(uuid.NewString())
}

// RpcMessage discriminators.
const (
	TypeCall             = "call"
	TypeCallResult       = "call_result"
	TypeCallFailure      = "call_failure"
	TypeCancelCall       = "cancel_call"
	TypeStreamData       = "stream_data"
	TypeStreamInit       = "stream_init"
	TypeStreamNext       = "stream_next"
	TypeStreamClosed     = "stream_closed"
	TypeResourceConsumed = "resource_consumed"
)

// TransportMessage discriminators.
const (
	TypeRouteOpened = "opened"
	TypeRouteClosed = "closed"
	TypeEnvelope    = "envelope"
)

// RpcMessage is application-level RPC traffic.
type RpcMessage interface {
	Type() string
	isRpcMessage()
}

type CallRequest struct {
	RequestID UID               `json:"requestId"`
	Service   string            `json:"service"`
	Method    string            `json:"method"`
	Args      json.RawMessage   `json:"args"`
	Meta      map[string]string `json:"meta"`
}

type CallResult struct {
	RequestID UID               `json:"requestId"`
	Result    json.RawMessage   `json:"result"`
	Meta      map[string]string `json:"meta"`
}

type CallFailure struct {
	RequestID UID          `json:"requestId"`
	Error     failure.Info `json:"error"`
}

type CancelCall struct {
	RequestID UID `json:"requestId"`
}

type StreamData struct {
	StreamID UID             `json:"streamId"`
	Data     json.RawMessage `json:"data"`
}

// StreamInit is sent by a producer when it registers a stream. A receiver with
// no record of the id answers with StreamClosed.
type StreamInit struct {
	StreamID UID `json:"streamId"`
}

// StreamNext grants the producer Count more elements.
type StreamNext struct {
	StreamID UID `json:"streamId"`
	Count    int `json:"count"`
}

// StreamClosed ends a stream. Error is nil for a normal end.
type StreamClosed struct {
	StreamID UID           `json:"streamId"`
	Error    *failure.Info `json:"error"`
}

type ResourceConsumed struct {
	ResourcePath string `json:"resourcePath"`
}

func (CallRequest) Type() string      { return TypeCall }
func (CallResult) Type() string       { return TypeCallResult }
func (CallFailure) Type() string      { return TypeCallFailure }
func (CancelCall) Type() string       { return TypeCancelCall }
func (StreamData) Type() string       { return TypeStreamData }
func (StreamInit) Type() string       { return TypeStreamInit }
func (StreamNext) Type() string       { return TypeStreamNext }
func (StreamClosed) Type() string     { return TypeStreamClosed }
func (ResourceConsumed) Type() string { return TypeResourceConsumed }

func (CallRequest) isRpcMessage()      {}
func (CallResult) isRpcMessage()       {}
func (CallFailure) isRpcMessage()      {}
func (CancelCall) isRpcMessage()       {}
func (StreamData) isRpcMessage()       {}
func (StreamInit) isRpcMessage()       {}
func (StreamNext) isRpcMessage()       {}
func (StreamClosed) isRpcMessage()     {}
func (ResourceConsumed) isRpcMessage() {}

// TransportMessage is session-level routing traffic.
type TransportMessage interface {
	Type() string
	isTransportMessage()
}

// RouteOpened announces that a logical endpoint attached to the router.
type RouteOpened struct {
	Address string `json:"address"`
}

// RouteClosed announces that a logical endpoint detached.
type RouteClosed struct {
	Address string `json:"address"`
}

type Envelope struct {
	Destination string          `json:"destination"`
	Origin      string          `json:"origin"`
	Payload     json.RawMessage `json:"payload"`
	TraceData   *string         `json:"traceData"`
}

func (RouteOpened) Type() string { return TypeRouteOpened }
func (RouteClosed) Type() string { return TypeRouteClosed }
func (Envelope) Type() string    { return TypeEnvelope }

func (RouteOpened) isTransportMessage() {}
func (RouteClosed) isTransportMessage() {}
func (Envelope) isTransportMessage()    {}
