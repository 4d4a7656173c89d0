package ttrpc

import (
	"google.golang.org/grpc/codes"
)

// wireMessage is implemented by the three frame payload shapes so that
// encodedPayload.Unmarshal can decode into any of them generically.
type wireMessage interface {
	Unmarshal(raw []byte) error
}

// encodedPayload is a typed, lazily-decoded wrapper over a frame's payload
// bytes (§4.2, C3). It defers the protobuf decode to the first caller that
// asks for it, and remembers a deferred error for an oversized payload
// instead of decoding. The message kind is checked when Unmarshal is called.
type encodedPayload struct {
	kind   messageType
	raw    []byte
	cause  error // set when Unmarshal should always fail, regardless of kind
}

func newEncodedPayload(f frame) encodedPayload {
	ep := encodedPayload{kind: wireToType(f.typ), raw: f.payload}
	if f.oversized {
		ep.cause = newStatusError(codes.InvalidArgument, "Oversized payload")
	}
	return ep
}

// Unmarshal decodes the carrier's bytes as want, refusing a kind mismatch.
func (ep encodedPayload) Unmarshal(want messageType, v wireMessage) error {
	if ep.cause != nil {
		return ep.cause
	}
	if ep.kind != want {
		return newStatusError(codes.InvalidArgument, "Wrong message type")
	}
	return v.Unmarshal(ep.raw)
}
