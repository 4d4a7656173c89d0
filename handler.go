package ttrpc

import (
	"context"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protowire"
)

// methodShape names one of the four call shapes of §1/§4.7.
type methodShape int

const (
	shapeUnary methodShape = iota
	shapeServerStreaming
	shapeClientStreaming
	shapeDuplexStreaming
)

func (s methodShape) expectedFlags() uint8 {
	switch s {
	case shapeServerStreaming:
		return flagRemoteClosed
	case shapeClientStreaming, shapeDuplexStreaming:
		return flagRemoteOpen | flagNoData
	default:
		return 0
	}
}

func (s methodShape) String() string {
	switch s {
	case shapeUnary:
		return "Unary"
	case shapeServerStreaming:
		return "ServerStreaming"
	case shapeClientStreaming:
		return "ClientStreaming"
	case shapeDuplexStreaming:
		return "DuplexStreaming"
	default:
		return "Unknown"
	}
}

// Method is the virtual interface the dispatch registry holds per
// registered method (§4.9, §9 "Dispatch polymorphism"): one concrete
// implementation per call shape, each closing over the user's typed
// function and the concrete request/response types it needs.
type Method interface {
	shape() methodShape
	invoke(ctx context.Context, payload []byte, s *streamIO) error
}

// ServerStream is the server-side handler's view of a streaming call's
// Data direction(s) (§4.7 server-streaming/client-streaming/duplex).
type ServerStream interface {
	Context() context.Context
	// RecvMsg reads the next client-sent item. io.EOF marks input
	// exhaustion (a Data frame carrying REMOTE_CLOSED).
	RecvMsg(m Unmarshaler) error
	// SendMsg emits one server-sent item as a Data frame.
	SendMsg(m Marshaler) error
}

type serverStream struct {
	ctx      context.Context
	s        *streamIO
	recvDone bool
}

func (ss *serverStream) Context() context.Context { return ss.ctx }

func (ss *serverStream) RecvMsg(m Unmarshaler) error {
	if ss.recvDone {
		return io.EOF
	}
	f, ok, err := ss.s.recv(ss.ctx)
	if err != nil {
		if ss.ctx.Err() == context.DeadlineExceeded {
			return newStatusError(codes.DeadlineExceeded, "ttrpc: handler timed out")
		}
		return newStatusError(codes.Cancelled, "ttrpc: %v", err)
	}
	if !ok {
		ss.recvDone = true
		return newStatusError(codes.Aborted, "ttrpc: channel closed")
	}
	defer releasePayload(f)

	if wireToType(f.typ) != messageTypeData {
		return newStatusError(codes.InvalidArgument, "ttrpc: expected Data frame, got %s", wireToType(f.typ))
	}
	var d Data
	ep := newEncodedPayload(f)
	if err := ep.Unmarshal(messageTypeData, &d); err != nil {
		return err
	}

	terminal := f.flags&flagRemoteClosed != 0
	noData := f.flags&flagNoData != 0

	// §9 Open Question: a terminal Data frame may still carry a payload;
	// this repo follows the source behavior named there and delivers the
	// payload before surfacing the terminal signal on the next call.
	if noData && len(d.Payload) == 0 {
		ss.recvDone = true
		if terminal {
			return io.EOF
		}
		return newStatusError(codes.InvalidArgument, "ttrpc: empty Data frame without a terminal flag")
	}

	if terminal {
		ss.recvDone = true
	}
	return m.Unmarshal(d.Payload)
}

func (ss *serverStream) SendMsg(m Marshaler) error {
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	return ss.s.data(payload)
}

// message is the constraint every generic request/response type must
// satisfy: a pointer to a plain struct that knows how to marshal/unmarshal
// itself (§1: the generated, protoc-produced version of this is out of
// scope; here the caller supplies that pair of methods directly).
type message[T any] interface {
	*T
	Marshaler
	Unmarshaler
}

// UnaryMethod registers a unary handler (§4.7 "Unary").
func UnaryMethod[ReqT, RespT any, Req message[ReqT], Resp message[RespT]](fn func(ctx context.Context, req Req) (Resp, error)) Method {
	return unaryMethod[ReqT, RespT, Req, Resp]{fn: fn}
}

type unaryMethod[ReqT, RespT any, Req message[ReqT], Resp message[RespT]] struct {
	fn func(context.Context, Req) (Resp, error)
}

func (unaryMethod[ReqT, RespT, Req, Resp]) shape() methodShape { return shapeUnary }

func (m unaryMethod[ReqT, RespT, Req, Resp]) invoke(ctx context.Context, payload []byte, s *streamIO) error {
	var reqT ReqT
	req := Req(&reqT)
	if err := req.Unmarshal(payload); err != nil {
		return s.respondError(newStatusError(codes.InvalidArgument, "ttrpc: error decoding message: %v", err))
	}
	resp, err := m.fn(ctx, req)
	if err != nil {
		return s.respondError(err)
	}
	return respondMarshaled(s, resp)
}

// ServerStreamMethod registers a server-streaming handler (§4.7
// "Server-streaming").
func ServerStreamMethod[ReqT, RespT any, Req message[ReqT], Resp message[RespT]](fn func(ctx context.Context, req Req, stream ServerStream) error) Method {
	return serverStreamMethod[ReqT, RespT, Req, Resp]{fn: fn}
}

type serverStreamMethod[ReqT, RespT any, Req message[ReqT], Resp message[RespT]] struct {
	fn func(context.Context, Req, ServerStream) error
}

func (serverStreamMethod[ReqT, RespT, Req, Resp]) shape() methodShape { return shapeServerStreaming }

func (m serverStreamMethod[ReqT, RespT, Req, Resp]) invoke(ctx context.Context, payload []byte, s *streamIO) error {
	var reqT ReqT
	req := Req(&reqT)
	if err := req.Unmarshal(payload); err != nil {
		return s.respondError(newStatusError(codes.InvalidArgument, "ttrpc: error decoding message: %v", err))
	}
	ss := &serverStream{ctx: ctx, s: s}
	if err := m.fn(ctx, req, ss); err != nil {
		return s.respondError(err)
	}
	return s.closeData()
}

// ClientStreamMethod registers a client-streaming handler (§4.7
// "Client-streaming").
func ClientStreamMethod[ReqT, RespT any, Req message[ReqT], Resp message[RespT]](fn func(ctx context.Context, stream ServerStream) (Resp, error)) Method {
	return clientStreamMethod[ReqT, RespT, Req, Resp]{fn: fn}
}

type clientStreamMethod[ReqT, RespT any, Req message[ReqT], Resp message[RespT]] struct {
	fn func(context.Context, ServerStream) (Resp, error)
}

func (clientStreamMethod[ReqT, RespT, Req, Resp]) shape() methodShape { return shapeClientStreaming }

func (m clientStreamMethod[ReqT, RespT, Req, Resp]) invoke(ctx context.Context, payload []byte, s *streamIO) error {
	if len(payload) != 0 {
		return s.respondError(newStatusError(codes.InvalidArgument, "ttrpc: client-streaming request must carry an empty payload"))
	}
	ss := &serverStream{ctx: ctx, s: s}
	resp, err := m.fn(ctx, ss)
	if err != nil {
		return s.respondError(err)
	}
	return respondMarshaled(s, resp)
}

// DuplexStreamMethod registers a duplex-streaming handler (§4.7 "Duplex").
func DuplexStreamMethod[ReqT, RespT any, Req message[ReqT], Resp message[RespT]](fn func(ctx context.Context, stream ServerStream) error) Method {
	return duplexStreamMethod[ReqT, RespT, Req, Resp]{fn: fn}
}

type duplexStreamMethod[ReqT, RespT any, Req message[ReqT], Resp message[RespT]] struct {
	fn func(context.Context, ServerStream) error
}

func (duplexStreamMethod[ReqT, RespT, Req, Resp]) shape() methodShape { return shapeDuplexStreaming }

func (m duplexStreamMethod[ReqT, RespT, Req, Resp]) invoke(ctx context.Context, payload []byte, s *streamIO) error {
	if len(payload) != 0 {
		return s.respondError(newStatusError(codes.InvalidArgument, "ttrpc: duplex-streaming request must carry an empty payload"))
	}
	ss := &serverStream{ctx: ctx, s: s}
	if err := m.fn(ctx, ss); err != nil {
		return s.respondError(err)
	}
	return s.closeData()
}

// respondMarshaled marshals resp and sends it as the call's Response,
// substituting a canned Internal status if the result is too large to
// encode as a single frame (§7: "A handler whose result encodes to more
// than 4 MiB is substituted with a canned 'Response too long' Internal
// Status").
func respondMarshaled(s *streamIO, resp Marshaler) error {
	b, err := resp.Marshal()
	if err != nil {
		return s.respondError(newStatusError(codes.Internal, "ttrpc: marshal response: %v", err))
	}
	// The Response frame carries b as field 2, so its payload is b plus that
	// field's tag and length prefix.
	if protowire.SizeTag(2)+protowire.SizeBytes(len(b)) > maxFrameSize {
		return s.respondError(newStatusError(codes.Internal, "ttrpc: response too long"))
	}
	return s.respond(b)
}
