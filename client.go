package ttrpc

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skyrpc/ttrpc/idpool"
	"github.com/skyrpc/ttrpc/taddr"
	"github.com/skyrpc/ttrpc/ttrpcstats"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Marshaler and Unmarshaler stand in for the generated, protobuf-typed
// request/response values a real service stub would produce (§1: protobuf
// code generation is an external, build-time collaborator). Callers of the
// core API marshal their own message types down to bytes.
type Marshaler interface {
	Marshal() ([]byte, error)
}

type Unmarshaler interface {
	Unmarshal([]byte) error
}

// bytesMessage lets raw []byte payloads satisfy Marshaler/Unmarshaler
// directly, for callers (and this repo's own tests) that don't need a
// richer message type.
type bytesMessage []byte

func (b bytesMessage) Marshal() ([]byte, error) { return b, nil }
func (b *bytesMessage) Unmarshal(p []byte) error {
	*b = append((*b)[:0], p...)
	return nil
}

// StreamDesc describes a streaming method's call shape (§1, §4.6), mirroring
// the client/server-streaming booleans convention used throughout the
// example pack's own grpc-shaped code.
type StreamDesc struct {
	ClientStreams bool
	ServerStreams bool
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithClientLogger overrides the Client's logger, defaulting to
// logrus.StandardLogger() (§4.11, C15).
func WithClientLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithClientMetrics attaches a metrics collector (§4.10, C14).
func WithClientMetrics(stats *ttrpcstats.Collector) ClientOption {
	return func(c *Client) { c.stats = stats }
}

// Client is a ttrpc client bound to one multiplexed connection (§4.6, C8).
// WithMetadata/WithTimeout (§6) return a derived Client sharing the same
// underlying multiplexer and id pool. There is no context-deriving variant;
// Call and NewStream take their context.Context per call.
type Client struct {
	io      *messageIO
	ids     *idpool.Pool
	md      MD
	timeout time.Duration
	log     logrus.FieldLogger
	stats   *ttrpcstats.Collector

	closeOnce sync.Once
}

// NewClient wraps an already-established duplex byte stream (§6:
// "Client::new(bytestream)").
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	ids := idpool.New()
	c := &Client{
		ids: ids,
		log: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.io = newMessageIO(conn, ids, c.log, c.stats)
	go c.drainStray()
	return c
}

// Dial connects to address (§6 address schemes, via taddr) and wraps the
// resulting connection (§6: "Client::connect(address)").
func Dial(ctx context.Context, address string, opts ...ClientOption) (*Client, error) {
	conn, err := taddr.Dial(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "ttrpc: dial")
	}
	return NewClient(conn, opts...), nil
}

// drainStray discards frames that arrive for a stream id the client no
// longer recognizes (the client never accepts server-initiated streams,
// §1 Non-goals, so a stray frame here is always a late/duplicate arrival
// for an id the client has already released).
func (c *Client) drainStray() {
	for range c.io.Stray() {
	}
}

// WithMetadata returns a derived Client that attaches md to every call,
// merged over any metadata already attached.
func (c *Client) WithMetadata(md MD) *Client {
	cp := *c
	merged := c.md.Clone()
	if merged == nil {
		merged = make(MD, len(md))
	}
	for k, vs := range md {
		merged[k] = append(append([]string(nil)), vs...)
	}
	cp.md = merged
	return &cp
}

// WithTimeout returns a derived Client whose calls default to timeout d.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cp := *c
	cp.timeout = d
	return &cp
}

// Close shuts down the underlying multiplexer. In-flight calls observe it
// as a transport failure (Aborted, §7).
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.io.fail(io.ErrClosedPipe)
	})
	return nil
}

func (c *Client) effectiveTimeout(ctx context.Context) (time.Duration, bool) {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl), true
	}
	if c.timeout > 0 {
		return c.timeout, true
	}
	return 0, false
}

func (c *Client) newRequest(ctx context.Context, service, method string, payload []byte) *Request {
	req := &Request{Service: service, Method: method, Payload: payload}
	if md, ok := MetadataFromContext(ctx); ok {
		req.Metadata = append(req.Metadata, md.toWire()...)
	}
	req.Metadata = append(req.Metadata, c.md.toWire()...)
	if d, ok := c.effectiveTimeout(ctx); ok && d > 0 {
		req.TimeoutNano = int64(d)
	}
	return req
}

// callContext derives the per-call context used to race the call's state
// machine against its deadline (§4.6 harness).
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d, ok := c.effectiveTimeout(ctx); ok && d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// errStreamClosed reports a frame on stream id that the call cannot accept:
// ClientStream.Recv returns it for a frame whose type is neither Response
// nor Data. Frames that arrive after a call's terminal frame are not
// watched for.
func errStreamClosed(id uint32) error {
	return newStatusError(codes.Internal, "ttrpc: unexpected frame on stream %d", id)
}

// ---- Unary (§4.6 "Unary") ----

// Call issues a unary request and waits for exactly one Response frame.
func (c *Client) Call(ctx context.Context, service, method string, req Marshaler, resp Unmarshaler) (err error) {
	start := time.Now()
	defer func() {
		c.stats.ObserveCall(service, method, callStatusCode(err).String(), time.Since(start))
	}()

	payload, merr := req.Marshal()
	if merr != nil {
		return merr
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	s, ok := c.io.open(nil)
	if !ok {
		return newStatusError(codes.Internal, "ttrpc: failed to allocate stream id")
	}
	defer s.Close()

	if err := s.sendRequest(c.newRequest(ctx, service, method, payload), 0); err != nil {
		return c.classifyTransportErr(err)
	}

	f, ok2, err := s.recv(ctx)
	if err != nil {
		return c.timeoutOrErr(ctx, err)
	}
	if !ok2 {
		return newStatusError(codes.Aborted, "ttrpc: channel closed")
	}
	defer releasePayload(f)

	var r Response
	ep := newEncodedPayload(f)
	if err := ep.Unmarshal(messageTypeResponse, &r); err != nil {
		return err
	}
	if cerr := fromProtoStatus(r.Status); cerr != nil {
		return cerr
	}
	return resp.Unmarshal(r.Payload)
}

// callStatusCode reports the gRPC code a call completed with, for metrics
// purposes (§4.10), mirroring how the server side reads streamIO's latched
// status code.
func callStatusCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := grpcstatus.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

func (c *Client) timeoutOrErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return newStatusError(codes.DeadlineExceeded, "ttrpc: call timed out")
	}
	if ctx.Err() == context.Canceled {
		return newStatusError(codes.Cancelled, "ttrpc: call cancelled")
	}
	return c.classifyTransportErr(err)
}

func (c *Client) classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return newStatusError(codes.Unavailable, "ttrpc: %v", err)
}

// ---- Streaming (server-streaming / client-streaming / duplex) ----

// ClientStream drives one of the three streaming call shapes on the client
// side (§4.6).
type ClientStream struct {
	c    *Client
	s    *streamIO
	desc *StreamDesc
	ctx  context.Context

	mu         sync.Mutex
	sendClosed bool
	recvDone   bool

	cancel context.CancelFunc
}

// NewStream opens a new logical stream for a server-streaming,
// client-streaming, or duplex-streaming call and sends the initiating
// Request frame per §4.6's per-shape opening contract.
func (c *Client) NewStream(ctx context.Context, desc *StreamDesc, service, method string, req Marshaler) (*ClientStream, error) {
	payload, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callContext(ctx)

	s, ok := c.io.open(nil)
	if !ok {
		cancel()
		return nil, newStatusError(codes.Internal, "ttrpc: failed to allocate stream id")
	}

	cs := &ClientStream{c: c, s: s, desc: desc, ctx: ctx, cancel: cancel}

	var flags uint8
	wireReq := c.newRequest(ctx, service, method, payload)
	if !desc.ClientStreams {
		// server-streaming: one Request, nothing more from the client.
		flags = flagRemoteClosed
		cs.sendClosed = true
	} else {
		// client-streaming / duplex: payload travels as Data frames.
		flags = flagRemoteOpen | flagNoData
		wireReq.Payload = nil
	}

	if err := s.sendRequest(wireReq, flags); err != nil {
		cancel()
		s.Close()
		return nil, c.classifyTransportErr(err)
	}
	return cs, nil
}

// Send sends one input item as a Data frame. Only valid when the call
// shape accepts client streaming (§4.6 client-streaming/duplex).
func (cs *ClientStream) Send(m Marshaler) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.sendClosed {
		return newStatusError(codes.FailedPrecondition, "ttrpc: send on a half-closed stream")
	}
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := cs.s.data(payload); err != nil {
		return cs.c.classifyTransportErr(err)
	}
	return nil
}

// CloseSend signals input exhaustion (§4.6 client-streaming: "close_data").
func (cs *ClientStream) CloseSend() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.sendClosed {
		return nil
	}
	cs.sendClosed = true
	return cs.s.closeData()
}

// Recv reads the next Data item for a server-streaming/duplex call, or the
// terminal Response for a client-streaming call. io.EOF marks normal
// stream end.
func (cs *ClientStream) Recv(m Unmarshaler) error {
	cs.mu.Lock()
	if cs.recvDone {
		cs.mu.Unlock()
		return io.EOF
	}
	cs.mu.Unlock()

	f, ok, err := cs.s.recv(cs.ctx)
	if err != nil {
		return cs.c.timeoutOrErr(cs.ctx, err)
	}
	if !ok {
		cs.markDone()
		return newStatusError(codes.Aborted, "ttrpc: channel closed")
	}
	defer releasePayload(f)

	ep := newEncodedPayload(f)
	switch wireToType(f.typ) {
	case messageTypeResponse:
		cs.markDone()
		var r Response
		if err := ep.Unmarshal(messageTypeResponse, &r); err != nil {
			return err
		}
		if cerr := fromProtoStatus(r.Status); cerr != nil {
			return cerr
		}
		if len(r.Payload) == 0 {
			return io.EOF
		}
		return m.Unmarshal(r.Payload)
	case messageTypeData:
		var d Data
		if err := ep.Unmarshal(messageTypeData, &d); err != nil {
			return err
		}
		terminal := f.flags&flagRemoteClosed != 0
		noData := f.flags&flagNoData != 0
		if terminal {
			cs.markDone()
		}
		if noData {
			if terminal {
				return io.EOF
			}
			return newStatusError(codes.Internal, "ttrpc: NO_DATA Data frame without the REMOTE_CLOSED terminal flag")
		}
		if err := m.Unmarshal(d.Payload); err != nil {
			return err
		}
		if terminal {
			return nil // last real item; a subsequent Recv returns io.EOF
		}
		return nil
	default:
		return errStreamClosed(cs.s.id)
	}
}

func (cs *ClientStream) markDone() {
	cs.mu.Lock()
	cs.recvDone = true
	cs.mu.Unlock()
}

// Close releases the stream. Safe to call after the call has naturally
// completed; idempotent.
func (cs *ClientStream) Close() {
	cs.cancel()
	cs.s.Close()
}
