package ttrpc

import (
	"context"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// streamIO is the per-logical-stream façade over the shared messageIO
// (§4.5, C7): a typed sender and a typed receiver sharing one stream id.
// Closing it both removes the stream's inbound channel from the
// multiplexer and releases the id for reuse (the Go stand-in for "the
// StreamGuard is dropped" — Go has no destructors, so Close is explicit).
type streamIO struct {
	io        *messageIO
	id        uint32
	rx        <-chan frame
	closeOnce sync.Once

	// terminated latches at most one terminal send (Response, or the
	// closing Data frame) per stream. A server handler races its work
	// against a timeout (§4.7); once the timeout path wins and sends
	// DeadlineExceeded, the abandoned handler goroutine's own eventual
	// respond/respondError/closeData becomes a silent no-op instead of
	// writing a second frame onto an id that may already have been
	// recycled to a new stream.
	terminated atomic.Bool

	// statusCode records the gRPC code of the terminal Response this
	// stream actually sent (codes.OK for a plain respond), so the server
	// connection loop can report it to ttrpcstats without having to thread
	// the handler's return value back out of Method.invoke.
	statusCode atomic.Value // codes.Code
}

func (s *streamIO) loadStatusCode() codes.Code {
	if v := s.statusCode.Load(); v != nil {
		return v.(codes.Code)
	}
	return codes.Unknown
}

func (m *messageIO) open(id *uint32) (*streamIO, bool) {
	sid, rx, ok := m.OpenStream(id)
	if !ok {
		return nil, false
	}
	return &streamIO{io: m, id: sid, rx: rx}, true
}

// Close releases the stream's id for reuse. It does not close the
// underlying connection. Safe to call more than once.
func (s *streamIO) Close() {
	s.closeOnce.Do(func() {
		s.io.closeStream(s.id)
	})
}

// send serializes and enqueues one frame, returning once the writer
// goroutine has written it (or failed).
func (s *streamIO) send(typ uint8, flags uint8, payload []byte) error {
	buf, err := encodeFrame(typ, s.id, flags, payload)
	if err != nil {
		return err
	}
	return s.io.send(buf)
}

func (s *streamIO) sendRequest(req *Request, flags uint8) error {
	b, err := req.Marshal()
	if err != nil {
		return err
	}
	return s.send(wireTypeRequest, flags, b)
}

func (s *streamIO) respond(payload []byte) error {
	if !s.terminated.CompareAndSwap(false, true) {
		return nil
	}
	s.statusCode.Store(codes.OK)
	resp := &Response{Payload: payload}
	b, err := resp.Marshal()
	if err != nil {
		return newStatusError(codes.Internal, "marshal response: %v", err)
	}
	return s.send(wireTypeResponse, 0, b)
}

func (s *streamIO) respondError(err error) error {
	if !s.terminated.CompareAndSwap(false, true) {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		s.statusCode.Store(st.Code())
	} else {
		s.statusCode.Store(codes.Unknown)
	}
	resp := &Response{Status: toProtoStatus(err)}
	b, merr := resp.Marshal()
	if merr != nil {
		return merr
	}
	return s.send(wireTypeResponse, 0, b)
}

func (s *streamIO) data(payload []byte) error {
	d := &Data{Payload: payload}
	b, err := d.Marshal()
	if err != nil {
		return err
	}
	return s.send(wireTypeData, 0, b)
}

func (s *streamIO) closeData() error {
	if !s.terminated.CompareAndSwap(false, true) {
		return nil
	}
	s.statusCode.Store(codes.OK)
	return s.send(wireTypeData, flagRemoteClosed|flagNoData, nil)
}

// recv waits for the next inbound frame on this stream, or for ctx to be
// done, or for the stream to close (rx closed by the multiplexer).
func (s *streamIO) recv(ctx context.Context) (frame, bool, error) {
	select {
	case f, ok := <-s.rx:
		return f, ok, nil
	case <-ctx.Done():
		return frame{}, false, ctx.Err()
	}
}
