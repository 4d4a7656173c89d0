package ttrpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	"github.com/skyrpc/ttrpc/idpool"
	"github.com/skyrpc/ttrpc/ttrpcstats"
)

// ServerOption configures a Server at construction time, mirroring the
// ClientOption conventions of client.go.
type ServerOption func(*Server)

// WithServerLogger sets the logrus.FieldLogger every connection's messageIO
// and dispatch loop logs through.
func WithServerLogger(log logrus.FieldLogger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithServerMetrics attaches a ttrpcstats.Collector to every call the server
// dispatches.
func WithServerMetrics(stats *ttrpcstats.Collector) ServerOption {
	return func(s *Server) { s.stats = stats }
}

// Server accepts connections and dispatches inbound Request frames to
// registered Methods (§4.8, C9/C10).
type Server struct {
	reg   *serviceRegistry
	log   logrus.FieldLogger
	stats *ttrpcstats.Collector

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     sync.WaitGroup

	shutdownCtx context.Context
	shutdown    context.CancelFunc

	closeOnce sync.Once
}

// NewServer constructs a Server with no services registered yet.
func NewServer(opts ...ServerOption) *Server {
	log := logrus.FieldLogger(logrus.StandardLogger())
	s := &Server{log: log, listeners: make(map[net.Listener]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	s.reg = newServiceRegistry(s.log)
	s.shutdownCtx, s.shutdown = context.WithCancel(context.Background())
	return s
}

// Register adds desc's methods to the server's dispatch table. Must be
// called before Serve begins accepting connections that exercise it; safe
// to call again later to add more services, though concurrent registration
// and dispatch is not synchronized (mirrors how the example pack's own
// xaction/service registries are built up once at startup).
func (s *Server) Register(desc *ServiceDesc) {
	s.reg.register(desc)
}

// ServerController is what a handler reaches via ServerControllerFromContext
// to affect the Server that's running it (§4.8, §6).
type ServerController struct {
	s *Server
}

// Shutdown stops accepting new connections and waits for in-flight calls to
// finish, or for ctx to be done, whichever comes first.
func (c *ServerController) Shutdown(ctx context.Context) error { return c.s.Shutdown(ctx) }

// Terminate stops accepting new connections and returns without waiting;
// see Server.Terminate.
func (c *ServerController) Terminate() error { return c.s.Terminate() }

// Serve accepts connections from l until ctx is done or the server is
// shut down/terminated, dispatching each to its own goroutine (§4.8
// pseudocode: accept loop select{new conn, task done, shutdown}).
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	controller := &ServerController{s: s}

	// Accept does not observe ctx; closing l when ctx is done unblocks it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdownCtx.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn, controller)
		}()
	}
}

// Shutdown cancels accept loops gracefully: no more connections are taken,
// and Shutdown blocks until every already-accepted connection's in-flight
// calls finish naturally or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.shutdown()
		s.mu.Lock()
		for l := range s.listeners {
			_ = l.Close()
		}
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate is Shutdown's non-waiting sibling: it stops accepting new
// connections and returns at once. It does not close already-accepted
// connections: each connection stops taking new requests, but its
// in-flight calls still run to completion and can still send their
// responses. After Shutdown has run, Terminate does nothing.
func (s *Server) Terminate() error {
	s.closeOnce.Do(func() {
		s.shutdown()
		s.mu.Lock()
		for l := range s.listeners {
			_ = l.Close()
		}
		s.mu.Unlock()
	})
	return nil
}

// handleConn owns one accepted connection end to end: its own idpool (ids
// are only ever odd and only ever claimed by inbound client requests — the
// server never mints one of its own, §4.3), its own messageIO, and the
// stray-frame triage loop that turns new Request frames into dispatched
// calls (§4.7).
func (s *Server) handleConn(ctx context.Context, conn net.Conn, controller *ServerController) {
	ids := idpool.New()
	mio := newMessageIO(conn, ids, s.log, s.stats)
	defer mio.fail(errServerConnClosed)

	// calls fans every dispatched request out onto its own goroutine and
	// lets handleConn block, on the way out, until they have all returned
	// — the same errgroup.Group the teacher's own bulk-operation walkers
	// use to fan out and rejoin a bounded set of worker goroutines.
	var calls errgroup.Group
	defer calls.Wait()

	for {
		select {
		case sf, ok := <-mio.Stray():
			if !ok {
				return
			}
			s.triage(ctx, mio, controller, sf, &calls)
		case <-mio.Done():
			return
		case <-ctx.Done():
			return
		case <-s.shutdownCtx.Done():
			return
		}
	}
}

var errServerConnClosed = errors.New("ttrpc: server connection closed")

// triage classifies one frame that arrived on a stream id the multiplexer
// didn't already know about (§4.7): a well-formed new Request opens a
// stream and dispatches; anything else is rejected or dropped without
// disturbing the rest of the connection.
func (s *Server) triage(ctx context.Context, mio *messageIO, controller *ServerController, sf strayFrame, calls *errgroup.Group) {
	if sf.f.streamID%2 == 0 {
		s.log.Warnf("ttrpc: dropping frame on invalid (even) stream id %d", sf.f.streamID)
		releasePayload(sf.f)
		return
	}
	if wireToType(sf.f.typ) != messageTypeRequest {
		s.log.Debugf("ttrpc: dropping stray %s frame on unknown stream %d", wireToType(sf.f.typ), sf.f.streamID)
		releasePayload(sf.f)
		return
	}

	id := sf.f.streamID
	sid, rx, ok := mio.OpenStream(&id)
	if !ok {
		s.rejectRaw(mio, id, newStatusError(codes.Internal, "ttrpc: stream %d already in use", id))
		releasePayload(sf.f)
		return
	}
	st := &streamIO{io: mio, id: sid, rx: rx}

	calls.Go(func() error {
		defer st.Close()
		s.dispatch(ctx, controller, st, sf.f)
		return nil
	})
}

// rejectRaw sends a Response carrying err directly on id, for the case
// where OpenStream itself failed and there is no streamIO to send through.
func (s *Server) rejectRaw(mio *messageIO, id uint32, err error) {
	resp := &Response{Status: toProtoStatus(err)}
	b, merr := resp.Marshal()
	if merr != nil {
		return
	}
	buf, eerr := encodeFrame(wireTypeResponse, id, 0, b)
	if eerr != nil {
		return
	}
	_ = mio.send(buf)
}

// dispatch decodes f as a Request, validates it, and runs the registered
// Method, racing its completion against the request's timeout (§4.7's
// "per-call deadline", §8 scenario 2). Exactly one terminal frame reaches
// the wire regardless of which side of that race wins, guaranteed by
// streamIO.terminated.
func (s *Server) dispatch(ctx context.Context, controller *ServerController, st *streamIO, f frame) {
	defer releasePayload(f)

	var req Request
	ep := newEncodedPayload(f)
	if err := ep.Unmarshal(messageTypeRequest, &req); err != nil {
		st.respondError(newStatusError(codes.InvalidArgument, "ttrpc: error decoding message: %v", err))
		return
	}

	path := "/" + req.Service + "/" + req.Method
	method, ok := s.reg.lookup(path)
	if !ok {
		st.respondError(newStatusError(codes.NotFound, "%s is not supported", path))
		return
	}

	if want := method.shape().expectedFlags(); f.flags != want {
		st.respondError(newStatusError(codes.InvalidArgument,
			"Invalid request flags. Expected %#02x, found %#02x", want, f.flags))
		return
	}

	callCtx := ctx
	if md := mdFromWire(req.Metadata); md != nil {
		callCtx = WithMetadata(callCtx, md)
	}
	callCtx = withServerController(callCtx, controller)

	var cancel context.CancelFunc
	if d, hasTimeout := timeoutFromNanos(req.TimeoutNano); hasTimeout {
		callCtx, cancel = context.WithTimeout(callCtx, d)
	} else {
		callCtx, cancel = context.WithCancel(callCtx)
	}
	defer cancel()

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		method.invoke(callCtx, req.Payload, st)
	}()

	select {
	case <-done:
	case <-callCtx.Done():
		// The handler goroutine is abandoned; its eventual respond/
		// respondError/closeData call becomes a no-op against
		// streamIO.terminated. Cancelled (the ctx passed to Serve was
		// cancelled) and DeadlineExceeded (per-call timeout)
		// are distinguished so a caller sees the right code.
		if callCtx.Err() == context.DeadlineExceeded {
			st.respondError(newStatusError(codes.DeadlineExceeded, "ttrpc: call timed out"))
		} else {
			st.respondError(newStatusError(codes.Cancelled, "ttrpc: call cancelled"))
		}
	}

	s.stats.ObserveCall(req.Service, req.Method, st.loadStatusCode().String(), time.Since(start))
}
