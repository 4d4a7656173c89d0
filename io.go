package ttrpc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/skyrpc/ttrpc/bufpool"
	"github.com/skyrpc/ttrpc/idpool"
	"github.com/skyrpc/ttrpc/ttrpcstats"
)

// strayFrame is handed to the server connection loop (see server.go) for any
// inbound frame whose stream id has no open stream: either a brand new
// client-initiated stream, or a frame that raced an already-closed one.
type strayFrame struct {
	streamID uint32
	f        frame
}

// writeRequest is one entry in the writer goroutine's outbound queue. ack
// receives the result of messageIO.conn.Write once the writer has written
// buf. If the multiplexer shuts down first, ack receives nothing; send
// observes the shutdown through messageIO.closed and returns the fatal error.
type writeRequest struct {
	buf []byte
	ack chan<- error
}

// messageIO owns the single reader half and writer half of one ttrpc
// connection and fans it out into many concurrent logical streams (§4.4,
// C6). Exactly one reader goroutine and one writer goroutine ever touch the
// underlying io.ReadWriteCloser.
type messageIO struct {
	conn  io.ReadWriteCloser
	ids   *idpool.Pool
	log   logrus.FieldLogger
	stats *ttrpcstats.Collector

	mu      sync.Mutex
	streams map[uint32]chan frame

	strayCh chan strayFrame
	outCh   chan writeRequest

	closeOnce sync.Once
	closed    chan struct{}
	errVal    atomic.Value // error
}

func newMessageIO(conn io.ReadWriteCloser, ids *idpool.Pool, log logrus.FieldLogger, stats *ttrpcstats.Collector) *messageIO {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &messageIO{
		conn:    conn,
		ids:     ids,
		log:     log,
		stats:   stats,
		streams: make(map[uint32]chan frame),
		strayCh: make(chan strayFrame, 64),
		outCh:   make(chan writeRequest, 64),
		closed:  make(chan struct{}),
	}
	go m.readLoop()
	go m.writeLoop()
	return m
}

// Stray surfaces inbound frames that didn't map onto a known, open stream.
func (m *messageIO) Stray() <-chan strayFrame { return m.strayCh }

// Done is closed when fail runs: by then the connection and every open
// stream's channel have been closed. The reader and writer goroutines may
// still be exiting when Done is closed.
func (m *messageIO) Done() <-chan struct{} { return m.closed }

// Err returns the fatal transport error that shut the multiplexer down, if
// any. Safe to call after or concurrently with Done() closing.
func (m *messageIO) Err() error {
	if v := m.errVal.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// fail records err (first one wins), closes every open stream's channel,
// closes closed, and closes the connection. Callers blocked in send return
// the recorded error. Idempotent.
func (m *messageIO) fail(err error) {
	m.closeOnce.Do(func() {
		m.errVal.Store(err)
		m.mu.Lock()
		for id, ch := range m.streams {
			close(ch)
			delete(m.streams, id)
		}
		m.mu.Unlock()
		close(m.closed)
		_ = m.conn.Close()
	})
}

// OpenStream claims id (or mints a fresh odd client id when id == nil),
// creating the stream's inbound channel. ok is false if id was already
// claimed.
func (m *messageIO) OpenStream(id *uint32) (sid uint32, rx <-chan frame, ok bool) {
	ch := make(chan frame, 256)
	// The id pool is not safe for concurrent use, and calls may open streams
	// from many goroutines at once, so the id is claimed under mu as well.
	m.mu.Lock()
	if id == nil {
		sid = m.ids.NewID()
	} else {
		sid = *id
		if !m.ids.RequestID(sid) {
			m.mu.Unlock()
			return 0, nil, false
		}
	}

	if _, exists := m.streams[sid]; exists {
		m.mu.Unlock()
		m.ids.Release(sid)
		return 0, nil, false
	}
	m.streams[sid] = ch
	m.mu.Unlock()
	m.stats.StreamOpened()
	return sid, ch, true
}

// closeStream removes id's inbound channel, if still present, and releases
// the id back to the pool. Safe to call once the stream is fully done.
func (m *messageIO) closeStream(id uint32) {
	m.mu.Lock()
	ch, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
		close(ch)
	}
	m.mu.Unlock()
	if ok {
		m.stats.StreamClosed()
	}
	m.ids.Release(id)
}

// send enqueues buf for the writer goroutine and blocks until it has been
// written (or the multiplexer has failed).
func (m *messageIO) send(buf []byte) error {
	ack := make(chan error, 1)
	select {
	case m.outCh <- writeRequest{buf: buf, ack: ack}:
	case <-m.closed:
		return m.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-m.closed:
		if err := m.Err(); err != nil {
			return err
		}
		return io.ErrClosedPipe
	}
}

func (m *messageIO) readLoop() {
	for {
		f, err := readFrame(m.conn)
		if err != nil && err != errOversizedPayload {
			m.fail(err)
			return
		}
		// err == errOversizedPayload: the header parsed fine and the
		// offending bytes were already discarded by readFrame; the frame
		// is routed as usual and its consumer's decode will fail with
		// InvalidArgument (see encodedPayload.Unmarshal in encoded.go and
		// the oversized marker below).
		if err == errOversizedPayload {
			f.oversized = true
		}
		m.stats.AddBytesRecv(frameHeaderSize + len(f.payload))

		// The lookup, the non-blocking send, and closeStream/fail's close(ch)
		// all happen under mu, so a frame can never be dispatched to a
		// channel that's being (or has been) closed concurrently — without
		// that, a frame arriving between "look up ch" and "send on ch"
		// while another goroutine is tearing the stream down would panic
		// sending on a closed channel (§4.6 "monitor_stream"'s stray extra
		// inbound frame after a stream's terminal frame).
		m.mu.Lock()
		ch, ok := m.streams[f.streamID]
		if ok {
			select {
			case ch <- f:
				m.mu.Unlock()
				continue
			default:
				// a generously buffered channel that's genuinely full means
				// the consumer is gone or stalled; treat it like a stray.
			}
		}
		m.mu.Unlock()

		select {
		case m.strayCh <- strayFrame{streamID: f.streamID, f: f}:
		case <-m.closed:
			return
		}
	}
}

func (m *messageIO) writeLoop() {
	for {
		select {
		case wr := <-m.outCh:
			n, err := m.conn.Write(wr.buf)
			m.stats.AddBytesSent(n)
			wr.ack <- err
			if err != nil {
				m.fail(err)
				return
			}
		case <-m.closed:
			return
		}
	}
}

// releasePayload returns a frame's pooled payload buffer once the consumer
// is done with it. Frames with a nil payload (including an oversized frame,
// whose payload is never populated) are no-ops.
func releasePayload(f frame) {
	if f.payload != nil {
		bufpool.Put(f.payload)
	}
}
