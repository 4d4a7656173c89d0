package ttrpc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/skyrpc/ttrpc/bufpool"
	"google.golang.org/grpc/codes"
)

// maxFrameSize is the hard ceiling on a Frame's payload, per §6: 4 MiB.
const maxFrameSize = 4 << 20 // 4,194,304 bytes

// frameHeaderSize is the fixed, big-endian header preceding every payload:
// length(4) + stream_id(4) + type(1) + flags(1).
const frameHeaderSize = 10

// Flag bits over Frame.Flags (§3). Bits outside this set are retained
// verbatim by the codec and never interpreted.
const (
	flagRemoteClosed uint8 = 0x01
	flagRemoteOpen   uint8 = 0x02
	flagNoData       uint8 = 0x04
)

// wire type ids (§3 Frame.type); see message.go for the in-memory mapping.
const (
	wireTypeRequest  uint8 = 1
	wireTypeResponse uint8 = 2
	wireTypeData     uint8 = 3
)

// frame is the atomic unit on the wire (§3). Payload is a pooled buffer
// owned by the frame until it is consumed via encodedPayload.
type frame struct {
	length    uint32
	streamID  uint32
	typ       uint8
	flags     uint8
	payload   []byte
	oversized bool // true if the payload exceeded maxFrameSize and was discarded
}

// encodeFrame returns the frame as a single frameHeaderSize+len(payload)
// byte buffer, so that writes remain atomic from the caller's point of view
// (see the writer goroutine in io.go, which relies on that). A payload over
// maxFrameSize fails with an InvalidArgument status.
func encodeFrame(typ uint8, streamID uint32, flags uint8, payload []byte) ([]byte, error) {
	if len(payload) > maxFrameSize {
		return nil, newStatusError(codes.InvalidArgument, "ttrpc: frame payload of %d bytes exceeds %d byte maximum", len(payload), maxFrameSize)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], streamID)
	buf[8] = typ
	buf[9] = flags
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// readFrame reads one frame's header and payload from r.
//
// When the declared length exceeds maxFrameSize, readFrame still consumes
// exactly frameHeaderSize+length bytes from r (discarding the payload) so
// that the stream stays byte-aligned for the next frame, and returns the
// parsed header, with no payload, together with errOversizedPayload.
func readFrame(r io.Reader) (frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}

	f := frame{
		length:   binary.BigEndian.Uint32(hdr[0:4]),
		streamID: binary.BigEndian.Uint32(hdr[4:8]),
		typ:      hdr[8],
		flags:    hdr[9],
	}

	if f.length > maxFrameSize {
		if _, err := io.CopyN(io.Discard, r, int64(f.length)); err != nil {
			return frame{}, errors.Wrap(err, "discard oversized frame payload")
		}
		return f, errOversizedPayload
	}

	buf := bufpool.Get(int(f.length))
	buf = buf[:f.length]
	if f.length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return frame{}, err
		}
	}
	f.payload = buf
	return f, nil
}

// errOversizedPayload is returned by readFrame when a frame declares a
// length greater than maxFrameSize; see §4.1. readLoop marks such a frame
// oversized, and its encodedPayload then fails to decode with an
// InvalidArgument "Oversized payload" status.
var errOversizedPayload = errors.New("ttrpc: oversized payload")
