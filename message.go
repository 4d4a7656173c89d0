package ttrpc

import (
	"github.com/pkg/errors"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// messageType tags the semantic kind of a Frame's payload, independent of
// the wire byte carried in the frame header (see frame.go). It lets the
// encoded-payload carrier (encodedPayload, in encoded.go) refuse to decode a buffer
// as the wrong kind of message.
type messageType uint8

const (
	messageTypeUnknown messageType = iota
	messageTypeRequest
	messageTypeResponse
	messageTypeData
)

func (t messageType) String() string {
	switch t {
	case messageTypeRequest:
		return "Request"
	case messageTypeResponse:
		return "Response"
	case messageTypeData:
		return "Data"
	default:
		return "Unknown"
	}
}

// typeToWire and wireToType map between the on-the-wire frame.Type byte
// (§3 Frame) and the in-memory messageType tag.
func typeToWire(t messageType) uint8 { return uint8(t) }

func wireToType(b uint8) messageType {
	switch b {
	case 1:
		return messageTypeRequest
	case 2:
		return messageTypeResponse
	case 3:
		return messageTypeData
	default:
		return messageTypeUnknown
	}
}

// KeyValue is one metadata entry as carried on the wire in a Request.
type KeyValue struct {
	Key   string
	Value string
}

// Request is the protobuf-shaped payload of a Request frame.
type Request struct {
	Service     string
	Method      string
	Payload     []byte
	TimeoutNano int64
	Metadata    []KeyValue
}

// Response is the protobuf-shaped payload of a Response frame.
type Response struct {
	Status  *status.Status
	Payload []byte
}

// Data is the protobuf-shaped payload of a Data frame.
type Data struct {
	Payload []byte
}

// Marshal encodes r using the standard protobuf wire format:
//
//	1: service   (string)
//	2: method    (string)
//	3: payload   (bytes)
//	4: timeout_nano (int64 varint)
//	5: metadata  (repeated message{1:key string, 2:value string})
func (r *Request) Marshal() ([]byte, error) {
	var b []byte
	if r.Service != "" {
		b = appendString(b, 1, r.Service)
	}
	if r.Method != "" {
		b = appendString(b, 2, r.Method)
	}
	if len(r.Payload) > 0 {
		b = appendBytes(b, 3, r.Payload)
	}
	if r.TimeoutNano != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.TimeoutNano))
	}
	for _, kv := range r.Metadata {
		var kvb []byte
		if kv.Key != "" {
			kvb = appendString(kvb, 1, kv.Key)
		}
		if kv.Value != "" {
			kvb = appendString(kvb, 2, kv.Value)
		}
		b = appendBytes(b, 5, kvb)
	}
	return b, nil
}

func (r *Request) Unmarshal(raw []byte) error {
	*r = Request{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "consume request tag")
		}
		raw = raw[n:]
		switch num {
		case 1:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "consume request.service")
			}
			r.Service = string(v)
			raw = raw[m:]
		case 2:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "consume request.method")
			}
			r.Method = string(v)
			raw = raw[m:]
		case 3:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "consume request.payload")
			}
			r.Payload = append([]byte(nil), v...)
			raw = raw[m:]
		case 4:
			v, m := protowire.ConsumeVarint(raw)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "consume request.timeout_nano")
			}
			r.TimeoutNano = int64(v)
			raw = raw[m:]
		case 5:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "consume request.metadata")
			}
			kv, err := unmarshalKeyValue(v)
			if err != nil {
				return err
			}
			r.Metadata = append(r.Metadata, kv)
			raw = raw[m:]
		default:
			m := skipField(raw, typ)
			if m < 0 {
				return errors.New("consume unknown request field")
			}
			raw = raw[m:]
		}
	}
	return nil
}

func unmarshalKeyValue(raw []byte) (KeyValue, error) {
	var kv KeyValue
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return kv, errors.Wrap(protowire.ParseError(n), "consume metadata tag")
		}
		raw = raw[n:]
		switch num {
		case 1:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return kv, errors.Wrap(protowire.ParseError(m), "consume metadata.key")
			}
			kv.Key = string(v)
			raw = raw[m:]
		case 2:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return kv, errors.Wrap(protowire.ParseError(m), "consume metadata.value")
			}
			kv.Value = string(v)
			raw = raw[m:]
		default:
			m := skipField(raw, typ)
			if m < 0 {
				return kv, errors.New("consume unknown metadata field")
			}
			raw = raw[m:]
		}
	}
	return kv, nil
}

// Marshal encodes resp as: 1: status (message), 2: payload (bytes).
func (resp *Response) Marshal() ([]byte, error) {
	var b []byte
	if resp.Status != nil && resp.Status.Code != 0 {
		sb, err := proto.Marshal(resp.Status)
		if err != nil {
			return nil, errors.Wrap(err, "marshal response.status")
		}
		b = appendBytes(b, 1, sb)
	}
	if len(resp.Payload) > 0 {
		b = appendBytes(b, 2, resp.Payload)
	}
	return b, nil
}

func (resp *Response) Unmarshal(raw []byte) error {
	*resp = Response{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "consume response tag")
		}
		raw = raw[n:]
		switch num {
		case 1:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "consume response.status")
			}
			st := &status.Status{}
			if err := proto.Unmarshal(v, st); err != nil {
				return errors.Wrap(err, "unmarshal response.status")
			}
			resp.Status = st
			raw = raw[m:]
		case 2:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "consume response.payload")
			}
			resp.Payload = append([]byte(nil), v...)
			raw = raw[m:]
		default:
			m := skipField(raw, typ)
			if m < 0 {
				return errors.New("consume unknown response field")
			}
			raw = raw[m:]
		}
	}
	return nil
}

// Marshal encodes d as: 1: payload (bytes).
func (d *Data) Marshal() ([]byte, error) {
	var b []byte
	if len(d.Payload) > 0 {
		b = appendBytes(b, 1, d.Payload)
	}
	return b, nil
}

func (d *Data) Unmarshal(raw []byte) error {
	*d = Data{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "consume data tag")
		}
		raw = raw[n:]
		switch num {
		case 1:
			v, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "consume data.payload")
			}
			d.Payload = append([]byte(nil), v...)
			raw = raw[m:]
		default:
			m := skipField(raw, typ)
			if m < 0 {
				return errors.New("consume unknown data field")
			}
			raw = raw[m:]
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(s))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// skipField consumes and discards one field value of the given wire type,
// returning the number of bytes consumed or a negative value on error.
func skipField(raw []byte, typ protowire.Type) int {
	switch typ {
	case protowire.VarintType:
		_, n := protowire.ConsumeVarint(raw)
		return n
	case protowire.Fixed32Type:
		_, n := protowire.ConsumeFixed32(raw)
		return n
	case protowire.Fixed64Type:
		_, n := protowire.ConsumeFixed64(raw)
		return n
	case protowire.BytesType:
		_, n := protowire.ConsumeBytes(raw)
		return n
	default:
		return -1
	}
}
