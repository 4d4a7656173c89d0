package ttrpc

import (
	"context"
	"time"
)

// MD is request metadata: an ordered-within-key, unordered-across-keys
// mapping from key to a sequence of values (§3 Context, §9 Open Questions —
// this repo follows the source's own hash-map-of-keys behavior: key order
// is not preserved across a round trip, but the order of values within one
// key is).
type MD map[string][]string

// Clone returns a deep copy of md.
func (md MD) Clone() MD {
	out := make(MD, len(md))
	for k, vs := range md {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// Set replaces all values for key.
func (md MD) Set(key, value string) { md[key] = []string{value} }

// Append adds value to key's existing value sequence.
func (md MD) Append(key, value string) { md[key] = append(md[key], value) }

// Get returns key's value sequence, or nil if absent.
func (md MD) Get(key string) []string { return md[key] }

// toWire flattens md into the repeated-KeyValue shape carried by a Request
// (§3 Request.metadata), preserving each key's value order.
func (md MD) toWire() []KeyValue {
	var out []KeyValue
	for k, vs := range md {
		for _, v := range vs {
			out = append(out, KeyValue{Key: k, Value: v})
		}
	}
	return out
}

// mdFromWire rebuilds an MD from a Request's wire metadata, preserving
// per-key value order (§9 Open Questions).
func mdFromWire(kvs []KeyValue) MD {
	if len(kvs) == 0 {
		return nil
	}
	md := make(MD, len(kvs))
	for _, kv := range kvs {
		md[kv.Key] = append(md[kv.Key], kv.Value)
	}
	return md
}

// serverControllerKey is the context.Context key a handler uses to reach
// back into the owning Server's ServerController (§4.8, §6).
type serverControllerKeyType struct{}

var serverControllerKey = serverControllerKeyType{}

// metadataKeyType is the context.Context key holding inbound MD.
type metadataKeyType struct{}

var metadataKey = metadataKeyType{}

// WithMetadata attaches md to ctx, replacing any metadata already present.
func WithMetadata(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, metadataKey, md)
}

// MetadataFromContext returns the MD attached to ctx, if any.
func MetadataFromContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(metadataKey).(MD)
	return md, ok
}

// withServerController attaches controller, so that handler code can reach
// Shutdown/Terminate via ServerControllerFromContext.
func withServerController(ctx context.Context, c *ServerController) context.Context {
	return context.WithValue(ctx, serverControllerKey, c)
}

// ServerControllerFromContext returns the Server's controller, if ctx was
// derived from a server handler invocation (§4.8, §6: "ServerController
// obtainable from handler context").
func ServerControllerFromContext(ctx context.Context) (*ServerController, bool) {
	c, ok := ctx.Value(serverControllerKey).(*ServerController)
	return c, ok
}

// timeoutFromNanos converts a Request's timeout_nano (§3: "0 means no
// timeout") into the disjoint sum the design describes; Go expresses the
// "None" arm as a zero Duration paired with ok == false.
func timeoutFromNanos(n int64) (d time.Duration, ok bool) {
	if n <= 0 {
		return 0, false
	}
	return time.Duration(n), true
}
