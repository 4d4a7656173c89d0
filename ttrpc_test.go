package ttrpc

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// stringMsg is a minimal Marshaler/Unmarshaler used by every test in this
// file in place of a protoc-generated type (§1 explicitly puts codegen out
// of scope for this repo).
type stringMsg struct{ V string }

func (m stringMsg) Marshal() ([]byte, error)  { return []byte(m.V), nil }
func (m *stringMsg) Unmarshal(b []byte) error { m.V = string(b); return nil }

type intMsg struct{ V int64 }

func (m intMsg) Marshal() ([]byte, error) {
	if m.V == 0 {
		return nil, nil
	}
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(m.V >> (8 * uint(i)))
	}
	return b, nil
}

func (m *intMsg) Unmarshal(b []byte) error {
	var v int64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= int64(b[i]) << (8 * uint(i))
	}
	m.V = v
	return nil
}

// dialedPair starts a Server on a loopback TCP listener with desc registered
// and returns a connected Client plus a teardown func.
func dialedPair(t *testing.T, descs ...*ServiceDesc) (*Client, *Server, func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer()
	for _, d := range descs {
		srv.Register(d)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, l)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	client := NewClient(conn)

	teardown := func() {
		client.Close()
		cancel()
		l.Close()
	}
	return client, srv, teardown
}

func healthDesc(check func(ctx context.Context, req *stringMsg) (*stringMsg, error)) *ServiceDesc {
	return &ServiceDesc{
		Name: "grpc.Health",
		Methods: map[string]Method{
			"Check": UnaryMethod[stringMsg, stringMsg, *stringMsg, *stringMsg](check),
		},
	}
}

func TestUnaryCallSuccess(t *testing.T) {
	desc := healthDesc(func(_ context.Context, req *stringMsg) (*stringMsg, error) {
		return &stringMsg{V: "serving:" + req.V}, nil
	})
	client, _, teardown := dialedPair(t, desc)
	defer teardown()

	var resp stringMsg
	req := stringMsg{V: "db"}
	err := client.Call(context.Background(), "grpc.Health", "Check", req, &resp)
	require.NoError(t, err)
	require.Equal(t, "serving:db", resp.V)
}

func TestUnaryCallTimeout(t *testing.T) {
	started := make(chan struct{})
	desc := healthDesc(func(ctx context.Context, _ *stringMsg) (*stringMsg, error) {
		close(started)
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
		}
		return &stringMsg{}, nil
	})
	client, _, teardown := dialedPair(t, desc)
	defer teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var resp stringMsg
	err := client.Call(ctx, "grpc.Health", "Check", stringMsg{}, &resp)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.DeadlineExceeded, st.Code())
	<-started
}

func TestUnknownMethod(t *testing.T) {
	desc := healthDesc(func(context.Context, *stringMsg) (*stringMsg, error) { return &stringMsg{}, nil })
	client, _, teardown := dialedPair(t, desc)
	defer teardown()

	var resp stringMsg
	err := client.Call(context.Background(), "grpc.Health", "Phantom", stringMsg{}, &resp)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.NotFound, st.Code())
	require.Equal(t, "/grpc.Health/Phantom is not supported", st.Message())
}

func TestServerStreaming(t *testing.T) {
	desc := &ServiceDesc{
		Name: "test.Divider",
		Methods: map[string]Method{
			"DivideStream": ServerStreamMethod[intMsg, intMsg, *intMsg, *intMsg](func(_ context.Context, req *intMsg, stream ServerStream) error {
				parts := int64(4)
				each := req.V / parts
				for i := int64(0); i < parts; i++ {
					if err := stream.SendMsg(&intMsg{V: each}); err != nil {
						return err
					}
				}
				return nil
			}),
		},
	}
	client, _, teardown := dialedPair(t, desc)
	defer teardown()

	stream, err := client.NewStream(context.Background(), &StreamDesc{ServerStreams: true}, "test.Divider", "DivideStream", &intMsg{V: 392})
	require.NoError(t, err)
	defer stream.Close()

	var total int64
	for {
		var part intMsg
		err := stream.Recv(&part)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		total += part.V
	}
	require.Equal(t, int64(392), total)
}

func TestClientStreaming(t *testing.T) {
	desc := &ServiceDesc{
		Name: "test.Adder",
		Methods: map[string]Method{
			"Sum": ClientStreamMethod[intMsg, intMsg, *intMsg, *intMsg](func(_ context.Context, stream ServerStream) (*intMsg, error) {
				var sum int64
				for {
					var v intMsg
					err := stream.RecvMsg(&v)
					if err == io.EOF {
						break
					}
					if err != nil {
						return nil, err
					}
					sum += v.V
				}
				return &intMsg{V: sum}, nil
			}),
		},
	}
	client, _, teardown := dialedPair(t, desc)
	defer teardown()

	stream, err := client.NewStream(context.Background(), &StreamDesc{ClientStreams: true}, "test.Adder", "Sum", &intMsg{})
	require.NoError(t, err)

	const n = 201
	var want int64
	for i := int64(1); i <= n; i++ {
		require.NoError(t, stream.Send(&intMsg{V: i}))
		want += i
	}
	require.NoError(t, stream.CloseSend())

	var resp intMsg
	err = stream.Recv(&resp)
	require.NoError(t, err)
	require.Equal(t, want, resp.V)
	stream.Close()
}

func TestDuplexEcho(t *testing.T) {
	desc := &ServiceDesc{
		Name: "test.Echo",
		Methods: map[string]Method{
			"Echo": DuplexStreamMethod[intMsg, intMsg, *intMsg, *intMsg](func(_ context.Context, stream ServerStream) error {
				for {
					var v intMsg
					err := stream.RecvMsg(&v)
					if err == io.EOF {
						return nil
					}
					if err != nil {
						return err
					}
					if err := stream.SendMsg(&v); err != nil {
						return err
					}
				}
			}),
		},
	}
	client, _, teardown := dialedPair(t, desc)
	defer teardown()

	stream, err := client.NewStream(context.Background(), &StreamDesc{ClientStreams: true, ServerStreams: true}, "test.Echo", "Echo", &intMsg{})
	require.NoError(t, err)

	const n = 100
	go func() {
		for i := int64(1); i <= n; i++ {
			_ = stream.Send(&intMsg{V: i})
		}
		_ = stream.CloseSend()
	}()

	var got []int64
	for {
		var v intMsg
		err := stream.Recv(&v)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, v.V)
	}
	require.Len(t, got, n)
	stream.Close()
}

func TestGracefulShutdown(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	desc := healthDesc(func(ctx context.Context, _ *stringMsg) (*stringMsg, error) {
		close(inFlight)
		<-release
		return &stringMsg{V: "done"}, nil
	})
	client, srv, teardown := dialedPair(t, desc)
	defer teardown()

	done := make(chan error, 1)
	go func() {
		var resp stringMsg
		done <- client.Call(context.Background(), "grpc.Health", "Check", stringMsg{}, &resp)
	}()

	<-inFlight
	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- srv.Shutdown(context.Background())
	}()

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-shutdownDone)
}
