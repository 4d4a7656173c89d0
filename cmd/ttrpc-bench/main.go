// Package main implements ttrpc-bench, a small load generator that dials a
// running ttrpc server and sends it sequential unary calls, reporting a
// latency summary (§6.1, C17). The streaming call shapes are not exercised. Grounded on the teacher's own
// cmd/cli, which reaches for github.com/urfave/cli v1 to build its
// command surface; this tool is a single-command app in the same style.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/urfave/cli"

	"github.com/skyrpc/ttrpc"
)

func main() {
	app := cli.NewApp()
	app.Name = "ttrpc-bench"
	app.Usage = "drive unary calls against a ttrpc server and report latency"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "address, a", Value: "tcp://127.0.0.1:10010", Usage: "server address (tcp://, unix://, unix://@, \\\\.\\pipe\\..., vsock://)"},
		cli.StringFlag{Name: "service, s", Value: "grpc.Health", Usage: "service name"},
		cli.StringFlag{Name: "method, m", Value: "Check", Usage: "method name"},
		cli.IntFlag{Name: "requests, n", Value: 1000, Usage: "number of sequential unary requests to send"},
		cli.DurationFlag{Name: "timeout, t", Value: 5 * time.Second, Usage: "per-call timeout"},
	}
	app.Action = runBench

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ttrpc-bench:", err)
		os.Exit(1)
	}
}

func runBench(c *cli.Context) error {
	address := c.String("address")
	service := c.String("service")
	method := c.String("method")
	n := c.Int("requests")
	timeout := c.Duration("timeout")

	dialCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := ttrpc.Dial(dialCtx, address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	defer client.Close()

	client = client.WithTimeout(timeout)

	durations := make([]time.Duration, 0, n)
	var failures int
	for i := 0; i < n; i++ {
		req := emptyMessage{}
		resp := emptyMessage{}
		start := time.Now()
		if err := client.Call(context.Background(), service, method, req, &resp); err != nil {
			failures++
			continue
		}
		durations = append(durations, time.Since(start))
	}

	report(os.Stdout, service, method, n, failures, durations)
	return nil
}

// emptyMessage is a stand-in request/response body for a bench target that
// takes no meaningful payload (e.g. a health check); real callers supply
// their own Marshaler/Unmarshaler types.
type emptyMessage struct{}

func (emptyMessage) Marshal() ([]byte, error) { return nil, nil }
func (*emptyMessage) Unmarshal(_ []byte) error { return nil }

func report(w *os.File, service, method string, n, failures int, d []time.Duration) {
	fmt.Fprintf(w, "%s/%s: %d requests, %d failed\n", service, method, n, failures)
	if len(d) == 0 {
		return
	}
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
	p := func(q float64) time.Duration { return d[int(float64(len(d)-1)*q)] }
	fmt.Fprintf(w, "  min=%s p50=%s p90=%s p99=%s max=%s\n",
		d[0], p(0.50), p(0.90), p(0.99), d[len(d)-1])
}
