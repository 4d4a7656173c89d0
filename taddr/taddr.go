// Package taddr resolves the ttrpc address schemes of §6 into dialable or
// listenable net endpoints. Establishing the endpoint itself (binding,
// accepting, connecting) is explicitly outside the protocol core (§1); this
// package is the external collaborator the core spec refers to, built with
// the platform-networking libraries the example pack itself reaches for
// (github.com/Microsoft/go-winio for Windows pipes, github.com/mdlayher/vsock
// for VSOCK).
package taddr

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/Microsoft/go-winio"
	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
)

// Parse splits raw into a (network, address) pair per §6's four schemes.
func Parse(raw string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(raw, "tcp://"):
		return "tcp", strings.TrimPrefix(raw, "tcp://"), nil

	case strings.HasPrefix(raw, "unix://@"):
		// Linux/Android abstract namespace: the leading NUL is implicit.
		return "unix", "@" + strings.TrimPrefix(raw, "unix://@"), nil

	case strings.HasPrefix(raw, "unix://"):
		return "unix", strings.TrimPrefix(raw, "unix://"), nil

	case strings.HasPrefix(raw, `\\.\pipe\`):
		return "pipe", raw, nil

	case strings.HasPrefix(raw, "vsock://"):
		return "vsock", strings.TrimPrefix(raw, "vsock://"), nil

	default:
		return "", "", errors.Errorf("ttrpc: unrecognized address scheme %q", raw)
	}
}

// parseVsock splits "CID:PORT" using base-0 integer parsing, so that 0x/0o/0b
// literals are accepted alongside decimal (§6).
func parseVsock(address string) (cid, port uint32, err error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("ttrpc: malformed vsock address %q, want CID:PORT", address)
	}
	c, err := strconv.ParseUint(parts[0], 0, 32)
	if err != nil {
		return 0, 0, errors.Wrap(err, "ttrpc: parse vsock CID")
	}
	p, err := strconv.ParseUint(parts[1], 0, 32)
	if err != nil {
		return 0, 0, errors.Wrap(err, "ttrpc: parse vsock PORT")
	}
	return uint32(c), uint32(p), nil
}

// Dial connects to raw, dispatching to the scheme-appropriate dialer.
func Dial(ctx context.Context, raw string) (net.Conn, error) {
	network, address, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	switch network {
	case "pipe":
		return winio.DialPipeContext(ctx, address)
	case "vsock":
		cid, port, err := parseVsock(address)
		if err != nil {
			return nil, err
		}
		return vsock.Dial(cid, port, nil)
	default:
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
}

// Listen binds raw, dispatching to the scheme-appropriate listener.
func Listen(ctx context.Context, raw string) (net.Listener, error) {
	network, address, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	switch network {
	case "pipe":
		return winio.ListenPipe(address, nil)
	case "vsock":
		cid, port, err := parseVsock(address)
		if err != nil {
			return nil, err
		}
		return vsock.ListenContextID(cid, port, nil)
	default:
		var lc net.ListenConfig
		return lc.Listen(ctx, network, address)
	}
}
