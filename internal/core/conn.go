package core

import (
	"context"

	"github.com/codyshepherd/lunar-rocks/internal/proto"
)

// Conn is the core's view of one live client connection. The transport
// layer owns the socket; the core only sends envelopes, probes liveness
// and reads the remote address for handshake de-duplication.
//
// Send must not block on the peer: implementations enqueue the frame
// for a per-connection writer and report an error (or drop) when the
// queue is full or the connection is gone. A slow client therefore
// never stalls dispatch for anyone else.
type Conn interface {
	Send(ctx context.Context, out proto.Outbound) error
	Ping(ctx context.Context) error
	RemoteAddr() string
}
