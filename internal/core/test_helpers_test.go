package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/codyshepherd/lunar-rocks/internal/proto"
)

// fakeConn records everything sent to it and answers pings with a
// configurable error, or via pingFn when finer control is needed.
type fakeConn struct {
	addr    string
	sent    chan proto.Outbound
	pingErr error
	pingFn  func(ctx context.Context) error
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr: addr,
		sent: make(chan proto.Outbound, 64),
	}
}

func (c *fakeConn) Send(_ context.Context, out proto.Outbound) error {
	select {
	case c.sent <- out:
		return nil
	default:
		return errors.New("fake conn full")
	}
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.pingFn != nil {
		return c.pingFn(ctx)
	}
	return c.pingErr
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

// mustOutbound drains the connection until a frame with the wanted
// message code arrives.
func mustOutbound(t *testing.T, conn *fakeConn, messageID int) proto.Outbound {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case out := <-conn.sent:
			if out.MessageID == messageID {
				return out
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected outbound message %d not received", messageID)
	return proto.Outbound{}
}

// drain discards everything currently queued on the connection.
func drain(conn *fakeConn) {
	for {
		select {
		case <-conn.sent:
		default:
			return
		}
	}
}

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTestRegistry(ttl time.Duration) *Registry {
	return NewRegistry(ttl, testLogger())
}
