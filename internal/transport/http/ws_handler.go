package http

import (
	"context"
	"errors"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/codyshepherd/lunar-rocks/internal/core"
	"github.com/codyshepherd/lunar-rocks/internal/proto"
)

const outboundQueue = 32

var errQueueFull = errors.New("outbound queue full")

// wsConn adapts one websocket connection to core.Conn. Outbound frames
// go through a buffered queue drained by a writer goroutine, so the
// dispatcher never blocks on a slow peer; a full queue drops the frame.
type wsConn struct {
	conn *websocket.Conn
	addr string
	out  chan proto.Outbound
	log  *zerolog.Logger
}

func newWSConn(conn *websocket.Conn, addr string, logger *zerolog.Logger) *wsConn {
	return &wsConn{
		conn: conn,
		addr: addr,
		out:  make(chan proto.Outbound, outboundQueue),
		log:  logger,
	}
}

func (c *wsConn) Send(_ context.Context, out proto.Outbound) error {
	select {
	case c.out <- out:
		return nil
	default:
		return errQueueFull
	}
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case out := <-c.out:
			if err := wsjson.Write(ctx, c.conn, out); err != nil {
				c.log.Debug().Err(err).Str("addr", c.addr).Msg("write ws outbound")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// WSHandler upgrades HTTP connections and feeds their envelopes to the
// dispatcher, one at a time per connection.
type WSHandler struct {
	dispatcher *core.Dispatcher
	log        *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(dispatcher *core.Dispatcher, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{dispatcher: dispatcher, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wc := newWSConn(conn, r.RemoteAddr, h.log)
	go wc.writeLoop(ctx)

	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.log.Debug().Str("addr", wc.addr).Msg("ws connection closed")
			} else {
				h.log.Warn().Err(err).Str("addr", wc.addr).Msg("ws connection lost")
			}
			break
		}
		h.dispatcher.Handle(ctx, wc, env)
	}

	cancel()
	// The read loop is gone; decide whether this client gets a TTL
	// grace period or an immediate exit.
	h.dispatcher.HandleClose(context.Background(), wc)
	conn.Close(websocket.StatusNormalClosure, "closing")
}
