package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/codyshepherd/lunar-rocks/internal/proto"
)

func envelope(t *testing.T, sourceID string, code int, payload any) proto.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return proto.Envelope{SourceID: sourceID, MessageID: &code, Payload: raw}
}

func newTestDispatcher(ttl time.Duration) (*Dispatcher, *Registry) {
	reg := newTestRegistry(ttl)
	return NewDispatcher(reg, testLogger()), reg
}

// connect performs a 112 handshake and returns the assigned client id.
func connect(t *testing.T, d *Dispatcher, conn *fakeConn, nick string) string {
	t.Helper()
	d.Handle(context.Background(), conn, envelope(t, "", proto.MsgConnect, proto.ConnectPayload{Nickname: nick}))
	out := mustOutbound(t, conn, proto.MsgConnectAck)
	ack, ok := out.Payload.(proto.ConnectAckPayload)
	if !ok {
		t.Fatalf("unexpected ack payload: %+v", out.Payload)
	}
	if ack.ClientID == "" {
		t.Fatal("ack missing client id")
	}
	return ack.ClientID
}

func createSession(t *testing.T, d *Dispatcher, conn *fakeConn, cid string) int {
	t.Helper()
	d.Handle(context.Background(), conn, envelope(t, cid, proto.MsgCreateSession, nil))
	out := mustOutbound(t, conn, proto.MsgSessionCreated)
	sp, ok := out.Payload.(proto.SessionPayload)
	if !ok {
		t.Fatalf("unexpected created payload: %+v", out.Payload)
	}
	return sp.Session.SessionID
}

func joinSession(t *testing.T, d *Dispatcher, conn *fakeConn, cid string, sid int) {
	t.Helper()
	d.Handle(context.Background(), conn, envelope(t, cid, proto.MsgJoinSession, map[string]any{"sessionID": sid}))
}

func TestDispatcherRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(time.Minute)
	conn := newFakeConn("a:1")

	// Missing messageID.
	d.Handle(ctx, conn, proto.Envelope{Payload: json.RawMessage(`{}`)})
	mustOutbound(t, conn, proto.MsgError)

	// Missing sourceID on a code that requires it.
	d.Handle(ctx, conn, envelope(t, "", proto.MsgCreateSession, nil))
	mustOutbound(t, conn, proto.MsgError)

	// Unknown message code.
	d.Handle(ctx, conn, envelope(t, "someone", 999, nil))
	mustOutbound(t, conn, proto.MsgError)
}

func TestDispatcherConnectHandshake(t *testing.T) {
	ctx := context.Background()
	d, reg := newTestDispatcher(time.Minute)
	conn := newFakeConn("a:1")

	cid := connect(t, d, conn, "alice")
	if nick, ok := reg.Nickname(cid); !ok || nick != "alice" {
		t.Fatalf("client not registered: %q %v", nick, ok)
	}

	// A second 112 from the same address resolves to the same identity
	// and does not need a nickname.
	d.Handle(ctx, conn, envelope(t, "", proto.MsgConnect, nil))
	out := mustOutbound(t, conn, proto.MsgConnectAck)
	if ack := out.Payload.(proto.ConnectAckPayload); ack.ClientID != cid {
		t.Fatalf("duplicate handshake changed identity: %s vs %s", ack.ClientID, cid)
	}

	// A fresh address without a nickname is rejected.
	other := newFakeConn("b:1")
	d.Handle(ctx, other, envelope(t, "", proto.MsgConnect, nil))
	mustOutbound(t, other, proto.MsgError)
}

func TestDispatcherCreateAndJoinFlow(t *testing.T) {
	d, _ := newTestDispatcher(time.Minute)
	connA := newFakeConn("a:1")
	connB := newFakeConn("b:1")

	c1 := connect(t, d, connA, "alice")
	c2 := connect(t, d, connB, "bob")

	sid := createSession(t, d, connA, c1)

	// Everyone hears about the new session.
	outA := mustOutbound(t, connA, proto.MsgSessionList)
	if list := outA.Payload.(proto.SessionListPayload); len(list.SessionIDs) != 1 || list.SessionIDs[0] != sid {
		t.Fatalf("unexpected session list: %+v", list)
	}
	mustOutbound(t, connB, proto.MsgSessionList)

	joinSession(t, d, connB, c2, sid)
	out := mustOutbound(t, connB, proto.MsgUpdateSession)
	sp := out.Payload.(proto.SessionPayload)
	if len(sp.Session.Clients) != 1 || sp.Session.Clients[0] != "bob" {
		t.Fatalf("unexpected roster after join: %v", sp.Session.Clients)
	}

	// Joining a session that does not exist is an error reply.
	joinSession(t, d, connB, c2, 999)
	mustOutbound(t, connB, proto.MsgError)
}

func TestDispatcherTrackRequestGrantAndDeny(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(time.Minute)
	connA := newFakeConn("a:1")
	connB := newFakeConn("b:1")

	c1 := connect(t, d, connA, "alice")
	c2 := connect(t, d, connB, "bob")
	sid := createSession(t, d, connA, c1)
	joinSession(t, d, connA, c1, sid)
	joinSession(t, d, connB, c2, sid)
	drain(connA)
	drain(connB)

	d.Handle(ctx, connA, envelope(t, c1, proto.MsgRequestTrack, map[string]any{"sessionID": sid, "trackID": 0}))
	out := mustOutbound(t, connA, proto.MsgTrackStatus)
	st := out.Payload.(proto.TrackStatusPayload)
	if !st.Status || st.TrackID != 0 || st.SessionID != sid {
		t.Fatalf("expected grant, got %+v", st)
	}

	// Both members see the refreshed board.
	upd := mustOutbound(t, connB, proto.MsgUpdateSession).Payload.(proto.SessionPayload)
	if upd.Session.Board[0].ClientID != c1 {
		t.Fatalf("broadcast does not show owner: %+v", upd.Session.Board[0])
	}

	// Second claimant is denied with a negative status.
	d.Handle(ctx, connB, envelope(t, c2, proto.MsgRequestTrack, map[string]any{"sessionID": sid, "trackID": 0}))
	st = mustOutbound(t, connB, proto.MsgTrackStatus).Payload.(proto.TrackStatusPayload)
	if st.Status {
		t.Fatalf("expected denial, got %+v", st)
	}

	// Missing payload fields are a validation error.
	d.Handle(ctx, connB, envelope(t, c2, proto.MsgRequestTrack, map[string]any{"sessionID": sid}))
	mustOutbound(t, connB, proto.MsgError)
}

func TestDispatcherRelinquishByNonOwner(t *testing.T) {
	ctx := context.Background()
	d, reg := newTestDispatcher(time.Minute)
	connA := newFakeConn("a:1")
	connB := newFakeConn("b:1")

	c1 := connect(t, d, connA, "alice")
	c2 := connect(t, d, connB, "bob")
	sid := createSession(t, d, connA, c1)
	joinSession(t, d, connA, c1, sid)
	joinSession(t, d, connB, c2, sid)
	d.Handle(ctx, connA, envelope(t, c1, proto.MsgRequestTrack, map[string]any{"sessionID": sid, "trackID": 0}))
	drain(connA)
	drain(connB)

	// Relinquish by a member who does not own the track: no error
	// reply, ownership intact, members still get a snapshot.
	d.Handle(ctx, connB, envelope(t, c2, proto.MsgRelinquishTrack, map[string]any{"sessionID": sid, "trackID": 0}))
	upd := mustOutbound(t, connB, proto.MsgUpdateSession).Payload.(proto.SessionPayload)
	if upd.Session.Board[0].ClientID != c1 {
		t.Fatal("non-owner relinquish cleared ownership")
	}

	// Owner relinquish clears the track.
	d.Handle(ctx, connA, envelope(t, c1, proto.MsgRelinquishTrack, map[string]any{"sessionID": sid, "trackID": 0}))
	snap, err := reg.SessionSnapshot(sid)
	if err != nil || snap.Board[0].ClientID != "" {
		t.Fatalf("owner relinquish failed: %+v %v", snap.Board[0], err)
	}
}

func TestDispatcherDisconnectCascade(t *testing.T) {
	ctx := context.Background()
	d, reg := newTestDispatcher(time.Minute)
	connA := newFakeConn("a:1")
	connB := newFakeConn("b:1")

	c1 := connect(t, d, connA, "alice")
	c2 := connect(t, d, connB, "bob")
	sid := createSession(t, d, connA, c1)
	joinSession(t, d, connA, c1, sid)
	joinSession(t, d, connB, c2, sid)
	d.Handle(ctx, connA, envelope(t, c1, proto.MsgRequestTrack, map[string]any{"sessionID": sid, "trackID": 0}))
	drain(connA)
	drain(connB)

	d.Handle(ctx, connA, envelope(t, c1, proto.MsgDisconnect, nil))

	// The survivor gets exactly one session list and one snapshot.
	var lists, snaps int
	for done := false; !done; {
		select {
		case out := <-connB.sent:
			switch out.MessageID {
			case proto.MsgSessionList:
				lists++
			case proto.MsgUpdateSession:
				snaps++
				sp := out.Payload.(proto.SessionPayload)
				if sp.Session.Board[0].ClientID != "" {
					t.Fatal("departed client's track not relinquished")
				}
				if len(sp.Session.Clients) != 1 || sp.Session.Clients[0] != "bob" {
					t.Fatalf("unexpected roster: %v", sp.Session.Clients)
				}
			}
		default:
			done = true
		}
	}
	if lists != 1 || snaps != 1 {
		t.Fatalf("expected 1 list and 1 snapshot, got %d and %d", lists, snaps)
	}

	if _, ok := reg.Nickname(c1); ok {
		t.Fatal("disconnected client still registered")
	}
	if _, err := reg.SessionSnapshot(sid); err != nil {
		t.Fatalf("session should survive with one member: %v", err)
	}
}

func TestDispatcherDropAndSweep(t *testing.T) {
	ctx := context.Background()
	d, reg := newTestDispatcher(50 * time.Millisecond)
	connA := newFakeConn("a:1")
	connB := newFakeConn("b:1")

	c1 := connect(t, d, connA, "alice")
	c2 := connect(t, d, connB, "bob")
	sid := createSession(t, d, connA, c1)
	joinSession(t, d, connA, c1, sid)
	joinSession(t, d, connB, c2, sid)
	drain(connB)

	// Connection drops without a 106. Inside the TTL window the client
	// survives.
	d.HandleClose(ctx, connA)
	if _, ok := reg.Nickname(c1); !ok {
		t.Fatal("client evicted before ttl expiry")
	}

	// Any inbound message after the window triggers the sweep.
	time.Sleep(60 * time.Millisecond)
	d.Handle(ctx, connB, envelope(t, c2, proto.MsgLeaveSession, map[string]any{"sessionID": 999}))
	if _, ok := reg.Nickname(c1); ok {
		t.Fatal("expired client not swept")
	}
	mustOutbound(t, connB, proto.MsgSessionList)
}

func TestDispatcherCloseAfterExpiryExitsImmediately(t *testing.T) {
	ctx := context.Background()
	d, reg := newTestDispatcher(30 * time.Millisecond)
	connA := newFakeConn("a:1")

	c1 := connect(t, d, connA, "alice")

	time.Sleep(40 * time.Millisecond)
	d.HandleClose(ctx, connA)
	if _, ok := reg.Nickname(c1); ok {
		t.Fatal("expired client should exit on close")
	}
}

func TestDispatcherUpdateSessionValidation(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(time.Minute)
	connA := newFakeConn("a:1")
	c1 := connect(t, d, connA, "alice")

	// No session object in the payload.
	d.Handle(ctx, connA, envelope(t, c1, proto.MsgUpdateSession, map[string]any{}))
	mustOutbound(t, connA, proto.MsgError)

	// Syncing a session the caller never joined.
	sid := createSession(t, d, connA, c1)
	d.Handle(ctx, connA, envelope(t, c1, proto.MsgUpdateSession, map[string]any{
		"session": map[string]any{"sessionID": sid, "board": []any{}},
	}))
	mustOutbound(t, connA, proto.MsgError)
}
