package core

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codyshepherd/lunar-rocks/internal/proto"
)

// Dispatcher interprets inbound envelopes, validates their payloads,
// drives the registry, and fans the resulting snapshots out to exactly
// the audience each message code prescribes. It holds no state of its
// own beyond the server identity it stamps on outbound frames.
type Dispatcher struct {
	reg      *Registry
	log      *zerolog.Logger
	serverID string
}

// NewDispatcher builds a dispatcher over the given registry.
func NewDispatcher(reg *Registry, logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		log:      logger,
		serverID: uuid.NewString(),
	}
}

// ServerID is the identity stamped on server-originated frames.
func (d *Dispatcher) ServerID() string { return d.serverID }

// Handle processes one inbound envelope to completion, including every
// broadcast it triggers. The transport calls it from the connection's
// read goroutine, one envelope at a time per connection.
func (d *Dispatcher) Handle(ctx context.Context, conn Conn, env proto.Envelope) {
	for _, ex := range d.reg.SweepDropped() {
		d.broadcastExit(ctx, ex)
	}

	if env.MessageID == nil {
		d.sendError(ctx, conn, "messageID must be provided")
		return
	}
	code := *env.MessageID

	if code != proto.MsgConnect {
		if env.SourceID == "" {
			d.sendError(ctx, conn, "sourceID must be provided")
			return
		}
		d.reg.Touch(env.SourceID)
		d.reg.BindConn(env.SourceID, conn)
	}

	switch code {
	case proto.MsgConnect:
		d.handleConnect(ctx, conn, env)
	case proto.MsgCreateSession:
		d.handleCreateSession(ctx, conn, env)
	case proto.MsgJoinSession:
		d.handleJoinSession(ctx, conn, env)
	case proto.MsgLeaveSession:
		d.handleLeaveSession(ctx, conn, env)
	case proto.MsgUpdateSession:
		d.handleUpdateSession(ctx, conn, env)
	case proto.MsgBroadcastTrack:
		d.handleBroadcastTrack(ctx, conn, env)
	case proto.MsgRequestTrack:
		d.handleRequestTrack(ctx, conn, env)
	case proto.MsgRelinquishTrack:
		d.handleRelinquishTrack(ctx, conn, env)
	case proto.MsgDisconnect:
		d.handleDisconnect(ctx, conn, env)
	default:
		d.sendError(ctx, conn, "unknown messageID")
	}
}

// HandleClose reacts to the transport reporting a closed connection
// without a preceding disconnect message. A client still inside its TTL
// window is parked for the sweeper; an expired one is exited at once.
func (d *Dispatcher) HandleClose(ctx context.Context, conn Conn) {
	addr := conn.RemoteAddr()
	cid, ok := d.reg.ResolveAddr(addr)
	if !ok {
		d.log.Debug().Str("addr", addr).Msg("unidentified connection closed")
		return
	}
	if d.reg.MarkDropped(cid) {
		return
	}
	res, err := d.reg.Exit(cid)
	if err != nil {
		d.log.Warn().Err(err).Str("client_id", cid).Msg("exit after close failed")
		return
	}
	d.broadcastExit(ctx, res)
}

func (d *Dispatcher) handleConnect(ctx context.Context, conn Conn, env proto.Envelope) {
	addr := conn.RemoteAddr()

	var nick string
	if _, known := d.reg.ResolveAddr(addr); !known {
		var p proto.ConnectPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Nickname == "" {
			d.sendError(ctx, conn, "nickname not provided")
			return
		}
		nick = p.Nickname
	}

	res := d.reg.Connect(addr, nick, conn)
	d.send(ctx, Recipient{ClientID: res.ClientID, Conn: conn}, proto.Outbound{
		SourceID:  d.serverID,
		MessageID: proto.MsgConnectAck,
		Payload:   proto.ConnectAckPayload{ClientID: res.ClientID, SessionIDs: res.OpenSessions},
	})
}

func (d *Dispatcher) handleCreateSession(ctx context.Context, conn Conn, env proto.Envelope) {
	res, err := d.reg.CreateSession(env.SourceID)
	if err != nil {
		d.sendError(ctx, conn, "could not create session")
		return
	}
	d.send(ctx, Recipient{ClientID: env.SourceID, Conn: conn}, proto.Outbound{
		SourceID:  d.serverID,
		MessageID: proto.MsgSessionCreated,
		Payload:   proto.SessionPayload{Session: res.Session},
	})
	d.fanOut(ctx, res.Everyone, proto.Outbound{
		SourceID:  d.serverID,
		MessageID: proto.MsgSessionList,
		Payload:   proto.SessionListPayload{SessionIDs: res.OpenSessions},
	})
}

func (d *Dispatcher) handleJoinSession(ctx context.Context, conn Conn, env proto.Envelope) {
	var p proto.SessionRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == nil {
		d.sendError(ctx, conn, "sessionID must be provided in payload")
		return
	}
	upd, err := d.reg.Join(ctx, env.SourceID, *p.SessionID)
	if err != nil {
		d.log.Warn().Err(err).Str("client_id", env.SourceID).Int("session_id", *p.SessionID).Msg("join failed")
		d.sendError(ctx, conn, "could not join session")
		return
	}
	d.fanOutSession(ctx, upd)
}

func (d *Dispatcher) handleLeaveSession(ctx context.Context, conn Conn, env proto.Envelope) {
	var p proto.SessionRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == nil {
		d.sendError(ctx, conn, "sessionID must be provided in payload")
		return
	}
	res, err := d.reg.Leave(env.SourceID, *p.SessionID)
	if err != nil {
		d.log.Warn().Err(err).Str("client_id", env.SourceID).Int("session_id", *p.SessionID).Msg("leave failed")
		d.sendError(ctx, conn, "could not leave session")
		return
	}
	d.fanOut(ctx, res.Everyone, proto.Outbound{
		SourceID:  d.serverID,
		MessageID: proto.MsgSessionList,
		Payload:   proto.SessionListPayload{SessionIDs: res.OpenSessions},
	})
	if res.Session != nil {
		d.fanOutSession(ctx, *res.Session)
	}
}

func (d *Dispatcher) handleUpdateSession(ctx context.Context, conn Conn, env proto.Envelope) {
	var p proto.UpdateSessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session == nil {
		d.sendError(ctx, conn, "no session object provided")
		return
	}
	upd, err := d.reg.UpdateSession(env.SourceID, *p.Session)
	if err != nil {
		d.log.Warn().Err(err).Str("client_id", env.SourceID).Int("session_id", p.Session.SessionID).Msg("session update rejected")
		d.sendError(ctx, conn, "could not update session")
		return
	}
	d.fanOutSession(ctx, upd)
}

func (d *Dispatcher) handleBroadcastTrack(ctx context.Context, conn Conn, env proto.Envelope) {
	var p proto.BroadcastTrackPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Track == nil {
		d.sendError(ctx, conn, "track must be provided")
		return
	}
	if p.SessionIDs == nil {
		d.sendError(ctx, conn, "list of sessionIDs must be provided")
		return
	}
	for _, upd := range d.reg.BroadcastTrack(env.SourceID, p.SessionIDs, *p.Track) {
		d.fanOutSession(ctx, upd)
	}
}

func (d *Dispatcher) handleRequestTrack(ctx context.Context, conn Conn, env proto.Envelope) {
	var p proto.TrackRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == nil || p.TrackID == nil {
		d.sendError(ctx, conn, "sessionID and trackID must be provided")
		return
	}
	grant, upd, err := d.reg.RequestTrack(ctx, env.SourceID, *p.SessionID, *p.TrackID)
	if err != nil {
		d.log.Warn().Err(err).Str("client_id", env.SourceID).Int("session_id", *p.SessionID).Msg("track request failed")
		d.sendError(ctx, conn, "track request failed")
		return
	}
	d.send(ctx, Recipient{ClientID: env.SourceID, Conn: conn}, proto.Outbound{
		SourceID:  d.serverID,
		MessageID: proto.MsgTrackStatus,
		Payload: proto.TrackStatusPayload{
			Status:    grant.Granted,
			SessionID: grant.SessionID,
			TrackID:   grant.TrackID,
		},
	})
	if upd != nil {
		d.fanOutSession(ctx, *upd)
	}
}

func (d *Dispatcher) handleRelinquishTrack(ctx context.Context, conn Conn, env proto.Envelope) {
	var p proto.TrackRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == nil || p.TrackID == nil {
		d.sendError(ctx, conn, "sessionID and trackID required")
		return
	}
	upd, err := d.reg.RelinquishTrack(env.SourceID, *p.SessionID, *p.TrackID)
	if err != nil {
		d.log.Warn().Err(err).Str("client_id", env.SourceID).Int("session_id", *p.SessionID).Int("track_id", *p.TrackID).Msg("relinquish failed")
		if upd == nil {
			d.sendError(ctx, conn, "could not relinquish track")
			return
		}
	}
	if upd != nil {
		d.fanOutSession(ctx, *upd)
	}
}

func (d *Dispatcher) handleDisconnect(ctx context.Context, conn Conn, env proto.Envelope) {
	res, err := d.reg.Exit(env.SourceID)
	if err != nil {
		d.log.Warn().Err(err).Str("client_id", env.SourceID).Msg("disconnect failed")
		d.sendError(ctx, conn, "could not disconnect")
		return
	}
	d.broadcastExit(ctx, res)
}

// broadcastExit announces an exit cascade: the refreshed session-id list
// to every remaining client, then a snapshot of each surviving session
// the departed client had belonged to.
func (d *Dispatcher) broadcastExit(ctx context.Context, res ExitResult) {
	d.fanOut(ctx, res.Everyone, proto.Outbound{
		SourceID:  d.serverID,
		MessageID: proto.MsgSessionList,
		Payload:   proto.SessionListPayload{SessionIDs: res.OpenSessions},
	})
	for _, upd := range res.Sessions {
		d.fanOutSession(ctx, upd)
	}
}

func (d *Dispatcher) fanOutSession(ctx context.Context, upd SessionUpdate) {
	d.fanOut(ctx, upd.Members, proto.Outbound{
		SourceID:  d.serverID,
		MessageID: proto.MsgUpdateSession,
		Payload:   proto.SessionPayload{Session: upd.Session},
	})
}

// fanOut delivers a frame to every recipient. A failed send is logged
// and skipped; it never aborts delivery to the rest of the audience.
func (d *Dispatcher) fanOut(ctx context.Context, recipients []Recipient, out proto.Outbound) {
	for _, rc := range recipients {
		d.send(ctx, rc, out)
	}
}

func (d *Dispatcher) send(ctx context.Context, rc Recipient, out proto.Outbound) {
	if err := rc.Conn.Send(ctx, out); err != nil {
		d.log.Debug().Err(err).Str("client_id", rc.ClientID).Int("message_id", out.MessageID).Msg("outbound send dropped")
	}
}

func (d *Dispatcher) sendError(ctx context.Context, conn Conn, reason string) {
	out := proto.Outbound{
		SourceID:  d.serverID,
		MessageID: proto.MsgError,
		Payload:   proto.ErrorPayload{Error: "Error: " + reason},
	}
	if err := conn.Send(ctx, out); err != nil {
		d.log.Debug().Err(err).Msg("error reply dropped")
	}
}
