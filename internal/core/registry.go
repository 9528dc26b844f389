package core

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codyshepherd/lunar-rocks/internal/proto"
)

// Session ids are drawn from a small bounded range so clients can type
// them by hand.
const (
	MinSessionID = 1
	MaxSessionID = 1000
)

// probeTimeout bounds the liveness ping sent to each session member
// before a join or track arbitration proceeds.
const probeTimeout = time.Second

// Recipient pairs a client id with its live connection for fan-out.
type Recipient struct {
	ClientID string
	Conn     Conn
}

// SessionUpdate is a session snapshot plus the members it should be
// fanned out to, both captured under the registry lock.
type SessionUpdate struct {
	Session proto.SessionSnapshot
	Members []Recipient
}

// ConnectResult is the outcome of a handshake.
type ConnectResult struct {
	ClientID     string
	OpenSessions []int
	Existing     bool
}

// CreateSessionResult carries everything the create-session reply and
// its session-list broadcast need.
type CreateSessionResult struct {
	Session      proto.SessionSnapshot
	OpenSessions []int
	Everyone     []Recipient
}

// LeaveResult carries the post-leave session-id list for all clients and
// the surviving session's update, nil if the session emptied out.
type LeaveResult struct {
	OpenSessions []int
	Everyone     []Recipient
	Session      *SessionUpdate
}

// ExitResult describes a full disconnect cascade: the new session-id
// list, all remaining clients, and updates for every surviving session
// the departed client had belonged to.
type ExitResult struct {
	ClientID     string
	OpenSessions []int
	Everyone     []Recipient
	Sessions     []SessionUpdate
}

// TrackGrant is the outcome of track ownership arbitration.
type TrackGrant struct {
	SessionID int
	TrackID   int
	Granted   bool
}

// Registry is the process-wide root of all mutable coordination state:
// client identities, connections, liveness stamps, sessions, and the
// address table used for handshake de-duplication. Every public method
// takes the single registry mutex, which is what makes membership
// changes and ownership arbitration linearizable across the many
// connection goroutines that share one registry.
type Registry struct {
	mu  sync.Mutex
	ttl time.Duration
	log *zerolog.Logger
	now func() time.Time

	clients        map[string]string    // client id -> nickname
	clientSessions map[string][]int     // client id -> joined session ids
	lastSeen       map[string]time.Time // client id -> last inbound message
	sessions       map[int]*Session
	conns          map[string]Conn
	addrToClient   map[string]string
	clientToAddr   map[string]string
	dropped        map[string]struct{} // closed without a 106, awaiting TTL
}

// NewRegistry builds an empty registry. ttl is the grace window for
// connections that drop without a clean disconnect.
func NewRegistry(ttl time.Duration, logger *zerolog.Logger) *Registry {
	return &Registry{
		ttl:            ttl,
		log:            logger,
		now:            time.Now,
		clients:        make(map[string]string),
		clientSessions: make(map[string][]int),
		lastSeen:       make(map[string]time.Time),
		sessions:       make(map[int]*Session),
		conns:          make(map[string]Conn),
		addrToClient:   make(map[string]string),
		clientToAddr:   make(map[string]string),
		dropped:        make(map[string]struct{}),
	}
}

// Connect resolves a handshake. A repeated 112 from a known remote
// address returns the previously assigned client id instead of minting a
// second identity; otherwise a fresh id is generated and registered.
func (r *Registry) Connect(addr, nickname string, conn Conn) ConnectResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cid, ok := r.addrToClient[addr]; ok {
		r.conns[cid] = conn
		r.lastSeen[cid] = r.now()
		delete(r.dropped, cid)
		r.log.Debug().Str("client_id", cid).Str("addr", addr).Msg("duplicate handshake resolved")
		return ConnectResult{ClientID: cid, OpenSessions: r.sessionIDsLocked(), Existing: true}
	}

	cid := uuid.NewString()
	for _, taken := r.clients[cid]; taken; _, taken = r.clients[cid] {
		cid = uuid.NewString()
	}
	r.clients[cid] = nickname
	r.conns[cid] = conn
	r.addrToClient[addr] = cid
	r.clientToAddr[cid] = addr
	r.lastSeen[cid] = r.now()
	r.log.Info().Str("client_id", cid).Str("nickname", nickname).Str("addr", addr).Msg("client connected")
	return ConnectResult{ClientID: cid, OpenSessions: r.sessionIDsLocked()}
}

// BindConn records the connection a client's messages arrive on. Called
// for every identified inbound message so a reconnect replaces the old
// handle.
func (r *Registry) BindConn(clientID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; ok {
		r.conns[clientID] = conn
	}
}

// Touch refreshes the client's last-seen timestamp.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; ok {
		r.lastSeen[clientID] = r.now()
	}
}

// Alive reports whether the client's last-seen timestamp is still inside
// the TTL window.
func (r *Registry) Alive(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aliveLocked(clientID)
}

func (r *Registry) aliveLocked(clientID string) bool {
	seen, ok := r.lastSeen[clientID]
	return ok && r.now().Sub(seen) < r.ttl
}

// ResolveAddr returns the client id previously assigned to a remote
// address, if any.
func (r *Registry) ResolveAddr(addr string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cid, ok := r.addrToClient[addr]
	return cid, ok
}

// CreateSession allocates a fresh session id, creates the session with
// its default board, and returns the materials for the reply and the
// session-list broadcast. The creator does not join automatically.
func (r *Registry) CreateSession(clientID string) (CreateSessionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return CreateSessionResult{}, ErrClientNotFound
	}

	sid := MinSessionID
	for _, taken := r.sessions[sid]; taken; _, taken = r.sessions[sid] {
		sid = MinSessionID + rand.Intn(MaxSessionID-MinSessionID+1)
	}
	sess := newSession(sid)
	r.sessions[sid] = sess
	r.log.Info().Str("client_id", clientID).Int("session_id", sid).Msg("session created")

	return CreateSessionResult{
		Session:      sess.Snapshot(),
		OpenSessions: r.sessionIDsLocked(),
		Everyone:     r.everyoneLocked(),
	}, nil
}

// Join adds the client to a session. Existing members are probed first
// and any with a dead or missing connection is force-exited, so stale
// members neither block the join nor silently observe it. The probe
// pings run with the registry lock released; only the bookkeeping on
// either side holds it.
func (r *Registry) Join(ctx context.Context, clientID string, sessionID int) (SessionUpdate, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return SessionUpdate{}, ErrSessionNotFound
	}
	if _, ok := r.clients[clientID]; !ok {
		r.mu.Unlock()
		return SessionUpdate{}, ErrClientNotFound
	}
	targets := r.probeTargetsLocked(sess, clientID)
	r.mu.Unlock()

	failed := probeTargets(ctx, targets)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictFailedLocked(failed)

	nick, ok := r.clients[clientID]
	if !ok {
		// The caller itself was swept while the lock was released.
		return SessionUpdate{}, ErrClientNotFound
	}
	sess.AddMember(clientID, nick)
	// The eviction may have exited every prior member, which deletes an
	// emptied session from the table; the join target now has a member
	// again so it must be present.
	r.sessions[sessionID] = sess

	r.clientSessions[clientID] = appendUnique(r.clientSessions[clientID], sessionID)
	r.log.Info().Str("client_id", clientID).Int("session_id", sessionID).Msg("client joined session")
	return r.sessionUpdateLocked(sess), nil
}

// Leave removes the client from a session, deleting the session if it
// becomes empty.
func (r *Registry) Leave(clientID string, sessionID int) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return LeaveResult{}, ErrSessionNotFound
	}
	if _, ok := r.clients[clientID]; !ok {
		return LeaveResult{}, ErrClientNotFound
	}
	if !sess.RemoveMember(clientID) {
		return LeaveResult{}, ErrNotMember
	}
	r.clientSessions[clientID] = removeID(r.clientSessions[clientID], sessionID)

	res := LeaveResult{}
	if sess.IsEmpty() {
		delete(r.sessions, sessionID)
		r.log.Info().Int("session_id", sessionID).Msg("empty session removed")
	} else {
		upd := r.sessionUpdateLocked(sess)
		res.Session = &upd
	}
	res.OpenSessions = r.sessionIDsLocked()
	res.Everyone = r.everyoneLocked()
	r.log.Info().Str("client_id", clientID).Int("session_id", sessionID).Msg("client left session")
	return res, nil
}

// Exit performs the full disconnect cascade for a client.
func (r *Registry) Exit(clientID string) (ExitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return ExitResult{}, ErrClientNotFound
	}
	return r.exitLocked(clientID), nil
}

// exitLocked removes the client from every session it belonged to
// (relinquishing its tracks), deletes sessions left empty, and clears
// the client from every registry table.
func (r *Registry) exitLocked(clientID string) ExitResult {
	res := ExitResult{ClientID: clientID}

	for _, sid := range r.clientSessions[clientID] {
		sess, ok := r.sessions[sid]
		if !ok {
			r.log.Warn().Str("client_id", clientID).Int("session_id", sid).Msg("membership recorded for missing session")
			continue
		}
		sess.RemoveMember(clientID)
		if sess.IsEmpty() {
			delete(r.sessions, sid)
			r.log.Info().Int("session_id", sid).Msg("empty session removed")
			continue
		}
		res.Sessions = append(res.Sessions, r.sessionUpdateLocked(sess))
	}

	delete(r.clientSessions, clientID)
	delete(r.clients, clientID)
	delete(r.conns, clientID)
	delete(r.lastSeen, clientID)
	delete(r.dropped, clientID)
	if addr, ok := r.clientToAddr[clientID]; ok {
		delete(r.addrToClient, addr)
		delete(r.clientToAddr, clientID)
	}

	res.OpenSessions = r.sessionIDsLocked()
	res.Everyone = r.everyoneLocked()
	r.log.Info().Str("client_id", clientID).Msg("client exited")
	return res
}

// UpdateSession applies a whole-session sync. The caller must have
// joined the target session; individual tracks are not ownership-checked
// on this path.
func (r *Registry) UpdateSession(clientID string, snap proto.SessionSnapshot) (SessionUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !containsID(r.clientSessions[clientID], snap.SessionID) {
		return SessionUpdate{}, ErrNotMember
	}
	sess, ok := r.sessions[snap.SessionID]
	if !ok {
		return SessionUpdate{}, ErrSessionNotFound
	}
	for _, tid := range sess.ApplyBulk(snap.Board) {
		r.log.Warn().Str("client_id", clientID).Int("session_id", snap.SessionID).Int("track_id", tid).Msg("bulk update skipped track")
	}
	return r.sessionUpdateLocked(sess), nil
}

// BroadcastTrack applies one owned track to every listed session the
// caller has joined, independently per session; sessions the caller is
// not in, unknown sessions, and ownership failures are skipped. Returns
// an update for each session that actually changed.
func (r *Registry) BroadcastTrack(clientID string, sessionIDs []int, trk proto.TrackSnapshot) []SessionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updates []SessionUpdate
	for _, sid := range sessionIDs {
		if !containsID(r.clientSessions[clientID], sid) {
			r.log.Warn().Str("client_id", clientID).Int("session_id", sid).Msg("track broadcast to session not joined")
			continue
		}
		sess, ok := r.sessions[sid]
		if !ok {
			r.log.Warn().Int("session_id", sid).Msg("track broadcast to missing session")
			continue
		}
		if err := sess.UpdateTrackIfOwner(clientID, trk); err != nil {
			r.log.Warn().Err(err).Str("client_id", clientID).Int("session_id", sid).Int("track_id", trk.TrackID).Msg("track broadcast rejected")
			continue
		}
		updates = append(updates, r.sessionUpdateLocked(sess))
	}
	return updates
}

// RequestTrack arbitrates exclusive ownership. Like Join, it probes the
// session's members first so a dead owner cannot hold a track forever.
// The returned update is non-nil whenever the session exists, granted or
// not, so callers can refresh every member's view.
func (r *Registry) RequestTrack(ctx context.Context, clientID string, sessionID, trackID int) (TrackGrant, *SessionUpdate, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return TrackGrant{}, nil, ErrSessionNotFound
	}
	if _, ok := r.clients[clientID]; !ok {
		r.mu.Unlock()
		return TrackGrant{}, nil, ErrClientNotFound
	}
	targets := r.probeTargetsLocked(sess, clientID)
	r.mu.Unlock()

	failed := probeTargets(ctx, targets)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictFailedLocked(failed)

	nick, ok := r.clients[clientID]
	if !ok {
		return TrackGrant{}, nil, ErrClientNotFound
	}
	if _, ok := r.sessions[sessionID]; !ok {
		if sess.IsEmpty() {
			return TrackGrant{}, nil, ErrSessionNotFound
		}
		r.sessions[sessionID] = sess
	}

	grant := TrackGrant{SessionID: sessionID, TrackID: trackID}
	tid, sid, err := sess.RequestTrack(clientID, nick, trackID)
	if err != nil {
		r.log.Warn().Err(err).Str("client_id", clientID).Int("session_id", sessionID).Int("track_id", trackID).Msg("track request denied")
		upd := r.sessionUpdateLocked(sess)
		return grant, &upd, nil
	}
	grant.TrackID = tid
	grant.SessionID = sid
	grant.Granted = true
	r.log.Info().Str("client_id", clientID).Int("session_id", sid).Int("track_id", tid).Msg("track granted")
	upd := r.sessionUpdateLocked(sess)
	return grant, &upd, nil
}

// RelinquishTrack releases a track claim. A mismatch between caller and
// owner is reported as success without changing ownership; the session
// update is returned regardless so members can be refreshed.
func (r *Registry) RelinquishTrack(clientID string, sessionID, trackID int) (*SessionUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	released, err := sess.RelinquishTrack(clientID, trackID)
	if err != nil {
		upd := r.sessionUpdateLocked(sess)
		return &upd, err
	}
	if !released {
		r.log.Warn().Str("client_id", clientID).Int("session_id", sessionID).Int("track_id", trackID).Msg("relinquish by non-owner ignored")
	}
	upd := r.sessionUpdateLocked(sess)
	return &upd, nil
}

// MarkDropped records a connection that closed without a 106. If the
// client's TTL window is still open it is parked for the sweeper;
// otherwise the caller should exit it immediately.
func (r *Registry) MarkDropped(clientID string) (pending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return false
	}
	if r.aliveLocked(clientID) {
		r.dropped[clientID] = struct{}{}
		r.log.Info().Str("client_id", clientID).Msg("connection dropped, holding for ttl")
		return true
	}
	return false
}

// SweepDropped force-exits every parked client whose TTL has expired and
// returns the exit cascades so the dispatcher can broadcast them.
func (r *Registry) SweepDropped() []ExitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var exited []ExitResult
	for cid := range r.dropped {
		if r.aliveLocked(cid) {
			continue
		}
		r.log.Info().Str("client_id", cid).Msg("ttl expired, evicting client")
		exited = append(exited, r.exitLocked(cid))
	}
	return exited
}

// Nickname returns the registered nickname for a client id.
func (r *Registry) Nickname(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nick, ok := r.clients[clientID]
	return nick, ok
}

// SessionIDs returns the ids of every open session in ascending order.
func (r *Registry) SessionIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionIDsLocked()
}

// SessionSnapshot exports one session for the introspection API.
func (r *Registry) SessionSnapshot(sessionID int) (proto.SessionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return proto.SessionSnapshot{}, ErrSessionNotFound
	}
	return sess.Snapshot(), nil
}

type probeTarget struct {
	clientID string
	conn     Conn
}

// probeTargetsLocked collects the member connections to ping before a
// join or a track arbitration. The caller is skipped: its read loop is
// parked inside this very dispatch and cannot answer a ping, and the
// message being processed already proves it live. Members with no
// connection at all need no I/O and are exited on the spot.
func (r *Registry) probeTargetsLocked(sess *Session, except string) []probeTarget {
	var targets []probeTarget
	for _, cid := range sess.MemberIDs() {
		if cid == except {
			continue
		}
		conn, ok := r.conns[cid]
		if !ok {
			r.log.Info().Str("client_id", cid).Msg("member has no connection, exiting")
			r.exitLocked(cid)
			continue
		}
		targets = append(targets, probeTarget{clientID: cid, conn: conn})
	}
	return targets
}

// probeTargets pings each target, each bounded by probeTimeout, and
// returns the ones that failed. Must be called without the registry
// lock held: a dead peer times out here, and a live peer can only pong
// while its own read loop is free to run.
func probeTargets(ctx context.Context, targets []probeTarget) []probeTarget {
	var failed []probeTarget
	for _, tg := range targets {
		pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := tg.conn.Ping(pingCtx)
		cancel()
		if err != nil {
			failed = append(failed, tg)
		}
	}
	return failed
}

// evictFailedLocked force-exits probe failures that still hold the same
// connection. A member that reconnected while the lock was released is
// left alone; the failure belonged to its old connection.
func (r *Registry) evictFailedLocked(failed []probeTarget) {
	for _, tg := range failed {
		if _, ok := r.clients[tg.clientID]; !ok {
			continue
		}
		if cur, ok := r.conns[tg.clientID]; !ok || cur != tg.conn {
			continue
		}
		r.log.Info().Str("client_id", tg.clientID).Msg("member failed liveness probe, exiting")
		r.exitLocked(tg.clientID)
	}
}

func (r *Registry) sessionUpdateLocked(sess *Session) SessionUpdate {
	upd := SessionUpdate{Session: sess.Snapshot()}
	for _, cid := range sess.MemberIDs() {
		if conn, ok := r.conns[cid]; ok {
			upd.Members = append(upd.Members, Recipient{ClientID: cid, Conn: conn})
		}
	}
	return upd
}

func (r *Registry) everyoneLocked() []Recipient {
	out := make([]Recipient, 0, len(r.conns))
	for cid, conn := range r.conns {
		out = append(out, Recipient{ClientID: cid, Conn: conn})
	}
	return out
}

func (r *Registry) sessionIDsLocked() []int {
	ids := make([]int, 0, len(r.sessions))
	for sid := range r.sessions {
		ids = append(ids, sid)
	}
	sort.Ints(ids)
	return ids
}

func appendUnique(ids []int, id int) []int {
	if containsID(ids, id) {
		return ids
	}
	return append(ids, id)
}

func removeID(ids []int, id int) []int {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
