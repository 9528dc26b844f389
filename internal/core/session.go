package core

import "github.com/codyshepherd/lunar-rocks/internal/proto"

type member struct {
	clientID string
	nickname string
}

// Session is a shared editing room: a fixed board of tracks plus an
// ordered membership roster. All methods assume the caller holds the
// registry lock; a Session is never shared outside its registry.
type Session struct {
	id      int
	tempo   int
	members []member
	tracks  map[int]*Track
	order   []int
}

func newSession(id int) *Session {
	s := &Session{
		id:     id,
		tempo:  DefaultTempo,
		tracks: make(map[int]*Track),
	}
	for i := 0; i < InitialTracks; i++ {
		inst := DefaultInstruments[i%len(DefaultInstruments)]
		s.tracks[i] = newTrack(i, DefaultTones, DefaultBeats, inst)
		s.order = append(s.order, i)
	}
	return s
}

// AddMember appends the client to the roster. Joining twice is a no-op.
func (s *Session) AddMember(clientID, nickname string) {
	for _, m := range s.members {
		if m.clientID == clientID {
			return
		}
	}
	s.members = append(s.members, member{clientID: clientID, nickname: nickname})
}

// RemoveMember drops the client from the roster, force-relinquishing
// every track it owned. Returns false if the client was not a member.
func (s *Session) RemoveMember(clientID string) bool {
	if !s.isMember(clientID) {
		return false
	}
	for _, t := range s.tracks {
		if t.ownerID == clientID {
			t.ownerID = ""
			t.ownerNick = ""
		}
	}
	kept := s.members[:0]
	for _, m := range s.members {
		if m.clientID != clientID {
			kept = append(kept, m)
		}
	}
	s.members = kept
	return true
}

// IsEmpty reports whether the session has no members left.
func (s *Session) IsEmpty() bool {
	return len(s.members) == 0
}

func (s *Session) isMember(clientID string) bool {
	for _, m := range s.members {
		if m.clientID == clientID {
			return true
		}
	}
	return false
}

// MemberIDs returns client ids in join order.
func (s *Session) MemberIDs() []string {
	ids := make([]string, 0, len(s.members))
	for _, m := range s.members {
		ids = append(ids, m.clientID)
	}
	return ids
}

// RequestTrack grants exclusive ownership of a track. It fails if the
// caller is not a member, the track does not exist, or the track is
// already owned; the owner fields are only ever written together.
func (s *Session) RequestTrack(clientID, nickname string, trackID int) (int, int, error) {
	if !s.isMember(clientID) {
		return 0, 0, ErrNotMember
	}
	t, ok := s.tracks[trackID]
	if !ok {
		return 0, 0, ErrTrackNotFound
	}
	if t.ownerID != "" {
		return 0, 0, ErrTrackOwned
	}
	t.ownerID = clientID
	t.ownerNick = nickname
	return t.id, s.id, nil
}

// RelinquishTrack releases the caller's claim on a track. If the caller
// is not the current owner the call still succeeds without changing
// ownership; only a missing track is an error. Existing clients depend
// on the no-op success, so the asymmetry with UpdateTrackIfOwner stays.
func (s *Session) RelinquishTrack(clientID string, trackID int) (bool, error) {
	t, ok := s.tracks[trackID]
	if !ok {
		return false, ErrTrackNotFound
	}
	if t.ownerID != clientID {
		return false, nil
	}
	t.ownerID = ""
	t.ownerNick = ""
	return true, nil
}

// UpdateTrackIfOwner applies a track snapshot only when the caller is the
// current owner. This is the strict path behind track broadcast (108).
func (s *Session) UpdateTrackIfOwner(clientID string, trk proto.TrackSnapshot) error {
	t, ok := s.tracks[trk.TrackID]
	if !ok {
		return ErrTrackNotFound
	}
	if t.ownerID != clientID {
		return ErrNotOwner
	}
	return t.Apply(trk.Grid, trk.Instrument)
}

// ApplyBulk overwrites track contents from a whole-session sync (100)
// without ownership checks. Tracks that are unknown or whose grids do
// not fit are skipped, not fatal; their ids are returned for logging.
func (s *Session) ApplyBulk(tracks []proto.TrackSnapshot) []int {
	var skipped []int
	for _, trk := range tracks {
		t, ok := s.tracks[trk.TrackID]
		if !ok {
			skipped = append(skipped, trk.TrackID)
			continue
		}
		if err := t.Apply(trk.Grid, trk.Instrument); err != nil {
			skipped = append(skipped, trk.TrackID)
		}
	}
	return skipped
}

// Snapshot exports the session in wire shape: member nicknames in join
// order and every track on the board in track-id order.
func (s *Session) Snapshot() proto.SessionSnapshot {
	clients := make([]string, 0, len(s.members))
	for _, m := range s.members {
		clients = append(clients, m.nickname)
	}
	board := make([]proto.TrackSnapshot, 0, len(s.order))
	for _, id := range s.order {
		board = append(board, s.tracks[id].Snapshot())
	}
	return proto.SessionSnapshot{
		Clients:   clients,
		SessionID: s.id,
		Tempo:     s.tempo,
		Board:     board,
	}
}
