package core

import "errors"

// Lookup and precondition failures. These are expected outcomes, not
// faults: the dispatcher maps them onto error (114) or negative-status
// replies.
var (
	ErrClientNotFound    = errors.New("client not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrTrackNotFound     = errors.New("track not found")
	ErrNotMember         = errors.New("client is not a member of the session")
	ErrTrackOwned        = errors.New("track is already owned")
	ErrNotOwner          = errors.New("client does not own the track")
	ErrDimensionMismatch = errors.New("grid dimensions do not match track")
)
