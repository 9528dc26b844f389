package core

import "github.com/codyshepherd/lunar-rocks/internal/proto"

// Grid and board defaults. Dimensions are fixed at session creation and
// never change for the life of a track.
const (
	DefaultTones  = 13
	DefaultBeats  = 8
	DefaultTempo  = 8
	InitialTracks = 2
)

// DefaultInstruments are assigned round-robin to a new session's tracks.
var DefaultInstruments = []string{"Guitar", "Piano"}

// Track is one instrument's pattern: a fixed-size grid of cells plus an
// optional owning client. Ownership fields are mutated only by Session.
type Track struct {
	id         int
	ownerID    string
	ownerNick  string
	instrument string
	grid       [][]int
	tones      int
	beats      int
}

func newTrack(id, tones, beats int, instrument string) *Track {
	grid := make([][]int, tones)
	for i := range grid {
		grid[i] = make([]int, beats)
	}
	return &Track{
		id:         id,
		instrument: instrument,
		grid:       grid,
		tones:      tones,
		beats:      beats,
	}
}

// Apply replaces the grid contents if and only if the replacement matches
// the track's fixed dimensions. An instrument change, when present, is
// applied unconditionally.
func (t *Track) Apply(grid [][]int, instrument string) error {
	if !t.fits(grid) {
		return ErrDimensionMismatch
	}
	t.grid = grid
	if instrument != "" {
		t.instrument = instrument
	}
	return nil
}

func (t *Track) fits(grid [][]int) bool {
	if len(grid) != t.tones {
		return false
	}
	for _, row := range grid {
		if len(row) != t.beats {
			return false
		}
	}
	return true
}

// Snapshot is a side-effect-free projection for wire transmission. The
// grid is copied so a later mutation cannot tear an in-flight broadcast.
func (t *Track) Snapshot() proto.TrackSnapshot {
	grid := make([][]int, len(t.grid))
	for i, row := range t.grid {
		grid[i] = append([]int(nil), row...)
	}
	return proto.TrackSnapshot{
		TrackID:    t.id,
		ClientID:   t.ownerID,
		Nickname:   t.ownerNick,
		Instrument: t.instrument,
		Grid:       grid,
	}
}
