// Package walker implements the per-stream segment/partial cursor (C3),
// spec.md §4.3: picking a starting point on a live playlist, seeking to a
// timestamp, and advancing the cursor one segment or partial at a time.
package walker

import (
	"time"

	"github.com/mogiioin/hlsdemux/internal/herrors"
	"github.com/mogiioin/hlsdemux/m3u8"
)

// SnapMode is the SNAP_{BEFORE,AFTER,NEAREST} flag from spec.md §4.3.
type SnapMode int

const (
	SnapNearest SnapMode = iota
	SnapBefore
	SnapAfter
)

// SeekFlags modifies Seek's matching behaviour.
type SeekFlags struct {
	Snap    SnapMode
	KeyUnit bool // land only on independent segments/partials
}

// Cursor identifies a position within a playlist: a segment index and,
// when inside a partial-only segment or when explicitly targeting a
// partial, a partial index (-1 when not in a partial).
type Cursor struct {
	SegIndex  int
	PartIndex int
}

// InPartial reports whether the cursor is positioned within a partial
// segment rather than on a whole Media Segment.
func (c Cursor) InPartial() bool { return c.PartIndex >= 0 }

// Walker tracks {current_segment, in_partial, part_idx} for one stream and
// implements the operations of spec.md §4.3 against whatever
// *m3u8.MediaPlaylist is currently current for that stream.
type Walker struct {
	playlist *m3u8.MediaPlaylist
	cursor   Cursor
	have     bool
	dsn      uint64
}

// New returns a Walker with no current playlist; StartingSegment, Seek or
// SetPosition must be called before Advance is valid.
func New() *Walker {
	return &Walker{cursor: Cursor{PartIndex: -1}}
}

// Playlist returns the playlist the walker is currently positioned
// against.
func (w *Walker) Playlist() *m3u8.MediaPlaylist { return w.playlist }

// Position returns the walker's current cursor and whether it is valid.
func (w *Walker) Position() (Cursor, bool) { return w.cursor, w.have }

// HoldBack computes the hold-back duration a live playlist's starting
// point is seeked backward by, per spec.md §4.3.
func HoldBack(p *m3u8.MediaPlaylist) time.Duration {
	switch {
	case p.PartHoldBack > 0:
		return p.PartHoldBack
	case p.PartialTargetDuration > 0:
		return 3 * p.PartialTargetDuration
	case p.HoldBack > 0:
		return p.HoldBack
	default:
		return 3 * p.TargetDuration
	}
}

// StartingSegment implements starting_segment(playlist) from spec.md
// §4.3: the first segment for VOD, or a point held back from the live
// edge for a live playlist. It sets the walker's playlist and cursor and
// returns the resulting Cursor.
func StartingSegment(w *Walker, p *m3u8.MediaPlaylist) (Cursor, error) {
	if len(p.Segments) == 0 {
		return Cursor{}, herrors.New(herrors.ManifestMalformed, "walker.starting_segment")
	}

	if p.EndList {
		w.playlist = p
		w.cursor = Cursor{SegIndex: 0, PartIndex: -1}
		w.have = true
		w.dsn = p.Segments[0].DiscontSeq
		return w.cursor, nil
	}

	last := p.Last()
	edge := last.StreamTime + last.Duration
	holdBack := HoldBack(p)
	target := edge - holdBack

	idx, partIdx, ok := m3u8.FindPosition(p, target, true)
	if !ok {
		// Worst-case fallback: len-4, clamped to the first segment.
		idx = len(p.Segments) - 4
		if idx < 0 {
			idx = 0
		}
		partIdx = -1
	}

	// Prefer landing on a keyframe/independent partial: if we landed
	// inside a partial that isn't independent, walk forward to the next
	// independent one, but only within the last 2 target-durations of
	// the live edge (spec.md §4.3); otherwise snap to the segment start.
	if partIdx >= 0 {
		seg := p.Segments[idx]
		withinTwoTargets := edge-seg.StreamTime <= 2*p.TargetDuration
		if !withinTwoTargets {
			partIdx = -1
		} else {
			for !seg.PartialSegs[partIdx].Independent && partIdx < len(seg.PartialSegs)-1 {
				partIdx++
			}
			if !seg.PartialSegs[partIdx].Independent {
				partIdx = -1
			}
		}
	}

	w.playlist = p
	w.cursor = Cursor{SegIndex: idx, PartIndex: partIdx}
	w.have = true
	w.dsn = p.Segments[idx].DiscontSeq
	return w.cursor, nil
}

// SetPosition places the walker directly at cursor within p, bypassing
// the starting_segment/seek derivation. core.Stream uses this to rebase
// a live walker's cursor onto a freshly refreshed playlist object by
// matching media sequence numbers, since MSNs — unlike slice indices —
// stay stable across a refresh.
func SetPosition(w *Walker, p *m3u8.MediaPlaylist, cursor Cursor) error {
	if cursor.SegIndex < 0 || cursor.SegIndex >= len(p.Segments) {
		return herrors.New(herrors.ManifestMalformed, "walker.set_position")
	}
	w.playlist = p
	w.cursor = cursor
	w.have = true
	w.dsn = p.Segments[cursor.SegIndex].DiscontSeq
	return nil
}

// Reset clears w's current playlist and cursor, so the next playlist it
// is given is treated as a fresh starting point rather than rebased
// against stale state. Used by a stream's lost-sync recovery (spec.md
// §4.5 step 5's "clear current segments on all streams").
func (w *Walker) Reset() {
	w.playlist = nil
	w.cursor = Cursor{PartIndex: -1}
	w.have = false
}

// Seek implements seek(forward, flags, ts) from spec.md §4.3: locates a
// segment or partial whose interval contains ts, honouring flags.Snap and
// flags.KeyUnit. SnapNearest (the zero value) lands on the segment or
// partial containing ts, exactly as SnapBefore does.
func Seek(w *Walker, p *m3u8.MediaPlaylist, ts time.Duration, flags SeekFlags) (Cursor, error) {
	if len(p.Segments) == 0 {
		return Cursor{}, herrors.New(herrors.ManifestMalformed, "walker.seek")
	}

	last := p.Last()
	edge := last.StreamTime + last.Duration
	allowPartial := edge-ts <= 2*p.TargetDuration

	idx, partIdx, ok := m3u8.FindPosition(p, ts, allowPartial)
	if !ok {
		idx, partIdx, ok = snapOutOfRange(p, ts)
		if !ok {
			return Cursor{}, herrors.New(herrors.LostSync, "walker.seek")
		}
	}

	seg := p.Segments[idx]
	if flags.KeyUnit && partIdx >= 0 {
		if !seg.PartialSegs[partIdx].Independent {
			if j := lastIndependentAtOrBefore(seg.PartialSegs, partIdx); j >= 0 {
				partIdx = j
			} else {
				partIdx = -1
			}
		}
	}

	switch flags.Snap {
	case SnapBefore:
		// FindPosition already returns the segment/partial whose
		// interval contains ts, which is the "before" boundary.
	case SnapAfter:
		if partIdx >= 0 && seg.PartialSegs[partIdx].StreamTime < ts && partIdx+1 < len(seg.PartialSegs) {
			partIdx++
		} else if partIdx < 0 && seg.StreamTime < ts && idx+1 < len(p.Segments) {
			idx++
			partIdx = -1
		}
	}

	w.playlist = p
	w.cursor = Cursor{SegIndex: idx, PartIndex: partIdx}
	w.have = true
	w.dsn = p.Segments[idx].DiscontSeq
	return w.cursor, nil
}

// snapOutOfRange clamps a miss to the nearest boundary segment: the first
// segment if ts is before the playlist, the last if beyond it.
func snapOutOfRange(p *m3u8.MediaPlaylist, ts time.Duration) (int, int, bool) {
	if len(p.Segments) == 0 {
		return 0, 0, false
	}
	if ts < p.Segments[0].StreamTime {
		return 0, -1, true
	}
	last := len(p.Segments) - 1
	if ts >= p.Segments[last].StreamTime+p.Segments[last].Duration {
		return last, -1, true
	}
	return 0, 0, false
}

func lastIndependentAtOrBefore(parts []*m3u8.PartialSegment, idx int) int {
	for j := idx; j >= 0; j-- {
		if parts[j].Independent {
			return j
		}
	}
	return -1
}

// Result is the outcome of Advance, including Eos for the non-live
// end-of-playlist case from spec.md §4.3.
type Result int

const (
	Advanced Result = iota
	Eos
	WaitingForUpdate
)

// Advance implements advance(forward) from spec.md §4.3. forward=false
// steps backward (used by trick-mode rewind); the DSN-change/time-map
// registration callback onDiscont, if non-nil, is invoked whenever the
// cursor crosses into a segment with a different DiscontSeq.
func (w *Walker) Advance(forward bool, onDiscont func(dsn uint64)) (Result, error) {
	if !w.have {
		return Eos, herrors.New(herrors.ManifestMalformed, "walker.advance")
	}
	p := w.playlist
	seg := p.Segments[w.cursor.SegIndex]

	if forward {
		if w.cursor.PartIndex >= 0 {
			if seg.PartialOnly {
				// Even past the end: signals "waiting for playlist
				// update" rather than stepping to a segment that does
				// not exist yet.
				w.cursor.PartIndex++
				if w.cursor.PartIndex >= len(seg.PartialSegs) {
					return WaitingForUpdate, nil
				}
				return Advanced, nil
			}
			if w.cursor.PartIndex+1 < len(seg.PartialSegs) {
				w.cursor.PartIndex++
				return Advanced, nil
			}
			// Falls through to stepping to the next segment.
		}
		if w.cursor.SegIndex+1 >= len(p.Segments) {
			if p.EndList {
				return Eos, nil
			}
			return WaitingForUpdate, nil
		}
		w.cursor.SegIndex++
		w.cursor.PartIndex = -1
	} else {
		if w.cursor.PartIndex > 0 {
			w.cursor.PartIndex--
			return Advanced, nil
		}
		if w.cursor.SegIndex == 0 {
			return Eos, nil
		}
		w.cursor.SegIndex--
		prev := p.Segments[w.cursor.SegIndex]
		if len(prev.PartialSegs) > 0 {
			w.cursor.PartIndex = len(prev.PartialSegs) - 1
		} else {
			w.cursor.PartIndex = -1
		}
	}

	newSeg := p.Segments[w.cursor.SegIndex]
	if newSeg.DiscontSeq != w.dsn {
		w.dsn = newSeg.DiscontSeq
		if onDiscont != nil {
			onDiscont(w.dsn)
		}
	}
	return Advanced, nil
}

// HasNextFragment reports whether Advance(true, ...) has somewhere to go
// without returning Eos or WaitingForUpdate.
func (w *Walker) HasNextFragment() bool {
	if !w.have {
		return false
	}
	p := w.playlist
	seg := p.Segments[w.cursor.SegIndex]
	if w.cursor.PartIndex >= 0 && w.cursor.PartIndex+1 < len(seg.PartialSegs) {
		return true
	}
	if w.cursor.PartIndex >= 0 && seg.PartialOnly {
		return false
	}
	return w.cursor.SegIndex+1 < len(p.Segments)
}

// RecommendedBufferThreshold implements spec.md §6's buffer-ahead
// recommendation: 1.5x the average segment duration for VOD, clamped for
// live playlists to the smallest of 3x target duration, HOLD-BACK,
// PART-HOLD-BACK and 3x part target duration (those that are set).
func RecommendedBufferThreshold(p *m3u8.MediaPlaylist) time.Duration {
	if p.SegmentCount() == 0 {
		return 0
	}
	avg := p.Duration / time.Duration(p.SegmentCount())
	threshold := avg + avg/2 // 1.5x

	if p.EndList {
		return threshold
	}

	clamp := 3 * p.TargetDuration
	if p.HoldBack > 0 && p.HoldBack < clamp {
		clamp = p.HoldBack
	}
	if p.PartHoldBack > 0 && p.PartHoldBack < clamp {
		clamp = p.PartHoldBack
	}
	if p.PartialTargetDuration > 0 {
		if pc := 3 * p.PartialTargetDuration; pc < clamp {
			clamp = pc
		}
	}
	if threshold > clamp {
		threshold = clamp
	}
	return threshold
}
