// Package timemap implements the time-mapping and resync rules of
// spec.md §4.5: each discontinuity sequence (DSN) owns a TimeMap from a
// container's internal timestamp domain to the playlist's stream_time
// domain, and fragment-level observations are reconciled against it to
// catch drift or desync.
package timemap

import (
	"sync"
	"time"

	"github.com/mogiioin/hlsdemux/m3u8"
)

// wrapThreshold33 is the 33-bit (90kHz MPEG-TS clock) wraparound point,
// expressed in the same tick domain the caller passes internal times in
// before conversion to time.Duration; kept here since both the MpegTs and
// Id3 probes observe values in that domain and must compensate the same
// way before reconciliation (spec.md §4.4's MpegTs probe, §4.5's "TS wrap
// compensation").
const wrapThreshold33 = 1 << 33

// TimeMap anchors one DSN's internal-clock domain to stream_time.
type TimeMap struct {
	StreamTime   time.Duration
	InternalTime time.Duration
	PDT          time.Time
	HasPDT       bool
	seeded       bool
}

// Outcome reports whether Reconcile requires the caller to relocate its
// walker cursor.
type Outcome int

const (
	ResyncNone Outcome = iota
	ResyncNeeded
)

// driftTolerance is the "do nothing" band from spec.md §4.5.
const driftTolerance = 10 * time.Millisecond

// Registry holds one TimeMap per DSN observed so far.
type Registry struct {
	mu   sync.Mutex
	maps map[uint64]*TimeMap
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{maps: make(map[uint64]*TimeMap)}
}

// Seed creates or overwrites dsn's map with a fresh anchor. Rendition
// streams may not create a map that does not already exist (spec.md
// §4.5: "Rendition streams may not seed a map... they defer"); they may
// still overwrite an existing one on their own discontinuity boundary.
// pdt/hasPDT carry the seeding segment's PROGRAM-DATE-TIME, if any, so
// core.rebasePDT can match a DSN's anchor across a playlist refresh
// (spec.md §4.5's synchronizing-playlists step 2).
func (r *Registry) Seed(dsn uint64, streamTime, internal time.Duration, pdt time.Time, hasPDT bool, isRendition bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isRendition {
		if _, ok := r.maps[dsn]; !ok {
			return
		}
	}
	r.maps[dsn] = &TimeMap{StreamTime: streamTime, InternalTime: internal, PDT: pdt, HasPDT: hasPDT, seeded: true}
}

// Get returns dsn's map, if seeded.
func (r *Registry) Get(dsn uint64) (TimeMap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.maps[dsn]
	if !ok {
		return TimeMap{}, false
	}
	return *m, true
}

// unwrap compensates for 33-bit MPEG-TS clock wraparound against the
// active map: if observed is much smaller than the map's internal time,
// a wrap has occurred since the map was seeded, so 2^33 ticks' worth of
// duration is added back in the same units as the inputs.
func unwrap(observed, reference time.Duration, tickDuration time.Duration) time.Duration {
	wrapDuration := time.Duration(wrapThreshold33) * tickDuration
	if reference-observed > wrapDuration/2 {
		return observed + wrapDuration
	}
	return observed
}

// Unwrap is the exported form of the 33-bit wraparound compensation,
// used by the MpegTs/Id3 probes before calling Reconcile: tickDuration is
// the duration of one clock tick (e.g. time.Second/90000 for the 90kHz
// MPEG-TS clock).
func Unwrap(observed, reference time.Duration, tickDuration time.Duration) time.Duration {
	return unwrap(observed, reference, tickDuration)
}

// Reconcile implements spec.md §4.5's non-discontinuous-segment rules.
// playlist/segIndex identify the segment the fragment belongs to;
// partIndex is >= 0 when the fragment is a partial segment. internal is
// the fragment's extracted internal timestamp, already wraparound-
// compensated by the caller via Unwrap. On ResyncNeeded, newSegIndex/
// newPartIndex report where the walker cursor should relocate to (when
// find_position located a different segment); when it did not,
// ResyncNeeded is still returned with the cursor unchanged and the
// caller should mark the buffer discont and trust realStreamTime.
func (r *Registry) Reconcile(dsn uint64, playlist *m3u8.MediaPlaylist, segIndex, partIndex int, internal time.Duration) (outcome Outcome, newSegIndex, newPartIndex int, realStreamTime time.Duration, err error) {
	r.mu.Lock()
	m, ok := r.maps[dsn]
	r.mu.Unlock()
	if !ok {
		// No map yet for this DSN: nothing to reconcile against.
		return ResyncNone, segIndex, partIndex, 0, nil
	}

	real := m.StreamTime + (internal - m.InternalTime)
	seg := playlist.Segments[segIndex]

	current := seg.StreamTime
	dur := seg.Duration
	if partIndex >= 0 && partIndex < len(seg.PartialSegs) {
		current = seg.PartialSegs[partIndex].StreamTime
		dur = seg.PartialSegs[partIndex].Duration
	}

	delta := current - real
	if delta < 0 {
		delta = -delta
	}

	if delta <= driftTolerance {
		return ResyncNone, segIndex, partIndex, real, nil
	}

	if delta <= dur/2 {
		adjustStreamTime(playlist, segIndex, partIndex, real)
		return ResyncNone, segIndex, partIndex, real, nil
	}

	newIdx, newPart, found := m3u8.FindPosition(playlist, real, partIndex >= 0)
	if found && (newIdx != segIndex || newPart != partIndex) {
		return ResyncNeeded, newIdx, newPart, real, nil
	}
	return ResyncNeeded, segIndex, partIndex, real, nil
}

// adjustStreamTime corrects the segment or partial at (segIndex,
// partIndex) to real and recomputes the prefix/suffix stream times of
// every following segment/partial in the same discontinuity run, per
// spec.md §4.5.
func adjustStreamTime(playlist *m3u8.MediaPlaylist, segIndex, partIndex int, real time.Duration) {
	seg := playlist.Segments[segIndex]
	dsn := seg.DiscontSeq

	if partIndex >= 0 && partIndex < len(seg.PartialSegs) {
		delta := real - seg.PartialSegs[partIndex].StreamTime
		for j := partIndex; j < len(seg.PartialSegs); j++ {
			seg.PartialSegs[j].StreamTime += delta
		}
	} else {
		delta := real - seg.StreamTime
		seg.StreamTime = real
		for j := 0; j < len(seg.PartialSegs); j++ {
			seg.PartialSegs[j].StreamTime += delta
		}
	}

	for i := segIndex + 1; i < len(playlist.Segments); i++ {
		s := playlist.Segments[i]
		if s.DiscontSeq != dsn {
			break
		}
		prev := playlist.Segments[i-1]
		prevEnd := prev.StreamTime + prev.Duration
		if len(prev.PartialSegs) > 0 {
			last := prev.PartialSegs[len(prev.PartialSegs)-1]
			prevEnd = last.StreamTime + last.Duration
		}
		s.StreamTime = prevEnd
		runningStart := s.StreamTime
		for _, part := range s.PartialSegs {
			part.StreamTime = runningStart
			runningStart += part.Duration
		}
	}
}
