package m3u8

import (
	"errors"
	"time"
)

// ErrDeltaMergeFailed is returned by MergeDelta when the delta playlist's
// first retained segment cannot be located in the reference playlist by
// (MSN, DSN, URI, offset, size); per spec.md §4.2 the loader must then
// retry the same URI without the skip directive.
var ErrDeltaMergeFailed = errors.New("m3u8: delta merge: skipped segment not found in reference")

// MergeDelta reconstructs the segments a server omitted from delta (an
// _HLS_skip response carrying EXT-X-SKIP) using reference (the last full
// playlist observed for the same URI), per spec.md §4.2 and the delta
// merge property in §8. The returned playlist is delta with its Segments
// slice prefixed by the recovered segments from reference; stream_time on
// the recovered segments is preserved from reference rather than
// recomputed, since recomputing would require the portion of the
// timeline reference already anchored.
func MergeDelta(reference, delta *MediaPlaylist) (*MediaPlaylist, error) {
	if delta.SkippedSegments == 0 || len(delta.Segments) == 0 {
		return delta, nil
	}

	first := delta.Segments[0]
	idx := findSegmentIndex(reference, first)
	if idx < 0 {
		return nil, ErrDeltaMergeFailed
	}
	start := idx - int(delta.SkippedSegments)
	if start < 0 {
		return nil, ErrDeltaMergeFailed
	}

	recovered := make([]*MediaSegment, idx-start)
	copy(recovered, reference.Segments[start:idx])

	merged := *delta
	merged.Segments = append(append([]*MediaSegment{}, recovered...), delta.Segments...)
	merged.MediaSequence = reference.Segments[start].Sequence
	merged.SkippedSegments = 0
	return &merged, nil
}

// findSegmentIndex locates seg inside p by the identity spec.md §4.2
// prescribes for delta matching: (MSN, DSN, URI, byte offset, byte size).
func findSegmentIndex(p *MediaPlaylist, seg *MediaSegment) int {
	for i, s := range p.Segments {
		if s.Sequence == seg.Sequence && s.DiscontSeq == seg.DiscontSeq &&
			s.URI == seg.URI && s.Offset == seg.Offset && s.Size == seg.Size {
			return i
		}
	}
	return -1
}

// FindPosition implements find_position(ts, allowPartial) from spec.md
// §4.3/§4.5: iterate backward from the last segment (the common case for
// live playback near the edge), returning the segment whose
// [stream_time, stream_time+duration) window contains ts. When
// allowPartial is true and the matched segment has partial segments, the
// index of the partial containing ts is also returned (-1 if none does).
func FindPosition(p *MediaPlaylist, ts time.Duration, allowPartial bool) (segIndex, partIndex int, ok bool) {
	for i := len(p.Segments) - 1; i >= 0; i-- {
		seg := p.Segments[i]
		dur := seg.Duration
		if seg.PartialOnly {
			for _, part := range seg.PartialSegs {
				dur += part.Duration
			}
		}
		if ts < seg.StreamTime || ts >= seg.StreamTime+dur {
			continue
		}
		if !allowPartial || len(seg.PartialSegs) == 0 {
			return i, -1, true
		}
		for j, part := range seg.PartialSegs {
			if ts >= part.StreamTime && ts < part.StreamTime+part.Duration {
				return i, j, true
			}
		}
		return i, -1, true
	}
	return 0, 0, false
}
