package m3u8

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// decodingState carries the running, tag-scoped state that applies to the
// *next* segment or partial segment encountered, mirroring the staging
// struct in mogiioin-hls-m3u8/m3u8/reader.go's decodingState.
type decodingState struct {
	discontSeq   uint64
	discontinuity bool
	gap          bool
	key          *Key
	initFile     *InitFile
	pdt          time.Time
	havePDT      bool
	byteOffset   int64
	byteSize     int64
	haveByteRange bool
	byteCursor   int64 // running offset for byte ranges that omit @offset

	pendingParts []*PartialSegment
}

func parseMedia(lines []string, baseURI, playlistURI string) (*MediaPlaylist, error) {
	p := &MediaPlaylist{
		URI:         playlistURI,
		BaseURI:     baseURI,
		Version:     3,
		CanSkipDateRanges: false,
	}

	st := &decodingState{}
	var pendingDuration time.Duration
	var pendingTitle string
	haveEXTINF := false
	msnSeen := false
	nextSeq := uint64(0)

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case line == "#EXTM3U":
			continue

		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			if v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:")); err == nil {
				p.Version = v
			}

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			secs, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: fmt.Errorf("EXT-X-TARGETDURATION: %w", err)}
			}
			p.TargetDuration = durationFromSeconds(secs)

		case strings.HasPrefix(line, "#EXT-X-PART-INF:"):
			attrs := decodeAttributeMap(line[len("#EXT-X-PART-INF:"):])
			if v, err := strconv.ParseFloat(attrs["PART-TARGET"], 64); err == nil {
				p.PartialTargetDuration = durationFromSeconds(v)
			}

		case strings.HasPrefix(line, "#EXT-X-SERVER-CONTROL:"):
			attrs := decodeAttributeMap(line[len("#EXT-X-SERVER-CONTROL:"):])
			if v, err := strconv.ParseFloat(attrs["HOLD-BACK"], 64); err == nil {
				p.HoldBack = durationFromSeconds(v)
			}
			if v, err := strconv.ParseFloat(attrs["PART-HOLD-BACK"], 64); err == nil {
				p.PartHoldBack = durationFromSeconds(v)
			}
			p.CanBlockReload = yesOrNo(attrs["CAN-BLOCK-RELOAD"])
			p.CanSkipDateRanges = attrs["CAN-SKIP-DATERANGES"] != "" && yesOrNo(attrs["CAN-SKIP-DATERANGES"])
			if attrs["CAN-SKIP-UNTIL"] != "" {
				if v, err := strconv.ParseFloat(attrs["CAN-SKIP-UNTIL"], 64); err == nil {
					p.SkipBoundary = durationFromSeconds(v)
				}
			}

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.ParseUint(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: fmt.Errorf("EXT-X-MEDIA-SEQUENCE: %w", err)}
			}
			p.MediaSequence = n
			nextSeq = n
			msnSeen = true

		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY-SEQUENCE:"):
			n, err := strconv.ParseUint(strings.TrimPrefix(line, "#EXT-X-DISCONTINUITY-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: fmt.Errorf("EXT-X-DISCONTINUITY-SEQUENCE: %w", err)}
			}
			p.DiscontSequence = n
			p.HasDiscontSeqTag = true
			st.discontSeq = n

		case line == "#EXT-X-ENDLIST":
			p.EndList = true

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			switch strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:") {
			case "EVENT":
				p.Type = PlaylistEvent
			case "VOD":
				p.Type = PlaylistVOD
			}

		case line == "#EXT-X-I-FRAMES-ONLY":
			p.IFrameOnly = true

		case line == "#EXT-X-INDEPENDENT-SEGMENTS":
			p.IndependentSegments = true

		case strings.HasPrefix(line, "#EXT-X-ALLOW-CACHE:"):
			b := yesOrNo(strings.TrimPrefix(line, "#EXT-X-ALLOW-CACHE:"))
			p.AllowCache = &b

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			k, err := parseKey(line[len("#EXT-X-KEY:"):])
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: err}
			}
			st.key = k
			if k != nil && k.Method != "NONE" {
				p.KeyPresent = true
			}

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := decodeAttributeMap(line[len("#EXT-X-MAP:"):])
			resolved, err := ResolveURI(baseURI, playlistURI, attrs["URI"])
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: err}
			}
			mf := &InitFile{URI: resolved}
			if off, size, ok := parseByteRangeAttr(attrs["BYTERANGE"]); ok {
				mf.Offset, mf.Size = off, size
			}
			st.initFile = mf

		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			t, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"))
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: fmt.Errorf("EXT-X-PROGRAM-DATE-TIME: %w", err)}
			}
			st.pdt = t
			st.havePDT = true
			p.PDTPresent = true

		case line == "#EXT-X-DISCONTINUITY":
			st.discontinuity = true
			st.discontSeq++

		case line == "#EXT-X-GAP":
			st.gap = true

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			off, size, ok := parseByteRangeAttr(strings.TrimPrefix(line, "#EXT-X-BYTERANGE:"))
			if !ok {
				return nil, &ParseError{Line: i + 1, Err: fmt.Errorf("EXT-X-BYTERANGE: malformed %q", line)}
			}
			st.byteOffset, st.byteSize, st.haveByteRange = off, size, true

		case strings.HasPrefix(line, "#EXT-X-PART:"):
			part, err := parsePart(line[len("#EXT-X-PART:"):], baseURI, playlistURI)
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: err}
			}
			part.IsGap = part.IsGap || st.gap
			st.pendingParts = append(st.pendingParts, part)

		case strings.HasPrefix(line, "#EXT-X-PRELOAD-HINT:"):
			hint, err := parsePreloadHint(line[len("#EXT-X-PRELOAD-HINT:"):], baseURI, playlistURI)
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: err}
			}
			p.PreloadHints = append(p.PreloadHints, hint)

		case strings.HasPrefix(line, "#EXT-X-SKIP:"):
			attrs := decodeAttributeMap(line[len("#EXT-X-SKIP:"):])
			if n, err := strconv.ParseUint(attrs["SKIPPED-SEGMENTS"], 10, 64); err == nil {
				p.SkippedSegments = n
				nextSeq += n
			}
			if attrs["RECENTLY-REMOVED-DATERANGES"] != "" {
				p.RemovedDateRanges = len(strings.Fields(attrs["RECENTLY-REMOVED-DATERANGES"]))
			}

		case strings.HasPrefix(line, "#EXTINF:"):
			dur, title, err := parseExtInf(line[len("#EXTINF:"):])
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: err}
			}
			pendingDuration, pendingTitle, haveEXTINF = dur, title, true

		case strings.HasPrefix(line, "#EXT-X-DATERANGE:"):
			// Parsed but not modeled beyond RECENTLY-REMOVED-DATERANGES
			// bookkeeping above; date ranges don't affect demuxing per
			// spec.md §3 Non-goals.

		case strings.HasPrefix(line, "#"):
			// Unknown/ignored tag.

		default:
			// Bare URI line: terminates a segment if EXTINF preceded it;
			// otherwise the line is skipped.
			if !haveEXTINF {
				continue
			}
			resolved, err := ResolveURI(baseURI, playlistURI, line)
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: err}
			}
			seg := &MediaSegment{
				Sequence:   nextSeq,
				DiscontSeq: st.discontSeq,
				URI:        resolved,
				Title:      pendingTitle,
				Duration:   pendingDuration,
				Discont:    st.discontinuity,
				IsGap:      st.gap,
				Key:        st.key,
				InitFile:   st.initFile,
			}
			if st.havePDT {
				seg.DateTime = st.pdt
				seg.HasDateTime = true
			}
			if st.haveByteRange {
				seg.Offset = st.byteOffset
				if seg.Offset == 0 {
					seg.Offset = st.byteCursor
				}
				seg.Size = st.byteSize
				seg.HasByteRange = true
				st.byteCursor = seg.Offset + seg.Size
			}
			seg.PartialSegs = st.pendingParts

			p.Segments = append(p.Segments, seg)
			nextSeq++

			st.discontinuity = false
			st.gap = false
			st.havePDT = false
			st.haveByteRange = false
			st.pendingParts = nil
			haveEXTINF = false
			pendingTitle = ""
			pendingDuration = 0
		}
	}

	// Trailing partial segments with no terminating bare URI describe the
	// in-progress last segment of a live LL-HLS playlist (spec.md §4.1).
	if len(st.pendingParts) > 0 {
		seg := &MediaSegment{
			Sequence:    nextSeq,
			DiscontSeq:  st.discontSeq,
			Discont:     st.discontinuity,
			Key:         st.key,
			InitFile:    st.initFile,
			PartialOnly: true,
			PartialSegs: st.pendingParts,
		}
		if st.havePDT {
			seg.DateTime = st.pdt
			seg.HasDateTime = true
		}
		p.Segments = append(p.Segments, seg)
	}

	if haveEXTINF && len(p.Segments) == 0 {
		return nil, ErrNoSegments
	}
	if len(p.Segments) == 0 && len(p.PreloadHints) == 0 {
		return nil, ErrNoSegments
	}

	if !msnSeen {
		p.MediaSequence = 0
	}

	repairProgramDateTimes(p)
	assignStreamTimes(p)
	p.Duration = totalDuration(p)

	return p, nil
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseExtInf(attrLine string) (time.Duration, string, error) {
	parts := strings.SplitN(attrLine, ",", 2)
	secs, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, "", fmt.Errorf("EXTINF: %w", err)
	}
	title := ""
	if len(parts) == 2 {
		title = parts[1]
	}
	return durationFromSeconds(secs), title, nil
}

func parseByteRangeAttr(v string) (offset, size int64, ok bool) {
	if v == "" {
		return 0, 0, false
	}
	v = deQuote(v)
	parts := strings.SplitN(v, "@", 2)
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if len(parts) == 2 {
		off, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return off, n, true
	}
	return 0, n, true
}

func parseKey(attrLine string) (*Key, error) {
	attrs := decodeAttributeMap(attrLine)
	k := &Key{Method: attrs["METHOD"], URI: attrs["URI"]}
	if k.Method == "" {
		return nil, fmt.Errorf("EXT-X-KEY: missing METHOD")
	}
	if iv, ok := attrs["IV"]; ok && iv != "" {
		b, err := parseHexIV(iv)
		if err != nil {
			return nil, fmt.Errorf("EXT-X-KEY: IV: %w", err)
		}
		k.IV = b
		k.HasIV = true
	}
	return k, nil
}

func parseHexIV(s string) ([16]byte, error) {
	var out [16]byte
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if len(s) != 32 {
		return out, fmt.Errorf("want 32 hex digits, got %d", len(s))
	}
	for i := 0; i < 16; i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return out, err
		}
		out[i] = b
	}
	return out, nil
}

func parsePart(attrLine, baseURI, playlistURI string) (*PartialSegment, error) {
	attrs := decodeAttributeMap(attrLine)
	resolved, err := ResolveURI(baseURI, playlistURI, attrs["URI"])
	if err != nil {
		return nil, err
	}
	dur, err := strconv.ParseFloat(attrs["DURATION"], 64)
	if err != nil {
		return nil, fmt.Errorf("EXT-X-PART: DURATION: %w", err)
	}
	part := &PartialSegment{
		URI:         resolved,
		Duration:    durationFromSeconds(dur),
		Independent: yesOrNo(attrs["INDEPENDENT"]),
		IsGap:       yesOrNo(attrs["GAP"]),
	}
	if off, size, ok := parseByteRangeAttr(attrs["BYTERANGE"]); ok {
		part.Offset, part.Size, part.HasSize = off, size, true
	}
	return part, nil
}

func parsePreloadHint(attrLine, baseURI, playlistURI string) (*PreloadHint, error) {
	attrs := decodeAttributeMap(attrLine)
	resolved, err := ResolveURI(baseURI, playlistURI, attrs["URI"])
	if err != nil {
		return nil, err
	}
	hint := &PreloadHint{URI: resolved}
	switch attrs["TYPE"] {
	case "MAP":
		hint.Type = PreloadMap
	default:
		hint.Type = PreloadPart
	}
	if attrs["BYTERANGE-START"] != "" {
		if n, err := strconv.ParseInt(attrs["BYTERANGE-START"], 10, 64); err == nil {
			hint.Offset = n
		}
	}
	if attrs["BYTERANGE-LENGTH"] != "" {
		if n, err := strconv.ParseInt(attrs["BYTERANGE-LENGTH"], 10, 64); err == nil {
			hint.Size, hint.HasSize = n, true
		}
	}
	return hint, nil
}

// repairProgramDateTimes fills in PDTs for non-discontinuity segments that
// lack one and follow a segment that has one, by forward-propagating
// PDT + cumulative duration, per spec.md §4.1's PDT-gap-repair rule. Runs
// forward only: a playlist with no PDT at all is left with none.
func repairProgramDateTimes(p *MediaPlaylist) {
	var last time.Time
	have := false
	for _, seg := range p.Segments {
		if seg.HasDateTime {
			last = seg.DateTime
			have = true
		} else if have && !seg.Discont {
			seg.DateTime = last
			seg.HasDateTime = true
		}
		if have {
			last = last.Add(seg.Duration)
		}
	}
}

// assignStreamTimes computes each segment's StreamTime as the prefix sum of
// all preceding durations, starting at 0 and continuing across
// discontinuities (spec.md §3 and §8's monotonicity property), and likewise
// for partial segments within a segment.
func assignStreamTimes(p *MediaPlaylist) {
	var running time.Duration
	for _, seg := range p.Segments {
		seg.StreamTime = running
		partRunning := running
		for _, part := range seg.PartialSegs {
			part.StreamTime = partRunning
			partRunning += part.Duration
		}
		if seg.PartialOnly {
			running = partRunning
		} else {
			running += seg.Duration
		}
	}
}

func totalDuration(p *MediaPlaylist) time.Duration {
	var total time.Duration
	for _, seg := range p.Segments {
		if seg.PartialOnly {
			for _, part := range seg.PartialSegs {
				total += part.Duration
			}
			continue
		}
		total += seg.Duration
	}
	return total
}
