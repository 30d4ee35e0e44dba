package fragment

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

// webvttProbe is drain-only (spec.md §4.4): it needs the complete
// segment before it can parse the X-TIMESTAMP-MAP header and walk cues.
type webvttProbe struct {
	buf           []byte
	noDisplayable bool
}

func newWebVTTProbe() *webvttProbe {
	return &webvttProbe{}
}

func (p *webvttProbe) feed(data []byte, atEOS bool) (time.Duration, bool, Result, error) {
	p.buf = append(p.buf, data...)
	if !atEOS {
		return 0, false, NeedMoreData, nil
	}

	mpegts, local, haveMap := parseTimestampMap(p.buf)
	cueStart, found := firstDisplayableCueStart(p.buf)
	if !found {
		p.noDisplayable = true
		return 0, false, Done, nil
	}
	if !haveMap {
		// No mapping present: the cue time is already the stream clock.
		return cueStart, true, Done, nil
	}

	// "stream time per cue as (cue + mpegts - local)" mapped through the
	// active time map as an internal-clock-domain value, in 90kHz ticks.
	internalTicks := int64(cueStart)*tsClockHz/int64(time.Second) + int64(mpegts) - int64(local)*tsClockHz/int64(time.Second)
	if internalTicks < 0 {
		internalTicks = 0
	}
	return ticksToDuration(uint64(internalTicks)), true, Done, nil
}

// NoDisplayableText reports whether Feed reached EOS without finding any
// cue carrying displayable text, per spec.md §4.4's empty-buffer
// fallback: the caller should forward a droppable empty buffer stamped
// at the segment's stream_time + presentation_offset instead of treating
// this as ContentUnparseable.
func (p *webvttProbe) NoDisplayableText() bool { return p.noDisplayable }

// parseTimestampMap finds a `X-TIMESTAMP-MAP=MPEGTS:<n>,LOCAL:<ts>` (or
// the attributes in the other order) header line.
func parseTimestampMap(buf []byte) (mpegts uint64, local time.Duration, ok bool) {
	sc := bufio.NewScanner(strings.NewReader(string(buf)))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "X-TIMESTAMP-MAP") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		var haveMpegts, haveLocal bool
		for _, part := range strings.Split(line[idx+1:], ",") {
			kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "MPEGTS":
				if n, err := strconv.ParseUint(kv[1], 10, 64); err == nil {
					mpegts = n
					haveMpegts = true
				}
			case "LOCAL":
				if d, err := parseVTTTimestamp(kv[1]); err == nil {
					local = d
					haveLocal = true
				}
			}
		}
		if haveMpegts && haveLocal {
			return mpegts, local, true
		}
	}
	return 0, 0, false
}

// firstDisplayableCueStart scans for the first `HH:MM:SS.mmm --> ...`
// cue timing line followed by a non-blank payload line.
func firstDisplayableCueStart(buf []byte) (time.Duration, bool) {
	lines := strings.Split(string(buf), "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		arrow := strings.Index(line, "-->")
		if arrow < 0 {
			continue
		}
		start := strings.TrimSpace(line[:arrow])
		d, err := parseVTTTimestamp(start)
		if err != nil {
			continue
		}
		for j := i + 1; j < len(lines); j++ {
			text := strings.TrimSpace(lines[j])
			if text == "" {
				break
			}
			return d, true
		}
	}
	return 0, false
}

// parseVTTTimestamp parses "HH:MM:SS.mmm" or "MM:SS.mmm".
func parseVTTTimestamp(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	fields := strings.Split(s, ":")
	var hours, minutes int
	var secPart string
	switch len(fields) {
	case 3:
		h, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, err
		}
		hours = h
		m, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, err
		}
		minutes = m
		secPart = fields[2]
	case 2:
		m, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, err
		}
		minutes = m
		secPart = fields[1]
	default:
		return 0, strconv.ErrSyntax
	}

	secFields := strings.SplitN(secPart, ".", 2)
	sec, err := strconv.Atoi(secFields[0])
	if err != nil {
		return 0, err
	}
	var ms int
	if len(secFields) == 2 {
		msField := secFields[1]
		if len(msField) > 3 {
			msField = msField[:3]
		}
		for len(msField) < 3 {
			msField += "0"
		}
		ms, err = strconv.Atoi(msField)
		if err != nil {
			return 0, err
		}
	}

	total := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute +
		time.Duration(sec)*time.Second + time.Duration(ms)*time.Millisecond
	return total, nil
}
