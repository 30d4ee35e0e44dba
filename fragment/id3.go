package fragment

import "time"

// id3Probe reads a full ID3v2 tag and looks for the PRIV frame owner
// Apple defines for HLS timestamp stamping, per spec.md §4.4.
type id3Probe struct {
	buf      []byte
	tagSize  int
	haveSize bool
}

func newID3Probe() *id3Probe {
	return &id3Probe{}
}

const privOwner = "com.apple.streaming.transportStreamTimestamp"

func (p *id3Probe) feed(data []byte, atEOS bool) (time.Duration, bool, Result, error) {
	p.buf = append(p.buf, data...)

	if !p.haveSize {
		if len(p.buf) < 10 {
			if atEOS {
				return 0, false, Done, nil
			}
			return 0, false, NeedMoreData, nil
		}
		p.tagSize = 10 + int(synchsafe(p.buf[6:10]))
		p.haveSize = true
	}

	if len(p.buf) < p.tagSize {
		if atEOS {
			return 0, false, Done, nil
		}
		return 0, false, NeedMoreData, nil
	}

	tag := p.buf[10:p.tagSize]
	ts, ok := findPrivTimestamp(tag)
	if !ok {
		return 0, false, Done, nil
	}
	return ticksToDuration(ts), true, Done, nil
}

func synchsafe(b []byte) uint32 {
	return uint32(b[0])<<21 | uint32(b[1])<<14 | uint32(b[2])<<7 | uint32(b[3])
}

// findPrivTimestamp scans ID3v2.3/2.4 frames for PRIV/privOwner and
// decodes its first 8 bytes as a big-endian 33-bit MPEG-TS timestamp.
func findPrivTimestamp(tag []byte) (uint64, bool) {
	pos := 0
	for pos+10 <= len(tag) {
		id := string(tag[pos : pos+4])
		size := int(tag[pos+4])<<24 | int(tag[pos+5])<<16 | int(tag[pos+6])<<8 | int(tag[pos+7])
		frameStart := pos + 10
		if size <= 0 || frameStart+size > len(tag) {
			break
		}
		if id == "PRIV" {
			frame := tag[frameStart : frameStart+size]
			if owner, value, ok := splitPrivFrame(frame); ok && owner == privOwner && len(value) >= 8 {
				var full uint64
				for _, b := range value[:8] {
					full = full<<8 | uint64(b)
				}
				return full & (1<<33 - 1), true
			}
		}
		pos = frameStart + size
	}
	return 0, false
}

func splitPrivFrame(frame []byte) (owner string, value []byte, ok bool) {
	nul := -1
	for i, b := range frame {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", nil, false
	}
	return string(frame[:nul]), frame[nul+1:], true
}
