package fragment

import (
	"encoding/binary"
	"time"
)

// isobmffProbe walks top-level boxes looking for a moov (to learn each
// track's timescale) followed by moof/traf/tfdt boxes giving a per-track
// decode time, per spec.md §4.4. It stops at the first mdat, since
// everything needed for time extraction precedes media data.
type isobmffProbe struct {
	buf        []byte
	timescales map[uint32]uint32 // track ID -> timescale, from moov/trak/mdhd
	lastTrack  uint32
	done       bool
	bestTime   time.Duration
	haveTime   bool
}

func newISOBMFFProbe() *isobmffProbe {
	return &isobmffProbe{timescales: make(map[uint32]uint32)}
}

func (p *isobmffProbe) feed(data []byte, atEOS bool) (time.Duration, bool, Result, error) {
	if p.done {
		return p.bestTime, p.haveTime, Done, nil
	}
	p.buf = append(p.buf, data...)

	for {
		box, size, ok := nextBox(p.buf)
		if !ok {
			if atEOS {
				p.done = true
				return p.bestTime, p.haveTime, Done, nil
			}
			return 0, false, NeedMoreData, nil
		}

		switch box.kind {
		case "moov":
			parseMoov(box.payload, p.timescales)
		case "moof":
			parseMoof(box.payload, p.timescales, p)
		case "mdat":
			p.done = true
			return p.bestTime, p.haveTime, Done, nil
		}

		p.buf = p.buf[size:]
	}
}

type isoBox struct {
	kind    string
	payload []byte
}

// nextBox returns the next complete top-level box in buf and its total
// size (header + payload), or ok=false if buf does not yet hold one.
func nextBox(buf []byte) (isoBox, int, bool) {
	if len(buf) < 8 {
		return isoBox{}, 0, false
	}
	size := int(binary.BigEndian.Uint32(buf[0:4]))
	kind := string(buf[4:8])
	headerLen := 8
	if size == 1 {
		if len(buf) < 16 {
			return isoBox{}, 0, false
		}
		size = int(binary.BigEndian.Uint64(buf[8:16]))
		headerLen = 16
	}
	if size < headerLen || len(buf) < size {
		return isoBox{}, 0, false
	}
	return isoBox{kind: kind, payload: buf[headerLen:size]}, size, true
}

// parseMoov walks trak/mdia/mdhd boxes to learn each track's timescale,
// keyed by its trak/tkhd track ID.
func parseMoov(moov []byte, timescales map[uint32]uint32) {
	walkBoxes(moov, func(b isoBox) {
		if b.kind != "trak" {
			return
		}
		var trackID uint32
		var timescale uint32
		walkBoxes(b.payload, func(inner isoBox) {
			switch inner.kind {
			case "tkhd":
				if len(inner.payload) >= 20 {
					version := inner.payload[0]
					off := 12
					if version == 1 {
						off = 20
					}
					if len(inner.payload) >= off+4 {
						trackID = binary.BigEndian.Uint32(inner.payload[off : off+4])
					}
				}
			case "mdia":
				walkBoxes(inner.payload, func(mdiaChild isoBox) {
					if mdiaChild.kind == "mdhd" && len(mdiaChild.payload) >= 20 {
						version := mdiaChild.payload[0]
						off := 12
						if version == 1 {
							off = 20
						}
						if len(mdiaChild.payload) >= off+4 {
							timescale = binary.BigEndian.Uint32(mdiaChild.payload[off : off+4])
						}
					}
				})
			}
		})
		if trackID != 0 && timescale != 0 {
			timescales[trackID] = timescale
		}
	})
}

// parseMoof walks traf/tfhd+tfdt pairs, converting each tfdt decode time
// to nanoseconds via the matching track's timescale and keeping the
// smallest across tracks present in this moof.
func parseMoof(moof []byte, timescales map[uint32]uint32, p *isobmffProbe) {
	walkBoxes(moof, func(b isoBox) {
		if b.kind != "traf" {
			return
		}
		var trackID uint32
		var decodeTime uint64
		var haveDecodeTime bool
		walkBoxes(b.payload, func(inner isoBox) {
			switch inner.kind {
			case "tfhd":
				if len(inner.payload) >= 8 {
					trackID = binary.BigEndian.Uint32(inner.payload[4:8])
				}
			case "tfdt":
				if len(inner.payload) < 4 {
					return
				}
				version := inner.payload[0]
				if version == 1 && len(inner.payload) >= 12 {
					decodeTime = binary.BigEndian.Uint64(inner.payload[4:12])
				} else if len(inner.payload) >= 8 {
					decodeTime = uint64(binary.BigEndian.Uint32(inner.payload[4:8]))
				}
				haveDecodeTime = true
			}
		})
		if !haveDecodeTime {
			return
		}
		timescale := timescales[trackID]
		if timescale == 0 {
			timescale = 90000 // fall back to the MPEG-TS clock rate
		}
		d := time.Duration(decodeTime) * time.Second / time.Duration(timescale)
		if !p.haveTime || d < p.bestTime {
			p.bestTime = d
			p.haveTime = true
		}
	})
}

// walkBoxes calls fn for every top-level box in buf, ignoring any
// trailing bytes that don't form a complete box.
func walkBoxes(buf []byte, fn func(isoBox)) {
	for len(buf) >= 8 {
		b, size, ok := nextBox(buf)
		if !ok {
			return
		}
		fn(b)
		buf = buf[size:]
	}
}
