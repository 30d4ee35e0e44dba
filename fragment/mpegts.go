package fragment

import (
	"time"

	gots "github.com/Comcast/gots/v2"
)

// mpeg-ts clock runs at 90 kHz; §4.4 converts its ticks to nanoseconds.
const tsClockHz = 90000

func ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * time.Second / tsClockHz
}

// mpegTSProbe scans 188-byte packets for PAT → PMT → the first PES
// packet carrying PTS/DTS on an elementary PID, per spec.md §4.4.
// Grounded on the gots v2 PTS/DTS constants and extraction helper (used
// the same way in the reference `tonalfitness-ivsmeta` PES header
// decode) plus a from-scratch PAT/PMT walk, since this module needs only
// enough PSI parsing to find the first video/audio PID, not a full
// demux.
type mpegTSProbe struct {
	buf []byte

	pmtPid  int
	havePMT bool
	esPids  map[int]bool
	haveES  bool
}

func newMpegTSProbe() *mpegTSProbe {
	return &mpegTSProbe{pmtPid: -1, esPids: make(map[int]bool)}
}

func (m *mpegTSProbe) feed(data []byte, atEOS bool) (time.Duration, bool, Result, error) {
	m.buf = append(m.buf, data...)

	for len(m.buf) >= tsPacketSizeConst {
		pkt := m.buf[:tsPacketSizeConst]
		m.buf = m.buf[tsPacketSizeConst:]

		if pkt[0] != 0x47 {
			continue // not sync-aligned; skip, spec.md doesn't mandate resync here
		}
		pusi := pkt[1]&0x40 != 0
		pid := int(pkt[1]&0x1f)<<8 | int(pkt[2])
		payload := tsPayload(pkt)
		if payload == nil {
			continue
		}

		switch {
		case pid == 0 && pusi:
			if pmt, ok := parsePAT(payload); ok {
				m.pmtPid = pmt
				m.havePMT = true
			}
		case m.havePMT && pid == m.pmtPid && pusi:
			for _, esPid := range parsePMT(payload) {
				m.esPids[esPid] = true
			}
			m.haveES = len(m.esPids) > 0
		case m.haveES && m.esPids[pid] && pusi:
			if pts, dts, ok := parsePESTimestamps(payload); ok {
				value := dts
				if !hasDTS(payload) {
					value = pts
				} else if pts < dts && dts-pts < tsClockHz {
					// "if PTS < DTS and their difference <1s, use PTS"
					value = pts
				}
				return ticksToDuration(value), true, Done, nil
			}
		}
	}

	if atEOS {
		return 0, false, Done, nil
	}
	return 0, false, NeedMoreData, nil
}

const tsPacketSizeConst = 188

func tsPayload(pkt []byte) []byte {
	adaptationFieldControl := (pkt[3] >> 4) & 0x3
	offset := 4
	switch adaptationFieldControl {
	case 0x1: // payload only
	case 0x3: // adaptation field + payload
		if len(pkt) < 5 {
			return nil
		}
		offset += int(pkt[4]) + 1
	default:
		return nil // adaptation field only, or reserved
	}
	if offset >= len(pkt) {
		return nil
	}
	return pkt[offset:]
}

func parsePAT(payload []byte) (pmtPid int, ok bool) {
	if len(payload) < 1 {
		return 0, false
	}
	pointer := int(payload[0])
	body := payload[1+pointer:]
	if len(body) < 8 {
		return 0, false
	}
	sectionLength := int(body[1]&0x0f)<<8 | int(body[2])
	programsStart := 8
	programsEnd := 3 + sectionLength - 4 // minus CRC
	if programsEnd > len(body) {
		programsEnd = len(body)
	}
	for i := programsStart; i+3 < programsEnd; i += 4 {
		programNumber := int(body[i])<<8 | int(body[i+1])
		pid := int(body[i+2]&0x1f)<<8 | int(body[i+3])
		if programNumber != 0 { // skip the network-PID entry
			return pid, true
		}
	}
	return 0, false
}

func parsePMT(payload []byte) []int {
	if len(payload) < 1 {
		return nil
	}
	pointer := int(payload[0])
	body := payload[1+pointer:]
	if len(body) < 12 {
		return nil
	}
	sectionLength := int(body[1]&0x0f)<<8 | int(body[2])
	programInfoLength := int(body[10]&0x0f)<<8 | int(body[11])
	pos := 12 + programInfoLength
	end := 3 + sectionLength - 4
	if end > len(body) {
		end = len(body)
	}

	var pids []int
	for pos+4 < end {
		pid := int(body[pos+1]&0x1f)<<8 | int(body[pos+2])
		esInfoLength := int(body[pos+3]&0x0f)<<8 | int(body[pos+4])
		pids = append(pids, pid)
		pos += 5 + esInfoLength
	}
	return pids
}

// parsePESTimestamps reads the PTS/DTS fields of a PES header at the
// start of a PUSI payload, following the optional-PES-header layout
// documented by the gots-derived reference decode: marker bits, 3x
// 15/15/3-bit timestamp groups each terminated by a '1' marker bit.
func parsePESTimestamps(payload []byte) (pts, dts uint64, ok bool) {
	if len(payload) < 9 || payload[0] != 0 || payload[1] != 0 || payload[2] != 1 {
		return 0, 0, false
	}
	ptsDtsIndicator := (payload[7] >> 6) & 0x3
	if ptsDtsIndicator == gots.PTS_DTS_INDICATOR_NONE {
		return 0, 0, false
	}
	if len(payload) < 14 {
		return 0, 0, false
	}
	pts = gots.ExtractTime(payload[9:14])
	if ptsDtsIndicator == gots.PTS_DTS_INDICATOR_BOTH {
		if len(payload) < 19 {
			return pts, 0, true
		}
		dts = gots.ExtractTime(payload[14:19])
		return pts, dts, true
	}
	return pts, pts, true
}

func hasDTS(payload []byte) bool {
	if len(payload) < 8 {
		return false
	}
	return (payload[7]>>6)&0x3 == gots.PTS_DTS_INDICATOR_BOTH
}

// tsClockTick is one 90kHz clock tick's duration, the unit timemap.Unwrap
// needs to compensate a post-wrap PTS/DTS/PRIV value observed against the
// active time map's persisted internal time (spec.md §4.4's 33-bit
// wraparound, §4.5's "TS wrap compensation"). MpegTs and Id3 both share
// this clock domain.
const tsClockTick = time.Second / tsClockHz
