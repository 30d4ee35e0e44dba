package fragment

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/mogiioin/hlsdemux/m3u8"
	"github.com/mogiioin/hlsdemux/timemap"
)

func onePlaylist() *m3u8.MediaPlaylist {
	return &m3u8.MediaPlaylist{
		TargetDuration: 6 * time.Second,
		Segments: []*m3u8.MediaSegment{
			{Sequence: 0, StreamTime: 0, Duration: 6 * time.Second, Discont: true},
		},
	}
}

func TestProcessorSniffsWebVTTAndSeedsMap(t *testing.T) {
	is := is.New(t)
	registry := timemap.NewRegistry()
	p := onePlaylist()
	proc := New(registry, p, 0, -1, false)

	body := []byte("WEBVTT\n\n00:00:00.000 --> 00:00:02.000\nhello world\n")
	result, err := proc.Feed(body, true)
	is.NoErr(err)
	is.Equal(result, Done)
	is.Equal(proc.Kind(), proc.kind) // sanity: Kind() reads the stored field

	_, ok := registry.Get(0)
	is.True(ok)
}

func TestProcessorWebVTTEmptyCueForwardsDroppableBuffer(t *testing.T) {
	is := is.New(t)
	registry := timemap.NewRegistry()
	p := onePlaylist()
	proc := New(registry, p, 0, -1, false)

	body := []byte("WEBVTT\n\n00:00:00.000 --> 00:00:02.000\n\n")
	result, err := proc.Feed(body, true)
	is.NoErr(err)
	is.Equal(result, Done)
	is.True(proc.EmptyBuffer)
}

func TestProcessorUnknownContainerAtEOSErrors(t *testing.T) {
	is := is.New(t)
	registry := timemap.NewRegistry()
	p := onePlaylist()
	proc := New(registry, p, 0, -1, false)

	result, err := proc.Feed(make([]byte, 32), true)
	is.Equal(result, Error)
	is.True(err != nil)
}

func TestProcessorNeedsMoreDataBeforeEOS(t *testing.T) {
	is := is.New(t)
	registry := timemap.NewRegistry()
	p := onePlaylist()
	proc := New(registry, p, 0, -1, false)

	result, err := proc.Feed(make([]byte, 4), false)
	is.NoErr(err)
	is.Equal(result, NeedMoreData)
}

func TestProcessorMpegTSExtractsPTSAndSeedsMap(t *testing.T) {
	is := is.New(t)
	registry := timemap.NewRegistry()
	p := onePlaylist()
	proc := New(registry, p, 0, -1, false)

	pkt := buildTSPacketWithPTS(t, 0, 90000) // 1s of PTS ticks

	result, err := proc.Feed(pkt, true)
	is.NoErr(err)
	is.Equal(result, Done)

	m, ok := registry.Get(0)
	is.True(ok)
	is.Equal(m.InternalTime, time.Second)
}

// TestProcessorCompensatesMpegTSWraparoundAgainstPriorFragment mirrors
// spec.md §8 scenario 5: a fragment whose PTS has wrapped must reconcile
// against the registry's persisted internal time for its DSN, not a
// probe-local value (a fresh Processor/probe is built per fragment and
// never observes two PTS values itself).
func TestProcessorCompensatesMpegTSWraparoundAgainstPriorFragment(t *testing.T) {
	is := is.New(t)
	registry := timemap.NewRegistry()

	const wrapTicks = uint64(1) << 33
	p := &m3u8.MediaPlaylist{
		TargetDuration: 6 * time.Second,
		Segments: []*m3u8.MediaSegment{
			{Sequence: 0, StreamTime: 100 * time.Second, Duration: 3 * time.Second, Discont: true},
			{Sequence: 1, StreamTime: 103 * time.Second, Duration: 6 * time.Second},
		},
	}

	seed := New(registry, p, 0, -1, false)
	seedPkt := buildTSPacketWithPTS(t, 0, wrapTicks-2*tsClockHz) // 2s before the wrap point
	result, err := seed.Feed(seedPkt, true)
	is.NoErr(err)
	is.Equal(result, Done)

	// Without unwrapping against the registry's map, this fragment's
	// post-wrap PTS (1s) reconciles to a multi-hour negative drift and
	// forces a resync instead of landing inside seg1's window.
	next := New(registry, p, 1, -1, false)
	nextPkt := buildTSPacketWithPTS(t, 0, tsClockHz) // 1s of post-wrap PTS
	result, err = next.Feed(nextPkt, true)
	is.NoErr(err)
	is.Equal(result, Done)
}

// buildTSPacketWithPTS constructs a single TS packet on PID 0x100
// carrying a PES header with PTS-only, preceded by a PAT and PMT so the
// probe can resolve the elementary PID.
func buildTSPacketWithPTS(t *testing.T, ptsDtsIndicator int, ptsTicks uint64) []byte {
	t.Helper()
	var out []byte
	out = append(out, buildPATPacket()...)
	out = append(out, buildPMTPacket(0x100)...)
	out = append(out, buildPESPacket(0x100, ptsTicks)...)
	out = append(out, buildNullPacket()...) // 4th packet: typefind needs 4 consistent sync bytes
	return out
}

func buildNullPacket() []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = 0x1F
	pkt[2] = 0xFF
	pkt[3] = 0x10
	return pkt
}

func buildPATPacket() []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = 0x40 // PUSI, PID high bits 0
	pkt[2] = 0x00 // PID 0
	pkt[3] = 0x10
	payload := pkt[4:]
	payload[0] = 0x00 // pointer field
	body := payload[1:]
	body[0] = 0x00 // table id
	body[1] = 0xb0
	body[2] = 13 // section length
	// transport_stream_id, version etc [3..7] unused
	// program loop: program_number=1, pid=0x1000
	body[8] = 0x00
	body[9] = 0x01
	body[10] = 0xE0 | 0x10
	body[11] = 0x00
	return pkt
}

func buildPMTPacket(esPid int) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = 0x40 | byte(0x1000>>8)
	pkt[2] = byte(0x1000)
	pkt[3] = 0x10
	payload := pkt[4:]
	payload[0] = 0x00
	body := payload[1:]
	body[0] = 0x02
	body[1] = 0xb0
	body[2] = 18 // section length: covers one elementary-stream loop entry + CRC
	body[10] = 0x00
	body[11] = 0x00 // program_info_length = 0
	body[12] = 0x1b // stream type
	body[13] = 0xE0 | byte(esPid>>8)
	body[14] = byte(esPid)
	body[15] = 0xF0
	body[16] = 0x00
	return pkt
}

func buildPESPacket(pid int, ptsTicks uint64) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = 0x40 | byte(pid>>8)
	pkt[2] = byte(pid)
	pkt[3] = 0x10
	payload := pkt[4:]
	payload[0], payload[1], payload[2] = 0x00, 0x00, 0x01
	payload[3] = 0xE0 // video stream id
	payload[4], payload[5] = 0x00, 0x00
	payload[6] = 0x80
	payload[7] = 0x80 // PTS only
	payload[8] = 5    // header length
	writePTS(payload[9:14], 0x2, ptsTicks)
	return pkt
}

func writePTS(b []byte, marker byte, ticks uint64) {
	b[0] = (marker << 4) | byte((ticks>>30)&0x07)<<1 | 0x01
	b[1] = byte((ticks >> 22) & 0xff)
	b[2] = byte((ticks>>15)&0x7f)<<1 | 0x01
	b[3] = byte((ticks >> 7) & 0xff)
	b[4] = byte((ticks&0x7f)<<1) | 0x01
}
