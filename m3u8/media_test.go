package m3u8

import (
	"strconv"
	"testing"
	"time"

	"github.com/matryer/is"
)

const vodPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:10.0,
seg0.ts
#EXTINF:9.5,
seg1.ts
#EXTINF:10.0,
seg2.ts
#EXT-X-ENDLIST
`

func TestParseMediaVOD(t *testing.T) {
	is := is.New(t)
	pl, err := ParseMedia([]byte(vodPlaylist), "", "https://example.com/master.m3u8")
	is.NoErr(err) // must decode a well-formed VOD playlist
	is.Equal(len(pl.Segments), 3)
	is.True(pl.EndList)
	is.Equal(pl.Type, PlaylistVOD)
	is.Equal(pl.Segments[0].StreamTime, time.Duration(0))
	is.Equal(pl.Segments[1].StreamTime, 10*time.Second)
	is.Equal(pl.Segments[2].StreamTime, 19500*time.Millisecond)
}

// stream_time must be non-decreasing across the whole playlist (spec.md
// §8's monotonicity property).
func TestStreamTimeMonotonic(t *testing.T) {
	is := is.New(t)
	pl, err := ParseMedia([]byte(vodPlaylist), "", "https://example.com/master.m3u8")
	is.NoErr(err)
	for i := 1; i < len(pl.Segments); i++ {
		is.True(pl.Segments[i].StreamTime >= pl.Segments[i-1].StreamTime)
	}
}

func TestStreamTimeContinuesAcrossDiscontinuity(t *testing.T) {
	is := is.New(t)
	data := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.0,
seg0.ts
#EXT-X-DISCONTINUITY
#EXTINF:5.0,
seg1.ts
#EXT-X-ENDLIST
`
	pl, err := ParseMedia([]byte(data), "", "https://example.com/media.m3u8")
	is.NoErr(err)
	is.Equal(pl.Segments[1].DiscontSeq, uint64(1))
	is.Equal(pl.Segments[1].StreamTime, 10*time.Second)
}

func TestParseMediaRejectsEmptyPlaylist(t *testing.T) {
	is := is.New(t)
	_, err := ParseMedia([]byte("#EXTM3U\n#EXT-X-VERSION:3\n"), "", "")
	is.True(err != nil) // a media playlist with no segments is rejected
}

func TestFindPosition(t *testing.T) {
	is := is.New(t)
	pl, err := ParseMedia([]byte(vodPlaylist), "", "https://example.com/media.m3u8")
	is.NoErr(err)

	idx, _, ok := FindPosition(pl, 12*time.Second, false)
	is.True(ok)
	is.Equal(idx, 1) // 12s falls inside segment 1's [10s,19.5s) window

	diff := pl.Segments[idx].StreamTime - 12*time.Second
	if diff < 0 {
		diff = -diff
	}
	is.True(diff < pl.Segments[idx].Duration) // within one segment duration of ts
}

func TestFindPositionOutOfRange(t *testing.T) {
	is := is.New(t)
	pl, err := ParseMedia([]byte(vodPlaylist), "", "https://example.com/media.m3u8")
	is.NoErr(err)
	_, _, ok := FindPosition(pl, 1*time.Hour, false)
	is.True(!ok)
}

const llhlsTrailingParts = `#EXTM3U
#EXT-X-VERSION:9
#EXT-X-TARGETDURATION:6
#EXT-X-PART-INF:PART-TARGET=1.0
#EXT-X-MEDIA-SEQUENCE:10
#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=3.0
#EXTINF:6.0,
seg10.ts
#EXT-X-PART:DURATION=1.0,URI="seg11.part0.ts",INDEPENDENT=YES
#EXT-X-PART:DURATION=1.0,URI="seg11.part1.ts"
`

func TestPartialSegmentStreamTimePrefixSum(t *testing.T) {
	is := is.New(t)
	pl, err := ParseMedia([]byte(llhlsTrailingParts), "", "https://example.com/media.m3u8")
	is.NoErr(err)
	is.Equal(len(pl.Segments), 2)

	trailing := pl.Segments[1]
	is.True(trailing.PartialOnly)
	is.Equal(len(trailing.PartialSegs), 2)
	is.Equal(trailing.StreamTime, 6*time.Second)
	is.Equal(trailing.PartialSegs[0].StreamTime, 6*time.Second)
	is.Equal(trailing.PartialSegs[1].StreamTime, 7*time.Second)
}

func TestMergeDeltaReconciliation(t *testing.T) {
	is := is.New(t)

	reference := &MediaPlaylist{MediaSequence: 100}
	for sn := uint64(100); sn <= 109; sn++ {
		reference.Segments = append(reference.Segments, &MediaSegment{
			Sequence: sn,
			URI:      segURI(sn),
			Duration: time.Second,
		})
	}

	delta := &MediaPlaylist{SkippedSegments: 5}
	for sn := uint64(105); sn <= 110; sn++ {
		delta.Segments = append(delta.Segments, &MediaSegment{
			Sequence: sn,
			URI:      segURI(sn),
			Duration: time.Second,
		})
	}

	merged, err := MergeDelta(reference, delta)
	is.NoErr(err) // reference is a superset of delta and must merge cleanly
	is.Equal(len(merged.Segments), 11)
	for i, sn := 0, uint64(100); sn <= 110; i, sn = i+1, sn+1 {
		is.Equal(merged.Segments[i].Sequence, sn)
	}
}

func TestMergeDeltaFailsWithoutReferenceOverlap(t *testing.T) {
	is := is.New(t)
	reference := &MediaPlaylist{Segments: []*MediaSegment{{Sequence: 1, URI: "a.ts"}}}
	delta := &MediaPlaylist{
		SkippedSegments: 3,
		Segments:        []*MediaSegment{{Sequence: 50, URI: "z.ts"}},
	}
	_, err := MergeDelta(reference, delta)
	is.True(err != nil) // unmatched skip anchor must fail, not silently under-merge
}

func segURI(sn uint64) string {
	return "seg" + strconv.FormatUint(sn, 10) + ".ts"
}
