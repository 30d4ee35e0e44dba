package m3u8

import (
	"testing"

	"github.com/matryer/is"
)

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-INDEPENDENT-SEGMENTS
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=640x360,AUDIO="aac"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2800000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=1280x720,AUDIO="aac"
high/index.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=150000,CODECS="avc1.4d401f",URI="low/iframe.m3u8"
`

func TestParseMasterSortsByBandwidth(t *testing.T) {
	is := is.New(t)
	mp, err := ParseMaster([]byte(masterPlaylist), "", "https://example.com/master.m3u8")
	is.NoErr(err)
	is.Equal(len(mp.Variants), 2)
	is.True(mp.Variants[0].Bandwidth < mp.Variants[1].Bandwidth)
	is.Equal(len(mp.IFrameVariants), 1)
	is.Equal(len(mp.Renditions), 1)
}

func TestParseMasterResolvesRelativeURIs(t *testing.T) {
	is := is.New(t)
	mp, err := ParseMaster([]byte(masterPlaylist), "", "https://example.com/a/master.m3u8")
	is.NoErr(err)
	is.Equal(mp.Variants[0].URI, "https://example.com/a/low/index.m3u8")
}

func TestParseDispatchesMasterVsMedia(t *testing.T) {
	is := is.New(t)
	p, err := Parse([]byte(masterPlaylist), "", "https://example.com/master.m3u8")
	is.NoErr(err)
	_, ok := p.(*MasterPlaylist)
	is.True(ok) // a body with EXT-X-STREAM-INF must dispatch to MasterPlaylist

	p2, err := Parse([]byte(vodPlaylist), "", "https://example.com/media.m3u8")
	is.NoErr(err)
	_, ok2 := p2.(*MediaPlaylist)
	is.True(ok2) // a body with EXTINF must dispatch to MediaPlaylist
}

func TestParseRejectsConflictingMarkers(t *testing.T) {
	is := is.New(t)
	data := masterPlaylist + "#EXTINF:10.0,\nseg.ts\n"
	_, err := Parse([]byte(data), "", "")
	is.True(err != nil)
}

func TestParseSimpleSingleVariant(t *testing.T) {
	is := is.New(t)
	data := "#EXTM3U\nvariant.m3u8\n"
	p, err := Parse([]byte(data), "", "https://example.com/master.m3u8")
	is.NoErr(err)
	mp, ok := p.(*MasterPlaylist)
	is.True(ok)
	is.True(mp.IsSimple)
	is.Equal(len(mp.Variants), 1)
	is.Equal(mp.Variants[0].URI, "https://example.com/variant.m3u8")
}

func TestJoinIdempotent(t *testing.T) {
	is := is.New(t)
	once, err := JoinIdempotent("https://example.com/a/master.m3u8", "https://cdn.example.com/seg.ts?token=abc")
	is.NoErr(err)
	twice, err := JoinIdempotent("https://example.com/a/master.m3u8", once)
	is.NoErr(err)
	is.Equal(once, twice)
}

func TestSortedQueryAscending(t *testing.T) {
	is := is.New(t)
	out, err := SortedQuery("https://example.com/live.m3u8?b=2", map[string]string{"a": "1", "_HLS_skip": "YES"})
	is.NoErr(err)
	is.Equal(out, "https://example.com/live.m3u8?_HLS_skip=YES&a=1&b=2")
}
