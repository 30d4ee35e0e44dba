package core

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/mogiioin/hlsdemux/internal/clock"
	"github.com/mogiioin/hlsdemux/internal/config"
	"github.com/mogiioin/hlsdemux/m3u8"
)

const masterBody = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=640x360,AUDIO="aac"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2800000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=1280x720,AUDIO="aac"
high/index.m3u8
`

func newTestDemuxer(t *testing.T, fd *fakeDownloader, startBitrate uint32) (*Demuxer, *clock.Mock) {
	t.Helper()
	is := is.New(t)
	mock := clock.NewMock()
	d, err := New(fd, mock, config.DemuxerConfig{}, zerolog.Nop(), []byte(masterBody), "", "https://example.com/master.m3u8", startBitrate, 0)
	is.NoErr(err)
	return d, mock
}

func TestNewPicksHighestVariantByDefaultAndBindsRendition(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	d, _ := newTestDemuxer(t, fd, 0)

	is.Equal(d.Variant.Current().URI, "https://example.com/high/index.m3u8")
	is.Equal(d.Master().Variants[1].URI, "https://example.com/high/index.m3u8")
	_, ok := d.renditions[m3u8.RenditionAudio]
	is.True(ok)
}

func TestNewRejectsNonMasterPlaylist(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	mock := clock.NewMock()
	_, err := New(fd, mock, config.DemuxerConfig{}, zerolog.Nop(), []byte(vodBody), "", "https://example.com/media.m3u8", 0, 0)
	is.True(err != nil)
}

func TestDemuxerStartFetchesMainAndRenditionPlaylists(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	fd.body = []byte(vodBody)
	d, _ := newTestDemuxer(t, fd, 0)

	d.Start()
	fd.waitAndDrain(t, d.Sched) // main stream's playlist
	fd.waitAndDrain(t, d.Sched) // audio rendition's playlist

	info, status := d.MainFragmentInfo()
	is.Equal(status, Ready)
	is.Equal(info.URI, "seg0.ts")
}

func TestDemuxerAdaptBandwidthRetargetsMainLoader(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	fd.body = []byte(vodBody)
	d, _ := newTestDemuxer(t, fd, 0) // starts on "high" (2.8Mbps)

	d.Start()
	fd.waitAndDrain(t, d.Sched)
	fd.waitAndDrain(t, d.Sched)

	switched, next := d.AdaptBandwidth(1_000_000)
	is.True(switched)
	is.Equal(next.URI, "https://example.com/low/index.m3u8")

	fd.waitAndDrain(t, d.Sched) // the retargeted loader issues a fresh fetch
	is.Equal(d.Variant.Current().URI, "https://example.com/low/index.m3u8")
}

func TestDemuxerDurationAndLiveSeekRangeReadMainPlaylist(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	fd.body = []byte(vodBody)
	d, _ := newTestDemuxer(t, fd, 0)

	is.Equal(d.Duration(), time.Duration(0)) // no playlist loaded yet

	d.Start()
	fd.waitAndDrain(t, d.Sched)
	fd.waitAndDrain(t, d.Sched)

	is.Equal(d.Duration(), 12*time.Second)

	_, _, ok := d.LiveSeekRange()
	is.True(!ok) // vodBody has EXT-X-ENDLIST, no live seek range
}

func TestDemuxerLostSyncOnMainRecoversRenditionStreamsToo(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	d, _ := newTestDemuxer(t, fd, 0)

	audio, ok := d.renditions[m3u8.RenditionAudio]
	is.True(ok)

	stalled := func() *m3u8.MediaPlaylist {
		return &m3u8.MediaPlaylist{
			TargetDuration: 6 * time.Second,
			Segments: []*m3u8.MediaSegment{
				{Sequence: 0, PartialOnly: true, PartialSegs: []*m3u8.PartialSegment{
					{Duration: 2 * time.Second},
				}},
			},
		}
	}

	// First call establishes a position (no prior playlist); three more
	// stalled refreshes escalate the main stream to lost sync, which
	// posts the coordinated recovery onto the scheduler rather than
	// running it inline (spec.md §4.5 step 5).
	d.main.onPlaylist("", stalled())
	d.main.onPlaylist("", stalled())
	d.main.onPlaylist("", stalled())
	d.main.onPlaylist("", stalled())
	is.True(d.main.lostSync)
	is.True(!audio.lostSync) // the rendition never saw a refresh itself

	d.Sched.Drain() // runs the posted onLostSync, which resets both streams

	fd.waitAndDrain(t, d.Sched) // audio's forced refetch
	fd.waitAndDrain(t, d.Sched) // main's forced refetch

	is.True(!d.main.lostSync)
	is.True(!audio.lostSync)
}

func TestDemuxerStartBitrateReportsConstructorValue(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	d, _ := newTestDemuxer(t, fd, 1_500_000)
	is.Equal(d.StartBitrate(), uint32(1_500_000))
	is.Equal(d.Variant.Current().URI, "https://example.com/low/index.m3u8")
}
