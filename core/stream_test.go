package core

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/mogiioin/hlsdemux/internal/clock"
	"github.com/mogiioin/hlsdemux/internal/config"
	"github.com/mogiioin/hlsdemux/internal/download"
	"github.com/mogiioin/hlsdemux/internal/scheduler"
	"github.com/mogiioin/hlsdemux/m3u8"
	"github.com/mogiioin/hlsdemux/walker"
)

// fakeDownloader mirrors loader_test.go's fixture: it signals done after
// every Get so a test can deterministically drain the scheduler instead
// of sleep-polling, and its body/err can be swapped between fetches to
// simulate a playlist refresh.
type fakeDownloader struct {
	body []byte
	err  error
	done chan struct{}
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{done: make(chan struct{}, 64)}
}

func (f *fakeDownloader) Get(ctx context.Context, uri string, headers map[string]string) (download.Result, error) {
	defer func() { f.done <- struct{}{} }()
	if f.err != nil {
		return download.Result{}, f.err
	}
	return download.Result{Data: f.body}, nil
}

func (f *fakeDownloader) waitAndDrain(t *testing.T, sched *scheduler.Scheduler) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("fake downloader never completed")
	}
	sched.Drain()
}

const vodBody = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.0,
seg0.ts
#EXTINF:6.0,
seg1.ts
#EXT-X-ENDLIST
`

func newTestStream(fd *fakeDownloader) (*Stream, *scheduler.Scheduler, *clock.Mock) {
	mock := clock.NewMock()
	sched := scheduler.New(mock)
	s := newStream(sched, fd, mock, config.LoaderConfig{}, zerolog.Nop(), nil, false)
	return s, sched, mock
}

func TestStreamEstablishesPositionOnFirstPlaylist(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	fd.body = []byte(vodBody)
	s, sched, _ := newTestStream(fd)

	s.Loader.SetTargetURI("", "https://example.com/media.m3u8")
	s.Loader.Start()
	fd.waitAndDrain(t, sched)

	is.True(s.ready)
	pl := s.CurrentPlaylist()
	is.True(pl != nil)
	is.Equal(len(pl.Segments), 2)
}

func TestStreamNextFragmentInfoDeliversThenAdvances(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	fd.body = []byte(vodBody)
	s, sched, _ := newTestStream(fd)

	s.Loader.SetTargetURI("", "https://example.com/media.m3u8")
	s.Loader.Start()
	fd.waitAndDrain(t, sched)

	info, status := s.NextFragmentInfo()
	is.Equal(status, Ready)
	is.Equal(info.URI, "seg0.ts")

	info, status = s.NextFragmentInfo()
	is.Equal(status, Ready)
	is.Equal(info.URI, "seg1.ts")

	_, status = s.NextFragmentInfo()
	is.Equal(status, Eos)
}

func TestStreamNextFragmentInfoBusyBeforeFirstPlaylist(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	s, _, _ := newTestStream(fd)

	_, status := s.NextFragmentInfo()
	is.Equal(status, Busy)
}

func TestStreamCanSwitchAtSegmentBoundary(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	fd.body = []byte(vodBody)
	s, sched, _ := newTestStream(fd)

	s.Loader.SetTargetURI("", "https://example.com/media.m3u8")
	s.Loader.Start()
	fd.waitAndDrain(t, sched)

	is.True(s.CanSwitch()) // not yet in a partial
}

func TestStreamRetargetMarksNextFragmentDiscont(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	fd.body = []byte(vodBody)
	s, sched, _ := newTestStream(fd)

	s.Loader.SetTargetURI("", "https://example.com/media.m3u8")
	s.Loader.Start()
	fd.waitAndDrain(t, sched)

	s.Retarget("", "https://example.com/other.m3u8", nil, true)

	info, status := s.NextFragmentInfo()
	is.Equal(status, Ready)
	is.True(info.Discont)
}

func TestRebaseCursorFollowsMatchingSequenceNumber(t *testing.T) {
	is := is.New(t)
	old := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{
		{Sequence: 5}, {Sequence: 6}, {Sequence: 7},
	}}
	cur := walker.Cursor{SegIndex: 1, PartIndex: -1}

	next := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{
		{Sequence: 6}, {Sequence: 7}, {Sequence: 8},
	}}

	rebased, ok := rebaseCursor(old, cur, next)
	is.True(ok)
	is.Equal(rebased.SegIndex, 0)
}

func TestStreamEscalatesToLostSyncAfterThreeStalePartialOnlyRefreshes(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	s, _, _ := newTestStream(fd)

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

	first := stalled()
	s.onPlaylist("", first)
	is.True(s.ready)
	is.True(!s.lostSync)

	// Three more refreshes report the same single partial: no progress.
	s.onPlaylist("", stalled())
	is.True(!s.lostSync)
	s.onPlaylist("", stalled())
	is.True(!s.lostSync)
	s.onPlaylist("", stalled())
	is.True(s.lostSync)
}

func TestStreamResetsStaleCounterWhenPartialIsAdded(t *testing.T) {
	is := is.New(t)
	fd := newFakeDownloader()
	s, _, _ := newTestStream(fd)

	onePartial := &m3u8.MediaPlaylist{
		TargetDuration: 6 * time.Second,
		Segments: []*m3u8.MediaSegment{
			{Sequence: 0, PartialOnly: true, PartialSegs: []*m3u8.PartialSegment{
				{Duration: 2 * time.Second},
			}},
		},
	}
	twoPartials := &m3u8.MediaPlaylist{
		TargetDuration: 6 * time.Second,
		Segments: []*m3u8.MediaSegment{
			{Sequence: 0, PartialOnly: true, PartialSegs: []*m3u8.PartialSegment{
				{Duration: 2 * time.Second},
				{StreamTime: 2 * time.Second, Duration: 2 * time.Second},
			}},
		},
	}

	s.onPlaylist("", onePartial)
	s.onPlaylist("", onePartial)
	is.Equal(s.staleRefreshes, 1)
	s.onPlaylist("", twoPartials) // progress made: counter resets
	is.Equal(s.staleRefreshes, 0)
	is.True(!s.lostSync)
}

func TestRebasePDTMatchesAcrossChangedSequenceNumbers(t *testing.T) {
	is := is.New(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{
		{Sequence: 5, DateTime: base, HasDateTime: true, Duration: 6 * time.Second},
		{Sequence: 6, DateTime: base.Add(6 * time.Second), HasDateTime: true, Duration: 6 * time.Second},
	}}
	cur := walker.Cursor{SegIndex: 1, PartIndex: -1}

	// A DSN-repaired playlist can renumber sequences entirely; PDT
	// survives that and still identifies the same segment.
	next := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{
		{Sequence: 100, DateTime: base.Add(6 * time.Second), HasDateTime: true, Duration: 6 * time.Second},
		{Sequence: 101, DateTime: base.Add(12 * time.Second), HasDateTime: true, Duration: 6 * time.Second},
	}}

	rebased, ok := rebasePDT(old, cur, next)
	is.True(ok)
	is.Equal(rebased.SegIndex, 0)
}

func TestRebasePDTInsertsVirtualPrecedingSegment(t *testing.T) {
	is := is.New(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{
		{Sequence: 5, DateTime: base, HasDateTime: true, Duration: 6 * time.Second},
	}}
	cur := walker.Cursor{SegIndex: 0, PartIndex: -1}

	// old's one segment rolled off the window entirely, but its PDT
	// places its end within 20ms of new's first segment's start.
	next := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{
		{Sequence: 200, DateTime: base.Add(6 * time.Second), HasDateTime: true, Duration: 6 * time.Second},
		{Sequence: 201, DateTime: base.Add(12 * time.Second), HasDateTime: true, Duration: 6 * time.Second},
	}}

	rebased, ok := rebasePDT(old, cur, next)
	is.True(ok)
	is.Equal(rebased.SegIndex, 0)
}

func TestRebasePDTFailsWithoutProgramDateTime(t *testing.T) {
	is := is.New(t)
	old := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{{Sequence: 5}}}
	cur := walker.Cursor{SegIndex: 0, PartIndex: -1}
	next := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{{Sequence: 6}}}

	_, ok := rebasePDT(old, cur, next)
	is.True(!ok)
}

func TestRebaseCursorFailsWhenSequenceRolledOff(t *testing.T) {
	is := is.New(t)
	old := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{
		{Sequence: 1}, {Sequence: 2},
	}}
	cur := walker.Cursor{SegIndex: 0, PartIndex: -1}

	next := &m3u8.MediaPlaylist{Segments: []*m3u8.MediaSegment{
		{Sequence: 10}, {Sequence: 11},
	}}

	_, ok := rebaseCursor(old, cur, next)
	is.True(!ok)
}
