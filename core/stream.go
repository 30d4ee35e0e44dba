package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mogiioin/hlsdemux/fragment"
	"github.com/mogiioin/hlsdemux/internal/clock"
	"github.com/mogiioin/hlsdemux/internal/config"
	"github.com/mogiioin/hlsdemux/internal/download"
	"github.com/mogiioin/hlsdemux/internal/herrors"
	"github.com/mogiioin/hlsdemux/internal/scheduler"
	"github.com/mogiioin/hlsdemux/loader"
	"github.com/mogiioin/hlsdemux/m3u8"
	"github.com/mogiioin/hlsdemux/timemap"
	"github.com/mogiioin/hlsdemux/walker"
)

// Status is the verdict NextFragmentInfo reports for a stream, mirroring
// spec.md §6's update_fragment_info return states.
type Status int

const (
	// Ready means Info is valid for the caller to act on.
	Ready Status = iota
	// Busy means the playlist for the current target is still loading.
	Busy
	// Eos means a VOD playlist has no further fragment.
	Eos
	// LostSync means the walker's position no longer aligns with any
	// segment in the current playlist (a refresh rolled past it).
	LostSync
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Eos:
		return "eos"
	case LostSync:
		return "lost_sync"
	default:
		return "unknown"
	}
}

// FragmentInfo is spec.md §6's update_fragment_info payload.
type FragmentInfo struct {
	URI      string
	Offset   int64
	Size     int64
	HasRange bool
	Duration time.Duration
	Discont  bool

	HeaderURI      string
	HeaderOffset   int64
	HeaderSize     int64
	HasHeaderRange bool

	RecommendedBufferThreshold time.Duration
}

// Stream bundles one playlist's loader (C2), cursor (C3), and the
// bookkeeping needed to carry that cursor across a live refresh: a
// loader.Loader + walker.Walker pair, per spec.md §5's "each stream
// holds the playlist/cursor pair the scheduler drives".
type Stream struct {
	mu sync.Mutex

	Log         zerolog.Logger
	Loader      *loader.Loader
	Walker      *walker.Walker
	registry    *timemap.Registry
	isRendition bool

	ready          bool // true when the cursor points at a not-yet-issued fragment
	pendingDiscont bool
	lostSync       bool
	staleRefreshes int // consecutive refreshes where the cursor's partial_only segment gained no partials

	pendingReseekTS  time.Duration
	hasPendingReseek bool // armed by reseedFrom after a lost-sync reset

	// OnFatal is invoked (off the stream's own lock) when the loader
	// reports a load failure after exhausting its own fallback-URI
	// rotation (spec.md §4.6's "variant itself is marked failed" step).
	OnFatal func(err error)

	// OnLostSync is posted on the scheduler (never invoked under s.mu)
	// when this stream declares lost sync, implementing spec.md §4.5
	// step 5's cross-stream recovery. Only the main stream carries one;
	// a rendition stream's own lost sync is handled locally by its next
	// refresh.
	OnLostSync func()
}

func newStream(sched *scheduler.Scheduler, dl download.Downloader, clk clock.Clock, cfg config.LoaderConfig, log zerolog.Logger, registry *timemap.Registry, isRendition bool) *Stream {
	s := &Stream{
		Log:         log,
		Walker:      walker.New(),
		registry:    registry,
		isRendition: isRendition,
	}
	s.Loader = loader.New(dl, sched, clk, cfg, log)
	s.Loader.OnSuccess = s.onPlaylist
	s.Loader.OnError = s.onLoadError
	return s
}

// Retarget points the stream's loader at a new URI and fallback list.
// discont marks the next fragment as discontinuous, since the
// underlying content is about to change (a variant or rendition
// switch).
func (s *Stream) Retarget(base, uri string, fallbacks []string, discont bool) {
	if discont {
		s.mu.Lock()
		s.pendingDiscont = true
		s.mu.Unlock()
	}

	s.Loader.SetTargetURI(base, uri)
	s.Loader.SetFallbackURIs(fallbacks)
}

func (s *Stream) onPlaylist(_ string, pl *m3u8.MediaPlaylist) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.Walker.Playlist()
	if prev == nil {
		if s.hasPendingReseek {
			ts := s.pendingReseekTS
			s.hasPendingReseek = false
			if _, err := walker.Seek(s.Walker, pl, ts, walker.SeekFlags{}); err == nil {
				s.ready = true
				s.lostSync = false
				s.pendingDiscont = true
				return
			}
			s.Log.Warn().Msg("stream: reseed from current_position failed after lost sync, falling back to starting_segment")
		}
		if _, err := walker.StartingSegment(s.Walker, pl); err != nil {
			s.Log.Warn().Err(err).Msg("stream: starting_segment failed")
			return
		}
		s.ready = true
		return
	}

	cur, have := s.Walker.Position()
	if !have {
		if _, err := walker.StartingSegment(s.Walker, pl); err == nil {
			s.ready = true
		}
		return
	}

	// spec.md §4.5's "synchronizing playlists to one another": try PDT
	// (step 2) before falling back to the MSN match (step 4).
	if rebased, ok := rebasePDT(prev, cur, pl); ok {
		s.applyRebaseLocked(prev, cur, pl, rebased)
		return
	}
	if rebased, ok := rebaseCursor(prev, cur, pl); ok {
		s.applyRebaseLocked(prev, cur, pl, rebased)
		return
	}

	// The segment the cursor pointed at rolled off the front of the
	// window (or the playlist reset). Re-derive a position from the
	// last known stream time instead of losing the cursor outright.
	streamTime := streamTimeOf(prev, cur)
	if _, err := walker.Seek(s.Walker, pl, streamTime, walker.SeekFlags{}); err != nil {
		s.Log.Warn().Err(err).Msg("stream: position no longer resolvable after refresh")
		s.markLostSyncLocked()
	}
}

// applyRebaseLocked lands a successful rebase (from either rebasePDT or
// rebaseCursor) and tracks the partial_only staleness counter the two
// matchers share.
func (s *Stream) applyRebaseLocked(prev *m3u8.MediaPlaylist, cur walker.Cursor, pl *m3u8.MediaPlaylist, rebased walker.Cursor) {
	prevSeg := prev.Segments[cur.SegIndex]
	newSeg := pl.Segments[rebased.SegIndex]
	if prevSeg.PartialOnly && newSeg.PartialOnly && len(newSeg.PartialSegs) <= len(prevSeg.PartialSegs) {
		s.staleRefreshes++
	} else {
		s.staleRefreshes = 0
	}

	_ = walker.SetPosition(s.Walker, pl, rebased)

	if s.staleRefreshes >= 3 {
		s.Log.Warn().Msg("stream: partial_only segment made no progress across 3 refreshes, marking lost sync")
		s.markLostSyncLocked()
	}
}

// markLostSyncLocked sets lostSync and, if this is the main stream,
// posts OnLostSync on the loader's scheduler rather than calling it
// synchronously: the callback may retarget/reset this very stream, which
// would deadlock against the lock onPlaylist/NextFragmentInfo already
// hold.
func (s *Stream) markLostSyncLocked() {
	if s.lostSync {
		return
	}
	s.lostSync = true
	if s.OnLostSync != nil {
		cb := s.OnLostSync
		s.Loader.Sched.Post(cb)
	}
}

func (s *Stream) onLoadError(uri string, err error) {
	if herrors.KindOf(err) != herrors.PlaylistLoadFailed {
		return
	}
	if s.OnFatal != nil {
		s.OnFatal(err)
	}
}

// streamTimeOf returns the stream_time cur pointed at within p.
func streamTimeOf(p *m3u8.MediaPlaylist, cur walker.Cursor) time.Duration {
	seg := p.Segments[cur.SegIndex]
	if cur.PartIndex >= 0 && cur.PartIndex < len(seg.PartialSegs) {
		return seg.PartialSegs[cur.PartIndex].StreamTime
	}
	return seg.StreamTime
}

// pdtMatchTolerance is spec.md §4.5 step 2's "within 20 ms of the first
// new segment's start" tolerance for treating a reference segment as a
// virtual predecessor of a freshly refreshed playlist's window.
const pdtMatchTolerance = 20 * time.Millisecond

// rebasePDT implements spec.md §4.5 step 2: match the segment cur
// points at, in old, against new by PROGRAM-DATE-TIME, within a
// seg.duration/3 tolerance. Failing that, if old's segment's PDT places
// its end within pdtMatchTolerance of new's first segment's start, old
// is inserted as a virtual segment immediately preceding new's window
// and the cursor rebases to the front of new.
func rebasePDT(old *m3u8.MediaPlaylist, cur walker.Cursor, new *m3u8.MediaPlaylist) (walker.Cursor, bool) {
	if old == nil || cur.SegIndex < 0 || cur.SegIndex >= len(old.Segments) {
		return walker.Cursor{}, false
	}
	ref := old.Segments[cur.SegIndex]
	if !ref.HasDateTime {
		return walker.Cursor{}, false
	}

	for i, seg := range new.Segments {
		if !seg.HasDateTime {
			continue
		}
		tol := seg.Duration / 3
		if tol <= 0 {
			tol = pdtMatchTolerance
		}
		if absDuration(seg.DateTime.Sub(ref.DateTime)) > tol {
			continue
		}
		partIdx := cur.PartIndex
		if partIdx >= 0 && partIdx >= len(seg.PartialSegs) {
			if len(seg.PartialSegs) == 0 {
				partIdx = -1
			} else {
				partIdx = len(seg.PartialSegs) - 1
			}
		}
		return walker.Cursor{SegIndex: i, PartIndex: partIdx}, true
	}

	if len(new.Segments) > 0 && new.Segments[0].HasDateTime {
		refEnd := ref.DateTime.Add(ref.Duration)
		if absDuration(new.Segments[0].DateTime.Sub(refEnd)) <= pdtMatchTolerance {
			return walker.Cursor{SegIndex: 0, PartIndex: -1}, true
		}
	}

	return walker.Cursor{}, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// rebaseCursor relocates cur, read against old, onto new by matching
// media sequence numbers — stable across a refresh, unlike slice
// indices. Returns ok=false if that MSN no longer appears in new.
func rebaseCursor(old *m3u8.MediaPlaylist, cur walker.Cursor, new *m3u8.MediaPlaylist) (walker.Cursor, bool) {
	if old == nil || cur.SegIndex < 0 || cur.SegIndex >= len(old.Segments) {
		return walker.Cursor{}, false
	}
	msn := old.Segments[cur.SegIndex].Sequence
	for i, seg := range new.Segments {
		if seg.Sequence != msn {
			continue
		}
		partIdx := cur.PartIndex
		if partIdx >= 0 && partIdx >= len(seg.PartialSegs) {
			if len(seg.PartialSegs) == 0 {
				partIdx = -1
			} else {
				partIdx = len(seg.PartialSegs) - 1
			}
		}
		return walker.Cursor{SegIndex: i, PartIndex: partIdx}, true
	}
	return walker.Cursor{}, false
}

// NextFragmentInfo implements spec.md §6's per-stream
// update_fragment_info: the first call after Start/a seek reports the
// cursor's current position without moving it; every subsequent call
// advances the cursor first, so each call hands out exactly one
// fragment's worth of information.
func (s *Stream) NextFragmentInfo() (FragmentInfo, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pl := s.Walker.Playlist()
	if pl == nil {
		return FragmentInfo{}, Busy
	}
	if s.lostSync {
		return FragmentInfo{}, LostSync
	}

	if !s.ready {
		res, err := s.Walker.Advance(true, s.markDiscontLocked)
		if err != nil {
			s.markLostSyncLocked()
			return FragmentInfo{}, LostSync
		}
		switch res {
		case walker.Eos:
			return FragmentInfo{}, Eos
		case walker.WaitingForUpdate:
			return FragmentInfo{}, Busy
		}
	}
	s.ready = false

	cur, have := s.Walker.Position()
	if !have {
		return FragmentInfo{}, Busy
	}

	pl = s.Walker.Playlist()
	info := buildFragmentInfo(pl, cur)
	info.Discont = info.Discont || s.pendingDiscont
	info.RecommendedBufferThreshold = walker.RecommendedBufferThreshold(pl)
	s.pendingDiscont = false
	return info, Ready
}

func (s *Stream) markDiscontLocked(uint64) { s.pendingDiscont = true }

// CurrentPlaylist returns the playlist the stream is positioned
// against, or nil if none has loaded yet.
func (s *Stream) CurrentPlaylist() *m3u8.MediaPlaylist {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Walker.Playlist()
}

// NewFragmentProcessor builds a fragment.Processor (C4) for the
// fragment NextFragmentInfo most recently handed out: the walker's
// cursor still points at it, since Advance runs before the ready flag
// is cleared.
func (s *Stream) NewFragmentProcessor() (*fragment.Processor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl := s.Walker.Playlist()
	cur, have := s.Walker.Position()
	if pl == nil || !have {
		return nil, herrors.New(herrors.ManifestMalformed, "stream.fragment_processor")
	}
	return fragment.New(s.registry, pl, cur.SegIndex, cur.PartIndex, s.isRendition), nil
}

// ApplyResync relocates the walker's cursor to the position a
// fragment.Processor's Resync result reported, so the next
// NextFragmentInfo call resumes from the reconciled location instead
// of the playlist-declared one.
func (s *Stream) ApplyResync(segIndex, partIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl := s.Walker.Playlist()
	if pl == nil {
		return
	}
	if err := walker.SetPosition(s.Walker, pl, walker.Cursor{SegIndex: segIndex, PartIndex: partIndex}); err != nil {
		return
	}
	s.ready = false
}

// seekTo repositions the stream's cursor to ts against its current
// playlist and arms the next fragment as discont, per spec.md §6's seek
// request. It fails if no playlist has loaded yet.
func (s *Stream) seekTo(ts time.Duration, flags walker.SeekFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl := s.Walker.Playlist()
	if pl == nil {
		return herrors.New(herrors.ManifestMalformed, "stream.seek")
	}
	if _, err := walker.Seek(s.Walker, pl, ts, flags); err != nil {
		return err
	}
	s.ready = true
	s.lostSync = false
	s.pendingDiscont = true
	return nil
}

// lastKnownStreamTime reports the stream_time the walker's cursor last
// pointed at. Used to reseed the variant after a lost-sync reset
// (spec.md §4.5 step 5's "reseed ... from current_position").
func (s *Stream) lastKnownStreamTime() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl := s.Walker.Playlist()
	cur, have := s.Walker.Position()
	if pl == nil || !have {
		return 0, false
	}
	return streamTimeOf(pl, cur), true
}

// reseedFrom arms the next onPlaylist call (after resetForRefetch) to
// seek to ts via find_position instead of picking a fresh
// starting_segment, per spec.md §4.5 step 5.
func (s *Stream) reseedFrom(ts time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingReseekTS = ts
	s.hasPendingReseek = true
}

// resetForRefetch drops this stream's current playlist and cursor and
// restarts its loader, implementing spec.md §4.5 step 5's "clear
// current segments ... force rendition playlists to refetch" for the
// coordinated lost-sync recovery a main-stream OnLostSync callback
// drives.
func (s *Stream) resetForRefetch() {
	s.mu.Lock()
	s.Walker.Reset()
	s.ready = false
	s.lostSync = false
	s.staleRefreshes = 0
	s.pendingDiscont = true
	s.mu.Unlock()

	s.Loader.Stop()
	s.Loader.Start()
}

// CanSwitch reports whether a variant/bitrate switch may land right
// now: at a whole-segment boundary, or exactly at a partial's index 0
// (spec.md §4.6: "no switch ... mid-partial-segment except exactly at
// part_idx = 0").
func (s *Stream) CanSwitch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, have := s.Walker.Position()
	if !have {
		return true
	}
	return cur.PartIndex <= 0
}

func buildFragmentInfo(pl *m3u8.MediaPlaylist, cur walker.Cursor) FragmentInfo {
	seg := pl.Segments[cur.SegIndex]
	info := FragmentInfo{
		Duration: seg.Duration,
		Discont:  seg.Discont,
	}

	if cur.PartIndex >= 0 && cur.PartIndex < len(seg.PartialSegs) {
		part := seg.PartialSegs[cur.PartIndex]
		info.URI = part.URI
		info.Offset = part.Offset
		info.Size = part.Size
		info.HasRange = part.HasSize
		info.Duration = part.Duration
	} else {
		info.URI = seg.URI
		info.Offset = seg.Offset
		info.Size = seg.Size
		info.HasRange = seg.HasByteRange
	}

	if seg.InitFile != nil {
		info.HeaderURI = seg.InitFile.URI
		info.HeaderOffset = seg.InitFile.Offset
		info.HeaderSize = seg.InitFile.Size
		info.HasHeaderRange = seg.InitFile.Size > 0
	}
	return info
}
