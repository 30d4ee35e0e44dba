// Package core wires the five components (C1-C5) into the external
// interfaces spec.md §6 describes: a Demuxer owns the parsed master
// playlist, the variant/rendition controller (C5), and one Stream per
// active rendition plus the main stream, all driven by a single
// internal/scheduler.Scheduler per spec.md §5's concurrency model.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mogiioin/hlsdemux/fragment"
	"github.com/mogiioin/hlsdemux/internal/clock"
	"github.com/mogiioin/hlsdemux/internal/config"
	"github.com/mogiioin/hlsdemux/internal/download"
	"github.com/mogiioin/hlsdemux/internal/herrors"
	"github.com/mogiioin/hlsdemux/internal/scheduler"
	"github.com/mogiioin/hlsdemux/m3u8"
	"github.com/mogiioin/hlsdemux/timemap"
	"github.com/mogiioin/hlsdemux/variant"
	"github.com/mogiioin/hlsdemux/walker"
)

var renditionTypes = []m3u8.RenditionType{
	m3u8.RenditionAudio, m3u8.RenditionVideo, m3u8.RenditionSubtitles, m3u8.RenditionClosedCaptions,
}

// Demuxer is the top-level object the embedding application drives: it
// parses a master playlist once, then exposes spec.md §6's external
// interfaces over the main and rendition streams it composes.
type Demuxer struct {
	Sched      *scheduler.Scheduler
	Clock      clock.Clock
	Log        zerolog.Logger
	Cfg        config.DemuxerConfig
	Downloader download.Downloader
	Variant    *variant.Controller

	baseURI      string
	startBitrate uint32
	master       *m3u8.MasterPlaylist
	registry     *timemap.Registry

	main *Stream

	mu         sync.Mutex
	renditions map[m3u8.RenditionType]*Stream
}

// New parses masterData as a master (or "simple" single-variant)
// playlist, performs the initial variant/rendition pick (spec.md §4.6),
// and builds the main and any bound rendition Streams. It does not
// start loading — call Start to begin fetching playlists.
func New(dl download.Downloader, clk clock.Clock, cfg config.DemuxerConfig, log zerolog.Logger, masterData []byte, baseURI, masterURI string, startBitrate, minBitrate uint32) (*Demuxer, error) {
	parsed, err := m3u8.Parse(masterData, baseURI, masterURI)
	if err != nil {
		return nil, err
	}
	master, ok := parsed.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, herrors.New(herrors.ManifestMalformed, "core.new")
	}

	variantCtrl, err := variant.New(master, startBitrate, minBitrate, log)
	if err != nil {
		return nil, err
	}

	d := &Demuxer{
		Sched:        scheduler.New(clk),
		Clock:        clk,
		Log:          log,
		Cfg:          cfg,
		Downloader:   dl,
		Variant:      variantCtrl,
		baseURI:      baseURI,
		startBitrate: startBitrate,
		master:       master,
		registry:     timemap.NewRegistry(),
		renditions:   map[m3u8.RenditionType]*Stream{},
	}

	d.main = d.newStreamFor(false)
	cur := variantCtrl.Current()
	d.main.Loader.SetTargetURI(baseURI, cur.URI)
	d.main.Loader.SetFallbackURIs(cur.FallbackURIs)
	d.main.OnFatal = d.onMainFatal
	d.main.OnLostSync = d.onLostSync

	for _, typ := range renditionTypes {
		r, ok := variantCtrl.ActiveRendition(typ)
		if !ok {
			continue
		}
		st := d.newStreamFor(true)
		st.Loader.SetTargetURI(baseURI, r.URI)
		d.renditions[typ] = st
	}

	variantCtrl.RetargetMain = d.onVariantSwitch
	variantCtrl.RetargetRendition = d.onRenditionSwitch

	return d, nil
}

func (d *Demuxer) newStreamFor(isRendition bool) *Stream {
	return newStream(d.Sched, d.Downloader, d.Clock, d.Cfg.Loader, d.Log, d.registry, isRendition)
}

// Start begins loading the main stream and every currently bound
// rendition stream.
func (d *Demuxer) Start() {
	d.main.Loader.Start()
	d.mu.Lock()
	streams := make([]*Stream, 0, len(d.renditions))
	for _, st := range d.renditions {
		streams = append(streams, st)
	}
	d.mu.Unlock()
	for _, st := range streams {
		st.Loader.Start()
	}
}

// Stop cancels every stream's loader.
func (d *Demuxer) Stop() {
	d.main.Loader.Stop()
	d.mu.Lock()
	streams := make([]*Stream, 0, len(d.renditions))
	for _, st := range d.renditions {
		streams = append(streams, st)
	}
	d.mu.Unlock()
	for _, st := range streams {
		st.Loader.Stop()
	}
}

// Run drives the scheduler until ctx is cancelled. Callers run this on
// their own worker goroutine (spec.md §5: "the core runs on a
// single-threaded cooperative scheduler").
func (d *Demuxer) Run(ctx context.Context) {
	d.Sched.Run(ctx)
}

// MainFragmentInfo implements spec.md §6's per-stream
// update_fragment_info for the main (variant) stream.
func (d *Demuxer) MainFragmentInfo() (FragmentInfo, Status) {
	return d.main.NextFragmentInfo()
}

// RenditionFragmentInfo is MainFragmentInfo for a bound rendition
// stream. Status is Busy if no rendition of that type is bound.
func (d *Demuxer) RenditionFragmentInfo(typ m3u8.RenditionType) (FragmentInfo, Status) {
	d.mu.Lock()
	st, ok := d.renditions[typ]
	d.mu.Unlock()
	if !ok {
		return FragmentInfo{}, Busy
	}
	return st.NextFragmentInfo()
}

// MainFragmentProcessor builds a fragment.Processor (C4) for whatever
// fragment MainFragmentInfo most recently handed out.
func (d *Demuxer) MainFragmentProcessor() (*fragment.Processor, error) {
	return d.main.NewFragmentProcessor()
}

// ApplyMainResync relocates the main stream's cursor after a
// fragment.Processor Resync result.
func (d *Demuxer) ApplyMainResync(segIndex, partIndex int) {
	d.main.ApplyResync(segIndex, partIndex)
}

// RenditionFragmentProcessor is MainFragmentProcessor for a bound
// rendition stream.
func (d *Demuxer) RenditionFragmentProcessor(typ m3u8.RenditionType) (*fragment.Processor, error) {
	d.mu.Lock()
	st, ok := d.renditions[typ]
	d.mu.Unlock()
	if !ok {
		return nil, herrors.New(herrors.ManifestMalformed, "core.rendition_fragment_processor")
	}
	return st.NewFragmentProcessor()
}

// ApplyRenditionResync is ApplyMainResync for a bound rendition stream.
func (d *Demuxer) ApplyRenditionResync(typ m3u8.RenditionType, segIndex, partIndex int) {
	d.mu.Lock()
	st, ok := d.renditions[typ]
	d.mu.Unlock()
	if ok {
		st.ApplyResync(segIndex, partIndex)
	}
}

// Duration reports the main stream's current playlist duration (spec.md
// §6's "Duration & live-seek-range queries"). Zero if no playlist has
// been published yet.
func (d *Demuxer) Duration() time.Duration {
	pl := d.main.CurrentPlaylist()
	if pl == nil {
		return 0
	}
	return pl.Duration
}

// LiveSeekRange implements spec.md §4.6's live seek range over the main
// stream's current playlist.
func (d *Demuxer) LiveSeekRange() (start, end time.Duration, ok bool) {
	pl := d.main.CurrentPlaylist()
	if pl == nil {
		return 0, 0, false
	}
	return variant.LiveSeekRange(pl)
}

// Master returns the parsed master playlist this Demuxer was built
// from.
func (d *Demuxer) Master() *m3u8.MasterPlaylist { return d.master }

// StartBitrate reports the start_bitrate property this Demuxer was
// constructed with (spec.md §6: "Properties: start_bitrate"). It only
// affects the initial variant pick already made by New; it is exposed
// for inspection, not live re-selection.
func (d *Demuxer) StartBitrate() uint32 { return d.startBitrate }

// Seek implements spec.md §6's seek request: it sets the controller's
// play rate (driving trick-mode variant switching) and repositions the
// main stream and every bound rendition stream's cursor to ts. A
// rendition stream that cannot resolve ts against its own (possibly
// stale) playlist is left for its next refresh to re-align, rather than
// failing the whole seek.
func (d *Demuxer) Seek(ts time.Duration, rate float64, flags walker.SeekFlags) error {
	d.Variant.SetPlayRate(rate)

	if err := d.main.seekTo(ts, flags); err != nil {
		return err
	}

	d.mu.Lock()
	streams := make([]*Stream, 0, len(d.renditions))
	for _, st := range d.renditions {
		streams = append(streams, st)
	}
	d.mu.Unlock()
	for _, st := range streams {
		if err := st.seekTo(ts, flags); err != nil {
			d.Log.Warn().Err(err).Msg("core: rendition stream could not seek, will realign on next refresh")
		}
	}
	return nil
}

// AdaptBandwidth feeds a fresh bandwidth estimate to the variant
// controller, gated on the main stream's partial-segment boundary per
// spec.md §4.6.
func (d *Demuxer) AdaptBandwidth(measuredBandwidth uint32) (switched bool, next *m3u8.VariantStream) {
	return d.Variant.AdaptBandwidth(measuredBandwidth, d.main.CanSwitch())
}

func (d *Demuxer) onVariantSwitch(v *m3u8.VariantStream, discont bool) {
	d.main.Retarget(d.baseURI, v.URI, v.FallbackURIs, discont)
	d.main.Loader.Stop()
	d.main.Loader.Start()
}

func (d *Demuxer) onRenditionSwitch(typ m3u8.RenditionType, r *m3u8.RenditionStream) {
	d.mu.Lock()
	st, ok := d.renditions[typ]
	if !ok {
		st = d.newStreamFor(true)
		d.renditions[typ] = st
	}
	d.mu.Unlock()

	st.Retarget(d.baseURI, r.URI, nil, true)
	st.Loader.Stop()
	st.Loader.Start()
}

// onMainFatal is the main stream's loader reporting PlaylistLoadFailed
// after exhausting its own fallback-URI rotation (loader.Loader); the
// controller marks that variant failed and, via RetargetMain, applies
// whatever replacement it finds.
func (d *Demuxer) onMainFatal(error) {
	failed := d.Variant.Current()
	switched, next := d.Variant.MarkFailed(failed)
	if switched {
		d.Log.Warn().Str("failed_variant", failed.Name).Str("next_variant", next.Name).
			Msg("core: main variant failed, switched to replacement")
		return
	}
	d.Log.Error().Str("failed_variant", failed.Name).
		Msg("core: main variant failed and no replacement is available")
}

// onLostSync implements spec.md §4.5 step 5: "on a complete failure of a
// variant refresh: declare lost sync — drop in-flight data, clear
// current segments on all streams, force rendition playlists to
// refetch, reseed the variant from current_position via find_position."
// It runs posted on the scheduler (never under the main stream's own
// lock) by Stream.markLostSyncLocked.
func (d *Demuxer) onLostSync() {
	pos, havePos := d.main.lastKnownStreamTime()

	d.Log.Warn().Bool("have_position", havePos).Msg("core: main stream lost sync, recovering across all streams")

	d.mu.Lock()
	streams := make([]*Stream, 0, len(d.renditions))
	for _, st := range d.renditions {
		streams = append(streams, st)
	}
	d.mu.Unlock()
	for _, st := range streams {
		st.resetForRefetch()
	}

	if havePos {
		d.main.reseedFrom(pos)
	}
	d.main.resetForRefetch()
}
