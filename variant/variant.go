// Package variant implements the variant/rendition controller (C5,
// spec.md §4.6): initial variant selection, bandwidth-adaptive and
// trick-mode switching, rendition (audio/video/subtitle/CC) binding, and
// the live seek-range and content-steering accessors built on top of a
// parsed m3u8.MasterPlaylist.
package variant

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mogiioin/hlsdemux/internal/herrors"
	"github.com/mogiioin/hlsdemux/m3u8"
	"github.com/mogiioin/hlsdemux/walker"
)

// Controller owns the currently-active variant and per-type rendition
// bindings for one playback session, and decides when they should
// change. It never performs I/O itself: switches are reported through
// RetargetMain/RetargetRendition, which the caller (the top-level
// demuxer) uses to repoint the relevant loader.Loader at the new URI.
type Controller struct {
	mu sync.Mutex

	master       *m3u8.MasterPlaylist
	startBitrate uint32
	minBitrate   uint32
	playRate     float64
	iframeMode   bool

	current *m3u8.VariantStream
	failed  map[string]bool // by VariantStream.Name

	desiredLang map[m3u8.RenditionType]string
	active      map[m3u8.RenditionType]*m3u8.RenditionStream

	Log zerolog.Logger

	// RetargetMain is invoked with the newly active variant whenever the
	// main stream's target changes; discont is true when the caller
	// should mark the next delivered buffer as discontinuous (spec.md
	// §4.6: every switch except the very first activation).
	RetargetMain func(v *m3u8.VariantStream, discont bool)

	// RetargetRendition is invoked whenever a rendition type's bound
	// RenditionStream changes, including the initial default binding.
	RetargetRendition func(typ m3u8.RenditionType, r *m3u8.RenditionStream)
}

// New builds a Controller for master and performs the initial variant
// pick (spec.md §4.6): the highest-bandwidth variant at or below
// startBitrate and at or above minBitrate, when startBitrate > 0;
// otherwise the master's DefaultVariant. Default renditions for every
// type the chosen variant binds are selected but RetargetRendition is
// not invoked for this first binding — the caller reads Current() and
// ActiveRendition() directly to perform its initial wiring.
func New(master *m3u8.MasterPlaylist, startBitrate, minBitrate uint32, log zerolog.Logger) (*Controller, error) {
	if master == nil || len(master.Variants) == 0 {
		return nil, herrors.New(herrors.ManifestMalformed, "variant.new")
	}
	c := &Controller{
		master:       master,
		startBitrate: startBitrate,
		minBitrate:   minBitrate,
		failed:       map[string]bool{},
		desiredLang:  map[m3u8.RenditionType]string{},
		active:       map[m3u8.RenditionType]*m3u8.RenditionStream{},
		Log:          log,
	}
	c.current = c.selectInitial()
	if c.current == nil {
		return nil, herrors.New(herrors.ManifestMalformed, "variant.new")
	}
	c.bindRenditions(c.current, nil)
	return c, nil
}

// Current returns the active variant.
func (c *Controller) Current() *m3u8.VariantStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ActiveRendition returns the currently bound rendition for typ, if the
// active variant binds one.
func (c *Controller) ActiveRendition(typ m3u8.RenditionType) (*m3u8.RenditionStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[typ]
	return r, ok
}

// SteeringPathways exposes the parsed EXT-X-CONTENT-STEERING tag, per
// SPEC_FULL.md §12: parsed but not acted on.
func (c *Controller) SteeringPathways() (serverURI, pathwayID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.master.ContentSteering == nil {
		return "", "", false
	}
	return c.master.ContentSteering.ServerURI, c.master.ContentSteering.PathwayID, true
}

// SelectRendition sets the caller's language preference for typ and, if
// the active variant binds a rendition group for typ, rebinds to the
// best matching stream immediately. Call once per type after New to
// express an explicit preference (e.g. from a user's audio-language
// setting); a later variant switch keeps reapplying the same
// preference against the new variant's group.
func (c *Controller) SelectRendition(typ m3u8.RenditionType, lang string) (*m3u8.RenditionStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desiredLang[typ] = lang
	group := groupFor(c.current, typ)
	if group == "" {
		return nil, false
	}
	r := c.findRendition(typ, group, lang)
	if r == nil {
		return nil, false
	}
	prev := c.active[typ]
	c.active[typ] = r
	if prev != r && c.RetargetRendition != nil {
		c.RetargetRendition(typ, r)
	}
	return r, true
}

// MarkFailed records v as failed (spec.md §4.6: "failed variants are
// recorded; they are skipped by subsequent selections"), called once
// the loader backing v has exhausted its fallback URIs and reports
// PlaylistLoadFailed. If v was the active variant, an eligible
// replacement is selected and applied immediately.
func (c *Controller) MarkFailed(v *m3u8.VariantStream) (switched bool, next *m3u8.VariantStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == nil {
		return false, c.current
	}
	c.failed[v.Name] = true
	if c.current == nil || c.current.Name != v.Name {
		return false, c.current
	}
	chosen := c.bestEligible(v.Bandwidth)
	if chosen == nil || chosen.Name == v.Name {
		c.Log.Warn().Str("variant", v.Name).Msg("variant: no eligible replacement for failed variant")
		return false, c.current
	}
	c.apply(chosen, true)
	return true, c.current
}

// AdaptBandwidth implements spec.md §4.6's bitrate-adaptive switching.
// measuredBandwidth is the caller's current bandwidth estimate in
// bits/s. canSwitch must be false while the walker is mid-partial
// segment, except exactly at part_idx 0. Returns whether a switch was
// applied.
func (c *Controller) AdaptBandwidth(measuredBandwidth uint32, canSwitch bool) (switched bool, next *m3u8.VariantStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canSwitch {
		return false, c.current
	}
	chosen := c.bestEligible(c.budget(measuredBandwidth))
	if chosen == nil || c.current != nil && chosen.Name == c.current.Name {
		return false, c.current
	}
	c.apply(chosen, true)
	return true, c.current
}

// budget divides bandwidth by |play_rate| when rate > 1 or rate < 0;
// slow-motion and normal-speed playback (0 < rate <= 1) keep the full
// measured bandwidth.
func (c *Controller) budget(measuredBandwidth uint32) uint32 {
	if c.playRate > 1 || c.playRate < 0 {
		return uint32(float64(measuredBandwidth) / math.Abs(c.playRate))
	}
	return measuredBandwidth
}

// SetPlayRate implements spec.md §4.6's trick-mode switching: entering
// |rate| > 1 moves to the I-frame-only variant list at the closest
// available bandwidth; returning to |rate| <= 1 moves back to the
// regular variant list.
func (c *Controller) SetPlayRate(rate float64) (switched bool, next *m3u8.VariantStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playRate = rate
	wantIFrame := math.Abs(rate) > 1
	if wantIFrame == c.iframeMode {
		return false, c.current
	}
	budget := uint32(0)
	if c.current != nil {
		budget = c.current.Bandwidth
	}
	c.iframeMode = wantIFrame
	chosen := c.bestEligible(budget)
	if chosen == nil {
		c.iframeMode = !wantIFrame // no variant list to switch to; stay put
		return false, c.current
	}
	c.apply(chosen, true)
	return true, c.current
}

// apply activates v: it becomes current, its renditions are (re)bound,
// and RetargetMain fires with the requested discont flag.
func (c *Controller) apply(v *m3u8.VariantStream, discont bool) {
	c.current = v
	c.bindRenditions(v, c.RetargetRendition)
	if c.RetargetMain != nil {
		c.RetargetMain(v, discont)
	}
}

// bindRenditions selects a rendition for every group the variant binds,
// using each type's desired language if set. notify, when non-nil, is
// invoked for every type whose binding actually changed.
func (c *Controller) bindRenditions(v *m3u8.VariantStream, notify func(m3u8.RenditionType, *m3u8.RenditionStream)) {
	for _, typ := range []m3u8.RenditionType{
		m3u8.RenditionAudio, m3u8.RenditionVideo, m3u8.RenditionSubtitles, m3u8.RenditionClosedCaptions,
	} {
		group := groupFor(v, typ)
		if group == "" {
			continue
		}
		r := c.findRendition(typ, group, c.desiredLang[typ])
		if r == nil {
			continue
		}
		if prev := c.active[typ]; prev == r {
			continue
		}
		c.active[typ] = r
		if notify != nil {
			notify(typ, r)
		}
	}
}

func groupFor(v *m3u8.VariantStream, typ m3u8.RenditionType) string {
	if v == nil {
		return ""
	}
	switch typ {
	case m3u8.RenditionAudio:
		return v.AudioGroup
	case m3u8.RenditionVideo:
		return v.VideoGroup
	case m3u8.RenditionSubtitles:
		return v.SubtitleGroup
	case m3u8.RenditionClosedCaptions:
		return v.CCGroup
	default:
		return ""
	}
}

// findRendition picks the rendition in group matching lang exactly,
// falling back to the group's DEFAULT member, then to its first member.
func (c *Controller) findRendition(typ m3u8.RenditionType, group, lang string) *m3u8.RenditionStream {
	var def, first *m3u8.RenditionStream
	for _, r := range c.master.Renditions {
		if r.Type != typ || r.GroupID != group {
			continue
		}
		if lang != "" && r.Language == lang {
			return r
		}
		if first == nil {
			first = r
		}
		if r.IsDefault {
			def = r
		}
	}
	if def != nil {
		return def
	}
	return first
}

// selectInitial implements spec.md §4.6's initial pick.
func (c *Controller) selectInitial() *m3u8.VariantStream {
	if c.startBitrate > 0 {
		var best *m3u8.VariantStream
		for _, v := range c.master.Variants { // ascending bandwidth order
			if c.failed[v.Name] || v.Bandwidth > c.startBitrate {
				continue
			}
			if c.minBitrate > 0 && v.Bandwidth < c.minBitrate {
				continue
			}
			best = v
		}
		if best != nil {
			return best
		}
	}
	if c.master.DefaultVariant != nil && !c.failed[c.master.DefaultVariant.Name] {
		return c.master.DefaultVariant
	}
	return firstEligible(c.master.Variants, c.failed)
}

// bestEligible picks the highest-bandwidth non-failed variant at or
// below budget from the current list (regular or I-frame), falling
// back to the lowest-bandwidth eligible variant so a pick is always
// made when the list isn't exhausted.
func (c *Controller) bestEligible(budget uint32) *m3u8.VariantStream {
	list := c.variantList()
	var best *m3u8.VariantStream
	for _, v := range list {
		if c.failed[v.Name] {
			continue
		}
		if v.Bandwidth <= budget {
			best = v
		}
	}
	if best != nil {
		return best
	}
	return firstEligible(list, c.failed)
}

func (c *Controller) variantList() []*m3u8.VariantStream {
	if c.iframeMode {
		return c.master.IFrameVariants
	}
	return c.master.Variants
}

func firstEligible(list []*m3u8.VariantStream, failed map[string]bool) *m3u8.VariantStream {
	for _, v := range list {
		if !failed[v.Name] {
			return v
		}
	}
	return nil
}

// LiveSeekRange implements spec.md §4.6's live seek range:
// [first_seg.stream_time, last_seg.stream_time + last_seg.duration -
// hold_back], reusing walker's "starting position" hold-back rule for
// the right endpoint.
func LiveSeekRange(p *m3u8.MediaPlaylist) (start, end time.Duration, ok bool) {
	if p == nil || len(p.Segments) == 0 {
		return 0, 0, false
	}
	first := p.Segments[0]
	last := p.Segments[len(p.Segments)-1]
	start = first.StreamTime
	end = last.StreamTime + last.Duration - walker.HoldBack(p)
	if end < start {
		end = start
	}
	return start, end, true
}
