package variant

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/mogiioin/hlsdemux/m3u8"
)

func variantNamed(name string, bandwidth uint32) *m3u8.VariantStream {
	return &m3u8.VariantStream{Name: name, Bandwidth: bandwidth}
}

// threeVariants returns a master with three regular variants (ascending
// bandwidth, as the parser guarantees) and a single I-frame variant.
func threeVariants() *m3u8.MasterPlaylist {
	low := variantNamed("low", 500_000)
	mid := variantNamed("mid", 1_500_000)
	high := variantNamed("high", 4_000_000)
	iframe := variantNamed("iframe-low", 200_000)
	return &m3u8.MasterPlaylist{
		Variants:       []*m3u8.VariantStream{low, mid, high},
		IFrameVariants: []*m3u8.VariantStream{iframe},
		DefaultVariant: high,
	}
}

func TestNewPicksHighestVariantAtOrBelowStartBitrate(t *testing.T) {
	is := is.New(t)
	c, err := New(threeVariants(), 2_000_000, 0, zerolog.Nop())
	is.NoErr(err)
	is.Equal(c.Current().Name, "mid")
}

func TestNewFallsBackToDefaultVariantWithoutStartBitrate(t *testing.T) {
	is := is.New(t)
	c, err := New(threeVariants(), 0, 0, zerolog.Nop())
	is.NoErr(err)
	is.Equal(c.Current().Name, "high")
}

func TestNewRejectsEmptyMaster(t *testing.T) {
	is := is.New(t)
	_, err := New(&m3u8.MasterPlaylist{}, 0, 0, zerolog.Nop())
	is.True(err != nil)
}

func TestAdaptBandwidthSwitchesDownWhenBudgetShrinks(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 0, 0, zerolog.Nop()) // starts on "high"
	switched, next := c.AdaptBandwidth(1_600_000, true)
	is.True(switched)
	is.Equal(next.Name, "mid")
}

func TestAdaptBandwidthSwitchesUpWhenBudgetGrows(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 2_000_000, 0, zerolog.Nop()) // starts on "mid"
	switched, next := c.AdaptBandwidth(10_000_000, true)
	is.True(switched)
	is.Equal(next.Name, "high")
}

func TestAdaptBandwidthNoSwitchWhenAlreadyBest(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 0, 0, zerolog.Nop())
	var calls int
	c.RetargetMain = func(*m3u8.VariantStream, bool) { calls++ }
	switched, _ := c.AdaptBandwidth(10_000_000, true)
	is.True(!switched)
	is.Equal(calls, 0)
}

func TestAdaptBandwidthDoesNotSwitchMidPartial(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 2_000_000, 0, zerolog.Nop()) // starts on "mid"
	switched, _ := c.AdaptBandwidth(500_000, false)
	is.True(!switched)
	is.Equal(c.Current().Name, "mid")
}

func TestAdaptBandwidthDividesBudgetForNegativeRate(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 2_000_000, 0, zerolog.Nop()) // starts on "mid"
	// rate < 0 divides the budget (spec.md §4.6) without entering
	// trick-mode, since |rate| <= 1 here.
	switched, _ := c.SetPlayRate(-0.5)
	is.True(!switched) // no variant-list change, |-0.5| is not > 1
	// 4Mbps / 0.5 = 8Mbps budget, which reaches "high".
	switched, next := c.AdaptBandwidth(4_000_000, true)
	is.True(switched)
	is.Equal(next.Name, "high")
}

func TestAdaptBandwidthDoesNotDivideAtNormalOrSlowRate(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 2_000_000, 0, zerolog.Nop()) // starts on "mid"
	c.SetPlayRate(0.5)
	switched, next := c.AdaptBandwidth(4_000_000, true)
	is.True(switched)
	is.Equal(next.Name, "high")
}

func TestSetPlayRateSwitchesToIFrameVariants(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 0, 0, zerolog.Nop())
	switched, next := c.SetPlayRate(4)
	is.True(switched)
	is.Equal(next.Name, "iframe-low")
}

func TestSetPlayRateReturnsToRegularVariants(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 0, 0, zerolog.Nop())
	c.SetPlayRate(4)
	switched, next := c.SetPlayRate(1)
	is.True(switched)
	is.True(next.Name != "iframe-low")
}

func TestMarkFailedSelectsReplacementWhenCurrentFails(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 0, 0, zerolog.Nop()) // starts on "high"
	switched, next := c.MarkFailed(c.Current())
	is.True(switched)
	is.Equal(next.Name, "mid")
}

func TestMarkFailedIgnoresNonActiveVariant(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 0, 0, zerolog.Nop()) // starts on "high"
	switched, _ := c.MarkFailed(variantNamed("low", 500_000))
	is.True(!switched)
	is.Equal(c.Current().Name, "high")
}

func TestSelectRenditionPicksLanguageMatch(t *testing.T) {
	is := is.New(t)
	m := threeVariants()
	m.Variants[2].AudioGroup = "aud" // "high"
	en := &m3u8.RenditionStream{Type: m3u8.RenditionAudio, GroupID: "aud", Name: "English", Language: "en", URI: "en.m3u8"}
	es := &m3u8.RenditionStream{Type: m3u8.RenditionAudio, GroupID: "aud", Name: "Spanish", Language: "es", URI: "es.m3u8", IsDefault: true}
	m.Renditions = []*m3u8.RenditionStream{es, en}

	c, err := New(m, 0, 0, zerolog.Nop())
	is.NoErr(err)

	// default binding at construction picks the DEFAULT member.
	r, ok := c.ActiveRendition(m3u8.RenditionAudio)
	is.True(ok)
	is.Equal(r.Name, "Spanish")

	var retargeted *m3u8.RenditionStream
	c.RetargetRendition = func(_ m3u8.RenditionType, r *m3u8.RenditionStream) { retargeted = r }

	r, ok = c.SelectRendition(m3u8.RenditionAudio, "en")
	is.True(ok)
	is.Equal(r.Name, "English")
	is.Equal(retargeted.Name, "English")
}

func TestRenditionPreferenceStaysAppliedAcrossVariantSwitch(t *testing.T) {
	is := is.New(t)
	m := threeVariants()
	m.Variants[1].AudioGroup = "aud" // "mid"
	m.Variants[2].AudioGroup = "aud" // "high"
	en := &m3u8.RenditionStream{Type: m3u8.RenditionAudio, GroupID: "aud", Name: "English", Language: "en", URI: "en.m3u8"}
	m.Renditions = []*m3u8.RenditionStream{en}

	c, _ := New(m, 0, 0, zerolog.Nop()) // starts on "high"
	c.SelectRendition(m3u8.RenditionAudio, "en")

	c.AdaptBandwidth(1_600_000, true) // drops to "mid", which shares the same group
	r, ok := c.ActiveRendition(m3u8.RenditionAudio)
	is.True(ok)
	is.Equal(r.Name, "English")
}

func TestSteeringPathwaysReportsParsedTag(t *testing.T) {
	is := is.New(t)
	m := threeVariants()
	m.ContentSteering = &m3u8.ContentSteering{ServerURI: "https://steer.example/x", PathwayID: "US"}
	c, _ := New(m, 0, 0, zerolog.Nop())

	uri, pathway, ok := c.SteeringPathways()
	is.True(ok)
	is.Equal(uri, "https://steer.example/x")
	is.Equal(pathway, "US")
}

func TestSteeringPathwaysAbsentWhenNotParsed(t *testing.T) {
	is := is.New(t)
	c, _ := New(threeVariants(), 0, 0, zerolog.Nop())
	_, _, ok := c.SteeringPathways()
	is.True(!ok)
}

func TestLiveSeekRangeClampsToHoldBack(t *testing.T) {
	is := is.New(t)
	p := &m3u8.MediaPlaylist{
		TargetDuration: 6 * time.Second,
		HoldBack:       18 * time.Second,
		Segments: []*m3u8.MediaSegment{
			{StreamTime: 0, Duration: 6 * time.Second},
			{StreamTime: 60 * time.Second, Duration: 6 * time.Second},
		},
	}
	start, end, ok := LiveSeekRange(p)
	is.True(ok)
	is.Equal(start, time.Duration(0))
	is.Equal(end, 66*time.Second-18*time.Second)
}

func TestLiveSeekRangeEmptyPlaylist(t *testing.T) {
	is := is.New(t)
	_, _, ok := LiveSeekRange(&m3u8.MediaPlaylist{})
	is.True(!ok)
}
