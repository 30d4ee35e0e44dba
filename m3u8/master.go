package m3u8

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

func parseMaster(lines []string, baseURI, playlistURI string) (*MasterPlaylist, error) {
	mp := &MasterPlaylist{Version: 3}

	var renditions []*RenditionStream
	seenRendition := map[string]bool{} // key: type|group|name
	// variants keyed by URI so duplicate-URI lines become fallbacks of an
	// existing matching variant, per spec.md §4.1.
	variantsByURI := map[string]*VariantStream{}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case line == "#EXTM3U":
			continue
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			if v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:")); err == nil {
				mp.Version = v
			}
		case line == "#EXT-X-INDEPENDENT-SEGMENTS":
			mp.IndependentSegments = true
		case strings.HasPrefix(line, "#EXT-X-CONTENT-STEERING:"):
			attrs := decodeAttributeMap(line[len("#EXT-X-CONTENT-STEERING:"):])
			mp.ContentSteering = &ContentSteering{
				ServerURI: attrs["SERVER-URI"],
				PathwayID: attrs["PATHWAY-ID"],
			}
		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			r, err := parseRendition(line)
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: err}
			}
			key := renditionKey(r)
			if !seenRendition[key] {
				seenRendition[key] = true
				renditions = append(renditions, r)
			}
		case strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:"):
			v, err := parseStreamInf(line[len("#EXT-X-I-FRAME-STREAM-INF:"):])
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: err}
			}
			v.IFrame = true
			addVariant(mp, variantsByURI, v, baseURI, playlistURI)
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			v, err := parseStreamInf(line[len("#EXT-X-STREAM-INF:"):])
			if err != nil {
				return nil, &ParseError{Line: i + 1, Err: err}
			}
			// The URI is the next non-comment line.
			j := i + 1
			for j < len(lines) && strings.HasPrefix(lines[j], "#") {
				j++
			}
			if j >= len(lines) {
				return nil, &ParseError{Line: i + 1, Err: fmt.Errorf("EXT-X-STREAM-INF without a following URI")}
			}
			resolved, err := ResolveURI(baseURI, playlistURI, lines[j])
			if err != nil {
				return nil, &ParseError{Line: j + 1, Err: err}
			}
			v.URI = resolved
			addVariant(mp, variantsByURI, v, baseURI, playlistURI)
			i = j
		default:
			if !strings.HasPrefix(line, "#") {
				// A bare URI with no preceding EXT-X-STREAM-INF: the
				// single-variant "simple master" case from spec.md §4.1.
				resolved, err := ResolveURI(baseURI, playlistURI, line)
				if err != nil {
					return nil, &ParseError{Line: i + 1, Err: err}
				}
				addVariant(mp, variantsByURI, &VariantStream{URI: resolved}, baseURI, playlistURI)
			}
		}
	}

	mp.Renditions = renditions
	finalizeVariants(mp, variantsByURI, renditions)
	return mp, nil
}

func renditionKey(r *RenditionStream) string {
	return fmt.Sprintf("%d|%s|%s", r.Type, r.GroupID, r.Name)
}

func addVariant(mp *MasterPlaylist, byURI map[string]*VariantStream, v *VariantStream, baseURI, playlistURI string) {
	if existing, ok := byURI[v.URI]; ok {
		// Duplicate URI: fallback of an existing matching variant when the
		// defining attributes agree (spec.md §4.1); otherwise keep both
		// (a server misconfiguration, but not fatal).
		if variantsMatch(existing, v) {
			existing.FallbackURIs = append(existing.FallbackURIs, v.URI)
			return
		}
	}
	v.Name = syntheticVariantName(v.Bandwidth, v.URI)
	byURI[v.URI] = v
	if v.IFrame {
		mp.IFrameVariants = append(mp.IFrameVariants, v)
	} else {
		mp.Variants = append(mp.Variants, v)
	}
}

func variantsMatch(a, b *VariantStream) bool {
	return a.Bandwidth == b.Bandwidth && a.Width == b.Width && a.Height == b.Height &&
		a.Codecs == b.Codecs && a.IFrame == b.IFrame
}

func syntheticVariantName(bandwidth uint32, uri string) string {
	sum := sha1.Sum([]byte(uri))
	return fmt.Sprintf("variant-%d-%s", bandwidth, hex.EncodeToString(sum[:])[:8])
}

func parseStreamInf(attrLine string) (*VariantStream, error) {
	v := &VariantStream{}
	for _, a := range decodeAttributes(attrLine) {
		switch a.Key {
		case "BANDWIDTH":
			n, err := strconv.ParseUint(a.Val, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("BANDWIDTH: %w", err)
			}
			v.Bandwidth = uint32(n)
			v.Caps.Bandwidth = v.Bandwidth
		case "PROGRAM-ID":
			n, _ := strconv.Atoi(a.Val)
			v.ProgramID = n
		case "CODECS":
			v.Codecs = deQuote(a.Val)
			v.Caps.Codecs = strings.Split(v.Codecs, ",")
		case "RESOLUTION":
			w, h, ok := parseResolution(a.Val)
			if ok {
				v.Width, v.Height = w, h
				v.Caps.Width, v.Caps.Height = w, h
			}
		case "FRAME-RATE":
			f, _ := strconv.ParseFloat(a.Val, 64)
			v.Caps.FrameRate = f
		case "AUDIO":
			v.AudioGroup = deQuote(a.Val)
		case "VIDEO":
			v.VideoGroup = deQuote(a.Val)
		case "SUBTITLES":
			v.SubtitleGroup = deQuote(a.Val)
		case "CLOSED-CAPTIONS":
			if deQuote(a.Val) != "NONE" {
				v.CCGroup = deQuote(a.Val)
			}
		case "URI":
			v.URI = deQuote(a.Val) // used by EXT-X-I-FRAME-STREAM-INF only
		}
	}
	v.Types = codecsToStreamType(v.Codecs)
	v.Caps.Types = v.Types
	return v, nil
}

func parseResolution(v string) (int, int, bool) {
	parts := strings.SplitN(v, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

func codecsToStreamType(codecs string) StreamType {
	if codecs == "" {
		return 0
	}
	var t StreamType
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		switch {
		case strings.HasPrefix(c, "avc1"), strings.HasPrefix(c, "avc3"),
			strings.HasPrefix(c, "hvc1"), strings.HasPrefix(c, "hev1"),
			strings.HasPrefix(c, "av01"), strings.HasPrefix(c, "vp09"):
			t |= StreamVideo
		case strings.HasPrefix(c, "mp4a"), strings.HasPrefix(c, "ac-3"),
			strings.HasPrefix(c, "ec-3"), strings.HasPrefix(c, "opus"),
			strings.HasPrefix(c, "Opus"):
			t |= StreamAudio
		case strings.HasPrefix(c, "wvtt"):
			t |= StreamSubtitles
		case strings.HasPrefix(c, "cea708"), strings.HasPrefix(c, "c708"):
			t |= StreamClosedCaptions
		}
	}
	return t
}

func parseRendition(line string) (*RenditionStream, error) {
	attrs := decodeAttributeMap(line[len("#EXT-X-MEDIA:"):])
	r := &RenditionStream{
		GroupID:    attrs["GROUP-ID"],
		Name:       attrs["NAME"],
		Language:   attrs["LANGUAGE"],
		URI:        attrs["URI"],
		IsDefault:  yesOrNo(attrs["DEFAULT"]),
		Autoselect: yesOrNo(attrs["AUTOSELECT"]),
		Forced:     yesOrNo(attrs["FORCED"]),
	}
	switch attrs["TYPE"] {
	case "AUDIO":
		r.Type = RenditionAudio
	case "VIDEO":
		r.Type = RenditionVideo
	case "SUBTITLES":
		r.Type = RenditionSubtitles
	case "CLOSED-CAPTIONS":
		r.Type = RenditionClosedCaptions
	default:
		return nil, fmt.Errorf("EXT-X-MEDIA: unknown TYPE %q", attrs["TYPE"])
	}
	r.Muxed = r.URI == ""
	return r, nil
}

// finalizeVariants implements the master-parsing post-processing steps of
// spec.md §4.1: sort by bandwidth, derive caps, drop audio-only variants
// when every variant declares codecs and both audio and video are present,
// attach rendition caps. A variant's own caps are not reduced by the caps
// of the URI-bearing renditions it references.
func finalizeVariants(mp *MasterPlaylist, byURI map[string]*VariantStream, renditions []*RenditionStream) {
	sort.SliceStable(mp.Variants, func(i, j int) bool {
		return mp.Variants[i].Bandwidth < mp.Variants[j].Bandwidth
	})
	sort.SliceStable(mp.IFrameVariants, func(i, j int) bool {
		return mp.IFrameVariants[i].Bandwidth < mp.IFrameVariants[j].Bandwidth
	})

	mp.HaveCodecs = len(mp.Variants) > 0
	observedTypes := StreamType(0)
	for _, v := range mp.Variants {
		if v.Codecs == "" {
			mp.HaveCodecs = false
		}
		observedTypes |= v.Types
	}

	if mp.HaveCodecs && observedTypes&StreamAudio != 0 && observedTypes&StreamVideo != 0 {
		kept := mp.Variants[:0]
		for _, v := range mp.Variants {
			if v.Types == StreamAudio {
				continue // audio-only, dropped
			}
			kept = append(kept, v)
		}
		mp.Variants = kept
	}

	// Attach each variant's caps to the rendition groups it references, so
	// a caller inspecting a RenditionStream can learn which variant(s)
	// carry it; a rendition with no URI is muxed directly into the
	// variant's own segments.
	attachGroup := func(v *VariantStream, groupID string, typ RenditionType) {
		if groupID == "" {
			return
		}
		for _, r := range renditions {
			if r.Type != typ || r.GroupID != groupID {
				continue
			}
			if r.URI != "" {
				r.Caps = &v.Caps
			} else {
				r.Muxed = true
			}
		}
	}
	for _, v := range mp.Variants {
		attachGroup(v, v.AudioGroup, RenditionAudio)
		attachGroup(v, v.VideoGroup, RenditionVideo)
		attachGroup(v, v.SubtitleGroup, RenditionSubtitles)
		attachGroup(v, v.CCGroup, RenditionClosedCaptions)
	}

	for _, v := range mp.Variants {
		mp.Caps = mergeCaps(mp.Caps, v.Caps)
	}

	if len(mp.Variants) > 0 {
		mp.DefaultVariant = mp.Variants[len(mp.Variants)-1]
		// Default to the highest-bandwidth variant. A DEFAULT=YES rendition
		// with no URI (muxed into its variants) instead selects the
		// lowest-bandwidth variant whose AUDIO group is that rendition's
		// group (HLS has no direct per-variant default marker).
		for _, r := range renditions {
			if r.IsDefault && r.Muxed {
				for _, v := range mp.Variants {
					if v.AudioGroup == r.GroupID {
						mp.DefaultVariant = v
						break
					}
				}
			}
		}
	}
}

func mergeCaps(a, b Caps) Caps {
	if a.Bandwidth == 0 || b.Bandwidth < a.Bandwidth {
		a.Bandwidth = b.Bandwidth
	}
	a.Types |= b.Types
	return a
}
