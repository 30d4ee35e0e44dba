package m3u8

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Encode re-serialises a MasterPlaylist to its canonical textual form,
// grounded on mogiioin-hls-m3u8/m3u8/writer.go's incremental
// bytes.Buffer-based tag writer.
func (mp *MasterPlaylist) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	fmt.Fprintf(&buf, "#EXT-X-VERSION:%d\n", mp.Version)
	if mp.IndependentSegments {
		buf.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	}
	if mp.ContentSteering != nil {
		fmt.Fprintf(&buf, "#EXT-X-CONTENT-STEERING:SERVER-URI=%q", mp.ContentSteering.ServerURI)
		if mp.ContentSteering.PathwayID != "" {
			fmt.Fprintf(&buf, ",PATHWAY-ID=%q", mp.ContentSteering.PathwayID)
		}
		buf.WriteByte('\n')
	}
	for _, r := range mp.Renditions {
		writeRendition(&buf, r)
	}
	for _, v := range mp.IFrameVariants {
		writeIFrameVariant(&buf, v)
	}
	for _, v := range mp.Variants {
		writeVariant(&buf, v)
	}
	return buf.Bytes()
}

func writeRendition(buf *bytes.Buffer, r *RenditionStream) {
	buf.WriteString("#EXT-X-MEDIA:TYPE=")
	buf.WriteString(renditionTypeName(r.Type))
	fmt.Fprintf(buf, ",GROUP-ID=%q,NAME=%q", r.GroupID, r.Name)
	if r.Language != "" {
		fmt.Fprintf(buf, ",LANGUAGE=%q", r.Language)
	}
	if r.URI != "" {
		fmt.Fprintf(buf, ",URI=%q", r.URI)
	}
	fmt.Fprintf(buf, ",DEFAULT=%s,AUTOSELECT=%s", yesNo(r.IsDefault), yesNo(r.Autoselect))
	if r.Forced {
		buf.WriteString(",FORCED=YES")
	}
	buf.WriteByte('\n')
}

func renditionTypeName(t RenditionType) string {
	switch t {
	case RenditionAudio:
		return "AUDIO"
	case RenditionVideo:
		return "VIDEO"
	case RenditionSubtitles:
		return "SUBTITLES"
	case RenditionClosedCaptions:
		return "CLOSED-CAPTIONS"
	default:
		return "AUDIO"
	}
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

func writeVariant(buf *bytes.Buffer, v *VariantStream) {
	fmt.Fprintf(buf, "#EXT-X-STREAM-INF:BANDWIDTH=%d", v.Bandwidth)
	if v.Codecs != "" {
		fmt.Fprintf(buf, ",CODECS=%q", v.Codecs)
	}
	if v.Width > 0 && v.Height > 0 {
		fmt.Fprintf(buf, ",RESOLUTION=%dx%d", v.Width, v.Height)
	}
	if v.AudioGroup != "" {
		fmt.Fprintf(buf, ",AUDIO=%q", v.AudioGroup)
	}
	if v.VideoGroup != "" {
		fmt.Fprintf(buf, ",VIDEO=%q", v.VideoGroup)
	}
	if v.SubtitleGroup != "" {
		fmt.Fprintf(buf, ",SUBTITLES=%q", v.SubtitleGroup)
	}
	if v.CCGroup != "" {
		fmt.Fprintf(buf, ",CLOSED-CAPTIONS=%q", v.CCGroup)
	}
	buf.WriteByte('\n')
	buf.WriteString(v.URI)
	buf.WriteByte('\n')
}

func writeIFrameVariant(buf *bytes.Buffer, v *VariantStream) {
	fmt.Fprintf(buf, "#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=%d", v.Bandwidth)
	if v.Codecs != "" {
		fmt.Fprintf(buf, ",CODECS=%q", v.Codecs)
	}
	fmt.Fprintf(buf, ",URI=%q\n", v.URI)
}

// Encode re-serialises a MediaPlaylist to its canonical textual form. The
// output is stable under Parse(Encode(p)) == p modulo monotonic-clock and
// derived fields (spec.md §8's round-trip property).
func (p *MediaPlaylist) Encode() []byte {
	var buf bytes.Buffer
	version := p.Version
	if min := CalcMinVersion(p); min > version {
		version = min
	}

	buf.WriteString("#EXTM3U\n")
	fmt.Fprintf(&buf, "#EXT-X-VERSION:%d\n", version)
	fmt.Fprintf(&buf, "#EXT-X-TARGETDURATION:%d\n", int(p.TargetDuration.Round(time.Second).Seconds()))
	if p.PartialTargetDuration > 0 {
		fmt.Fprintf(&buf, "#EXT-X-PART-INF:PART-TARGET=%s\n", formatSeconds(p.PartialTargetDuration))
	}
	fmt.Fprintf(&buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	if p.HasDiscontSeqTag {
		fmt.Fprintf(&buf, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", p.DiscontSequence)
	}
	if p.Type == PlaylistEvent {
		buf.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	} else if p.Type == PlaylistVOD {
		buf.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	}
	if p.IFrameOnly {
		buf.WriteString("#EXT-X-I-FRAMES-ONLY\n")
	}
	if p.IndependentSegments {
		buf.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	}
	if p.CanBlockReload || p.HoldBack > 0 || p.PartHoldBack > 0 {
		buf.WriteString("#EXT-X-SERVER-CONTROL:")
		first := true
		wa := func(s string) {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			buf.WriteString(s)
		}
		if p.CanBlockReload {
			wa("CAN-BLOCK-RELOAD=YES")
		}
		if p.HoldBack > 0 {
			wa(fmt.Sprintf("HOLD-BACK=%s", formatSeconds(p.HoldBack)))
		}
		if p.PartHoldBack > 0 {
			wa(fmt.Sprintf("PART-HOLD-BACK=%s", formatSeconds(p.PartHoldBack)))
		}
		buf.WriteByte('\n')
	}

	var lastKey *Key
	var lastInit *InitFile
	for _, seg := range p.Segments {
		if seg.Key != nil && (lastKey == nil || *seg.Key != *lastKey) {
			writeKey(&buf, seg.Key)
			lastKey = seg.Key
		}
		if seg.InitFile != nil && !seg.InitFile.Equal(lastInit) {
			fmt.Fprintf(&buf, "#EXT-X-MAP:URI=%q", seg.InitFile.URI)
			if seg.InitFile.Size > 0 {
				fmt.Fprintf(&buf, ",BYTERANGE=%d@%d", seg.InitFile.Size, seg.InitFile.Offset)
			}
			buf.WriteByte('\n')
			lastInit = seg.InitFile
		}
		if seg.Discont {
			buf.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if seg.HasDateTime {
			fmt.Fprintf(&buf, "#EXT-X-PROGRAM-DATE-TIME:%s\n", seg.DateTime.Format(time.RFC3339Nano))
		}
		for _, part := range seg.PartialSegs {
			writePart(&buf, part)
		}
		if seg.PartialOnly {
			continue
		}
		if seg.HasByteRange {
			fmt.Fprintf(&buf, "#EXT-X-BYTERANGE:%d@%d\n", seg.Size, seg.Offset)
		}
		if seg.IsGap {
			buf.WriteString("#EXT-X-GAP\n")
		}
		fmt.Fprintf(&buf, "#EXTINF:%s,%s\n", formatSeconds(seg.Duration), seg.Title)
		buf.WriteString(seg.URI)
		buf.WriteByte('\n')
	}
	for _, hint := range p.PreloadHints {
		writePreloadHint(&buf, hint)
	}
	if p.EndList {
		buf.WriteString("#EXT-X-ENDLIST\n")
	}
	return buf.Bytes()
}

func writeKey(buf *bytes.Buffer, k *Key) {
	fmt.Fprintf(buf, "#EXT-X-KEY:METHOD=%s", k.Method)
	if k.URI != "" {
		fmt.Fprintf(buf, ",URI=%q", k.URI)
	}
	if k.HasIV {
		fmt.Fprintf(buf, ",IV=0x%X", k.IV[:])
	}
	buf.WriteByte('\n')
}

func writePart(buf *bytes.Buffer, part *PartialSegment) {
	fmt.Fprintf(buf, "#EXT-X-PART:URI=%q,DURATION=%s", part.URI, formatSeconds(part.Duration))
	if part.Independent {
		buf.WriteString(",INDEPENDENT=YES")
	}
	if part.IsGap {
		buf.WriteString(",GAP=YES")
	}
	if part.HasSize {
		fmt.Fprintf(buf, ",BYTERANGE=%d@%d", part.Size, part.Offset)
	}
	buf.WriteByte('\n')
}

func writePreloadHint(buf *bytes.Buffer, h *PreloadHint) {
	typ := "PART"
	if h.Type == PreloadMap {
		typ = "MAP"
	}
	fmt.Fprintf(buf, "#EXT-X-PRELOAD-HINT:TYPE=%s,URI=%q", typ, h.URI)
	if h.Offset > 0 {
		fmt.Fprintf(buf, ",BYTERANGE-START=%d", h.Offset)
	}
	if h.HasSize {
		fmt.Fprintf(buf, ",BYTERANGE-LENGTH=%d", h.Size)
	}
	buf.WriteByte('\n')
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
