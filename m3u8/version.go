package m3u8

// CalcMinVersion returns the lowest EXT-X-VERSION a media playlist could
// declare given the tags actually present, adapted from the teacher's
// calcversion.go. It is used by Encode when the playlist's recorded
// Version is lower than what its content requires.
func CalcMinVersion(p *MediaPlaylist) int {
	min := 1

	raise := func(v int) {
		if v > min {
			min = v
		}
	}

	for _, seg := range p.Segments {
		if seg.HasByteRange {
			raise(4)
		}
		if seg.Key != nil && seg.Key.HasIV {
			raise(5)
		}
		if seg.InitFile != nil {
			raise(6)
		}
		if len(seg.PartialSegs) > 0 || seg.PartialOnly {
			raise(9)
		}
	}
	if p.IFrameOnly {
		raise(4)
	}
	if len(p.PreloadHints) > 0 || p.CanBlockReload || p.SkippedSegments > 0 {
		raise(9)
	}
	return min
}
