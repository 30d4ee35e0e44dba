// Package typefind sniffs the container format of a fragment's first
// bytes, per spec.md §4.4 step 3: MPEG-TS, ID3, ISOBMFF, or WebVTT.
// Unknown content is fatal to the fragment (herrors.ContentUnparseable).
package typefind

import (
	"bytes"

	"github.com/mogiioin/hlsdemux/internal/herrors"
)

// ParserKind is the detected container, dispatching to the matching
// probe in the fragment package.
type ParserKind int

const (
	Unknown ParserKind = iota
	MpegTs
	Id3
	WebVtt
	IsoBmff
)

func (k ParserKind) String() string {
	switch k {
	case MpegTs:
		return "mpegts"
	case Id3:
		return "id3"
	case WebVtt:
		return "webvtt"
	case IsoBmff:
		return "isobmff"
	default:
		return "unknown"
	}
}

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47
	sniffWindow  = 2048 // first 2 KiB, per spec.md §4.4 step 3
)

// Sniff detects the container kind from buf, which should hold the first
// sniffWindow bytes of a fragment (or the whole fragment, if it is
// smaller). atEOS indicates buf is all the data the fragment will ever
// have, so heuristics requiring more context (WebVTT) must decide now.
func Sniff(buf []byte, atEOS bool) (ParserKind, error) {
	if len(buf) > sniffWindow {
		buf = buf[:sniffWindow]
	}

	if looksLikeMpegTS(buf) {
		return MpegTs, nil
	}
	if looksLikeID3(buf) {
		return Id3, nil
	}
	if looksLikeISOBMFF(buf) {
		return IsoBmff, nil
	}
	if looksLikeWebVTT(buf) {
		return WebVtt, nil
	}

	if !atEOS && len(buf) < sniffWindow {
		return Unknown, errNeedMoreData
	}
	return Unknown, herrors.New(herrors.ContentUnparseable, "typefind.sniff")
}

var errNeedMoreData = herrors.New(herrors.ContentUnparseable, "typefind.sniff.need_more_data")

// NeedsMoreData reports whether err from Sniff means "call again once more
// bytes have arrived", as opposed to a terminal ContentUnparseable.
func NeedsMoreData(err error) bool {
	return err == errNeedMoreData
}

// looksLikeMpegTS requires 4 consecutive valid sync bytes at a single,
// consistent 188-byte-spaced offset within the first 1 KiB, per spec.md
// §4.4's MpegTs probe.
func looksLikeMpegTS(buf []byte) bool {
	const searchWindow = 1024
	limit := len(buf)
	if limit > searchWindow {
		limit = searchWindow
	}
	for offset := 0; offset < limit && offset < tsPacketSize; offset++ {
		consistent := 0
		for p := offset; p < len(buf); p += tsPacketSize {
			if buf[p] != tsSyncByte {
				break
			}
			consistent++
			if consistent >= 4 {
				return true
			}
		}
	}
	return false
}

func looksLikeID3(buf []byte) bool {
	return len(buf) >= 10 && buf[0] == 'I' && buf[1] == 'D' && buf[2] == '3'
}

func looksLikeISOBMFF(buf []byte) bool {
	if len(buf) < 8 {
		return false
	}
	box := buf[4:8]
	switch string(box) {
	case "ftyp", "moov", "moof", "styp", "sidx", "free", "skip":
		return true
	}
	return false
}

func looksLikeWebVTT(buf []byte) bool {
	trimmed := bytes.TrimLeft(buf, "\xEF\xBB\xBF\r\n\t ")
	return bytes.HasPrefix(trimmed, []byte("WEBVTT"))
}
