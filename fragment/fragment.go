// Package fragment implements the fragment processor (C4, spec.md §4.4):
// typefind a downloaded, already-decrypted fragment buffer, extract its
// internal container timestamp, and report whether the caller should keep
// buffering, forward the data, resync the walker, or fail the fragment.
package fragment

import (
	"time"

	"github.com/mogiioin/hlsdemux/internal/herrors"
	"github.com/mogiioin/hlsdemux/m3u8"
	"github.com/mogiioin/hlsdemux/timemap"
	"github.com/mogiioin/hlsdemux/typefind"
)

// Result is the processor's verdict for the bytes just fed to it.
type Result int

const (
	NeedMoreData Result = iota
	Done
	Resync
	Error
)

func (r Result) String() string {
	switch r {
	case NeedMoreData:
		return "need_more_data"
	case Done:
		return "done"
	case Resync:
		return "resync"
	default:
		return "error"
	}
}

// timeProbe is the per-kind internal-time extractor, §4.4's four kind
// probes behind one interface.
type timeProbe interface {
	// feed consumes more of the fragment's bytes (sniffBuf already
	// consumed). atEOS means this is the last call for this fragment.
	// internalTime is valid only when ok is true.
	feed(data []byte, atEOS bool) (internalTime time.Duration, ok bool, result Result, err error)
}

// Processor runs one fragment through typefind, the matching time probe,
// and time reconciliation against a shared timemap.Registry.
type Processor struct {
	registry  *timemap.Registry
	playlist  *m3u8.MediaPlaylist
	segIndex  int
	partIndex int // -1 when the fragment is a whole Media Segment
	isRend    bool // rendition streams may not seed a map (spec.md §4.5)

	sniffed  bool
	kind     typefind.ParserKind
	sniffBuf []byte
	probe    timeProbe

	// ResyncSegIndex/ResyncPartIndex are populated when Feed returns
	// Resync with a relocated cursor (find_position found a different
	// segment); otherwise they equal the constructor's segIndex/partIndex
	// and the caller should mark the buffer discont instead of seeking.
	ResyncSegIndex  int
	ResyncPartIndex int

	// EmptyBuffer is set when a drain-only WebVTT fragment contained no
	// cue with displayable text; the caller should forward a droppable
	// empty buffer rather than treat this as ContentUnparseable.
	EmptyBuffer bool
}

// New returns a Processor for one fragment belonging to
// playlist.Segments[segIndex] (or its partIndex'th partial, if >= 0); the
// DSN is that segment's DiscontSeq. isRendition marks a rendition
// (non-variant) stream, which may
// observe but never seed a timemap.Registry entry.
func New(registry *timemap.Registry, playlist *m3u8.MediaPlaylist, segIndex, partIndex int, isRendition bool) *Processor {
	return &Processor{registry: registry, playlist: playlist, segIndex: segIndex, partIndex: partIndex, isRend: isRendition}
}

func (p *Processor) dsn() uint64 { return p.playlist.Segments[p.segIndex].DiscontSeq }

// Feed delivers the next chunk of decrypted fragment bytes. atEOS marks
// the final chunk of the fragment.
func (p *Processor) Feed(data []byte, atEOS bool) (Result, error) {
	if !p.sniffed {
		p.sniffBuf = append(p.sniffBuf, data...)
		kind, err := typefind.Sniff(p.sniffBuf, atEOS)
		if err != nil {
			if typefind.NeedsMoreData(err) {
				return NeedMoreData, nil
			}
			return Error, err
		}
		p.sniffed = true
		p.kind = kind
		p.probe = newProbe(kind)
		data = p.sniffBuf
		p.sniffBuf = nil
	}

	internal, ok, result, err := p.probe.feed(data, atEOS)
	if err != nil {
		return Error, err
	}
	if result == NeedMoreData {
		return NeedMoreData, nil
	}
	if !ok {
		if vtt, isVTT := p.probe.(*webvttProbe); isVTT && vtt.NoDisplayableText() {
			// spec.md §4.4: no cue with displayable text found — forward a
			// droppable empty buffer instead of failing the fragment.
			p.ResyncSegIndex, p.ResyncPartIndex = p.segIndex, p.partIndex
			p.EmptyBuffer = true
			return Done, nil
		}
		if atEOS {
			return Error, herrors.New(herrors.ContentUnparseable, "fragment.extract_time")
		}
		return NeedMoreData, nil
	}

	outcome, rerr := p.reconcile(internal)
	if rerr != nil {
		return Error, rerr
	}
	if outcome == timemap.ResyncNeeded {
		return Resync, nil
	}
	return Done, nil
}

// reconcile runs spec.md §4.5's time-mapping rules for this fragment's
// segment against the observed internal time.
func (p *Processor) reconcile(internal time.Duration) (timemap.Outcome, error) {
	seg := p.playlist.Segments[p.segIndex]
	streamTime := seg.StreamTime
	if p.partIndex >= 0 && p.partIndex < len(seg.PartialSegs) {
		streamTime = seg.PartialSegs[p.partIndex].StreamTime
	}

	if seg.Discont {
		p.registry.Seed(p.dsn(), streamTime, internal, seg.DateTime, seg.HasDateTime, p.isRend)
		p.ResyncSegIndex, p.ResyncPartIndex = p.segIndex, p.partIndex
		return timemap.ResyncNone, nil
	}

	// Compensate the 33-bit MPEG-TS clock wraparound (spec.md §4.4)
	// against the map's own persisted internal time before reconciling;
	// a probe's own lifetime is too short (one fragment) to ever observe
	// a prior value to unwrap against itself.
	if p.kind == typefind.MpegTs || p.kind == typefind.Id3 {
		if m, ok := p.registry.Get(p.dsn()); ok {
			internal = timemap.Unwrap(internal, m.InternalTime, tsClockTick)
		}
	}

	outcome, newSeg, newPart, _, err := p.registry.Reconcile(p.dsn(), p.playlist, p.segIndex, p.partIndex, internal)
	p.ResyncSegIndex, p.ResyncPartIndex = newSeg, newPart
	return outcome, err
}

// Kind reports the detected container, valid once Feed has sniffed at
// least once successfully.
func (p *Processor) Kind() typefind.ParserKind { return p.kind }

func newProbe(kind typefind.ParserKind) timeProbe {
	switch kind {
	case typefind.MpegTs:
		return newMpegTSProbe()
	case typefind.Id3:
		return newID3Probe()
	case typefind.IsoBmff:
		return newISOBMFFProbe()
	case typefind.WebVtt:
		return newWebVTTProbe()
	default:
		return nopProbe{}
	}
}

type nopProbe struct{}

func (nopProbe) feed([]byte, bool) (time.Duration, bool, Result, error) {
	return 0, false, Done, nil
}
