package m3u8

import "time"

// StreamType identifies the kind of elementary content a rendition or
// variant caps mask carries.
type StreamType uint8

const (
	StreamAudio StreamType = 1 << iota
	StreamVideo
	StreamSubtitles
	StreamClosedCaptions
)

// RenditionType is the TYPE attribute of an EXT-X-MEDIA tag.
type RenditionType uint8

const (
	RenditionAudio RenditionType = iota
	RenditionVideo
	RenditionSubtitles
	RenditionClosedCaptions
)

// PlaylistType is the EXT-X-PLAYLIST-TYPE value.
type PlaylistType uint8

const (
	PlaylistUndefined PlaylistType = iota
	PlaylistEvent
	PlaylistVOD
)

// Caps summarises the codec/resolution intersection of a variant or
// rendition, derived from the CODECS attribute.
type Caps struct {
	Codecs     []string
	Types      StreamType
	Width      int
	Height     int
	FrameRate  float64
	Bandwidth  uint32
}

// RenditionStream is an alternate audio/video/subtitle/closed-caption
// stream described by an EXT-X-MEDIA tag (spec.md §3).
type RenditionStream struct {
	Type       RenditionType
	GroupID    string
	Name       string
	Language   string
	URI        string // empty => muxed into the owning variant's stream
	Caps       *Caps  // nil until a variant attaches its per-type caps
	IsDefault  bool
	Autoselect bool
	Forced     bool
	Muxed      bool // true once a variant claims this rendition as muxed-in
}

// VariantStream is a bandwidth/resolution option described by
// EXT-X-STREAM-INF or EXT-X-I-FRAME-STREAM-INF (spec.md §3).
type VariantStream struct {
	Name          string // synthetic "variant-<bandwidth>-<sha1(uri)[:8]>"
	URI           string
	FallbackURIs  []string
	Bandwidth     uint32
	ProgramID     int
	Codecs        string
	Width         int
	Height        int
	IFrame        bool
	AudioGroup    string
	VideoGroup    string
	SubtitleGroup string
	CCGroup       string
	Types         StreamType
	Caps          Caps
}

// MasterPlaylist is the immutable result of parsing a multivariant
// playlist (spec.md §3).
type MasterPlaylist struct {
	Version        int
	IsSimple       bool
	Variants       []*VariantStream // sorted by Bandwidth ascending
	IFrameVariants []*VariantStream
	Renditions     []*RenditionStream
	DefaultVariant *VariantStream
	HaveCodecs     bool
	Caps           Caps

	IndependentSegments bool
	ContentSteering     *ContentSteering
}

// ContentSteering is the EXT-X-CONTENT-STEERING tag. The controller parses
// it but, per SPEC_FULL.md §12, does not act on it.
type ContentSteering struct {
	ServerURI string
	PathwayID string
}

// InitFile is an EXT-X-MAP reference. Equality is by (URI, Offset, Size)
// per spec.md §3.
type InitFile struct {
	URI    string
	Offset int64
	Size   int64
}

// Equal reports whether two init files identify the same byte range.
func (m *InitFile) Equal(other *InitFile) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.URI == other.URI && m.Offset == other.Offset && m.Size == other.Size
}

// Key is an EXT-X-KEY tag. Only METHOD=NONE and METHOD=AES-128 are
// meaningful to this module; others are recorded but never used to
// decrypt (spec.md §4.1).
type Key struct {
	Method string // "NONE" or "AES-128"; anything else is kept as parsed and never used to decrypt
	URI    string
	IV     [16]byte
	HasIV  bool
}

// PartialSegment is an EXT-X-PART entry (LL-HLS, spec.md §3).
type PartialSegment struct {
	URI         string
	Offset      int64
	Size        int64
	HasSize     bool
	Duration    time.Duration
	StreamTime  time.Duration
	Independent bool
	IsGap       bool
}

// PreloadHintType is the TYPE attribute of EXT-X-PRELOAD-HINT.
type PreloadHintType uint8

const (
	PreloadMap PreloadHintType = iota
	PreloadPart
)

// PreloadHint is an EXT-X-PRELOAD-HINT entry. At most one of each Type is
// honoured per spec.md §4.1.
type PreloadHint struct {
	Type    PreloadHintType
	URI     string
	Offset  int64
	Size    int64
	HasSize bool
}

// MediaSegment is one #EXTINF-delimited segment of a Media Playlist
// (spec.md §3).
type MediaSegment struct {
	Sequence      uint64 // MSN
	DiscontSeq    uint64 // DSN
	URI           string
	Title         string
	Duration      time.Duration
	StreamTime    time.Duration // computed, see invariants in spec.md §3
	DateTime      time.Time
	HasDateTime   bool
	Discont       bool
	IsGap         bool
	PartialOnly   bool
	Key           *Key
	Offset        int64
	Size          int64
	HasByteRange  bool
	InitFile      *InitFile
	PartialSegs   []*PartialSegment
}

// MediaPlaylist is the mutable, reloadable result of parsing a media
// playlist (spec.md §3). Values are treated as immutable after Parse
// returns; a refresh produces a new *MediaPlaylist rather than mutating
// this one in place. The exception is segment and partial StreamTime:
// timemap.Registry.Reconcile corrects those in place when a fragment's
// timestamps show a small drift.
type MediaPlaylist struct {
	URI          string
	BaseURI      string
	PlaylistTS   time.Time // monotonic clock value at fetch, set by the loader
	RequestTime  time.Time
	Version      int
	TargetDuration        time.Duration
	PartialTargetDuration time.Duration
	MediaSequence    uint64
	DiscontSequence  uint64
	HasDiscontSeqTag bool
	EndList          bool
	Type             PlaylistType
	IFrameOnly       bool
	AllowCache       *bool
	KeyPresent       bool
	PDTPresent       bool

	Segments      []*MediaSegment
	PreloadHints  []*PreloadHint
	Duration      time.Duration

	Reloaded            bool // true if last refresh returned byte-identical content
	SkipBoundary        time.Duration
	CanSkipDateRanges   bool
	HoldBack            time.Duration
	PartHoldBack        time.Duration
	CanBlockReload      bool
	SkippedSegments     uint64
	RemovedDateRanges    int
	LastData            [20]byte // sha1 of raw bytes, for change detection
	HasLastData         bool

	IndependentSegments bool
}

// Last returns the last segment, or nil if the playlist has none.
func (p *MediaPlaylist) Last() *MediaSegment {
	if len(p.Segments) == 0 {
		return nil
	}
	return p.Segments[len(p.Segments)-1]
}

// SegmentCount returns len(p.Segments), used for recommended buffer
// threshold calculations (spec.md §6).
func (p *MediaPlaylist) SegmentCount() int { return len(p.Segments) }
