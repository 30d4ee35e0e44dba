// Package loader implements the playlist loader state machine (C2),
// spec.md §4.2: refreshes a live or VOD media playlist with correct
// cadence, delta updates, and blocking reloads.
package loader

import (
	"context"
	"crypto/sha1"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mogiioin/hlsdemux/internal/clock"
	"github.com/mogiioin/hlsdemux/internal/config"
	"github.com/mogiioin/hlsdemux/internal/download"
	"github.com/mogiioin/hlsdemux/internal/herrors"
	"github.com/mogiioin/hlsdemux/internal/scheduler"
	"github.com/mogiioin/hlsdemux/m3u8"
)

// State is one of the four loader states from spec.md §4.2.
type State int

const (
	Stopped State = iota
	Starting
	Loading
	Waiting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Loading:
		return "loading"
	case Waiting:
		return "waiting"
	default:
		return "unknown"
	}
}

const maxLoadErrors = 3
const retryDelay = 100 * time.Millisecond

// Loader drives repeated fetch-parse-publish cycles for a single
// playlist URI. Every state mutation and callback invocation happens on
// Sched, never on the goroutine that performs the blocking HTTP fetch
// (spec.md §5): Get runs on its own goroutine and posts its result back.
type Loader struct {
	Downloader download.Downloader
	Sched      *scheduler.Scheduler
	Clock      clock.Clock
	Cfg        config.LoaderConfig
	Log        zerolog.Logger

	OnSuccess func(uri string, pl *m3u8.MediaPlaylist)
	OnError   func(uri string, err error)

	mu           sync.Mutex
	state        State
	baseURI      string
	targetURI    string
	current      *m3u8.MediaPlaylist
	errorCount   int
	fallbackURIs []string
	fallbackIdx  int
	generation   uint64
	timerID      scheduler.TaskID
	haveTimer    bool
}

// New builds a Loader. sched must be the same scheduler the owning
// demuxer drives; all callbacks are delivered through it.
func New(d download.Downloader, sched *scheduler.Scheduler, clk clock.Clock, cfg config.LoaderConfig, log zerolog.Logger) *Loader {
	return &Loader{Downloader: d, Sched: sched, Clock: clk, Cfg: cfg, Log: log, state: Stopped}
}

// SetTargetURI sets the URI to load on the next start(), resolved against
// base if relative.
func (l *Loader) SetTargetURI(base, uri string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.baseURI = base
	l.targetURI = uri
}

// SetFallbackURIs records alternate URIs to rotate through once the
// current target has failed maxLoadErrors+1 times in a row (the first
// attempt plus maxLoadErrors retries), grounded on SPEC_FULL.md §12's
// FallbackCycler supplement.
func (l *Loader) SetFallbackURIs(uris []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallbackURIs = uris
	l.fallbackIdx = 0
}

// State reports the loader's current state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Current returns the last successfully published playlist, or nil.
func (l *Loader) Current() *m3u8.MediaPlaylist {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Start transitions Stopped/Starting → Loading and issues a download.
func (l *Loader) Start() {
	l.mu.Lock()
	if l.state == Loading || l.state == Waiting {
		l.mu.Unlock()
		return
	}
	l.state = Loading
	gen := l.generation
	l.mu.Unlock()

	l.Log.Debug().Str("uri", l.targetURI).Msg("loader starting")
	l.issueLoad(gen)
}

// Stop cancels any in-flight download or pending timer and transitions to
// Stopped. A download callback that arrives after Stop is a no-op.
func (l *Loader) Stop() {
	l.mu.Lock()
	l.generation++
	l.state = Stopped
	if l.haveTimer {
		l.Sched.Cancel(l.timerID)
		l.haveTimer = false
	}
	l.mu.Unlock()
}

func (l *Loader) issueLoad(gen uint64) {
	l.mu.Lock()
	uri, base := l.targetURI, l.baseURI
	prev := l.current
	l.mu.Unlock()

	fetchURI, err := l.buildReloadURI(uri, prev)
	if err != nil {
		l.Log.Warn().Err(err).Msg("loader: failed to build reload URI, using target URI unmodified")
		fetchURI = uri
	}

	startTime := l.Clock.Now()
	go func() {
		result, err := l.Downloader.Get(context.Background(), fetchURI, nil)
		l.Sched.Post(func() { l.onDownload(gen, base, uri, startTime, result, err) })
	}()
}

func (l *Loader) buildReloadURI(uri string, prev *m3u8.MediaPlaylist) (string, error) {
	if prev == nil {
		return uri, nil
	}
	extra := map[string]string{}

	if l.Cfg.EnableDeltaUpdates && prev.SkipBoundary > 0 {
		age := l.Clock.Now().Sub(prev.RequestTime)
		if age <= prev.SkipBoundary/2 {
			if prev.CanSkipDateRanges {
				extra["_HLS_skip"] = "v2"
			} else {
				extra["_HLS_skip"] = "YES"
			}
		}
	}

	if l.Cfg.EnableBlockingReload && prev.CanBlockReload {
		if last := prev.Last(); last != nil {
			extra["_HLS_msn"] = strconv.FormatUint(last.Sequence+1, 10)
			if n := len(last.PartialSegs); n > 0 {
				extra["_HLS_part"] = strconv.Itoa(n)
			} else {
				extra["_HLS_part"] = "0"
			}
		}
	}

	if len(extra) == 0 {
		return uri, nil
	}
	return m3u8.SortedQuery(uri, extra)
}

func (l *Loader) onDownload(gen uint64, base, uri string, startTime time.Time, result download.Result, err error) {
	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		return // stop() observed; silent per spec.md §7
	}
	l.mu.Unlock()

	if err != nil {
		l.handleError(gen, uri)
		return
	}

	pl, perr := m3u8.ParseMedia(result.Data, base, uri)
	if perr != nil {
		l.handleError(gen, uri)
		return
	}
	pl.PlaylistTS = l.Clock.Now()
	pl.RequestTime = startTime

	l.mu.Lock()
	prev := l.current
	l.mu.Unlock()

	sum := sha1.Sum(result.Data)
	pl.LastData, pl.HasLastData = sum, true
	if prev != nil && prev.HasLastData && prev.LastData == sum {
		pl.Reloaded = true
	}

	if prev != nil && prev.SkippedSegments > 0 {
		merged, merr := m3u8.MergeDelta(prev, pl)
		if merr != nil {
			// Delta merge failed: retry without the skip directive.
			l.mu.Lock()
			l.current = nil
			l.mu.Unlock()
			l.issueLoad(gen)
			return
		}
		pl = merged
	}

	l.publish(gen, uri, pl)
}

func (l *Loader) publish(gen uint64, uri string, pl *m3u8.MediaPlaylist) {
	l.mu.Lock()
	l.errorCount = 0
	l.current = pl
	live := !pl.EndList
	canBlock := pl.CanBlockReload && l.Cfg.EnableBlockingReload
	l.mu.Unlock()

	if l.OnSuccess != nil {
		l.OnSuccess(uri, pl)
	}

	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	switch {
	case !live:
		l.mu.Lock()
		l.state = Starting
		l.mu.Unlock()
	case canBlock:
		l.mu.Lock()
		l.state = Loading
		l.mu.Unlock()
		l.issueLoad(gen)
	default:
		interval := l.reloadInterval(pl)
		l.mu.Lock()
		l.state = Waiting
		l.timerID = l.Sched.PostDelayed(int64(interval), func() {
			l.mu.Lock()
			if gen != l.generation {
				l.mu.Unlock()
				return
			}
			l.state = Loading
			l.haveTimer = false
			l.mu.Unlock()
			l.issueLoad(gen)
		})
		l.haveTimer = true
		l.mu.Unlock()
	}
}

// reloadInterval implements spec.md §4.2's reload-interval computation.
func (l *Loader) reloadInterval(pl *m3u8.MediaPlaylist) time.Duration {
	base := pl.TargetDuration
	if last := pl.Last(); last != nil {
		if n := len(last.PartialSegs); n > 0 {
			if pl.PartialTargetDuration > 0 {
				base = pl.PartialTargetDuration
			}
		} else if last.Duration > 0 {
			base = last.Duration
		}
	}

	if pl.Reloaded {
		half := base / 2
		partHalf := pl.PartialTargetDuration / 2
		if partHalf > half {
			half = partHalf
		}
		base = half
	}

	age := l.Clock.Now().Sub(pl.RequestTime)
	base -= age
	if base < 0 {
		base = 0
	}
	return base
}

func (l *Loader) handleError(gen uint64, uri string) {
	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		return
	}
	l.errorCount++
	count := l.errorCount
	l.mu.Unlock()

	if count <= maxLoadErrors {
		l.mu.Lock()
		l.timerID = l.Sched.PostDelayed(int64(retryDelay), func() {
			l.mu.Lock()
			if gen != l.generation {
				l.mu.Unlock()
				return
			}
			l.haveTimer = false
			l.mu.Unlock()
			l.issueLoad(gen)
		})
		l.haveTimer = true
		l.mu.Unlock()
		return
	}

	if l.rotateFallback(uri) {
		return
	}

	l.Log.Error().Str("uri", uri).Msg("loader: playlist load failed, no fallback remains")
	if l.OnError != nil {
		l.OnError(uri, herrors.New(herrors.PlaylistLoadFailed, "loader.refresh"))
	}
}

// rotateFallback advances to the next fallback URI, if any, and restarts
// the load. Returns false when the fallback list is exhausted.
func (l *Loader) rotateFallback(failedURI string) bool {
	l.mu.Lock()
	if l.fallbackIdx >= len(l.fallbackURIs) {
		l.mu.Unlock()
		return false
	}
	next := l.fallbackURIs[l.fallbackIdx]
	l.fallbackIdx++
	l.targetURI = next
	l.errorCount = 0
	l.current = nil
	gen := l.generation
	l.mu.Unlock()

	l.Log.Warn().Str("failed_uri", failedURI).Str("fallback_uri", next).Msg("loader: rotating to fallback URI")
	l.issueLoad(gen)
	return true
}
