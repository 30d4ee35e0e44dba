// Package m3u8 implements parsing and canonical generation of HLS
// (HTTP Live Streaming) multivariant and media playlists.
//
// HLS (draft-pantos-hls-rfc8216bis) playlists come in two shapes: a
// Multivariant (Master) Playlist lists bitrate/rendition alternatives, and a
// Media Playlist lists the segments (and, for low-latency streams, partial
// segments and preload hints) of one such alternative.
//
// Parse detects which shape a given document is and returns either a
// *MasterPlaylist or a *MediaPlaylist. Both types are immutable once parsed:
// callers that need a corrected or merged playlist (live refresh, delta
// update) get a new value back rather than mutating the original, so that
// concurrently-held references to the old playlist keep seeing consistent
// data (see package loader for the refresh state machine that relies on
// this). The one in-place change is to segment and partial StreamTime
// values, which timemap.Registry.Reconcile corrects on small drift.
package m3u8
