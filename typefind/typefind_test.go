package typefind

import (
	"bytes"
	"testing"

	"github.com/matryer/is"
)

func mpegTSBuffer(packets int) []byte {
	buf := make([]byte, packets*tsPacketSize)
	for i := 0; i < packets; i++ {
		buf[i*tsPacketSize] = tsSyncByte
	}
	return buf
}

func TestSniffDetectsMpegTS(t *testing.T) {
	is := is.New(t)
	kind, err := Sniff(mpegTSBuffer(6), true)
	is.NoErr(err)
	is.Equal(kind, MpegTs)
}

func TestSniffDetectsID3(t *testing.T) {
	is := is.New(t)
	buf := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), []byte("rest of tag data")...)
	kind, err := Sniff(buf, true)
	is.NoErr(err)
	is.Equal(kind, Id3)
}

func TestSniffDetectsISOBMFF(t *testing.T) {
	is := is.New(t)
	buf := []byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}
	kind, err := Sniff(buf, true)
	is.NoErr(err)
	is.Equal(kind, IsoBmff)
}

func TestSniffDetectsWebVTT(t *testing.T) {
	is := is.New(t)
	buf := []byte("WEBVTT\n\n00:00:00.000 --> 00:00:01.000\nhello\n")
	kind, err := Sniff(buf, true)
	is.NoErr(err)
	is.Equal(kind, WebVtt)
}

func TestSniffDetectsWebVTTWithBOM(t *testing.T) {
	is := is.New(t)
	buf := append([]byte{0xEF, 0xBB, 0xBF}, []byte("WEBVTT\n")...)
	kind, err := Sniff(buf, true)
	is.NoErr(err)
	is.Equal(kind, WebVtt)
}

func TestSniffUnknownAtEOSIsFatal(t *testing.T) {
	is := is.New(t)
	_, err := Sniff(bytes.Repeat([]byte{0x00}, 32), true)
	is.True(err != nil)
	is.True(!NeedsMoreData(err))
}

func TestSniffUnknownNotAtEOSRequestsMoreData(t *testing.T) {
	is := is.New(t)
	_, err := Sniff(bytes.Repeat([]byte{0x00}, 32), false)
	is.True(err != nil)
	is.True(NeedsMoreData(err))
}

func TestSniffTruncatesToSniffWindow(t *testing.T) {
	is := is.New(t)
	buf := append([]byte("WEBVTT\n"), bytes.Repeat([]byte{0x00}, sniffWindow*2)...)
	kind, err := Sniff(buf, true)
	is.NoErr(err)
	is.Equal(kind, WebVtt)
}
