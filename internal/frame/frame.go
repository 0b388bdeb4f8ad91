// Package frame extracts complete still images from an unbounded byte stream by
// scanning for a format's header and footer markers.
package frame

import (
	"bytes"
	"io"
	"iter"
	"strings"
)

// Frame is one complete image: the bytes from header start to footer end, inclusive.
type Frame []byte

// Format describes the boundary markers of a still-image format on the wire.
type Format struct {
	Name        string
	ContentType string
	Header      []byte
	Footer      []byte
}

var (
	// PNG frames start with the 8-byte signature and end with the IEND chunk (length, type, CRC).
	PNG = Format{
		Name:        "png",
		ContentType: "image/png",
		Header:      []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
		Footer:      []byte{0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82},
	}
	// JPEG frames are delimited by SOI and EOI.
	JPEG = Format{
		Name:        "jpeg",
		ContentType: "image/jpeg",
		Header:      []byte{0xFF, 0xD8},
		Footer:      []byte{0xFF, 0xD9},
	}
)

// FormatByName returns the format for "png", "jpeg" or "jpg" (case-insensitive).
func FormatByName(name string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "png":
		return PNG, true
	case "jpeg", "jpg", "mjpeg":
		return JPEG, true
	default:
		return Format{}, false
	}
}

// State is the scanner state.
type State int

const (
	Scanning State = iota
	Capturing
)

func (s State) String() string {
	if s == Capturing {
		return "capturing"
	}
	return "scanning"
}

// Extractor is a byte-at-a-time frame scanner. Not safe for concurrent use; one
// stream worker owns it.
type Extractor struct {
	header []byte
	footer []byte
	window []byte // last len(header) bytes seen
	buf    []byte // in-progress frame
	state  State
}

// New returns an Extractor for f.
func New(f Format) *Extractor {
	return &Extractor{
		header: f.Header,
		footer: f.Footer,
		window: make([]byte, 0, len(f.Header)),
	}
}

// State reports whether a frame is in progress.
func (e *Extractor) State() State { return e.state }

// Pending returns the number of bytes accumulated for the in-progress frame.
func (e *Extractor) Pending() int { return len(e.buf) }

// Push feeds one byte. header is true when this byte completed a header match.
// frame is non-nil when this byte completed a footer match; the slice is owned by the caller.
func (e *Extractor) Push(b byte) (frame Frame, header bool) {
	e.slide(b)
	if len(e.header) > 0 && len(e.window) == len(e.header) && bytes.Equal(e.window, e.header) {
		// A fresh header always wins over an incomplete frame.
		e.buf = append(e.buf[:0], e.header...)
		e.state = Capturing
		return nil, true
	}
	if e.state != Capturing {
		return nil, false
	}
	e.buf = append(e.buf, b)
	if len(e.buf) >= len(e.footer) && bytes.HasSuffix(e.buf, e.footer) {
		out := make(Frame, len(e.buf))
		copy(out, e.buf)
		// The window survives: a header may overlap this footer's tail.
		e.buf = e.buf[:0]
		e.state = Scanning
		return out, false
	}
	return nil, false
}

// Reset drops any in-progress frame and returns to Scanning.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.window = e.window[:0]
	e.state = Scanning
}

func (e *Extractor) slide(b byte) {
	n := len(e.header)
	if n == 0 {
		return
	}
	if len(e.window) == n {
		copy(e.window, e.window[1:])
		e.window[n-1] = b
		return
	}
	e.window = append(e.window, b)
}

// Frames returns a lazy sequence of frames scanned from r. The sequence ends when r
// returns an error (io.EOF included) or the consumer stops ranging. onHeader, if
// non-nil, is called on every header match. The sequence is not restartable: it
// consumes r.
func Frames(r io.ByteReader, f Format, onHeader func()) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		e := New(f)
		for {
			b, err := r.ReadByte()
			if err != nil {
				return
			}
			fr, hdr := e.Push(b)
			if hdr && onHeader != nil {
				onHeader()
			}
			if fr != nil && !yield(fr) {
				return
			}
		}
	}
}
