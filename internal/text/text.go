// Package text parses subtitle segments into cues. WebVTT and TTML are
// accepted as plain text files or wrapped in fragmented MP4.
package text

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Codecs strings selecting a parser.
const (
	CodecWebVTT   = "wvtt"
	CodecSTPP     = "stpp"
	CodecSTPPTTML = "stpp.ttml.im1t"
)

// ErrUnsupported is returned by New for a codec no parser handles.
var ErrUnsupported = errors.New("text track not supported")

// Style is a TTML style.
type Style struct {
	ID              string
	BackgroundColor string
	Color           string
	FontFamily      string
	FontSize        string
	TextAlign       string
}

// Region is a TTML layout region.
type Region struct {
	ID           string
	DisplayAlign string
	Extent       string
	Origin       string
	StyleID      string
	Style        *Style
}

// Cue is a parsed subtitle. Begin and End are relative to the period start.
type Cue struct {
	ID         string
	SubtitleID int
	Position   int
	Begin      float64
	End        float64
	Text       string
	Lang       string
	RegionID   string
	Region     *Region
}

// Parser turns one segment into cues. subtitleID is the segment index and
// makes cue ids unique across segments.
type Parser interface {
	ParseText(data []byte, subtitleID int) ([]Cue, error)
	ParseMP4(data []byte, subtitleID int, isInit bool) ([]Cue, error)
}

// New returns the parser for a representation codecs string. An empty
// codecs string is treated as plain WebVTT.
func New(codecs string) (Parser, error) {
	switch strings.ToLower(codecs) {
	case CodecSTPP, CodecSTPPTTML:
		return &TTML{}, nil
	case CodecWebVTT, "":
		return &WebVTT{}, nil
	}
	return nil, fmt.Errorf("%w: codecs %q", ErrUnsupported, codecs)
}

// parseClock reads hh:mm:ss.fff or mm:ss.fff.
func parseClock(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid clock time %q", s)
		}
		total = total*60 + v
	}
	return total, nil
}
