package text

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const xmlNamespace = "http://www.w3.org/XML/1998/namespace"

// TTML parses TTML documents, plain or carried in the mdat of an stpp
// fragment.
type TTML struct{}

func (p *TTML) ParseMP4(data []byte, subtitleID int, isInit bool) ([]Cue, error) {
	if isInit {
		return nil, nil
	}
	doc, err := readMdat(data)
	if err != nil {
		return nil, err
	}
	return p.ParseText(doc, subtitleID)
}

type timing struct {
	frameRate float64
	tickRate  float64
}

type paragraph struct {
	begin, end string
	regionID   string
	text       strings.Builder
}

func (p *TTML) ParseText(data []byte, subtitleID int) ([]Cue, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var (
		lang    string
		tm      = timing{frameRate: 30, tickRate: 1}
		styles  = make(map[string]*Style)
		regions []*Region
		paras   []*paragraph
		cur     *paragraph
	)

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse ttml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tt":
				lang = attr(t, "lang")
				if v, err := strconv.ParseFloat(attr(t, "frameRate"), 64); err == nil && v > 0 {
					tm.frameRate = v
				}
				if v, err := strconv.ParseFloat(attr(t, "tickRate"), 64); err == nil && v > 0 {
					tm.tickRate = v
				}
			case "style":
				if cur != nil {
					continue
				}
				s := &Style{
					ID:              attr(t, "id"),
					BackgroundColor: attr(t, "backgroundColor"),
					Color:           attr(t, "color"),
					FontFamily:      attr(t, "fontFamily"),
					FontSize:        attr(t, "fontSize"),
					TextAlign:       attr(t, "textAlign"),
				}
				styles[s.ID] = s
			case "region":
				regions = append(regions, &Region{
					ID:           attr(t, "id"),
					DisplayAlign: attr(t, "displayAlign"),
					Extent:       attr(t, "extent"),
					Origin:       attr(t, "origin"),
					StyleID:      attr(t, "style"),
				})
			case "p":
				cur = &paragraph{begin: attr(t, "begin"), end: attr(t, "end"), regionID: attr(t, "region")}
				paras = append(paras, cur)
			case "br":
				if cur != nil {
					cur.text.WriteString("\n")
				}
			}
		case xml.EndElement:
			if t.Name.Local == "p" {
				cur = nil
			}
		case xml.CharData:
			if cur != nil {
				cur.text.Write(t)
			}
		}
	}

	for _, r := range regions {
		r.Style = styles[r.StyleID]
	}

	cues := make([]Cue, 0, len(paras))
	for i, para := range paras {
		begin, err := tm.parse(para.begin)
		if err != nil {
			return nil, fmt.Errorf("ttml paragraph %d begin: %w", i, err)
		}
		end, err := tm.parse(para.end)
		if err != nil {
			return nil, fmt.Errorf("ttml paragraph %d end: %w", i, err)
		}
		cue := Cue{
			ID:         fmt.Sprintf("%g_%g_%d", begin, end, i),
			SubtitleID: subtitleID,
			Position:   i,
			Begin:      begin,
			End:        end,
			Text:       strings.TrimSpace(para.text.String()),
			Lang:       lang,
			RegionID:   para.regionID,
		}
		for _, r := range regions {
			if r.ID == para.regionID {
				cue.Region = r
				break
			}
		}
		cues = append(cues, cue)
	}
	return cues, nil
}

// attr finds an attribute by local name, preferring the xml namespace for
// id and lang.
func attr(e xml.StartElement, local string) string {
	value := ""
	for _, a := range e.Attr {
		if a.Name.Local != local {
			continue
		}
		if a.Name.Space == xmlNamespace || a.Name.Space == "xml" {
			return a.Value
		}
		value = a.Value
	}
	return value
}

// parse reads a TTML time expression: clock time (hh:mm:ss.fff or
// hh:mm:ss:frames) or offset time with an h, m, s, ms, f or t metric.
func (tm timing) parse(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("empty time expression")
	}
	if strings.Count(expr, ":") == 3 {
		i := strings.LastIndex(expr, ":")
		clock, err := parseClock(expr[:i])
		if err != nil {
			return 0, err
		}
		frames, err := strconv.ParseFloat(expr[i+1:], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid frames in %q", expr)
		}
		return clock + frames/tm.frameRate, nil
	}
	if strings.Contains(expr, ":") {
		return parseClock(expr)
	}

	for _, unit := range []struct {
		suffix string
		scale  float64
	}{
		{"ms", 0.001},
		{"h", 3600},
		{"m", 60},
		{"s", 1},
		{"f", 1 / tm.frameRate},
		{"t", 1 / tm.tickRate},
	} {
		if num, ok := strings.CutSuffix(expr, unit.suffix); ok {
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid offset time %q", expr)
			}
			return v * unit.scale, nil
		}
	}
	return 0, fmt.Errorf("invalid time expression %q", expr)
}
