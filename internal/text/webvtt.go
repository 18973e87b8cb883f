package text

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// WebVTT parses WebVTT files and wvtt samples in fragmented MP4. The media
// timescale is read from the init segment and kept for later fragments.
type WebVTT struct {
	timescale uint32
}

// Timescale is the track timescale read from the last init segment.
func (p *WebVTT) Timescale() uint32 {
	return p.timescale
}

func (p *WebVTT) ParseText(data []byte, subtitleID int) ([]Cue, error) {
	var (
		cues  []Cue
		block []string
	)
	flush := func() error {
		defer func() { block = block[:0] }()
		if len(block) == 0 {
			return nil
		}
		head := block[0]
		if strings.HasPrefix(head, "WEBVTT") || strings.HasPrefix(head, "NOTE") ||
			head == "STYLE" || head == "REGION" {
			return nil
		}
		cue, ok, err := parseVTTBlock(block, subtitleID, len(cues))
		if err != nil {
			return err
		}
		if ok {
			cues = append(cues, cue)
		}
		return nil
	}

	sc := bufio.NewScanner(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read webvtt: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cues, nil
}

func parseVTTBlock(block []string, subtitleID, position int) (Cue, bool, error) {
	id := ""
	timing := block[0]
	body := block[1:]
	if !strings.Contains(timing, "-->") {
		if len(block) < 2 || !strings.Contains(block[1], "-->") {
			return Cue{}, false, nil
		}
		id, timing, body = block[0], block[1], block[2:]
	}

	beginStr, rest, _ := strings.Cut(timing, "-->")
	endStr := strings.Fields(rest)
	if len(endStr) == 0 {
		return Cue{}, false, fmt.Errorf("webvtt cue %q: missing end time", timing)
	}
	begin, err := parseClock(beginStr)
	if err != nil {
		return Cue{}, false, fmt.Errorf("webvtt cue begin: %w", err)
	}
	end, err := parseClock(endStr[0])
	if err != nil {
		return Cue{}, false, fmt.Errorf("webvtt cue end: %w", err)
	}

	if id == "" {
		id = strconv.Itoa(position)
	}
	return Cue{
		ID:         fmt.Sprintf("%d_%s", subtitleID, id),
		SubtitleID: subtitleID,
		Position:   position,
		Begin:      begin,
		End:        end,
		Text:       strings.Join(body, "\n"),
	}, true, nil
}

func (p *WebVTT) ParseMP4(data []byte, subtitleID int, isInit bool) ([]Cue, error) {
	if isInit {
		ts, err := readTimescale(data)
		if err != nil {
			return nil, err
		}
		p.timescale = ts
		return nil, nil
	}
	if p.timescale == 0 {
		return nil, fmt.Errorf("wvtt fragment before init segment")
	}

	frag, err := readFragment(data)
	if err != nil {
		return nil, err
	}

	var cues []Cue
	scale := float64(p.timescale)
	for _, s := range frag.samples {
		if s.duration == 0 {
			continue
		}
		texts, err := readVTTCues(s.data)
		if err != nil {
			return nil, err
		}
		begin := float64(s.start) / scale
		end := float64(s.start+uint64(s.duration)) / scale
		for _, text := range texts {
			i := len(cues)
			cues = append(cues, Cue{
				ID:         fmt.Sprintf("%g_%g_%d", begin, end, i),
				SubtitleID: subtitleID,
				Position:   i,
				Begin:      begin,
				End:        end,
				Text:       text,
			})
		}
	}
	return cues, nil
}
