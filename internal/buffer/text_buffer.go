package buffer

import (
	"math"

	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/media"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/text"
)

const textTrackLabel = "Tape Text Track"

// TextBuffer parses subtitle segments into cues on a text track.
type TextBuffer struct {
	bus      *events.Bus
	logger   logger.Logger
	segments SegmentSource
	parser   text.Parser
	track    *media.TextTrack

	ahead  float64
	behind float64
	phase  Phase
}

func newTextBuffer(parser text.Parser, el *media.Element, segments SegmentSource,
	cfg config.BufferConfig, minBufferTime float64, bus *events.Bus, log logger.Logger,
) *TextBuffer {
	b := &TextBuffer{
		bus:      bus,
		logger:   logger.WithComponent(log, "buffer").With("content_type", string(models.Text)),
		segments: segments,
		parser:   parser,
		track:    el.AddTextTrack(textTrackLabel),
		ahead:    math.Max(cfg.Ahead.Seconds(), minBufferTime),
		behind:   cfg.Behind.Seconds(),
	}
	b.logger.Infof("Add text track")
	return b
}

// Phase returns the current feed/evict phase.
func (b *TextBuffer) Phase() Phase {
	return b.phase
}

// Track is the text track receiving cues.
func (b *TextBuffer) Track() *media.TextTrack {
	return b.track
}

// BufferRange spans the first cue start to the latest cue end when t falls
// inside it.
func (b *TextBuffer) BufferRange(t float64) (models.TimeRange, bool) {
	cues := b.track.Cues()
	if len(cues) == 0 {
		return models.TimeRange{}, false
	}
	r := models.TimeRange{Start: cues[0].Start, End: cues[0].End}
	for _, c := range cues[1:] {
		r.End = math.Max(r.End, c.End)
	}
	return r, r.Contains(t)
}

// BufferedRanges returns the cue span as a single range.
func (b *TextBuffer) BufferedRanges() []models.TimeRange {
	cues := b.track.Cues()
	if len(cues) == 0 {
		return nil
	}
	r, _ := b.BufferRange(cues[0].Start)
	return []models.TimeRange{r}
}

func (b *TextBuffer) transition(to Phase) {
	if b.phase == to {
		return
	}
	b.logger.Debugf("Phase %s -> %s", b.phase, to)
	b.phase = to
}

func (b *TextBuffer) hasReachedAhead(t float64) bool {
	r, ok := b.BufferRange(t)
	return ok && r.End-t >= b.ahead
}

// FeedBuffer parses the next ready segment while short of the ahead target,
// else evicts cues behind the playhead.
func (b *TextBuffer) FeedBuffer(t float64) {
	if !b.hasReachedAhead(t) {
		if seg, ok := b.segments.GetReadyDataSegment(models.Text); ok {
			b.transition(Evicting)
			b.add(seg)
			return
		}
	}
	if b.phase == Evicting && b.removeBehind(t) {
		b.transition(Feeding)
	}
}

func (b *TextBuffer) add(seg models.DataSegment) {
	var (
		cues []text.Cue
		err  error
	)
	if seg.MimeType == "application/mp4" {
		cues, err = b.parser.ParseMP4(seg.Data, seg.Index, seg.IsInit())
	} else {
		cues, err = b.parser.ParseText(seg.Data, seg.Index)
	}
	if err != nil {
		b.logger.Warnf("Skipping text segment %d: %v", seg.Index, err)
		return
	}

	added := 0
	for _, c := range cues {
		cue := events.Cue{
			ID:    c.ID,
			Start: seg.PeriodStart + c.Begin,
			End:   seg.PeriodStart + c.End,
			Text:  c.Text,
		}
		if b.track.AddCue(cue) {
			added++
		}
	}
	if added > 0 {
		b.logger.Debugf("Feeding text buffer %d: %d cues", seg.Index, added)
		b.bus.Emit(events.BufferUpdate{ContentType: models.Text})
	}
}

// UpdateCues emits CueExit and CueEnter for the cues crossing t.
func (b *TextBuffer) UpdateCues(t float64) {
	entered, exited := b.track.Update(t)
	for _, id := range exited {
		b.logger.Debugf("Cue %s exit", id)
		b.bus.Emit(events.CueExit{ID: id})
	}
	for _, c := range entered {
		b.logger.Debugf("Cue %s enter", c.ID)
		b.bus.Emit(events.CueEnter{Cue: c})
	}
}

func (b *TextBuffer) removeBehind(t float64) bool {
	r, ok := b.BufferRange(t)
	if !ok {
		return false
	}
	if t-r.Start >= b.behind {
		return b.ClearBuffer(r.Start, t-b.behind)
	}
	return false
}

// ClearBuffer removes every cue starting or ending inside [start, end].
// Active cues are exited first.
func (b *TextBuffer) ClearBuffer(start, end float64) bool {
	if b.track.Len() == 0 || start > end {
		return false
	}
	b.logger.Debugf("Clear text buffer from %.2fs to %.2fs", start, end)
	for _, c := range b.track.Cues() {
		inside := (start <= c.Start && c.Start <= end) || (start <= c.End && c.End <= end)
		if !inside {
			continue
		}
		if b.track.RemoveCue(c.ID) {
			b.bus.Emit(events.CueExit{ID: c.ID})
		}
	}
	return true
}

// ClearFrom removes every cue from start onwards.
func (b *TextBuffer) ClearFrom(start float64) bool {
	r, ok := models.Bounds(b.BufferedRanges())
	if !ok {
		return false
	}
	return b.ClearBuffer(start, r.End)
}

func (b *TextBuffer) destroy() {
	b.logger.Infof("Destroying text buffer")
	b.ClearFrom(0)
	b.phase = Feeding
}
