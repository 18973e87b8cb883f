package buffer

import (
	"math"

	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/media"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/taperr"
)

// Phase is the feed/evict state of a buffer.
type Phase int

const (
	// Feeding means nothing was appended since the last eviction.
	Feeding Phase = iota
	// Evicting means appended data may need trimming behind the playhead.
	Evicting
)

func (p Phase) String() string {
	if p == Evicting {
		return "EVICTING"
	}
	return "FEEDING"
}

// SegmentSource hands out downloaded segments in order.
type SegmentSource interface {
	GetReadyDataSegment(ct models.ContentType) (models.DataSegment, bool)
}

// AVBuffer feeds one audio or video source buffer.
type AVBuffer struct {
	ct       models.ContentType
	bus      *events.Bus
	logger   logger.Logger
	segments SegmentSource
	source   *media.MediaSource
	sink     *media.SourceBuffer

	ahead     float64
	behind    float64
	mimeCodec string
	phase     Phase
	current   *models.DataSegment
}

func newAVBuffer(ct models.ContentType, mimeCodec string, source *media.MediaSource, segments SegmentSource,
	cfg config.BufferConfig, minBufferTime float64, bus *events.Bus, log logger.Logger,
) (*AVBuffer, error) {
	sink, err := source.AddSourceBuffer(mimeCodec)
	if err != nil {
		return nil, err
	}
	b := &AVBuffer{
		ct:        ct,
		bus:       bus,
		logger:    logger.WithComponent(log, "buffer").With("content_type", string(ct)),
		segments:  segments,
		source:    source,
		sink:      sink,
		ahead:     math.Max(cfg.Ahead.Seconds(), minBufferTime),
		behind:    cfg.Behind.Seconds(),
		mimeCodec: mimeCodec,
	}
	b.logger.Infof("Add %s source buffer %s", ct, mimeCodec)
	sink.OnUpdateEnd(func() {
		bus.Emit(events.BufferUpdate{ContentType: ct})
	})
	return b, nil
}

// IsLast reports whether the last appended segment ends the presentation.
func (b *AVBuffer) IsLast() bool {
	return b.current != nil && b.current.IsLast
}

// Updating reports whether the sink has an operation in flight.
func (b *AVBuffer) Updating() bool {
	return b.sink.Updating()
}

// MimeCodec is the type the sink currently accepts.
func (b *AVBuffer) MimeCodec() string {
	return b.mimeCodec
}

// Phase returns the current feed/evict phase.
func (b *AVBuffer) Phase() Phase {
	return b.phase
}

// BufferedRanges returns the sink's buffered ranges.
func (b *AVBuffer) BufferedRanges() []models.TimeRange {
	return b.sink.Buffered()
}

// BufferRange returns the buffered range containing t.
func (b *AVBuffer) BufferRange(t float64) (models.TimeRange, bool) {
	return models.TimeRangeAt(b.sink.Buffered(), t)
}

func (b *AVBuffer) transition(to Phase) {
	if b.phase == to {
		return
	}
	b.logger.Debugf("Phase %s -> %s", b.phase, to)
	b.phase = to
}

func (b *AVBuffer) hasReachedAhead(t float64) bool {
	r, ok := b.BufferRange(t)
	return ok && r.End-t >= b.ahead
}

// FeedBuffer appends the next ready segment while the buffer is short of
// its ahead target. Otherwise it evicts data behind the playhead once
// appends made that necessary.
func (b *AVBuffer) FeedBuffer(t float64) {
	if b.sink.Updating() {
		return
	}
	if !b.hasReachedAhead(t) {
		if seg, ok := b.segments.GetReadyDataSegment(b.ct); ok {
			b.append(seg)
			return
		}
	}
	if b.phase == Evicting && b.removeBehind(t) {
		b.transition(Feeding)
	}
}

func (b *AVBuffer) append(seg models.DataSegment) {
	b.current = &seg
	b.transition(Evicting)

	offset := seg.TimestampOffset()
	if err := b.sink.SetTimestampOffset(offset); err != nil {
		b.fail(taperr.SeverityError, err)
		return
	}

	mimeCodec := models.MimeCodec(seg.MimeType, seg.Codecs)
	if mimeCodec != b.mimeCodec {
		b.logger.Debugf("Changing codec from %q to %q", b.mimeCodec, mimeCodec)
		if err := b.sink.ChangeType(mimeCodec); err != nil {
			b.fail(taperr.SeverityFatal, err)
			return
		}
		b.mimeCodec = mimeCodec
	}

	var span models.TimeRange
	if !seg.IsInit() {
		span = models.TimeRange{Start: seg.Time - offset, End: seg.End() - offset}
	}
	b.logger.Debugf("Feeding %s buffer %d (segment %d, %.3fs)", b.ct, seg.Index, seg.ID, seg.Time)
	if err := b.sink.Append(seg.Data, span); err != nil {
		b.fail(taperr.SeverityError, err)
		return
	}

	if seg.IsInit() {
		b.emitEncrypted(seg.Data)
		return
	}
	if len(seg.InbandEventStreams) > 0 {
		b.emitInband(seg)
	}
}

func (b *AVBuffer) emitEncrypted(data []byte) {
	initData, err := readPSSH(data)
	if err != nil {
		b.logger.Warnf("Skipping pssh boxes: %v", err)
		return
	}
	if len(initData) > 0 {
		b.bus.Emit(events.Encrypted{InitDataType: InitDataTypeCENC, InitData: initData})
	}
}

func (b *AVBuffer) emitInband(seg models.DataSegment) {
	msgs, err := readEmsg(seg)
	if err != nil {
		b.logger.Warnf("Skipping inband events: %v", err)
		return
	}
	for _, m := range msgs {
		b.bus.Emit(events.InbandStream{Emsg: m})
	}
}

func (b *AVBuffer) fail(sev taperr.Severity, err error) {
	b.logger.Errorf("Append failed: %v", err)
	b.bus.Emit(events.Error{Err: taperr.Wrap(taperr.BufferAppend, sev, err)})
}

func (b *AVBuffer) removeBehind(t float64) bool {
	buffered := b.sink.Buffered()
	if len(buffered) == 0 {
		return false
	}
	start := buffered[0].Start
	if t-start >= b.behind {
		return b.ClearBuffer(start, t-b.behind)
	}
	return false
}

// ClearBuffer aborts any pending append and removes [start, end). It
// returns false when nothing was removed.
func (b *AVBuffer) ClearBuffer(start, end float64) bool {
	if b.source.ReadyState() == media.Open {
		b.sink.Abort()
	}
	if start >= end {
		return false
	}
	b.logger.Debugf("Clear %s buffer from %.2fs to %.2fs", b.ct, start, end)
	if err := b.sink.Remove(start, end); err != nil {
		b.logger.Warnf("Remove failed: %v", err)
		return false
	}
	return true
}

// ClearFrom removes everything buffered from start onwards.
func (b *AVBuffer) ClearFrom(start float64) bool {
	if b.source.ReadyState() == media.Open {
		b.sink.Abort()
	}
	buffered := b.sink.Buffered()
	if len(buffered) == 0 || b.sink.Updating() {
		return false
	}
	return b.ClearBuffer(start, buffered[len(buffered)-1].End)
}

func (b *AVBuffer) destroy() {
	b.logger.Infof("Destroying %s buffer", b.ct)
	b.ClearFrom(0)
	b.source.RemoveSourceBuffer(b.sink)
	b.phase = Feeding
	b.current = nil
}
