package media

import (
	"errors"
	"fmt"

	"github.com/king-prawns/Tape/internal/loop"
	"github.com/king-prawns/Tape/internal/models"
)

var (
	// ErrUpdating is returned when an operation is issued while a previous
	// append or remove has not signalled updateend yet.
	ErrUpdating = errors.New("source buffer is updating")
	// ErrNotSupported is returned for a mime codec the platform cannot play.
	ErrNotSupported = errors.New("type not supported")
	// ErrInvalidState is returned when the media source is not open.
	ErrInvalidState = errors.New("invalid media source state")
)

// SourceBuffer is an in-memory media sink. It keeps the buffered ranges and
// the byte count of every append but does not decode anything.
// Every mutation completes asynchronously: Updating stays true until the
// updateend callback runs on the loop.
type SourceBuffer struct {
	sched           loop.Scheduler
	source          *MediaSource
	mimeCodec       string
	timestampOffset float64
	ranges          []models.TimeRange
	bytes           int
	appends         int

	updating    bool
	op          uint64
	onUpdateEnd []func()
}

// MimeCodec is the type the buffer currently accepts.
func (sb *SourceBuffer) MimeCodec() string {
	return sb.mimeCodec
}

// Updating reports whether an operation is pending.
func (sb *SourceBuffer) Updating() bool {
	return sb.updating
}

// Buffered returns a copy of the buffered ranges, sorted and disjoint.
func (sb *SourceBuffer) Buffered() []models.TimeRange {
	return append([]models.TimeRange(nil), sb.ranges...)
}

// Bytes is the total size of every completed append.
func (sb *SourceBuffer) Bytes() int {
	return sb.bytes
}

// Appends counts completed appends, init segments included.
func (sb *SourceBuffer) Appends() int {
	return sb.appends
}

// TimestampOffset is added to the media time of appended data.
func (sb *SourceBuffer) TimestampOffset() float64 {
	return sb.timestampOffset
}

// SetTimestampOffset changes the offset applied to later appends.
func (sb *SourceBuffer) SetTimestampOffset(offset float64) error {
	if sb.updating {
		return ErrUpdating
	}
	sb.timestampOffset = offset
	return nil
}

// OnUpdateEnd registers fn to run on the loop after every completed
// operation.
func (sb *SourceBuffer) OnUpdateEnd(fn func()) {
	sb.onUpdateEnd = append(sb.onUpdateEnd, fn)
}

// Append queues data covering span, in media time. The timestamp offset is
// applied when the append completes. An empty span (an init segment) adds no
// buffered range.
func (sb *SourceBuffer) Append(data []byte, span models.TimeRange) error {
	if err := sb.checkWritable(); err != nil {
		return err
	}
	shifted := models.TimeRange{Start: span.Start + sb.timestampOffset, End: span.End + sb.timestampOffset}
	size := len(data)
	sb.schedule(func() {
		sb.ranges = addRange(sb.ranges, shifted)
		sb.bytes += size
		sb.appends++
	})
	return nil
}

// Remove queues removal of [start, end).
func (sb *SourceBuffer) Remove(start, end float64) error {
	if err := sb.checkWritable(); err != nil {
		return err
	}
	if start < 0 || end <= start {
		return fmt.Errorf("remove [%.3f, %.3f): empty range", start, end)
	}
	sb.schedule(func() {
		sb.ranges = removeRange(sb.ranges, start, end)
	})
	return nil
}

// Abort drops a pending operation. Its updateend never fires.
func (sb *SourceBuffer) Abort() {
	sb.op++
	sb.updating = false
}

// ChangeType switches the buffer to a new mime codec.
func (sb *SourceBuffer) ChangeType(mimeCodec string) error {
	if sb.updating {
		return ErrUpdating
	}
	if !sb.source.IsTypeSupported(mimeCodec) {
		return fmt.Errorf("%w: %s", ErrNotSupported, mimeCodec)
	}
	sb.mimeCodec = mimeCodec
	return nil
}

func (sb *SourceBuffer) checkWritable() error {
	if sb.updating {
		return ErrUpdating
	}
	if sb.source.ReadyState() == Closed {
		return ErrInvalidState
	}
	return nil
}

func (sb *SourceBuffer) schedule(apply func()) {
	if sb.source.ReadyState() == Ended {
		sb.source.reopen()
	}
	sb.updating = true
	sb.op++
	op := sb.op
	sb.sched.Post(func() {
		if sb.op != op || !sb.updating {
			return
		}
		apply()
		sb.updating = false
		for _, fn := range sb.onUpdateEnd {
			fn()
		}
	})
}

func (sb *SourceBuffer) clear() {
	sb.Abort()
	sb.ranges = nil
	sb.onUpdateEnd = nil
}
