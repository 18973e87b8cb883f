// Package segment keeps the per content type segment index and schedules
// segment downloads one at a time across video, audio and text.
package segment

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/transport"
)

// readyQueueLookahead is how many downloaded segments may wait before
// prefetching pauses.
const readyQueueLookahead = 4

const timeEpsilon = 1e-6

// ErrGranularityChanged rejects a segment list whose boundaries no longer
// line up with the segment the downloader is about to fetch.
var ErrGranularityChanged = errors.New("segment granularity changed")

// Requester is the part of the transport the downloader needs.
type Requester interface {
	Request(req transport.Request, onSuccess func(transport.Response)) transport.ID
	Abort(id transport.ID)
}

// run is the contiguous block of the index owned by one period. The first
// entry of a run is always its init segment.
type run struct {
	periodID         string
	representationID string
	periodStart      float64
	start            int
	length           int
}

func (r run) end() int { return r.start + r.length }

// Downloader owns the segment index of one content type.
type Downloader struct {
	contentType models.ContentType
	requestType events.RequestType
	requester   Requester
	bus         *events.Bus
	logger      logger.Logger

	segments []models.Segment
	runs     []run
	ready    []models.DataSegment
	last     *models.DataSegment

	next int
	init int // -1 when no init segment is pending

	inflight    transport.ID
	downloading bool
}

// NewDownloader creates an empty downloader for ct.
func NewDownloader(ct models.ContentType, requester Requester, bus *events.Bus, log logger.Logger) *Downloader {
	return &Downloader{
		contentType: ct,
		requestType: events.SegmentRequestType(ct),
		requester:   requester,
		bus:         bus,
		logger:      logger.WithComponent(log, "downloader").With("content_type", string(ct)),
		init:        -1,
	}
}

// ContentType is the content type this downloader serves.
func (d *Downloader) ContentType() models.ContentType {
	return d.contentType
}

// Len is the number of indexed segments, init segments included.
func (d *Downloader) Len() int {
	return len(d.segments)
}

// NextIndex is the position of the next media segment to fetch.
func (d *Downloader) NextIndex() int {
	return d.next
}

// PendingInit reports the index of an init segment that must be fetched
// before the next media segment.
func (d *Downloader) PendingInit() (int, bool) {
	return d.init, d.init >= 0
}

// Ready is the number of downloaded segments waiting to be consumed.
func (d *Downloader) Ready() int {
	return len(d.ready)
}

// Downloading reports whether a request is in flight.
func (d *Downloader) Downloading() bool {
	return d.downloading
}

func (d *Downloader) index() int {
	if d.init >= 0 {
		return d.init
	}
	return d.next
}

// CurrentSegment returns the segment that DownloadNextSegment would fetch.
func (d *Downloader) CurrentSegment() (models.Segment, bool) {
	i := d.index()
	if i < 0 || i >= len(d.segments) {
		return models.Segment{}, false
	}
	return d.segments[i], true
}

// Time is the presentation time of the pending segment.
func (d *Downloader) Time() (float64, bool) {
	s, ok := d.CurrentSegment()
	return s.Time, ok
}

// LastSegment is the chronologically final segment in the index.
func (d *Downloader) LastSegment() (models.Segment, bool) {
	if len(d.segments) == 0 {
		return models.Segment{}, false
	}
	return d.segments[len(d.segments)-1], true
}

// UpdateSegments merges the segment list of a representation into the
// index. The run of the same period is replaced, otherwise a new run is
// inserted in period start order. The next index keeps pointing at the
// segment with the same presentation time.
func (d *Downloader) UpdateSegments(segments []models.Segment) error {
	if len(segments) < 2 {
		return fmt.Errorf("update %s segments: %w: need an init and at least one media segment", d.contentType, models.ErrSegmentOrder)
	}
	if err := models.ValidateSegments(segments); err != nil {
		return fmt.Errorf("update %s segments: %w", d.contentType, err)
	}

	incoming := run{
		periodID:         segments[0].PeriodID,
		representationID: segments[0].RepresentationID,
		periodStart:      segments[0].PeriodStart,
		length:           len(segments),
	}

	pos, replaced := d.findRun(incoming)
	if pos < len(d.runs) {
		incoming.start = d.runs[pos].start
	} else {
		incoming.start = len(d.segments)
	}

	next, err := d.remap(d.next, pos, replaced, incoming, segments, true)
	if err != nil {
		return err
	}
	initIdx := d.init
	if initIdx >= 0 {
		// A pending init segment follows its run to its new position.
		initIdx, _ = d.remap(initIdx, pos, replaced, incoming, segments, false)
	}

	removed := 0
	if replaced {
		removed = d.runs[pos].length
	}
	merged := make([]models.Segment, 0, len(d.segments)-removed+len(segments))
	merged = append(merged, d.segments[:incoming.start]...)
	merged = append(merged, segments...)
	merged = append(merged, d.segments[incoming.start+removed:]...)
	d.segments = merged

	shift := incoming.length - removed
	runs := make([]run, 0, len(d.runs)+1)
	runs = append(runs, d.runs[:pos]...)
	runs = append(runs, incoming)
	after := pos
	if replaced {
		after++
	}
	for _, r := range d.runs[after:] {
		r.start += shift
		runs = append(runs, r)
	}
	d.runs = runs

	if next != d.next {
		d.logger.Debugf("Shifting next %s segment index from %d to %d", d.contentType, d.next, next)
	}
	d.next = next
	d.init = initIdx
	return nil
}

// findRun returns the run position for r and whether an existing run of
// the same period sits there.
func (d *Downloader) findRun(r run) (int, bool) {
	for i, existing := range d.runs {
		if existing.periodID == r.periodID {
			return i, true
		}
	}
	return sort.Search(len(d.runs), func(i int) bool {
		return d.runs[i].periodStart > r.periodStart
	}), false
}

// remap computes where an index pointer lands once incoming is written at
// run position pos. Pointers inside a replaced run follow presentation
// time; other pointers move with their run.
func (d *Downloader) remap(ptr, pos int, replaced bool, incoming run, segments []models.Segment, strict bool) (int, error) {
	total := len(d.segments)
	if !replaced {
		if ptr < incoming.start || (ptr == total && incoming.start == total) {
			return ptr, nil
		}
		return ptr + incoming.length, nil
	}

	old := d.runs[pos]
	switch {
	case ptr < old.start:
		return ptr, nil
	case ptr == old.start:
		return incoming.start, nil
	case ptr >= old.end() && !(ptr == total && old.end() == total):
		return ptr + incoming.length - old.length, nil
	}

	at := d.segments[total-1].End()
	if ptr < total {
		at = d.segments[ptr].Time
	}
	first := segments[1].Time
	end := segments[len(segments)-1].End()
	switch {
	case at < first-timeEpsilon:
		return incoming.start + 1, nil
	case at > end-timeEpsilon:
		return incoming.end(), nil
	}
	for i := 1; i < len(segments); i++ {
		if math.Abs(segments[i].Time-at) < timeEpsilon {
			return incoming.start + i, nil
		}
	}
	if !strict {
		return incoming.start, nil
	}
	return 0, fmt.Errorf("update %s segments of period %s: %w: no segment starts at %.3f",
		d.contentType, incoming.periodID, ErrGranularityChanged, at)
}

// search returns the closest index whose time is at or below t, preferring
// the lowest media index among equal times, or 0 when t precedes every
// segment. Init segments share their first media segment's time and are
// never picked over it.
func (d *Downloader) search(t float64) int {
	i := sort.Search(len(d.segments), func(i int) bool {
		return d.segments[i].Time > t
	}) - 1
	if i < 0 {
		return 0
	}
	for i > 0 && d.segments[i].ID != 0 && d.segments[i-1].ID != 0 &&
		d.segments[i-1].Time == d.segments[i].Time {
		i--
	}
	return i
}

// UpdateNextSegmentIndex points the downloader at the segment playing at
// currentTime. Moving the pointer aborts the in-flight request and drops
// the ready queue. A change of period or representation schedules the
// matching init segment first.
func (d *Downloader) UpdateNextSegmentIndex(currentTime float64) {
	if len(d.segments) == 0 {
		return
	}
	idx := d.search(currentTime)
	target := d.segments[idx]

	initNeeded := d.last == nil ||
		d.last.PeriodID != target.PeriodID ||
		d.last.RepresentationID != target.RepresentationID
	sameSegment := idx+1 == d.next || (d.last != nil && d.last.Time == target.Time)
	// The segment at idx is already queued, in flight or about to be fetched.
	pending := (len(d.ready) > 0 && d.ready[0].Index == idx) ||
		(len(d.ready) == 0 && d.init < 0 && idx == d.next)
	if !initNeeded && (sameSegment || pending) {
		return
	}

	d.abort()
	d.logger.Debugf("Next %s segment index to download %d (t=%.3f)", d.contentType, idx, target.Time)
	d.next = idx
	d.ready = d.ready[:0]
	d.last = nil
	d.init = -1

	if initNeeded && target.ID != 0 {
		d.init = idx - target.ID
		d.logger.Debugf("Need %s init segment first %d", d.contentType, d.init)
	}
}

// DownloadNextSegment requests the pending init segment, or the segment at
// the next index.
func (d *Downloader) DownloadNextSegment() {
	if d.init >= 0 && d.init < len(d.segments) && d.segments[d.init].URL == "" {
		// Representation without initialization data.
		d.init = -1
	}
	idx := d.index()
	if idx >= len(d.segments) {
		return
	}
	seg := d.segments[idx]

	d.logger.Debugf("Downloading next %s segment %d", d.contentType, idx)
	d.downloading = true
	var id transport.ID
	id = d.requester.Request(transport.Request{URL: seg.URL, Type: d.requestType}, func(resp transport.Response) {
		if !d.downloading || d.inflight != id {
			return
		}
		d.downloading = false
		d.complete(resp.Data)
	})
	d.inflight = id
}

// complete stores data for the segment under the pointer. The index may
// have been remapped by UpdateSegments while the request was in flight.
// SegmentReady is emitted even when the segment is gone so the manager
// leaves DOWNLOADING.
func (d *Downloader) complete(data []byte) {
	idx := d.index()
	if idx >= len(d.segments) {
		d.logger.Debugf("Dropping %s segment, index %d no longer listed", d.contentType, idx)
		d.bus.Emit(events.SegmentReady{ContentType: d.contentType})
		return
	}
	isInit := d.init >= 0
	ds := models.DataSegment{
		Segment: d.segments[idx],
		Data:    data,
		IsLast:  idx == len(d.segments)-1,
		Index:   idx,
	}
	d.logger.Debugf("%s segment ready %d", d.contentType, idx)
	d.ready = append(d.ready, ds)

	if isInit {
		d.init = -1
	} else {
		d.next++
	}
	d.bus.Emit(events.SegmentReady{ContentType: d.contentType})
}

// GetReadyDataSegment pops the oldest downloaded segment.
func (d *Downloader) GetReadyDataSegment() (models.DataSegment, bool) {
	if len(d.ready) == 0 {
		return models.DataSegment{}, false
	}
	ds := d.ready[0]
	d.ready = d.ready[1:]
	last := ds
	d.last = &last
	return ds, true
}

// ShouldDownloadNext reports whether prefetching should continue.
func (d *Downloader) ShouldDownloadNext() bool {
	if len(d.ready) <= readyQueueLookahead {
		return true
	}
	return d.ready[len(d.ready)-1].Index != d.next-1
}

func (d *Downloader) abort() {
	if d.downloading {
		d.downloading = false
		d.requester.Abort(d.inflight)
	}
}

// Reset aborts the in-flight request and empties the index.
func (d *Downloader) Reset() {
	d.abort()
	d.segments = nil
	d.runs = nil
	d.ready = nil
	d.last = nil
	d.next = 0
	d.init = -1
}
