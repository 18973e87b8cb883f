package buffer

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/loop"
	"github.com/king-prawns/Tape/internal/media"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scte35 = "urn:scte:scte35:2013:bin"

type fakeSegments struct {
	ready map[models.ContentType][]models.DataSegment
}

func (f *fakeSegments) push(segs ...models.DataSegment) {
	for _, s := range segs {
		f.ready[s.ContentType] = append(f.ready[s.ContentType], s)
	}
}

func (f *fakeSegments) GetReadyDataSegment(ct models.ContentType) (models.DataSegment, bool) {
	q := f.ready[ct]
	if len(q) == 0 {
		return models.DataSegment{}, false
	}
	f.ready[ct] = q[1:]
	return q[0], true
}

type fakeTimeline struct {
	live     bool
	seekable models.TimeRange
}

func (f *fakeTimeline) IsLive() bool                    { return f.live }
func (f *fakeTimeline) SeekableRange() models.TimeRange { return f.seekable }

type fixture struct {
	sched    *loop.Manual
	bus      *events.Bus
	el       *media.Element
	ms       *media.MediaSource
	segs     *fakeSegments
	timeline *fakeTimeline
	m        *Manager
	errs     []*taperr.Error
	updates  int
}

func newFixture(t *testing.T, protected bool) *fixture {
	t.Helper()
	f := &fixture{
		sched:    loop.NewManual(),
		bus:      events.NewBus(nil),
		segs:     &fakeSegments{ready: make(map[models.ContentType][]models.DataSegment)},
		timeline: &fakeTimeline{seekable: models.TimeRange{Start: 0, End: 100}},
	}
	f.el = media.NewElement(f.bus, logger.Nop())
	f.ms = media.NewMediaSource(f.sched, logger.Nop())
	f.el.Attach(f.ms)
	f.m = NewManager(Params{
		Element:       f.el,
		Source:        f.ms,
		Segments:      f.segs,
		Timeline:      f.timeline,
		Config:        config.BufferConfig{Ahead: 10 * time.Second, Behind: 4 * time.Second, OnSwitch: 5 * time.Second},
		MinBufferTime: 2,
		Protected:     protected,
	}, f.bus, logger.Nop())
	t.Cleanup(f.m.Close)

	events.On(f.bus, func(p events.Error, _ events.Event) { f.errs = append(f.errs, p.Err) })
	events.On(f.bus, func(events.BuffersUpdate, events.Event) { f.updates++ })
	return f
}

func (f *fixture) activate(ct models.ContentType, mimeCodec, codecs string) {
	f.bus.Emit(events.ActiveRepresentationChange{ContentType: ct, ID: string(ct), MimeCodec: mimeCodec, Codecs: codecs})
}

func (f *fixture) activateVideo() {
	f.activate(models.Video, `video/mp4; codecs="avc1.4d401f"`, "avc1.4d401f")
}

func videoSegment(id int, start, dur float64) models.DataSegment {
	return models.DataSegment{
		Segment: models.Segment{
			ID:          id,
			ContentType: models.Video,
			MimeType:    "video/mp4",
			Codecs:      "avc1.4d401f",
			Time:        start,
			Duration:    dur,
			PeriodID:    "p0",
		},
		Data:  []byte{byte(id)},
		Index: id,
	}
}

// videoRun returns the init segment and n four second media segments.
func videoRun(n int) []models.DataSegment {
	segs := []models.DataSegment{videoSegment(0, 0, 0)}
	for i := 1; i <= n; i++ {
		segs = append(segs, videoSegment(i, float64(i-1)*4, 4))
	}
	return segs
}

func box(typ string, payload ...[]byte) []byte {
	size := 8
	for _, p := range payload {
		size += len(p)
	}
	out := binary.BigEndian.AppendUint32(nil, uint32(size))
	out = append(out, typ...)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

func fullBox(typ string, version byte, payload ...[]byte) []byte {
	return box(typ, append([][]byte{{version, 0, 0, 0}}, payload...)...)
}

func u32(vs ...uint32) []byte {
	var out []byte
	for _, v := range vs {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out
}

func emsgV0(scheme, value string, timescale, delta, id uint32) []byte {
	return fullBox("emsg", 0,
		append([]byte(scheme), 0), append([]byte(value), 0),
		u32(timescale, delta, 0, id), []byte("hello\x00"))
}

func psshV0(data []byte) []byte {
	systemID := []byte{0x10, 0x77, 0xef, 0xec, 0xc0, 0xb2, 0x4d, 0x02, 0xac, 0xe3, 0x3c, 0x1e, 0x52, 0xe2, 0xfb, 0x4b}
	return fullBox("pssh", 0, systemID, u32(uint32(len(data))), data)
}

func TestFeed_AppendsUntilQueueIsEmpty(t *testing.T) {
	f := newFixture(t, false)
	f.activateVideo()
	f.segs.push(videoRun(2)...)

	f.m.FeedBuffers(0)
	require.True(t, f.m.Video().Updating())
	f.sched.Drain()

	assert.Equal(t, []models.TimeRange{{Start: 0, End: 8}}, f.m.BufferedRanges(models.Video))
	assert.Equal(t, 3, f.updates, "one BuffersUpdate per completed append")
	assert.Equal(t, Evicting, f.m.Video().Phase())
	assert.Empty(t, f.errs)
}

func TestFeed_AppliesTimestampOffset(t *testing.T) {
	f := newFixture(t, false)
	f.activateVideo()
	seg := videoSegment(1, 104, 4)
	seg.PeriodStart = 100
	seg.Offset = 10
	f.segs.push(seg)

	f.m.FeedBuffers(104)
	f.sched.Drain()
	assert.Equal(t, []models.TimeRange{{Start: 104, End: 108}}, f.m.BufferedRanges(models.Video))
}

func TestFeed_StopsAtAheadTargetThenEvicts(t *testing.T) {
	f := newFixture(t, false)
	f.activateVideo()
	f.segs.push(videoRun(4)...)

	f.m.FeedBuffers(0)
	f.sched.Drain()
	assert.Equal(t, []models.TimeRange{{Start: 0, End: 12}}, f.m.BufferedRanges(models.Video))
	require.Len(t, f.segs.ready[models.Video], 1, "last segment waits for the buffer to drain")

	f.el.SetCurrentTime(9)
	f.segs.push(videoSegment(5, 16, 4))
	f.m.FeedBuffers(9)
	f.sched.Drain()

	assert.Equal(t, []models.TimeRange{{Start: 5, End: 20}}, f.m.BufferedRanges(models.Video))
	assert.Equal(t, Feeding, f.m.Video().Phase())
}

func TestFeed_WaitsForLicense(t *testing.T) {
	f := newFixture(t, true)
	f.activateVideo()
	f.segs.push(videoRun(1)...)

	f.m.FeedBuffers(0)
	f.bus.Emit(events.SegmentReady{ContentType: models.Video})
	assert.Len(t, f.segs.ready[models.Video], 2)
	assert.True(t, f.m.WaitingLicense())

	f.bus.Emit(events.EMEReady{})
	assert.False(t, f.m.WaitingLicense())
	f.sched.Drain()
	assert.Empty(t, f.segs.ready[models.Video])
	assert.Equal(t, []models.TimeRange{{Start: 0, End: 4}}, f.m.BufferedRanges(models.Video))
}

func TestFeed_ChangesCodec(t *testing.T) {
	f := newFixture(t, false)
	f.activateVideo()
	seg := videoSegment(1, 0, 4)
	seg.Codecs = "avc1.640028"
	f.segs.push(seg)

	f.m.FeedBuffers(0)
	f.sched.Drain()
	assert.Equal(t, `video/mp4; codecs="avc1.640028"`, f.m.Video().MimeCodec())

	bad := videoSegment(2, 4, 4)
	bad.Codecs = "dvh1.05.01"
	f.segs.push(bad)
	f.m.FeedBuffers(0)
	require.Len(t, f.errs, 1)
	assert.Equal(t, taperr.BufferAppend, f.errs[0].Code)
	assert.Equal(t, taperr.SeverityFatal, f.errs[0].Severity)
}

func TestFeed_EmitsInbandEventsAndInitData(t *testing.T) {
	f := newFixture(t, false)
	f.activateVideo()

	var inband []events.Emsg
	var encrypted []events.Encrypted
	events.On(f.bus, func(p events.InbandStream, _ events.Event) { inband = append(inband, p.Emsg) })
	events.On(f.bus, func(p events.Encrypted, _ events.Event) { encrypted = append(encrypted, p) })

	pssh := psshV0([]byte{1, 2, 3})
	initSeg := videoSegment(0, 0, 0)
	initSeg.Data = box("moov", pssh)

	seg := videoSegment(1, 8, 4)
	seg.InbandEventStreams = []models.InbandEventStream{{SchemeIDURI: scte35}}
	seg.Data = append(append(emsgV0(scte35, "1", 90000, 45000, 7), emsgV0("urn:other", "", 1, 0, 8)...), box("mdat")...)

	f.segs.push(initSeg, seg)
	f.m.FeedBuffers(0)
	f.sched.Drain()

	require.Len(t, encrypted, 1)
	assert.Equal(t, InitDataTypeCENC, encrypted[0].InitDataType)
	assert.Equal(t, pssh, encrypted[0].InitData)

	require.Len(t, inband, 1, "undeclared schemes are dropped")
	assert.Equal(t, scte35, inband[0].SchemeIDURI)
	assert.Equal(t, "1", inband[0].Value)
	assert.Equal(t, uint32(7), inband[0].ID)
	assert.InDelta(t, 8.5, inband[0].PresentationTime, 1e-9)
}

func TestEndOfStream(t *testing.T) {
	t.Run("static content ends once the last segments are buffered", func(t *testing.T) {
		f := newFixture(t, false)
		f.timeline.seekable = models.TimeRange{Start: 0, End: 8}
		f.activateVideo()
		segs := videoRun(2)
		segs[2].IsLast = true
		f.segs.push(segs...)

		f.m.FeedBuffers(0)
		f.sched.Drain()
		assert.Equal(t, media.Ended, f.ms.ReadyState())
	})

	t.Run("live content never ends", func(t *testing.T) {
		f := newFixture(t, false)
		f.timeline.live = true
		f.timeline.seekable = models.TimeRange{Start: 0, End: 8}
		f.activateVideo()
		segs := videoRun(2)
		segs[2].IsLast = true
		f.segs.push(segs...)

		f.m.FeedBuffers(0)
		f.sched.Drain()
		assert.Equal(t, media.Open, f.ms.ReadyState())
	})

	t.Run("waits for the buffer to reach the seekable end", func(t *testing.T) {
		f := newFixture(t, false)
		f.timeline.seekable = models.TimeRange{Start: 0, End: 12}
		f.activateVideo()
		segs := videoRun(2)
		segs[2].IsLast = true
		f.segs.push(segs...)

		f.m.FeedBuffers(0)
		f.sched.Drain()
		assert.Equal(t, media.Open, f.ms.ReadyState())
	})
}

func TestClearBuffer(t *testing.T) {
	f := newFixture(t, false)
	assert.False(t, f.m.ClearFrom(models.Video, 0), "no buffer yet")

	f.activateVideo()
	assert.False(t, f.m.ClearFrom(models.Video, 0), "nothing buffered")

	f.segs.push(videoRun(2)...)
	f.m.FeedBuffers(0)
	f.sched.Drain()

	assert.False(t, f.m.ClearBuffer(models.Video, 5, 5), "degenerate range")
	assert.False(t, f.m.ClearFrom(models.Video, 8), "start at the buffered end")
	require.True(t, f.m.ClearFrom(models.Video, 4))
	f.sched.Drain()
	assert.Equal(t, []models.TimeRange{{Start: 0, End: 4}}, f.m.BufferedRanges(models.Video))

	f.m.ClearBuffers()
	f.sched.Drain()
	assert.Empty(t, f.m.BufferedRanges(models.Video))
}

func TestClearBuffer_AbortsPendingAppend(t *testing.T) {
	f := newFixture(t, false)
	f.activateVideo()
	f.segs.push(videoRun(2)...)
	f.m.FeedBuffers(0)
	f.sched.Drain()

	f.segs.push(videoSegment(3, 8, 4))
	f.m.FeedBuffers(0)
	require.True(t, f.m.Video().Updating())
	require.True(t, f.m.ClearFrom(models.Video, 4))
	f.sched.Drain()

	assert.Equal(t, []models.TimeRange{{Start: 0, End: 4}}, f.m.BufferedRanges(models.Video))
}

func textSegment(index int, periodStart float64, body string) models.DataSegment {
	return models.DataSegment{
		Segment: models.Segment{
			ID:          index,
			ContentType: models.Text,
			MimeType:    "text/vtt",
			Time:        periodStart + float64(index-1)*5,
			Duration:    5,
			PeriodStart: periodStart,
		},
		Data:  []byte(body),
		Index: index,
	}
}

func TestTextBuffer_CuesFollowTheClock(t *testing.T) {
	f := newFixture(t, false)
	f.activate(models.Text, "text/vtt", "wvtt")
	require.NotNil(t, f.m.Text())

	var entered []string
	var exited []string
	events.On(f.bus, func(p events.CueEnter, _ events.Event) { entered = append(entered, p.Cue.ID) })
	events.On(f.bus, func(p events.CueExit, _ events.Event) { exited = append(exited, p.ID) })

	f.segs.push(textSegment(1, 100, "WEBVTT\n\na\n00:00:01.000 --> 00:00:03.000\nHi\n\nb\n00:00:04.000 --> 00:00:05.000\nBye\n"))
	f.m.FeedBuffers(100)

	cues := f.m.Text().Track().Cues()
	require.Len(t, cues, 2)
	assert.Equal(t, events.Cue{ID: "1_a", Start: 101, End: 103, Text: "Hi"}, cues[0])
	assert.Equal(t, Evicting, f.m.Text().Phase())

	r, ok := f.m.BufferRange(models.Text, 102)
	require.True(t, ok)
	assert.Equal(t, models.TimeRange{Start: 101, End: 105}, r)

	f.el.SetCurrentTime(101.5)
	f.bus.Emit(events.TimeUpdate{})
	assert.Equal(t, []string{"1_a"}, entered)

	require.True(t, f.m.ClearFrom(models.Text, 0))
	assert.Equal(t, []string{"1_a"}, exited, "active cue exits when removed")
	assert.Zero(t, f.m.Text().Track().Len())
	assert.False(t, f.m.ClearBuffer(models.Text, 0, 10), "no cues left")
}

func TestTextBuffer_EvictsBehind(t *testing.T) {
	f := newFixture(t, false)
	f.activate(models.Text, "text/vtt", "wvtt")
	doc := "WEBVTT\n\n00:00:00.000 --> 00:00:02.000\none\n\n00:00:06.000 --> 00:00:08.000\ntwo\n"
	f.segs.push(textSegment(1, 0, doc))
	f.m.FeedBuffers(0)
	require.Equal(t, 2, f.m.Text().Track().Len())

	f.m.FeedBuffers(7)
	assert.Equal(t, 1, f.m.Text().Track().Len(), "cue ending before 3s is evicted")
	assert.Equal(t, Feeding, f.m.Text().Phase())
}

func TestUnsupportedTextCodec(t *testing.T) {
	f := newFixture(t, false)
	f.activate(models.Text, `application/mp4; codecs="tx3g"`, "tx3g")
	assert.Nil(t, f.m.Text())
	require.Len(t, f.errs, 1)
	assert.Equal(t, taperr.TextTrackNotSupported, f.errs[0].Code)
	assert.True(t, taperr.IsFatal(f.errs[0]))
}

func TestUnsupportedSourceBuffer(t *testing.T) {
	f := newFixture(t, false)
	f.activate(models.Video, "video/x-flv", "")
	assert.Nil(t, f.m.Video())
	require.Len(t, f.errs, 1)
	assert.Equal(t, taperr.MediaSourceNotSupported, f.errs[0].Code)
}
