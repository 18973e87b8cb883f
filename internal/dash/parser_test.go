package dash

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const staticMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" xmlns:cenc="urn:mpeg:cenc:2013"
     type="static" mediaPresentationDuration="PT8S" minBufferTime="PT2S" maxSegmentDuration="PT2S">
  <Period id="p0" start="PT0S">
    <AdaptationSet id="1" contentType="video" mimeType="video/mp4">
      <ContentProtection schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc" cenc:default_KID="0737b75e-e890-6c00-bb7b-b8f666da72a0"/>
      <ContentProtection schemeIdUri="urn:uuid:e2719d58-a985-b3c9-781a-b030af78d30e">
        <cenc:pssh>AAAANHBzc2gBAAAAEHfv7MCyTQKs4zweUuL7SwAAAAEHN7de6JBsALt7uPZm2nKgAAAAAA==</cenc:pssh>
      </ContentProtection>
      <InbandEventStream schemeIdUri="urn:scte:scte35:2013:bin"/>
      <SegmentTemplate timescale="1000" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Time$.m4s">
        <SegmentTimeline>
          <S t="0" d="2000" r="3"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1500" bandwidth="1500000" codecs="avc1.4d401f" width="1280" height="720"/>
      <Representation id="v500" bandwidth="500000" codecs="avc1.4d401e" width="640" height="360"/>
      <Representation id="vhevc" bandwidth="900000" codecs="hvc1.1.6.L93.B0"/>
    </AdaptationSet>
    <AdaptationSet id="2" contentType="audio" mimeType="audio/mp4" lang="en" codecs="mp4a.40.2">
      <SegmentTemplate timescale="48000" initialization="a/init.mp4" media="a/$Number%05d$.m4s" startNumber="1" duration="96000"/>
      <Representation id="a128" bandwidth="128000"/>
    </AdaptationSet>
    <AdaptationSet id="3" mimeType="text/vtt" lang="it">
      <SegmentTemplate initialization="" media="subs/$Number$.vtt" duration="4"/>
      <Representation id="t-it" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`

const liveMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic"
     availabilityStartTime="2024-01-01T00:00:00Z" publishTime="2024-01-01T00:01:00Z"
     minimumUpdatePeriod="PT4S" timeShiftBufferDepth="PT20S" minBufferTime="PT4S" maxSegmentDuration="PT4S">
  <BaseURL>https://cdn.example.com/live/</BaseURL>
  <Period id="live" start="PT0S">
    <AdaptationSet contentType="video" mimeType="video/mp4" codecs="avc1.4d401f">
      <SegmentTemplate timescale="1" initialization="$RepresentationID$-init.mp4" media="$RepresentationID$-$Number$.m4s" startNumber="100" duration="4"/>
      <Representation id="hd" bandwidth="3000000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func newTestParser(opts ...Option) *Parser {
	return NewParser(logger.Nop(), opts...)
}

func TestParse_Static(t *testing.T) {
	var warnings []*taperr.Error
	p := newTestParser(
		WithTypeSupport(func(mc string) bool { return !strings.Contains(mc, "hvc1") }),
		WithWarningHandler(func(e *taperr.Error) { warnings = append(warnings, e) }),
	)

	m, err := p.Parse([]byte(staticMPD), "https://media.example.com/vod/manifest.mpd")
	require.NoError(t, err)

	assert.Equal(t, models.Static, m.Type)
	assert.Equal(t, 8.0, m.MediaPresentationDuration)
	assert.Equal(t, 2.0, m.MinBufferTime)
	require.Len(t, m.Periods, 1)

	period := m.Periods[0]
	assert.Equal(t, "p0", period.ID)
	assert.Equal(t, 8.0, period.Duration)
	require.Len(t, period.Video, 1)
	require.Len(t, period.Audio, 1)
	require.Len(t, period.Text, 1)

	video := period.Video[0]
	require.Len(t, video.Representations, 2, "hevc representation is skipped")
	assert.Equal(t, "v500", video.Representations[0].ID)
	assert.Equal(t, 1500000, video.MaxBandwidth)
	require.Len(t, warnings, 1)
	assert.Equal(t, taperr.SeverityWarn, warnings[0].Severity)

	segs := video.Representations[1].Segments
	require.Len(t, segs, 5)
	assert.NoError(t, models.ValidateSegments(segs))
	assert.Equal(t, "https://media.example.com/vod/v1500/init.mp4", segs[0].URL)
	assert.Equal(t, "https://media.example.com/vod/v1500/4000.m4s", segs[3].URL)
	assert.Equal(t, 4.0, segs[3].Time)
	assert.Equal(t, 2.0, segs[3].Duration)
	assert.Equal(t, []models.InbandEventStream{{SchemeIDURI: "urn:scte:scte35:2013:bin"}}, segs[1].InbandEventStreams)

	audio := period.Audio[0].Representations[0]
	require.Len(t, audio.Segments, 5)
	assert.Equal(t, "https://media.example.com/vod/a/00003.m4s", audio.Segments[3].URL)
	assert.Equal(t, 4.0, audio.Segments[3].Time)
	assert.Equal(t, `audio/mp4; codecs="mp4a.40.2"`, audio.MimeCodec())

	text := period.Text[0]
	assert.Equal(t, models.Text, text.ContentType)
	assert.Equal(t, "it", text.Lang)
	assert.Len(t, text.Representations[0].Segments, 3)

	require.Len(t, m.ContentProtections, 1)
	cp := m.ContentProtections[0]
	assert.Equal(t, KeySystemClearKey, cp.KeySystem)
	assert.Equal(t, "0737b75ee8906c00bb7bb8f666da72a0", cp.KeyID)
	assert.NotEmpty(t, cp.InitData)
}

func TestParse_LiveNumbering(t *testing.T) {
	m, err := newTestParser().Parse([]byte(liveMPD), "https://origin.example.com/live/manifest.mpd")
	require.NoError(t, err)

	assert.True(t, m.IsLive())
	assert.Equal(t, 60.0, m.PublishTime-m.AvailabilityStartTime)
	assert.Equal(t, 4.0, m.MinimumUpdatePeriod)

	rep := m.Periods[0].Video[0].Representations[0]
	// 60s elapsed, 20s window: segments 10..14 of 4s each.
	require.Len(t, rep.Segments, 6)
	first := rep.Segments[1]
	last := rep.Segments[5]
	assert.Equal(t, 40.0, first.Time)
	assert.Equal(t, 56.0, last.Time)
	assert.Equal(t, "https://cdn.example.com/live/hd-110.m4s", first.URL)
	assert.Equal(t, "https://cdn.example.com/live/hd-init.mp4", rep.Segments[0].URL)
}

func TestParse_LiveWithoutPublishTimeUsesClock(t *testing.T) {
	mpd := strings.Replace(liveMPD, `publishTime="2024-01-01T00:01:00Z"`, "", 1)
	clock := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC) }

	m, err := newTestParser(WithClock(clock)).Parse([]byte(mpd), "https://origin.example.com/live/manifest.mpd")
	require.NoError(t, err)

	rep := m.Periods[0].Video[0].Representations[0]
	last, ok := rep.LastSegment()
	require.True(t, ok)
	assert.Equal(t, 24.0, last.Time)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code taperr.Code
	}{
		{name: "malformed xml", raw: "<MPD><Period>", code: taperr.ManifestParse},
		{name: "unsupported type", raw: `<MPD type="hybrid"></MPD>`, code: taperr.ManifestTypeUnsupported},
		{name: "bad duration", raw: `<MPD minBufferTime="PTXS"></MPD>`, code: taperr.ManifestParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestParser().Parse([]byte(tt.raw), "https://x.example/m.mpd")
			require.Error(t, err)
			assert.Equal(t, tt.code, taperr.CodeOf(err))
			assert.True(t, taperr.IsFatal(err))
		})
	}
}

func TestParse_MultiPeriodBounds(t *testing.T) {
	raw := `<MPD type="static" mediaPresentationDuration="PT10S">
  <Period id="a" duration="PT4S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" media="a$Number$.m4s" initialization="a.mp4" duration="2"/>
      <Representation id="v" bandwidth="1"/>
    </AdaptationSet>
  </Period>
  <Period id="b">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" media="b$Number$.m4s" initialization="b.mp4" duration="2"/>
      <Representation id="v" bandwidth="1"/>
    </AdaptationSet>
  </Period>
</MPD>`
	m, err := newTestParser().Parse([]byte(raw), "https://x.example/m.mpd")
	require.NoError(t, err)

	got := []models.TimeRange{}
	for _, p := range m.Periods {
		got = append(got, models.TimeRange{Start: p.Start, End: p.End()})
	}
	want := []models.TimeRange{{Start: 0, End: 4}, {Start: 4, End: 10}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("period bounds mismatch (-want +got):\n%s", diff)
	}

	second := m.Periods[1].Video[0].Representations[0].Segments
	assert.Equal(t, 4.0, second[0].Time, "init segment sits at the period start")
	assert.Equal(t, 4.0, second[1].Time)
	assert.Equal(t, 8.0, second[3].Time)
	assert.Equal(t, 4.0, second[1].PeriodStart)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"PT8S", 8},
		{"PT12.00S", 12},
		{"PT1H2M3.5S", 3723.5},
		{"P1DT1S", 86401},
		{"PT0S", 0},
		{"", 0},
		{"5s", 5},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		assert.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
	_, err := parseDuration("P1X")
	assert.Error(t, err)
}

func TestFillTemplate(t *testing.T) {
	v := templateVars{RepresentationID: "v1", Bandwidth: 500000, Number: 7, Time: 90000}
	assert.Equal(t, "v1/500000/00007-90000.m4s", fillTemplate("$RepresentationID$/$Bandwidth$/$Number%05d$-$Time$.m4s", v))
	assert.Equal(t, "cost$7", fillTemplate("cost$$$Number$", v))
}
