package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSegments(t *testing.T) {
	good := []Segment{{ID: 0}, {ID: 1, Time: 0}, {ID: 2, Time: 2}, {ID: 3, Time: 4}}
	assert.NoError(t, ValidateSegments(good))
	assert.NoError(t, ValidateSegments(nil))

	tests := []struct {
		name string
		segs []Segment
	}{
		{name: "missing init", segs: []Segment{{ID: 1}}},
		{name: "gap in ids", segs: []Segment{{ID: 0}, {ID: 1}, {ID: 3}}},
		{name: "time goes back", segs: []Segment{{ID: 0}, {ID: 1, Time: 4}, {ID: 2, Time: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateSegments(tt.segs), ErrSegmentOrder)
		})
	}
}

func TestMimeCodec(t *testing.T) {
	assert.Equal(t, `video/mp4; codecs="avc1.4d401f"`, MimeCodec("video/mp4", "avc1.4d401f"))
	assert.Equal(t, "text/vtt", MimeCodec("text/vtt", ""))
}

func TestTimeRangeAt(t *testing.T) {
	ranges := []TimeRange{{Start: 0, End: 10}, {Start: 20, End: 30}}

	r, ok := TimeRangeAt(ranges, 25)
	assert.True(t, ok)
	assert.Equal(t, TimeRange{Start: 20, End: 30}, r)

	_, ok = TimeRangeAt(ranges, 15)
	assert.False(t, ok)

	b, ok := Bounds(ranges)
	assert.True(t, ok)
	assert.Equal(t, 0.0, b.Start)
	assert.Equal(t, 30.0, b.End)
}

func TestAdaptationSet_SortRepresentations(t *testing.T) {
	as := &AdaptationSet{Representations: []*Representation{
		{ID: "hi", Bandwidth: 3000},
		{ID: "lo", Bandwidth: 100},
		{ID: "mid", Bandwidth: 800},
	}}
	as.SortRepresentations()

	assert.Equal(t, "lo", as.Representations[0].ID)
	assert.Equal(t, "hi", as.Representations[2].ID)
	assert.Equal(t, 100, as.MinBandwidth)
	assert.Equal(t, 3000, as.MaxBandwidth)
}

func TestPeriod_Contains(t *testing.T) {
	p := &Period{Start: 10, Duration: 5}
	assert.True(t, p.Contains(10))
	assert.True(t, p.Contains(15))
	assert.False(t, p.Contains(15.1))
	assert.NoError(t, p.AddAdaptationSet(&AdaptationSet{ID: "v", ContentType: Video}))
	assert.Error(t, p.AddAdaptationSet(&AdaptationSet{ID: "x", ContentType: "image"}))
	assert.Len(t, p.AdaptationSets(Video), 1)
}
