package text

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func fullBox(typ string, version byte, flags uint32, payload ...[]byte) []byte {
	header := binary.BigEndian.AppendUint32(nil, uint32(version)<<24|flags)
	return box(typ, append([][]byte{header}, payload...)...)
}

func u32(vs ...uint32) []byte {
	var out []byte
	for _, v := range vs {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out
}

func initSegment(timescale uint32) []byte {
	mdhd := fullBox("mdhd", 0, 0, u32(0, 0, timescale, 0), []byte{0x55, 0xc4, 0, 0})
	return box("moov", box("trak", box("mdia", mdhd)))
}

// buildFragment builds moof/mdat with one trun entry per sample.
func buildFragment(base uint64, defaultDuration uint32, durations []uint32, samples ...[]byte) []byte {
	tfdt := fullBox("tfdt", 1, 0, binary.BigEndian.AppendUint64(nil, base))
	tfhd := fullBox("tfhd", 0, 0x000008, u32(1, defaultDuration))

	entries := u32(uint32(len(samples)))
	for i, s := range samples {
		entries = append(entries, u32(durations[i], uint32(len(s)))...)
	}
	trun := fullBox("trun", 0, 0x000100|0x000200, entries)

	var mdat []byte
	for _, s := range samples {
		mdat = append(mdat, s...)
	}
	return append(box("moof", box("traf", tfhd, tfdt, trun)), box("mdat", mdat)...)
}

func TestNew(t *testing.T) {
	for codecs, want := range map[string]any{
		"wvtt":           &WebVTT{},
		"":               &WebVTT{},
		"stpp":           &TTML{},
		"stpp.ttml.im1t": &TTML{},
	} {
		p, err := New(codecs)
		require.NoError(t, err, codecs)
		assert.IsType(t, want, p, codecs)
	}
	_, err := New("tx3g")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestWebVTT_ParseText(t *testing.T) {
	doc := "\xef\xbb\xbfWEBVTT\r\n\r\nNOTE a comment\r\n\r\n" +
		"intro\r\n00:00:01.000 --> 00:00:03.500 align:start\r\nHello\r\nworld\r\n\r\n" +
		"01:02.000 --> 01:04.000\nSecond\n"

	cues, err := (&WebVTT{}).ParseText([]byte(doc), 7)
	require.NoError(t, err)
	require.Len(t, cues, 2)

	assert.Equal(t, Cue{ID: "7_intro", SubtitleID: 7, Position: 0, Begin: 1, End: 3.5, Text: "Hello\nworld"}, cues[0])
	assert.Equal(t, "7_1", cues[1].ID)
	assert.Equal(t, 62.0, cues[1].Begin)
	assert.Equal(t, 64.0, cues[1].End)
}

func TestWebVTT_ParseTextErrors(t *testing.T) {
	_, err := (&WebVTT{}).ParseText([]byte("WEBVTT\n\n00:xx --> 00:01.000\nbad"), 1)
	assert.Error(t, err)

	cues, err := (&WebVTT{}).ParseText(nil, 1)
	require.NoError(t, err)
	assert.Empty(t, cues)
}

func TestWebVTT_ParseMP4(t *testing.T) {
	p := &WebVTT{}
	_, err := p.ParseMP4(buildFragment(0, 0, nil), 1, false)
	require.Error(t, err, "fragments need the init timescale")

	cues, err := p.ParseMP4(initSegment(1000), 0, true)
	require.NoError(t, err)
	assert.Empty(t, cues)
	require.Equal(t, uint32(1000), p.Timescale())

	first := box("vttc", box("payl", []byte("first")))
	empty := box("vtte")
	second := box("vttc", box("sttg", []byte("align:end")), box("payl", []byte("second")))
	cues, err = p.ParseMP4(buildFragment(4000, 500, []uint32{2000, 0, 1000}, first, empty, second), 3, false)
	require.NoError(t, err)
	require.Len(t, cues, 2)

	assert.Equal(t, "first", cues[0].Text)
	assert.Equal(t, 4.0, cues[0].Begin)
	assert.Equal(t, 6.0, cues[0].End)
	assert.Equal(t, "second", cues[1].Text)
	assert.Equal(t, 6.5, cues[1].Begin, "empty cue used the default duration")
	assert.Equal(t, 7.5, cues[1].End)
	assert.Equal(t, 3, cues[1].SubtitleID)
}

const ttmlDoc = `<?xml version="1.0" encoding="UTF-8"?>
<tt xmlns="http://www.w3.org/ns/ttml" xmlns:tts="http://www.w3.org/ns/ttml#styling"
    xmlns:ttp="http://www.w3.org/ns/ttml#parameter" xml:lang="en" ttp:tickRate="10000000">
  <head>
    <styling>
      <style xml:id="s1" tts:color="white" tts:backgroundColor="black" tts:fontSize="100%" tts:textAlign="center"/>
    </styling>
    <layout>
      <region xml:id="bottom" style="s1" tts:origin="10% 80%" tts:extent="80% 20%" tts:displayAlign="after"/>
    </layout>
  </head>
  <body>
    <div>
      <p begin="00:00:01.000" end="00:00:02.500" region="bottom">Line one<br/>line <span tts:color="red">two</span></p>
      <p begin="30000000t" end="4s">Ticks</p>
      <p begin="00:00:05:15" end="6500ms">Frames</p>
    </div>
  </body>
</tt>`

func TestTTML_ParseText(t *testing.T) {
	cues, err := (&TTML{}).ParseText([]byte(ttmlDoc), 2)
	require.NoError(t, err)
	require.Len(t, cues, 3)

	first := cues[0]
	assert.Equal(t, "1_2.5_0", first.ID)
	assert.Equal(t, "Line one\nline two", first.Text)
	assert.Equal(t, "en", first.Lang)
	require.NotNil(t, first.Region)
	assert.Equal(t, "after", first.Region.DisplayAlign)
	require.NotNil(t, first.Region.Style)
	assert.Equal(t, "white", first.Region.Style.Color)

	assert.Equal(t, 3.0, cues[1].Begin)
	assert.Equal(t, 4.0, cues[1].End)
	assert.Nil(t, cues[1].Region)

	assert.InDelta(t, 5.5, cues[2].Begin, 1e-9)
	assert.InDelta(t, 6.5, cues[2].End, 1e-9)
}

func TestTTML_ParseMP4(t *testing.T) {
	p := &TTML{}
	cues, err := p.ParseMP4(box("moov"), 0, true)
	require.NoError(t, err)
	assert.Empty(t, cues)

	seg := append(box("moof"), box("mdat", []byte(ttmlDoc))...)
	cues, err = p.ParseMP4(seg, 1, false)
	require.NoError(t, err)
	assert.Len(t, cues, 3)
}

func TestTTML_Errors(t *testing.T) {
	_, err := (&TTML{}).ParseText([]byte(`<tt><body><p begin="soon" end="1s">x</p></body></tt>`), 1)
	assert.Error(t, err)

	_, err = (&TTML{}).ParseText([]byte(`<tt><body><p`), 1)
	assert.Error(t, err)
}

func TestTimeExpressions(t *testing.T) {
	tm := timing{frameRate: 25, tickRate: 1000}
	tests := map[string]float64{
		"01:00:00":    3600,
		"00:01:30.5":  90.5,
		"00:00:01:10": 1.4,
		"1.5h":        5400,
		"2m":          120,
		"250ms":       0.25,
		"50f":         2,
		"500t":        0.5,
	}
	for expr, want := range tests {
		got, err := tm.parse(expr)
		require.NoError(t, err, expr)
		assert.InDelta(t, want, got, 1e-9, expr)
	}
	_, err := tm.parse("")
	assert.Error(t, err)
	_, err = tm.parse("12x")
	assert.Error(t, err)
}
