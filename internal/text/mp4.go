package text

import (
	"bytes"
	"fmt"

	"github.com/abema/go-mp4"
)

type sample struct {
	start    uint64
	duration uint32
	data     []byte
}

type fragment struct {
	samples []sample
}

func readTimescale(data []byte) (uint32, error) {
	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(data), nil,
		mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()})
	if err != nil {
		return 0, fmt.Errorf("read mdhd: %w", err)
	}
	if len(boxes) == 0 {
		return 0, fmt.Errorf("init segment without mdhd")
	}
	return boxes[0].Payload.(*mp4.Mdhd).Timescale, nil
}

// readMdat concatenates the payload of every top level mdat box.
func readMdat(data []byte) ([]byte, error) {
	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(data), nil, mp4.BoxPath{mp4.BoxTypeMdat()})
	if err != nil {
		return nil, fmt.Errorf("read mdat: %w", err)
	}
	var out []byte
	for _, b := range boxes {
		out = append(out, b.Payload.(*mp4.Mdat).Data...)
	}
	return out, nil
}

// readFragment splits the mdat of a single track fragment into timed
// samples using tfdt, tfhd and trun.
func readFragment(data []byte) (fragment, error) {
	boxes, err := mp4.ExtractBoxesWithPayload(bytes.NewReader(data), nil, []mp4.BoxPath{
		{mp4.BoxTypeMoof(), mp4.BoxTypeTraf(), mp4.BoxTypeTfdt()},
		{mp4.BoxTypeMoof(), mp4.BoxTypeTraf(), mp4.BoxTypeTfhd()},
		{mp4.BoxTypeMoof(), mp4.BoxTypeTraf(), mp4.BoxTypeTrun()},
		{mp4.BoxTypeMdat()},
	})
	if err != nil {
		return fragment{}, fmt.Errorf("read fragment: %w", err)
	}

	var (
		base            uint64
		defaultDuration uint32
		trun            *mp4.Trun
		payload         []byte
	)
	for _, b := range boxes {
		switch box := b.Payload.(type) {
		case *mp4.Tfdt:
			base = box.GetBaseMediaDecodeTime()
		case *mp4.Tfhd:
			defaultDuration = box.DefaultSampleDuration
		case *mp4.Trun:
			trun = box
		case *mp4.Mdat:
			payload = append(payload, box.Data...)
		}
	}
	if trun == nil || payload == nil {
		return fragment{}, nil
	}

	var (
		frag    fragment
		current = base
		offset  int
	)
	for _, e := range trun.Entries {
		duration := e.SampleDuration
		if duration == 0 {
			duration = defaultDuration
		}
		start := current
		if cto := compositionOffset(trun, e); cto != 0 {
			start = uint64(int64(base) + cto)
		}
		current = start + uint64(duration)

		size := int(e.SampleSize)
		if size == 0 || offset+size > len(payload) {
			size = len(payload) - offset
		}
		frag.samples = append(frag.samples, sample{start: start, duration: duration, data: payload[offset : offset+size]})
		offset += size
	}
	return frag, nil
}

func compositionOffset(trun *mp4.Trun, e mp4.TrunEntry) int64 {
	if trun.GetVersion() == 0 {
		return int64(e.SampleCompositionTimeOffsetV0)
	}
	return int64(e.SampleCompositionTimeOffsetV1)
}

// readVTTCues returns the payl text of every vttc box in a wvtt sample.
// vtte boxes are empty cues and are skipped.
func readVTTCues(sample []byte) ([]string, error) {
	vttc := mp4.StrToBoxType("vttc")
	payl := mp4.StrToBoxType("payl")

	var texts []string
	_, err := mp4.ReadBoxStructure(bytes.NewReader(sample), func(h *mp4.ReadHandle) (interface{}, error) {
		if h.BoxInfo.Type != vttc {
			return nil, nil
		}
		var raw bytes.Buffer
		if _, err := h.ReadData(&raw); err != nil {
			return nil, err
		}
		_, err := mp4.ReadBoxStructure(bytes.NewReader(raw.Bytes()), func(inner *mp4.ReadHandle) (interface{}, error) {
			if inner.BoxInfo.Type != payl {
				return nil, nil
			}
			var text bytes.Buffer
			if _, err := inner.ReadData(&text); err != nil {
				return nil, err
			}
			texts = append(texts, text.String())
			return nil, nil
		})
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("read wvtt sample: %w", err)
	}
	return texts, nil
}
