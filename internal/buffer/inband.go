package buffer

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/abema/go-mp4"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/models"
)

// InitDataTypeCENC marks init data made of concatenated pssh boxes.
const InitDataTypeCENC = "cenc"

// readEmsg returns the emsg boxes of a media segment whose scheme is one of
// the declared inband event streams. Presentation times are moved onto the
// presentation timeline.
func readEmsg(seg models.DataSegment) ([]events.Emsg, error) {
	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(seg.Data), nil, mp4.BoxPath{mp4.BoxTypeEmsg()})
	if err != nil {
		return nil, fmt.Errorf("read emsg: %w", err)
	}

	var out []events.Emsg
	for _, b := range boxes {
		emsg := b.Payload.(*mp4.Emsg)
		declared := slices.ContainsFunc(seg.InbandEventStreams, func(s models.InbandEventStream) bool {
			return s.SchemeIDURI == emsg.SchemeIdUri
		})
		if !declared || emsg.Timescale == 0 {
			continue
		}

		var at float64
		if emsg.GetVersion() == 0 {
			at = seg.Time + float64(emsg.PresentationTimeDelta)/float64(emsg.Timescale)
		} else {
			at = float64(emsg.PresentationTime)/float64(emsg.Timescale) + seg.TimestampOffset()
		}
		out = append(out, events.Emsg{
			SchemeIDURI:      emsg.SchemeIdUri,
			Value:            emsg.Value,
			Timescale:        emsg.Timescale,
			PresentationTime: at,
			EventDuration:    emsg.EventDuration,
			ID:               emsg.Id,
			MessageData:      emsg.MessageData,
		})
	}
	return out, nil
}

// readPSSH returns the raw pssh boxes of an init segment, concatenated, or
// nil when there are none.
func readPSSH(data []byte) ([]byte, error) {
	infos, err := mp4.ExtractBoxes(bytes.NewReader(data), nil, []mp4.BoxPath{
		{mp4.BoxTypeMoov(), mp4.BoxTypePssh()},
		{mp4.BoxTypePssh()},
	})
	if err != nil {
		return nil, fmt.Errorf("read pssh: %w", err)
	}
	var out []byte
	for _, bi := range infos {
		end := bi.Offset + bi.Size
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("pssh box at %d overruns segment", bi.Offset)
		}
		out = append(out, data[bi.Offset:end]...)
	}
	return out, nil
}
