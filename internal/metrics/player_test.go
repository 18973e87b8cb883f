package metrics

import (
	"testing"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecord(t *testing.T) {
	bus := events.NewBus(nil)
	sub := Attach(bus)
	defer bus.Unsubscribe(sub)

	videoBefore := testutil.ToFloat64(SegmentsDownloadedTotal.WithLabelValues("video"))
	bytesBefore := testutil.ToFloat64(DownloadedBytesTotal.WithLabelValues("video_segment"))
	errBefore := testutil.ToFloat64(ErrorsTotal.WithLabelValues("XHR_LOAD", "ERROR"))
	cdnBefore := testutil.ToFloat64(CDNChangesTotal)

	bus.Emit(events.HTTPResponse{RequestType: events.RequestVideoSegment, Data: make([]byte, 1000), Elapsed: 0.5})
	bus.Emit(events.HTTPResponse{RequestType: events.RequestManifest, Data: []byte("<MPD/>"), Elapsed: 0.1})
	bus.Emit(events.Error{Err: taperr.New(taperr.XHRLoad, taperr.SeverityError, "503")})
	bus.Emit(events.CDNChange{Origin: "https://b.example"})
	bus.Emit(events.EstimatedBandwidth{BitsPerSecond: 16000})

	assert.Equal(t, videoBefore+1, testutil.ToFloat64(SegmentsDownloadedTotal.WithLabelValues("video")))
	assert.Equal(t, bytesBefore+1000, testutil.ToFloat64(DownloadedBytesTotal.WithLabelValues("video_segment")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(ErrorsTotal.WithLabelValues("XHR_LOAD", "ERROR")))
	assert.Equal(t, cdnBefore+1, testutil.ToFloat64(CDNChangesTotal))
	assert.Equal(t, 16000.0, testutil.ToFloat64(EstimatedBandwidth))
}
