package transport

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/king-prawns/Tape/internal/cdn"
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/loop"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identity struct{}

func (identity) URL(raw string) string { return raw }

type recorder struct {
	errors    []*taperr.Error
	requests  []events.HTTPRequest
	responses []events.HTTPResponse
	changes   []string
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	events.On(bus, func(p events.Error, _ events.Event) { r.errors = append(r.errors, p.Err) })
	events.On(bus, func(p events.HTTPRequest, _ events.Event) { r.requests = append(r.requests, p) })
	events.On(bus, func(p events.HTTPResponse, _ events.Event) { r.responses = append(r.responses, p) })
	events.On(bus, func(p events.CDNChange, _ events.Event) { r.changes = append(r.changes, p.Origin) })
	return r
}

func (r *recorder) codes() []taperr.Code {
	out := make([]taperr.Code, 0, len(r.errors))
	for _, e := range r.errors {
		out = append(out, e.Code)
	}
	return out
}

func testConfig(retry int) config.TransportConfig {
	return config.TransportConfig{Retry: retry, Timeout: time.Second, RetryDelay: time.Millisecond, UserAgent: "tape-test"}
}

func drainUntil(t *testing.T, m *loop.Manual, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		m.Drain()
		return cond()
	}, 3*time.Second, 5*time.Millisecond)
}

func TestTransport_Success(t *testing.T) {
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.UserAgent())
		fmt.Fprint(w, "segment data")
	}))
	defer server.Close()

	sched := loop.NewManual()
	bus := events.NewBus(nil)
	rec := record(bus)
	tr := New(sched, bus, identity{}, testConfig(3), logger.Nop())

	var got *Response
	id := tr.Request(Request{URL: server.URL + "/v/1.m4s", Type: events.RequestVideoSegment}, func(r Response) { got = &r })
	assert.True(t, tr.Pending(id))
	require.Len(t, rec.requests, 1, "HTTP_REQUEST is emitted when the request starts")

	drainUntil(t, sched, func() bool { return got != nil })
	assert.Equal(t, "segment data", string(got.Data))
	assert.False(t, tr.Pending(id))
	require.Len(t, rec.responses, 1)
	assert.Equal(t, events.RequestVideoSegment, rec.responses[0].RequestType)
	assert.GreaterOrEqual(t, rec.responses[0].Elapsed, 0.0)
	assert.Equal(t, "tape-test", userAgent.Load())
	assert.Empty(t, rec.errors)

	tr.Close()
	tr.Wait()
}

func TestTransport_RetryThenSuccess(t *testing.T) {
	var count int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	sched := loop.NewManual()
	bus := events.NewBus(nil)
	rec := record(bus)
	tr := New(sched, bus, identity{}, testConfig(3), logger.Nop())
	defer tr.Wait()
	defer tr.Close()

	done := false
	tr.Request(Request{URL: server.URL, Type: events.RequestAudioSegment}, func(Response) { done = true })

	drainUntil(t, sched, func() bool { return done })
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
	assert.Equal(t, []taperr.Code{taperr.XHRLoad, taperr.XHRLoad}, rec.codes(), "every failed attempt is reported")
	for _, e := range rec.errors {
		assert.Equal(t, taperr.SeverityError, e.Severity)
	}
}

func TestTransport_TimeoutThenExhausted(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	sched := loop.NewManual()
	bus := events.NewBus(nil)
	rec := record(bus)
	cfg := testConfig(1)
	cfg.Timeout = 50 * time.Millisecond
	tr := New(sched, bus, identity{}, cfg, logger.Nop())
	defer tr.Wait()
	defer tr.Close()

	id := tr.Request(Request{URL: server.URL, Type: events.RequestVideoSegment}, nil)

	drainUntil(t, sched, func() bool { return len(rec.errors) == 2 })
	assert.Equal(t, []taperr.Code{taperr.XHRTimeout, taperr.XHRRetry}, rec.codes())
	assert.True(t, tr.Pending(id), "exhausted requests wait for a CDN change")
}

func TestTransport_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	sched := loop.NewManual()
	bus := events.NewBus(nil)
	rec := record(bus)
	tr := New(sched, bus, identity{}, testConfig(1), logger.Nop())
	defer tr.Wait()
	defer tr.Close()

	tr.Request(Request{URL: addr + "/seg", Type: events.RequestVideoSegment}, nil)
	drainUntil(t, sched, func() bool { return len(rec.errors) == 2 })
	assert.Equal(t, []taperr.Code{taperr.XHRNetwork, taperr.XHRRetry}, rec.codes())
}

func TestTransport_LicenseFailureIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	sched := loop.NewManual()
	bus := events.NewBus(nil)
	rec := record(bus)
	tr := New(sched, bus, identity{}, testConfig(2), logger.Nop())
	defer tr.Wait()
	defer tr.Close()

	id := tr.Request(Request{URL: server.URL, Type: events.RequestLicense, Method: http.MethodPost, Body: []byte(`{}`)}, nil)
	drainUntil(t, sched, func() bool { return len(rec.errors) == 3 })

	last := rec.errors[2]
	assert.Equal(t, taperr.LicenseRequestFailed, last.Code)
	assert.Equal(t, taperr.SeverityFatal, last.Severity)
	assert.False(t, tr.Pending(id))
}

func TestTransport_AbortDropsLateResult(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	sched := loop.NewManual()
	bus := events.NewBus(nil)
	rec := record(bus)
	tr := New(sched, bus, identity{}, testConfig(3), logger.Nop())

	called := false
	id := tr.Request(Request{URL: server.URL, Type: events.RequestVideoSegment}, func(Response) { called = true })
	<-started

	tr.Abort(id)
	require.Equal(t, []taperr.Code{taperr.XHRAbort}, rec.codes(), "abort is reported synchronously")
	assert.Equal(t, taperr.SeverityWarn, rec.errors[0].Severity)
	assert.False(t, tr.Pending(id))

	tr.Close()
	tr.Wait()
	sched.Drain()
	assert.False(t, called)
	assert.Empty(t, rec.responses)
	assert.Len(t, rec.errors, 1)
}

func TestTransport_ReissuesOnCDNChange(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	var path atomic.Value
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.RequestURI())
		_, _ = io.WriteString(w, "from backup")
	}))
	defer healthy.Close()

	sched := loop.NewManual()
	bus := events.NewBus(nil)
	rec := record(bus)
	cdns := cdn.New(broken.URL+"/vod/manifest.mpd", []string{healthy.URL}, bus, logger.Nop())
	defer cdns.Close()
	tr := New(sched, bus, cdns, testConfig(2), logger.Nop())
	defer tr.Wait()
	defer tr.Close()

	var got *Response
	tr.Request(Request{URL: broken.URL + "/vod/seg-3.m4s?t=1", Type: events.RequestVideoSegment}, func(r Response) { got = &r })

	drainUntil(t, sched, func() bool { return got != nil })
	assert.Equal(t, []taperr.Code{taperr.XHRLoad, taperr.XHRLoad, taperr.XHRRetry}, rec.codes())
	assert.Equal(t, []string{healthy.URL}, rec.changes)
	assert.Equal(t, healthy.URL+"/vod/seg-3.m4s?t=1", got.URL)
	assert.Equal(t, "/vod/seg-3.m4s?t=1", path.Load())
	assert.Equal(t, "from backup", string(got.Data))
	require.Len(t, rec.requests, 2)
	assert.Equal(t, healthy.URL+"/vod/seg-3.m4s?t=1", rec.requests[1].URL)
}
