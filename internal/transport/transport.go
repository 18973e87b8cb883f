// Package transport performs the player's HTTP requests off the loop and
// reports every outcome back onto it as events.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/loop"
	"github.com/king-prawns/Tape/internal/taperr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// URLRewriter maps a request URL onto the active origin. An empty result
// means no origin is left to try.
type URLRewriter interface {
	URL(raw string) string
}

// ID identifies an in-flight request.
type ID uint64

// Request describes one HTTP exchange.
type Request struct {
	URL    string
	Type   events.RequestType
	Method string
	Body   []byte
	Header http.Header
}

// Response is delivered on the loop when a request succeeds.
type Response struct {
	URL     string
	Data    []byte
	Elapsed time.Duration
}

type pending struct {
	id        ID
	req       Request
	onSuccess func(Response)
	cancel    context.CancelFunc
	gen       uint64
	exhausted bool
}

// Transport issues requests with retries. Request, Abort and the success
// callbacks all run on the loop goroutine.
type Transport struct {
	sched  loop.Scheduler
	bus    *events.Bus
	client *http.Client
	cdn    URLRewriter
	cfg    config.TransportConfig
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextID  ID
	pending map[ID]*pending
	sub     events.Subscription
}

// Option customises a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// New creates a transport. Exhausted requests are re-issued on CDN_CHANGE.
func New(sched loop.Scheduler, bus *events.Bus, cdn URLRewriter, cfg config.TransportConfig, log logger.Logger, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		sched:   sched,
		bus:     bus,
		cdn:     cdn,
		cfg:     cfg,
		logger:  logger.WithComponent(log, "transport"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[ID]*pending),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.Timeout,
				MaxIdleConnsPerHost:   8,
			}),
		}
	}
	if t.cfg.Retry < 1 {
		t.cfg.Retry = 1
	}
	t.sub = events.On(bus, func(events.CDNChange, events.Event) { t.reissue() })
	return t
}

// Request starts req and returns its ID. onSuccess runs on the loop.
func (t *Transport) Request(req Request, onSuccess func(Response)) ID {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	t.nextID++
	p := &pending{id: t.nextID, req: req, onSuccess: onSuccess}
	t.pending[p.id] = p
	t.start(p)
	return p.id
}

// Abort cancels an in-flight request and emits XHR_ABORT. Late results for
// it are discarded.
func (t *Transport) Abort(id ID) {
	p, ok := t.pending[id]
	if !ok {
		return
	}
	delete(t.pending, id)
	if p.cancel != nil {
		p.cancel()
	}
	t.logger.Debugf("Aborted %s request %s", p.req.Type, p.req.URL)
	t.bus.Emit(events.Error{Err: taperr.New(taperr.XHRAbort, taperr.SeverityWarn, fmt.Sprintf("request aborted: %s", p.req.URL))})
}

// Pending reports whether id is still in flight or awaiting a CDN change.
func (t *Transport) Pending(id ID) bool {
	_, ok := t.pending[id]
	return ok
}

// Close cancels every request. It runs on the loop and does not wait for
// the workers; call Wait once the loop has stopped.
func (t *Transport) Close() {
	t.bus.Unsubscribe(t.sub)
	t.cancel()
	t.pending = make(map[ID]*pending)
}

// Wait blocks until every worker goroutine has returned, then drops idle
// connections.
func (t *Transport) Wait() {
	t.wg.Wait()
	t.client.CloseIdleConnections()
}

func (t *Transport) start(p *pending) {
	target := t.cdn.URL(p.req.URL)
	if target == "" {
		p.exhausted = true
		return
	}
	p.gen++
	p.exhausted = false
	ctx, cancel := context.WithCancel(t.ctx)
	p.cancel = cancel

	t.bus.Emit(events.HTTPRequest{URL: target, RequestType: p.req.Type})

	t.wg.Add(1)
	go t.run(ctx, p.id, p.gen, target, p.req)
}

func (t *Transport) reissue() {
	for _, p := range t.pending {
		if p.exhausted {
			t.logger.Debugf("Re-issuing %s request %s", p.req.Type, p.req.URL)
			t.start(p)
		}
	}
}

// current reports whether a completion from generation gen of id is still
// relevant.
func (t *Transport) current(id ID, gen uint64) (*pending, bool) {
	p, ok := t.pending[id]
	if !ok || p.gen != gen {
		return nil, false
	}
	return p, true
}

func (t *Transport) run(ctx context.Context, id ID, gen uint64, target string, req Request) {
	defer t.wg.Done()
	started := time.Now()

	op := func() ([]byte, error) {
		data, err := t.attempt(ctx, target, req)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		code := classify(err)
		t.sched.Post(func() {
			if _, ok := t.current(id, gen); ok {
				t.bus.Emit(events.Error{Err: taperr.Wrap(code, taperr.SeverityError, err)})
			}
		})
		return nil, err
	}

	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(t.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(t.cfg.Retry)),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.logger.Debugf("Retrying %s in %s: %v", target, next, err)
		}),
	)
	elapsed := time.Since(started)

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.sched.Post(func() { t.exhaust(id, gen, target, err) })
		return
	}
	t.sched.Post(func() {
		p, ok := t.current(id, gen)
		if !ok {
			return
		}
		delete(t.pending, id)
		p.cancel()
		t.bus.Emit(events.HTTPResponse{URL: target, RequestType: req.Type, Data: data, Elapsed: elapsed.Seconds()})
		if p.onSuccess != nil {
			p.onSuccess(Response{URL: target, Data: data, Elapsed: elapsed})
		}
	})
}

func (t *Transport) exhaust(id ID, gen uint64, target string, cause error) {
	p, ok := t.current(id, gen)
	if !ok {
		return
	}
	p.exhausted = true
	p.cancel()
	t.logger.Warnf("Request %s failed after %d attempts: %v", target, t.cfg.Retry, cause)

	if p.req.Type == events.RequestLicense {
		delete(t.pending, id)
		t.bus.Emit(events.Error{Err: taperr.Wrap(taperr.LicenseRequestFailed, taperr.SeverityFatal, cause)})
		return
	}
	t.bus.Emit(events.Error{Err: taperr.Wrap(taperr.XHRRetry, taperr.SeverityError, cause)})
}

// statusError reports a non-2xx response.
type statusError struct {
	URL    string
	Status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

func (t *Transport) attempt(ctx context.Context, target string, req Request) ([]byte, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request for %s: %w", target, err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if t.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", t.cfg.UserAgent)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &statusError{URL: target, Status: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", target, err)
	}
	return data, nil
}

func classify(err error) taperr.Code {
	var se *statusError
	var ne net.Error
	switch {
	case errors.As(err, &se):
		return taperr.XHRLoad
	case errors.Is(err, context.DeadlineExceeded):
		return taperr.XHRTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return taperr.XHRTimeout
	case errors.As(err, &ne):
		return taperr.XHRNetwork
	default:
		return taperr.XHRUnknown
	}
}
