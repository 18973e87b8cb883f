// Package manifest fetches the manifest, parses it and keeps dynamic
// manifests refreshed.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/loop"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/king-prawns/Tape/internal/transport"
)

// minRefreshInterval floors the refresh period of dynamic manifests.
const minRefreshInterval = time.Second

// ErrUnsupportedManifest is returned for URLs that do not name an MPD.
var ErrUnsupportedManifest = errors.New("manifest not supported")

// Requester is the part of the transport the downloader needs.
type Requester interface {
	Request(req transport.Request, onSuccess func(transport.Response)) transport.ID
	Abort(id transport.ID)
}

// Parser turns raw manifest bytes into the model.
type Parser interface {
	Parse(raw []byte, manifestURL string) (*models.Manifest, error)
}

// Option customises a Downloader.
type Option func(*Downloader)

// WithClock sets the clock the refresh limiter reads.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) { d.now = now }
}

// Downloader loads one manifest URL.
type Downloader struct {
	url       string
	requester Requester
	parser    Parser
	sched     loop.Scheduler
	bus       *events.Bus
	logger    logger.Logger
	now       func() time.Time
	limiter   *rate.Limiter

	request     transport.ID
	inFlight    bool
	cancelTimer func()
	closed      bool
}

// NewDownloader creates a downloader for manifestURL.
func NewDownloader(manifestURL string, requester Requester, parser Parser, sched loop.Scheduler, bus *events.Bus, log logger.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		url:       manifestURL,
		requester: requester,
		parser:    parser,
		sched:     sched,
		bus:       bus,
		logger:    logger.WithComponent(log, "manifest_downloader"),
		now:       time.Now,
		limiter:   rate.NewLimiter(rate.Every(minRefreshInterval), 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CheckURL rejects manifest URLs whose file extension is not .mpd.
func CheckURL(manifestURL string) error {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return fmt.Errorf("invalid manifest url %q: %w", manifestURL, err)
	}
	if !strings.EqualFold(path.Ext(u.Path), ".mpd") {
		return fmt.Errorf("%w: %s", ErrUnsupportedManifest, manifestURL)
	}
	return nil
}

// Fetch requests the manifest. ManifestReady follows a successful parse.
func (d *Downloader) Fetch() {
	if d.closed {
		return
	}
	if err := CheckURL(d.url); err != nil {
		d.logger.Errorf("%v", err)
		d.bus.Emit(events.Error{Err: taperr.Wrap(taperr.ManifestTypeUnsupported, taperr.SeverityFatal, err)})
		return
	}
	d.limiter.AllowN(d.now(), 1)
	d.fetch()
}

func (d *Downloader) fetch() {
	d.logger.Debugf("Fetching manifest %s", d.url)
	d.inFlight = true
	d.request = d.requester.Request(transport.Request{URL: d.url, Type: events.RequestManifest}, d.onResponse)
}

func (d *Downloader) onResponse(resp transport.Response) {
	d.inFlight = false
	if d.closed {
		return
	}
	before := time.Now()
	m, err := d.parser.Parse(resp.Data, d.url)
	if err != nil {
		var te *taperr.Error
		if !errors.As(err, &te) {
			te = taperr.Wrap(taperr.ManifestParse, taperr.SeverityFatal, err)
		}
		d.logger.Errorf("Error parsing manifest: %v", err)
		d.bus.Emit(events.Error{Err: te})
		return
	}
	d.logger.Infof("Manifest parsed in %s", time.Since(before).Round(time.Microsecond))
	d.bus.Emit(events.ManifestReady{Manifest: m})

	if m.IsLive() && m.MinimumUpdatePeriod > 0 {
		d.scheduleRefresh(time.Duration(m.MinimumUpdatePeriod * float64(time.Second)))
	}
}

// scheduleRefresh waits for the update period, and never less than the
// limiter allows since the previous fetch.
func (d *Downloader) scheduleRefresh(period time.Duration) {
	now := d.now()
	r := d.limiter.ReserveN(now, 1)
	delay := max(period, r.DelayFrom(now))
	d.logger.Debugf("Refreshing manifest in %s", delay)
	if d.cancelTimer != nil {
		d.cancelTimer()
	}
	d.cancelTimer = d.sched.AfterFunc(delay, func() {
		d.cancelTimer = nil
		if !d.closed {
			d.fetch()
		}
	})
}

// Close stops refreshing and aborts a pending fetch.
func (d *Downloader) Close() {
	d.logger.Infof("Destroying Manifest downloader")
	d.closed = true
	if d.cancelTimer != nil {
		d.cancelTimer()
		d.cancelTimer = nil
	}
	if d.inFlight {
		d.requester.Abort(d.request)
		d.inFlight = false
	}
}
