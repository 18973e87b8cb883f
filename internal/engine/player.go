package engine

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/king-prawns/Tape/internal/abr"
	"github.com/king-prawns/Tape/internal/cdn"
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/dash"
	"github.com/king-prawns/Tape/internal/eme"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/loop"
	"github.com/king-prawns/Tape/internal/manifest"
	"github.com/king-prawns/Tape/internal/media"
	"github.com/king-prawns/Tape/internal/metrics"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/state"
	"github.com/king-prawns/Tape/internal/stream"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/king-prawns/Tape/internal/transport"
)

// Option customises a Player.
type Option func(*Player)

// WithID sets the player id instead of a random one.
func WithID(id string) Option {
	return func(p *Player) { p.env.ID = id }
}

// WithKeys resolves content keys locally before asking the license server.
func WithKeys(keys eme.KeySource) Option {
	return func(p *Player) { p.keys = keys }
}

// WithHTTPClient replaces the transport's instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Player) { p.httpClient = c }
}

// Player is one headless player. Its components live on a private loop;
// every exported method posts to that loop and waits for the result.
type Player struct {
	env        Context
	loop       *loop.Loop
	finished   chan struct{}
	logger     logger.Logger
	keys       eme.KeySource
	httpClient *http.Client

	mu        sync.Mutex
	lifecycle Lifecycle

	url        string
	cdn        *cdn.Manager
	element    *media.Element
	source     *media.MediaSource
	state      *state.Manager
	abr        *abr.Manager
	manifest   *manifest.Downloader
	stream     *stream.Manager
	subs       []events.Subscription
	listeners  map[*listener]struct{}
	cancelTick func()
	fatal      *taperr.Error
	lastErr    *taperr.Error
	bandwidth  float64
}

// New creates an uninitialized player and starts its loop. Destroy must be
// called to release it.
func New(cfg *config.Config, log logger.Logger, opts ...Option) *Player {
	p := &Player{
		loop:      loop.New(0),
		finished:  make(chan struct{}),
		listeners: make(map[*listener]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.env.ID == "" {
		p.env.ID = uuid.NewString()
	}
	p.env.Config = cfg.Clone()
	p.env.Logger = log.With("player", p.env.ID)
	p.env.Bus = events.NewBus(nil)
	p.env.Sched = p.loop
	p.logger = logger.WithComponent(p.env.Logger, "engine")

	go p.run()
	return p
}

func (p *Player) run() {
	defer close(p.finished)
	p.loop.Run(context.Background())
	// The loop goroutine is gone, so the transport can be read here.
	if p.env.Transport != nil {
		p.env.Transport.Wait()
	}
	p.logger.Infof("Player stopped")
}

// ID returns the player id.
func (p *Player) ID() string {
	return p.env.ID
}

// Lifecycle returns the current lifecycle stage.
func (p *Player) Lifecycle() Lifecycle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifecycle
}

func (p *Player) setLifecycle(l Lifecycle) {
	p.mu.Lock()
	p.lifecycle = l
	p.mu.Unlock()
}

// Done is closed once the player has been destroyed and every network
// worker has returned.
func (p *Player) Done() <-chan struct{} {
	return p.finished
}

// do runs fn on the loop and waits for its result.
func (p *Player) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if !p.loop.Post(func() { done <- fn() }) {
		return taperr.ErrNotReady
	}
	select {
	case err := <-done:
		return err
	case <-p.loop.Done():
		select {
		case err := <-done:
			return err
		default:
			return taperr.ErrNotReady
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loaded runs fn on the loop when the player is loaded.
func (p *Player) loaded(fn func()) error {
	return p.do(context.Background(), func() error {
		if p.Lifecycle() != Loaded {
			return taperr.ErrNotReady
		}
		fn()
		return nil
	})
}

// Load starts playing manifestURL. The manifest is fetched asynchronously;
// failures are reported as Error events.
func (p *Player) Load(ctx context.Context, manifestURL string) error {
	if err := manifest.CheckURL(manifestURL); err != nil {
		return taperr.Wrap(taperr.ManifestTypeUnsupported, taperr.SeverityFatal, err)
	}
	return p.do(ctx, func() error {
		if p.Lifecycle() != Uninitialized {
			return taperr.ErrNotReady
		}
		return p.load(manifestURL)
	})
}

func (p *Player) load(manifestURL string) error {
	cfg := p.env.Config
	bus := p.env.Bus
	log := p.env.Logger

	a, err := abr.NewManager(cfg.ABR, bus, log)
	if err != nil {
		return fmt.Errorf("failed to create abr manager: %w", err)
	}
	p.abr = a
	p.url = manifestURL

	p.subs = append(p.subs,
		metrics.Attach(bus),
		events.On(bus, p.onError),
		events.On(bus, p.onManifestReady),
		events.On(bus, func(e events.EstimatedBandwidth, _ events.Event) { p.bandwidth = e.BitsPerSecond }),
	)

	p.cdn = cdn.New(manifestURL, cfg.CDN.Origins, bus, log)
	var topts []transport.Option
	if p.httpClient != nil {
		topts = append(topts, transport.WithHTTPClient(p.httpClient))
	}
	p.env.Transport = transport.New(p.loop, bus, p.cdn, cfg.Transport, log, topts...)

	p.element = media.NewElement(bus, log)
	p.source = media.NewMediaSource(p.loop, log)
	p.element.Attach(p.source)
	p.state = state.NewManager(p.element, bus, log)

	parser := dash.NewParser(log,
		dash.WithTypeSupport(media.IsTypeSupported),
		dash.WithWarningHandler(func(e *taperr.Error) { bus.Emit(events.Error{Err: e}) }),
	)
	p.manifest = manifest.NewDownloader(manifestURL, p.env.Transport, parser, p.loop, bus, log)

	p.setLifecycle(Loaded)
	metrics.ActivePlayers.Inc()
	p.logger.Infof("Loading %s", manifestURL)
	p.manifest.Fetch()
	p.scheduleTick()
	return nil
}

func (p *Player) onManifestReady(e events.ManifestReady, _ events.Event) {
	if p.stream != nil {
		p.stream.UpdateManifest(e.Manifest)
		return
	}
	p.stream = stream.NewManager(stream.Params{
		Manifest:  e.Manifest,
		Config:    p.env.Config,
		Element:   p.element,
		Source:    p.source,
		Transport: p.env.Transport,
		ABR:       p.abr,
		Keys:      p.keys,
	}, p.env.Bus, p.env.Logger)
	p.stream.Init()
	if p.env.Config.Stream.Autoplay {
		p.play()
	}
}

func (p *Player) onError(e events.Error, _ events.Event) {
	if e.Err == nil || e.Err.Severity == taperr.SeverityWarn {
		return
	}
	p.lastErr = e.Err
	if taperr.IsFatal(e.Err) && p.fatal == nil {
		p.logger.Errorf("Fatal error: %v", e.Err)
		p.fatal = e.Err
	}
}

func (p *Player) scheduleTick() {
	p.cancelTick = p.loop.AfterFunc(p.env.Config.Stream.TickInterval, p.tick)
}

// tick moves the media clock and keeps the pipeline fed. A fatal error
// raised since the previous tick destroys the player instead.
func (p *Player) tick() {
	p.cancelTick = nil
	if p.Lifecycle() != Loaded {
		return
	}
	if p.fatal != nil {
		p.teardown()
		return
	}
	p.element.Advance(p.env.Config.Stream.TickInterval)
	if p.stream != nil {
		p.stream.Tick()
	}
	p.scheduleTick()
}

// Destroy tears the player down and waits for its goroutines.
func (p *Player) Destroy() error {
	err := p.do(context.Background(), func() error {
		if p.Lifecycle() == Destroyed {
			return taperr.ErrNotReady
		}
		p.teardown()
		return nil
	})
	<-p.finished
	return err
}

func (p *Player) teardown() {
	wasLoaded := p.Lifecycle() == Loaded
	p.logger.Infof("Destroying player")
	if p.cancelTick != nil {
		p.cancelTick()
		p.cancelTick = nil
	}
	if p.stream != nil {
		p.stream.Close()
	}
	if p.manifest != nil {
		p.manifest.Close()
	}
	if p.state != nil {
		p.state.Close()
	}
	if p.abr != nil {
		p.abr.Close()
	}
	if p.cdn != nil {
		p.cdn.Close()
	}
	if p.env.Transport != nil {
		p.env.Transport.Close()
	}
	if p.element != nil {
		p.element.Detach()
	}
	p.env.Bus.UnsubscribeAll(p.subs)
	p.subs = nil
	for l := range p.listeners {
		p.closeListener(l)
	}

	p.setLifecycle(Destroyed)
	if wasLoaded {
		metrics.ActivePlayers.Dec()
	}
	p.loop.Stop()
}

// Status is a snapshot of the player.
type Status struct {
	ID                 string                                    `json:"id"`
	ManifestURL        string                                    `json:"manifest_url"`
	Lifecycle          string                                    `json:"lifecycle"`
	State              events.PlayerState                        `json:"state"`
	CurrentTime        float64                                   `json:"current_time"`
	Duration           float64                                   `json:"duration"`
	Paused             bool                                      `json:"paused"`
	Volume             float64                                   `json:"volume"`
	Muted              bool                                      `json:"muted"`
	PlaybackRate       float64                                   `json:"playback_rate"`
	Fullscreen         bool                                      `json:"fullscreen"`
	PictureInPicture   bool                                      `json:"picture_in_picture"`
	Live               bool                                      `json:"live"`
	SeekableRange      models.TimeRange                          `json:"seekable_range"`
	Buffered           map[models.ContentType][]models.TimeRange `json:"buffered,omitempty"`
	Active             map[models.ContentType]string             `json:"active,omitempty"`
	Downloading        bool                                      `json:"downloading"`
	WaitingLicense     bool                                      `json:"waiting_license"`
	EstimatedBandwidth float64                                   `json:"estimated_bandwidth_bps"`
	LastError          string                                    `json:"last_error,omitempty"`
}

// Status reports the player state.
func (p *Player) Status() (Status, error) {
	var st Status
	err := p.loaded(func() {
		el := p.element
		st = Status{
			ID:                 p.env.ID,
			ManifestURL:        p.url,
			Lifecycle:          p.Lifecycle().String(),
			State:              p.state.State(),
			CurrentTime:        el.CurrentTime(),
			Duration:           finite(el.Duration()),
			Paused:             el.Paused(),
			Volume:             el.Volume(),
			Muted:              el.Muted(),
			PlaybackRate:       el.PlaybackRate(),
			Fullscreen:         el.Fullscreen(),
			PictureInPicture:   el.PictureInPicture(),
			EstimatedBandwidth: p.bandwidth,
		}
		if p.lastErr != nil {
			st.LastError = p.lastErr.Error()
		}
		if p.stream == nil {
			return
		}
		ss := p.stream.Status()
		st.Live = ss.Live
		st.SeekableRange = models.TimeRange{Start: finite(ss.SeekableRange.Start), End: finite(ss.SeekableRange.End)}
		st.Buffered = ss.Buffered
		st.Active = ss.Active
		st.Downloading = ss.Downloading
		st.WaitingLicense = ss.WaitingLicense
	})
	return st, err
}

// finite maps NaN and infinities to zero so a Status always encodes.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
