package dash

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/taperr"
)

// Well-known DRM system ids.
const (
	SchemeMP4Protection = "urn:mpeg:dash:mp4protection:2011"
	SchemeClearKey      = "urn:uuid:e2719d58-a985-b3c9-781a-b030af78d30e"
	SchemeCommonPssh    = "urn:uuid:1077efec-c0b2-4d02-ace3-3c1e52e2fb4b"
	SchemeWidevine      = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	SchemePlayReady     = "urn:uuid:9a04f079-9840-4286-ab92-e65be0885f95"

	KeySystemClearKey  = "org.w3.clearkey"
	KeySystemWidevine  = "com.widevine.alpha"
	KeySystemPlayReady = "com.microsoft.playready"
)

var keySystems = map[string]string{
	SchemeClearKey:   KeySystemClearKey,
	SchemeCommonPssh: KeySystemClearKey,
	SchemeWidevine:   KeySystemWidevine,
	SchemePlayReady:  KeySystemPlayReady,
}

// Parser turns MPD documents into the player's manifest model.
type Parser struct {
	logger    logger.Logger
	supported func(mimeCodec string) bool
	now       func() time.Time
	onWarning func(*taperr.Error)
}

// Option configures a Parser.
type Option func(*Parser)

// WithTypeSupport sets the check used to skip unplayable audio/video
// representations.
func WithTypeSupport(fn func(mimeCodec string) bool) Option {
	return func(p *Parser) { p.supported = fn }
}

// WithClock sets the wall clock used for live manifests without publishTime.
func WithClock(fn func() time.Time) Option {
	return func(p *Parser) { p.now = fn }
}

// WithWarningHandler receives non-fatal parse problems.
func WithWarningHandler(fn func(*taperr.Error)) Option {
	return func(p *Parser) { p.onWarning = fn }
}

// NewParser creates a DASH parser.
func NewParser(log logger.Logger, opts ...Option) *Parser {
	p := &Parser{
		logger:    logger.WithComponent(log, "dash"),
		supported: func(string) bool { return true },
		now:       time.Now,
		onWarning: func(*taperr.Error) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse decodes raw MPD XML. Failures are Fatal *taperr.Error values.
func (p *Parser) Parse(raw []byte, manifestURL string) (*models.Manifest, error) {
	var mpd MPD
	if err := xml.Unmarshal(raw, &mpd); err != nil {
		return nil, taperr.Wrap(taperr.ManifestParse, taperr.SeverityFatal, fmt.Errorf("failed to unmarshal MPD XML: %w", err))
	}

	m, err := p.build(&mpd, manifestURL)
	if err != nil {
		var te *taperr.Error
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, taperr.Wrap(taperr.ManifestParse, taperr.SeverityFatal, err)
	}

	p.logger.Debugf("Parsed %s manifest with %d periods from %s", m.Type, len(m.Periods), manifestURL)
	return m, nil
}

type builder struct {
	p        *Parser
	manifest *models.Manifest
	liveNow  float64 // seconds since availabilityStartTime
	kid      string
}

func (p *Parser) build(mpd *MPD, manifestURL string) (*models.Manifest, error) {
	m := &models.Manifest{URL: manifestURL}

	switch mpd.Type {
	case "", "static":
		m.Type = models.Static
	case "dynamic":
		m.Type = models.Dynamic
	default:
		return nil, taperr.New(taperr.ManifestTypeUnsupported, taperr.SeverityFatal, "unsupported manifest type: "+mpd.Type)
	}

	var err error
	durations := []struct {
		dst   *float64
		value string
		name  string
	}{
		{&m.MinBufferTime, mpd.MinBufferTime, "minBufferTime"},
		{&m.MinimumUpdatePeriod, mpd.MinimumUpdatePeriod, "minimumUpdatePeriod"},
		{&m.TimeShiftBufferDepth, mpd.TimeShiftBufferDepth, "timeShiftBufferDepth"},
		{&m.MaxSegmentDuration, mpd.MaxSegmentDuration, "maxSegmentDuration"},
		{&m.MediaPresentationDuration, mpd.MediaPresentationDuration, "mediaPresentationDuration"},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.value); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}
	if m.AvailabilityStartTime, err = parseDateTime(mpd.AvailabilityStartTime); err != nil {
		return nil, fmt.Errorf("invalid availabilityStartTime: %w", err)
	}
	if m.PublishTime, err = parseDateTime(mpd.PublishTime); err != nil {
		return nil, fmt.Errorf("invalid publishTime: %w", err)
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest URL '%s': %w", manifestURL, err)
	}
	if base, err = resolveBase(base, mpd.BaseURL); err != nil {
		return nil, fmt.Errorf("failed to resolve MPD BaseURL: %w", err)
	}

	b := &builder{p: p, manifest: m}
	if m.IsLive() {
		now := m.PublishTime
		if now == 0 {
			now = float64(p.now().UnixNano()) / 1e9
		}
		b.liveNow = now - m.AvailabilityStartTime
	}

	starts, durationsOf, err := b.periodBounds(mpd)
	if err != nil {
		return nil, err
	}
	for i := range mpd.Periods {
		period, err := b.buildPeriod(&mpd.Periods[i], i, starts[i], durationsOf[i], base)
		if err != nil {
			return nil, err
		}
		m.Periods = append(m.Periods, period)
	}
	return m, nil
}

// periodBounds resolves every period start and duration. Missing starts
// follow the previous period; missing durations come from the next start,
// the presentation duration, or stay open (+Inf) for live.
func (b *builder) periodBounds(mpd *MPD) ([]float64, []float64, error) {
	n := len(mpd.Periods)
	starts := make([]float64, n)
	explicit := make([]float64, n)
	for i, period := range mpd.Periods {
		d, err := parseDuration(period.Duration)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid duration for period %s: %w", period.ID, err)
		}
		explicit[i] = d
		switch {
		case period.Start != "":
			if starts[i], err = parseDuration(period.Start); err != nil {
				return nil, nil, fmt.Errorf("invalid start for period %s: %w", period.ID, err)
			}
		case i > 0 && explicit[i-1] > 0:
			starts[i] = starts[i-1] + explicit[i-1]
		}
	}

	durations := make([]float64, n)
	for i := range mpd.Periods {
		switch {
		case explicit[i] > 0:
			durations[i] = explicit[i]
		case i+1 < n:
			durations[i] = starts[i+1] - starts[i]
		case b.manifest.MediaPresentationDuration > 0:
			durations[i] = b.manifest.MediaPresentationDuration - starts[i]
		default:
			durations[i] = math.Inf(1)
		}
	}
	return starts, durations, nil
}

func (b *builder) buildPeriod(mp *Period, index int, start, duration float64, parent *url.URL) (*models.Period, error) {
	id := mp.ID
	if id == "" {
		id = strconv.Itoa(index)
	}
	base, err := resolveBase(parent, mp.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve period BaseURL: %w", err)
	}

	period := &models.Period{ID: id, Start: start, Duration: duration}
	for i := range mp.Sets {
		as, err := b.buildAdaptationSet(&mp.Sets[i], i, period, base)
		if err != nil {
			return nil, err
		}
		if as == nil {
			continue
		}
		if err := period.AddAdaptationSet(as); err != nil {
			b.warn(err.Error())
		}
	}
	return period, nil
}

func (b *builder) buildAdaptationSet(mas *AdaptationSet, index int, period *models.Period, parent *url.URL) (*models.AdaptationSet, error) {
	id := mas.ID
	if id == "" {
		id = strconv.Itoa(index)
	}
	contentType := contentTypeOf(mas.ContentType, mas.MimeType)
	if contentType == "" && len(mas.Representations) > 0 {
		contentType = contentTypeOf("", mas.Representations[0].MimeType)
	}
	if contentType == "" {
		b.warn(fmt.Sprintf("skipping adaptation set %s with unknown content type", id))
		return nil, nil
	}

	base, err := resolveBase(parent, mas.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve adaptation set BaseURL: %w", err)
	}

	as := &models.AdaptationSet{
		ID:          id,
		PeriodID:    period.ID,
		ContentType: contentType,
		Lang:        mas.Lang,
		MimeType:    mas.MimeType,
	}

	for i := range mas.Representations {
		mr := &mas.Representations[i]
		rep, err := b.buildRepresentation(mas, mr, i, as, period, base)
		if err != nil {
			return nil, err
		}
		if rep != nil {
			as.Representations = append(as.Representations, rep)
		}
	}
	if len(as.Representations) == 0 {
		return nil, nil
	}
	if as.MimeType == "" {
		as.MimeType = as.Representations[0].MimeType
	}
	as.SortRepresentations()
	if mas.MinBandwidth > 0 {
		as.MinBandwidth = mas.MinBandwidth
	}
	if mas.MaxBandwidth > 0 {
		as.MaxBandwidth = mas.MaxBandwidth
	}

	b.addContentProtections(mas.ContentProtections)
	return as, nil
}

func (b *builder) buildRepresentation(mas *AdaptationSet, mr *Representation, index int, as *models.AdaptationSet, period *models.Period, parent *url.URL) (*models.Representation, error) {
	id := mr.ID
	if id == "" {
		id = strconv.Itoa(index)
	}
	mimeType := mr.MimeType
	if mimeType == "" {
		mimeType = mas.MimeType
	}
	codecs := mr.Codecs
	if codecs == "" {
		codecs = mas.Codecs
	}

	mimeCodec := models.MimeCodec(mimeType, codecs)
	if (as.ContentType == models.Video || as.ContentType == models.Audio) && !b.p.supported(mimeCodec) {
		b.warn("Unsupported MIME type or codec: " + mimeCodec)
		return nil, nil
	}

	tmpl := mr.SegmentTemplate.merge(mas.SegmentTemplate)
	if tmpl == nil {
		b.warn(fmt.Sprintf("skipping representation %s without a segment template", id))
		return nil, nil
	}

	base, err := resolveBase(parent, mr.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve representation BaseURL: %w", err)
	}

	rep := &models.Representation{
		ID:          id,
		PeriodID:    period.ID,
		ContentType: as.ContentType,
		MimeType:    mimeType,
		Codecs:      codecs,
		Bandwidth:   mr.Bandwidth,
		Width:       mr.Width,
		Height:      mr.Height,
	}

	var inband []models.InbandEventStream
	for _, s := range append(append([]InbandEventStream(nil), mas.InbandEventStreams...), mr.InbandEventStreams...) {
		inband = append(inband, models.InbandEventStream{SchemeIDURI: s.SchemeIDURI, Value: s.Value})
	}

	segments, err := b.buildSegments(tmpl, rep, period, base, inband)
	if err != nil {
		return nil, fmt.Errorf("representation %s: %w", id, err)
	}
	if len(segments) <= 1 {
		b.warn(fmt.Sprintf("skipping representation %s without media segments", id))
		return nil, nil
	}
	rep.Segments = segments

	b.addContentProtections(mr.ContentProtections)
	return rep, nil
}

func (b *builder) buildSegments(tmpl *SegmentTemplate, rep *models.Representation, period *models.Period, base *url.URL, inband []models.InbandEventStream) ([]models.Segment, error) {
	ts := tmpl.timescale()
	pto := tmpl.pto()
	offset := float64(pto) / float64(ts)
	vars := templateVars{RepresentationID: rep.ID, Bandwidth: rep.Bandwidth}

	segment := func(id int, rawURL string, t, d uint64) (models.Segment, error) {
		u, err := resolveURL(base, rawURL)
		if err != nil {
			return models.Segment{}, err
		}
		s := models.Segment{
			ID:               id,
			URL:              u.String(),
			ContentType:      rep.ContentType,
			MimeType:         rep.MimeType,
			Codecs:           rep.Codecs,
			Offset:           offset,
			PeriodID:         period.ID,
			PeriodStart:      period.Start,
			RepresentationID: rep.ID,
		}
		if id == 0 {
			s.Time = period.Start
			if rawURL == "" {
				s.URL = ""
			}
			return s, nil
		}
		s.Time = float64(t)/float64(ts) - offset + period.Start
		s.Duration = float64(d) / float64(ts)
		s.InbandEventStreams = inband
		return s, nil
	}

	initSegment, err := segment(0, fillTemplate(tmpl.Initialization, vars), 0, 0)
	if err != nil {
		return nil, err
	}
	segments := []models.Segment{initSegment}

	entries, err := b.entries(tmpl, period)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		v := vars
		v.Number = e.Number
		v.Time = e.Time
		s, err := segment(i+1, fillTemplate(tmpl.Media, v), e.Time, e.Duration)
		if err != nil {
			return nil, err
		}
		segments = append(segments, s)
	}
	return segments, nil
}

func (b *builder) entries(tmpl *SegmentTemplate, period *models.Period) ([]timelineEntry, error) {
	ts := float64(tmpl.timescale())
	pto := tmpl.pto()

	// Presentation-relative end of what may be listed, in seconds from the period start.
	limit := period.Duration
	if b.manifest.IsLive() {
		limit = math.Min(limit, b.liveNow-period.Start)
	}

	if tmpl.Timeline != nil {
		var until uint64
		if !math.IsInf(limit, 1) && limit > 0 {
			until = pto + uint64(math.Round(limit*ts))
		}
		return ConvertTimeline(tmpl.Timeline, tmpl.startNumber(), until)
	}

	if tmpl.Duration == nil || *tmpl.Duration == 0 {
		return nil, fmt.Errorf("segment template has neither a timeline nor a duration")
	}
	d := float64(*tmpl.Duration) / ts

	first, count := 0, 0
	switch {
	case tmpl.EndNumber != nil:
		count = int(*tmpl.EndNumber-tmpl.startNumber()) + 1
	case b.manifest.IsLive():
		if limit < 0 {
			limit = 0
		}
		last := int(math.Floor(limit / d))
		if tsbd := b.manifest.TimeShiftBufferDepth; tsbd > 0 {
			first = max(0, int(math.Floor((limit-tsbd)/d)))
		}
		count = last - first
	case math.IsInf(limit, 1):
		return nil, fmt.Errorf("cannot number segments of an open-ended static period %s", period.ID)
	default:
		count = int(math.Ceil(limit/d - 1e-9))
	}
	return convertNumbered(*tmpl.Duration, tmpl.startNumber(), pto, first, count)
}

func (b *builder) addContentProtections(cps []ContentProtection) {
	for _, cp := range cps {
		if cp.DefaultKID != "" {
			b.kid = normalizeKID(cp.DefaultKID)
		}
	}
	for _, cp := range cps {
		scheme := strings.ToLower(cp.SchemeIDURI)
		keySystem, ok := keySystems[scheme]
		if !ok {
			continue
		}
		var initData []byte
		if pssh := strings.TrimSpace(cp.Pssh); pssh != "" {
			data, err := base64.StdEncoding.DecodeString(pssh)
			if err != nil {
				b.warn(fmt.Sprintf("ignoring undecodable pssh for %s: %v", scheme, err))
			} else {
				initData = data
			}
		}

		exists := false
		for _, existing := range b.manifest.ContentProtections {
			if existing.KeyID == b.kid && existing.KeySystem == keySystem && existing.SchemeIDURI == scheme {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		b.manifest.ContentProtections = append(b.manifest.ContentProtections, models.ContentProtection{
			SchemeIDURI: scheme,
			KeySystem:   keySystem,
			KeyID:       b.kid,
			InitData:    initData,
		})
	}
}

func (b *builder) warn(message string) {
	b.p.logger.Warnf("%s", message)
	b.p.onWarning(taperr.New(taperr.ManifestParse, taperr.SeverityWarn, message))
}

func normalizeKID(kid string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(kid), "-", ""))
}

func contentTypeOf(contentType, mimeType string) models.ContentType {
	switch contentType {
	case "video":
		return models.Video
	case "audio":
		return models.Audio
	case "text", "subtitle", "subtitles":
		return models.Text
	}
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return models.Video
	case strings.HasPrefix(mimeType, "audio/"):
		return models.Audio
	case strings.HasPrefix(mimeType, "text/"),
		mimeType == "application/mp4",
		mimeType == "application/ttml+xml":
		return models.Text
	}
	return ""
}
