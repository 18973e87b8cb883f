package stream

import (
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
)

// Chooser picks video representations. *abr.Manager implements it.
type Chooser interface {
	ChooseVideoRepresentation(reps []*models.Representation, onInit bool) *models.Representation
	ChooseClosestRepresentation(reps []*models.Representation, target int) *models.Representation
}

// RepresentationStream selects one representation of an adaptation set.
// ChooseRepresentation is emitted whenever the chosen id changes, and
// ActiveRepresentationChange as well while the stream is active.
type RepresentationStream struct {
	contentType models.ContentType
	reps        []*models.Representation
	abr         Chooser
	prefs       config.StreamConfig
	bus         *events.Bus
	logger      logger.Logger

	current *models.Representation
	active  bool
	subs    []events.Subscription
}

func newRepresentationStream(ct models.ContentType, reps []*models.Representation, abr Chooser, prefs config.StreamConfig, bus *events.Bus, log logger.Logger) *RepresentationStream {
	s := &RepresentationStream{
		contentType: ct,
		reps:        reps,
		abr:         abr,
		prefs:       prefs,
		bus:         bus,
		logger:      log,
	}
	if s.adaptive() {
		recheck := func() { s.chooseVideo(false) }
		s.subs = append(s.subs,
			events.On(bus, func(events.BuffersUpdate, events.Event) { recheck() }),
			events.On(bus, func(events.TimeUpdate, events.Event) { recheck() }),
		)
	}
	s.choose()
	return s
}

// adaptive reports whether the video choice follows the ABR manager.
func (s *RepresentationStream) adaptive() bool {
	return s.contentType == models.Video && s.prefs.PreferredVideoQuality == nil
}

// Current returns the chosen representation.
func (s *RepresentationStream) Current() *models.Representation {
	return s.current
}

func (s *RepresentationStream) choose() {
	if len(s.reps) == 0 {
		return
	}
	switch s.contentType {
	case models.Video:
		if s.adaptive() {
			s.chooseVideo(true)
			return
		}
		s.set(s.abr.ChooseClosestRepresentation(s.reps, *s.prefs.PreferredVideoQuality))
	case models.Audio:
		best := s.reps[0]
		for _, r := range s.reps[1:] {
			if r.Bandwidth > best.Bandwidth {
				best = r
			}
		}
		s.set(best)
	case models.Text:
		s.set(s.reps[0])
	}
}

func (s *RepresentationStream) chooseVideo(onInit bool) {
	if r := s.abr.ChooseVideoRepresentation(s.reps, onInit); r != nil {
		s.set(r)
	}
}

func (s *RepresentationStream) set(r *models.Representation) {
	if r == nil || (s.current != nil && s.current.ID == r.ID) {
		return
	}
	s.current = r
	s.logger.Debugf("Choose %s representation %s (%d bps, %s)", s.contentType, r.ID, r.Bandwidth, r.MimeCodec())
	s.bus.Emit(events.ChooseRepresentation{Representation: r})
	if s.active {
		s.emitActive()
	}
}

func (s *RepresentationStream) emitActive() {
	r := s.current
	if r == nil {
		return
	}
	s.logger.Infof("Active %s representation %s (period %s)", s.contentType, r.ID, r.PeriodID)
	s.bus.Emit(events.ActiveRepresentationChange{
		ContentType: s.contentType,
		ID:          r.ID,
		Bandwidth:   r.Bandwidth,
		MimeCodec:   r.MimeCodec(),
		Codecs:      r.Codecs,
	})
}

func (s *RepresentationStream) emitAvailableTracks() {
	if s.contentType != models.Video {
		return
	}
	bandwidths := make([]int, 0, len(s.reps))
	for _, r := range s.reps {
		bandwidths = append(bandwidths, r.Bandwidth)
	}
	s.logger.Infof("Available %s tracks %v", s.contentType, bandwidths)
	s.bus.Emit(events.AvailableTracks{ContentType: s.contentType, Bandwidths: bandwidths})
}

func (s *RepresentationStream) setActive(active bool) {
	if active {
		s.emitAvailableTracks()
		s.emitActive()
	}
	s.active = active
}

func (s *RepresentationStream) destroy() {
	s.logger.Debugf("Destroying %s representation stream", s.contentType)
	s.bus.UnsubscribeAll(s.subs)
	s.subs = nil
	s.active = false
}
