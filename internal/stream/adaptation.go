package stream

import (
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
)

// AdaptationStream selects one adaptation set of a content type within a
// period and owns the representation stream of that set.
type AdaptationStream struct {
	contentType models.ContentType
	sets        []*models.AdaptationSet
	bus         *events.Bus
	logger      logger.Logger

	current *models.AdaptationSet
	rep     *RepresentationStream
	active  bool
}

func newAdaptationStream(ct models.ContentType, sets []*models.AdaptationSet, abr Chooser, prefs config.StreamConfig, bus *events.Bus, log logger.Logger) *AdaptationStream {
	s := &AdaptationStream{
		contentType: ct,
		sets:        sets,
		bus:         bus,
		logger:      log,
	}
	s.current = selectAdaptation(ct, sets, prefs)
	if s.current != nil {
		s.logger.Debugf("Choose %s adaptation %s (lang %q, period %s)", ct, s.current.ID, s.current.Lang, s.current.PeriodID)
		s.rep = newRepresentationStream(ct, s.current.Representations, abr, prefs, bus, log)
	}
	return s
}

// selectAdaptation picks the highest max bandwidth video set, the audio set
// in the preferred language or the first one, and the text set in the
// preferred language or none.
func selectAdaptation(ct models.ContentType, sets []*models.AdaptationSet, prefs config.StreamConfig) *models.AdaptationSet {
	if len(sets) == 0 {
		return nil
	}
	switch ct {
	case models.Video:
		best := sets[0]
		for _, a := range sets[1:] {
			if a.MaxBandwidth > best.MaxBandwidth {
				best = a
			}
		}
		return best
	case models.Audio:
		for _, a := range sets {
			if a.Lang == prefs.PreferredAudioLanguage {
				return a
			}
		}
		return sets[0]
	case models.Text:
		if prefs.PreferredTextLanguage == nil {
			return nil
		}
		for _, a := range sets {
			if a.Lang == *prefs.PreferredTextLanguage {
				return a
			}
		}
	}
	return nil
}

// Current returns the chosen adaptation set, nil for no text.
func (s *AdaptationStream) Current() *models.AdaptationSet {
	return s.current
}

// Representation returns the representation stream, nil without a set.
func (s *AdaptationStream) Representation() *RepresentationStream {
	return s.rep
}

func (s *AdaptationStream) emitActive() {
	p := events.ActiveAdaptationChange{ContentType: s.contentType}
	if s.current != nil {
		p.ID, p.Lang = s.current.ID, s.current.Lang
		s.logger.Infof("Active %s adaptation %s (lang %q, period %s)", s.contentType, p.ID, p.Lang, s.current.PeriodID)
	} else {
		s.logger.Infof("No active %s adaptation", s.contentType)
	}
	s.bus.Emit(p)
}

func (s *AdaptationStream) emitAvailableTracks() {
	if s.contentType == models.Video {
		return
	}
	langs := make([]string, 0, len(s.sets))
	for _, a := range s.sets {
		langs = append(langs, a.Lang)
	}
	s.logger.Infof("Available %s tracks %v", s.contentType, langs)
	s.bus.Emit(events.AvailableTracks{ContentType: s.contentType, Languages: langs})
}

func (s *AdaptationStream) setActive(active bool) {
	if active {
		s.emitAvailableTracks()
		s.emitActive()
	}
	s.active = active
	if s.rep != nil {
		s.rep.setActive(active)
	}
}

func (s *AdaptationStream) destroy() {
	s.logger.Debugf("Destroying %s adaptation stream", s.contentType)
	if s.rep != nil {
		s.rep.destroy()
		s.rep = nil
	}
	s.current = nil
	s.active = false
}
