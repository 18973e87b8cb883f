package stream

import (
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
)

// PeriodStream activates its adaptation streams while the playback
// position is inside the period.
type PeriodStream struct {
	period *models.Period
	abr    Chooser
	bus    *events.Bus
	logger logger.Logger

	adaptations map[models.ContentType]*AdaptationStream
	active      bool
	subs        []events.Subscription
}

func newPeriodStream(period *models.Period, currentTime float64, abr Chooser, prefs config.StreamConfig, bus *events.Bus, log logger.Logger) *PeriodStream {
	s := &PeriodStream{
		period:      period,
		abr:         abr,
		bus:         bus,
		logger:      log.With("period", period.ID),
		adaptations: make(map[models.ContentType]*AdaptationStream, len(models.ContentTypes)),
	}
	s.subs = append(s.subs,
		events.On(bus, func(p events.PlayerStateChange, ev events.Event) {
			if p.State == events.StateSeeking {
				s.setActivePeriod(ev.CurrentTime)
			}
		}),
		events.On(bus, func(_ events.TimeUpdate, ev events.Event) { s.setActivePeriod(ev.CurrentTime) }),
	)

	s.logger.Debugf("Period %s [%.3f, %.3f]", period.ID, period.Start, period.End())
	for _, ct := range models.ContentTypes {
		s.adaptations[ct] = newAdaptationStream(ct, period.AdaptationSets(ct), abr, prefs, bus, s.logger)
	}
	s.setActivePeriod(currentTime)
	return s
}

// Period returns the period this stream follows.
func (s *PeriodStream) Period() *models.Period {
	return s.period
}

// Active reports whether the playback position is inside the period.
func (s *PeriodStream) Active() bool {
	return s.active
}

// Adaptation returns the adaptation stream of ct.
func (s *PeriodStream) Adaptation(ct models.ContentType) *AdaptationStream {
	return s.adaptations[ct]
}

func (s *PeriodStream) setActivePeriod(t float64) {
	within := s.period.Contains(t)
	if within == s.active {
		return
	}
	if within {
		s.logger.Infof("Active period %s (start %.3f, duration %.3f)", s.period.ID, s.period.Start, s.period.Duration)
		s.bus.Emit(events.ActivePeriodChange{ID: s.period.ID})
	}
	s.active = within
	for _, ct := range models.ContentTypes {
		s.adaptations[ct].setActive(within)
	}
}

// updatePreferences rebuilds the adaptation stream of ct with prefs.
func (s *PeriodStream) updatePreferences(ct models.ContentType, prefs config.StreamConfig) {
	if old := s.adaptations[ct]; old != nil {
		old.destroy()
	}
	a := newAdaptationStream(ct, s.period.AdaptationSets(ct), s.abr, prefs, s.bus, s.logger)
	s.adaptations[ct] = a
	a.setActive(s.active)
}

func (s *PeriodStream) destroy() {
	s.logger.Infof("Destroying period stream %s", s.period.ID)
	s.bus.UnsubscribeAll(s.subs)
	s.subs = nil
	for _, ct := range models.ContentTypes {
		s.adaptations[ct].destroy()
	}
	s.active = false
}
