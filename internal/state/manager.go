// Package state derives the player state from the native media events.
package state

import (
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
)

// Element is the part of the media element the state machine reads.
type Element interface {
	Paused() bool
	Ended() bool
}

// Manager keeps the history of player states and emits PlayerStateChange
// on every transition.
type Manager struct {
	el     Element
	bus    *events.Bus
	logger logger.Logger

	history []events.PlayerState
	subs    []events.Subscription
}

// NewManager starts in LOADING.
func NewManager(el Element, bus *events.Bus, log logger.Logger) *Manager {
	m := &Manager{
		el:     el,
		bus:    bus,
		logger: logger.WithComponent(log, "state"),
	}
	m.transition(events.StateLoading)
	m.subs = append(m.subs,
		events.On(bus, func(events.CanPlayThrough, events.Event) {
			if m.el.Paused() {
				m.transition(events.StatePaused)
			} else {
				m.transition(events.StatePlaying)
			}
		}),
		events.On(bus, func(events.Ended, events.Event) { m.transition(events.StateEnded) }),
		events.On(bus, func(events.Pause, events.Event) {
			if !m.el.Ended() {
				m.transition(events.StatePaused)
			}
		}),
		events.On(bus, func(events.Play, events.Event) { m.transition(events.StatePlaying) }),
		events.On(bus, func(events.Seeking, events.Event) {
			if m.State() != events.StateLoading {
				m.transition(events.StateSeeking)
			}
		}),
		events.On(bus, func(events.Seeked, events.Event) {
			if m.State() != events.StateSeeking {
				return
			}
			if m.el.Paused() {
				m.transition(events.StatePaused)
			} else {
				m.transition(events.StatePlaying)
			}
		}),
		events.On(bus, func(events.Waiting, events.Event) { m.transition(events.StateBuffering) }),
	)
	return m
}

// State is the current state, UNKNOWN before any transition.
func (m *Manager) State() events.PlayerState {
	if len(m.history) == 0 {
		return events.StateUnknown
	}
	return m.history[len(m.history)-1]
}

// Previous is the state before the current one.
func (m *Manager) Previous() events.PlayerState {
	if len(m.history) <= 1 {
		return events.StateUnknown
	}
	return m.history[len(m.history)-2]
}

// transition records to and emits it. Repeats are dropped, except SEEKING
// so that every seek reaches the stream manager.
func (m *Manager) transition(to events.PlayerState) {
	from := m.State()
	if from == to && to != events.StateSeeking {
		return
	}
	m.logger.Infof("Player state changed from %s to %s", from, to)
	m.history = append(m.history, to)
	m.bus.Emit(events.PlayerStateChange{State: to})
}

// Close moves to STOPPED and stops listening.
func (m *Manager) Close() {
	m.logger.Infof("Destroying State manager")
	m.transition(events.StateStopped)
	m.history = nil
	m.bus.UnsubscribeAll(m.subs)
	m.subs = nil
}
