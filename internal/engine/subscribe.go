package engine

import (
	"context"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/taperr"
)

// listenerBuffer is how many events a subscriber may fall behind before
// events are dropped for it.
const listenerBuffer = 256

type listener struct {
	ch   chan events.Event
	subs []events.Subscription
}

// Subscribe streams the events of the given kinds, or of every kind when
// none is given. The channel is closed by cancel or when the player is
// destroyed. A subscriber that stops reading loses events rather than
// stalling the player.
func (p *Player) Subscribe(kinds ...events.Kind) (<-chan events.Event, func(), error) {
	l := &listener{ch: make(chan events.Event, listenerBuffer)}
	err := p.do(context.Background(), func() error {
		if p.Lifecycle() == Destroyed {
			return taperr.ErrNotReady
		}
		deliver := func(ev events.Event) {
			select {
			case l.ch <- ev:
			default:
				p.logger.Warnf("Dropping %s event for a slow subscriber", ev.Kind)
			}
		}
		if len(kinds) == 0 {
			l.subs = append(l.subs, p.env.Bus.SubscribeAll(deliver))
		} else {
			for _, k := range kinds {
				l.subs = append(l.subs, p.env.Bus.Subscribe(k, deliver))
			}
		}
		p.listeners[l] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, func() {}, err
	}
	cancel := func() {
		_ = p.do(context.Background(), func() error {
			p.closeListener(l)
			return nil
		})
	}
	return l.ch, cancel, nil
}

func (p *Player) closeListener(l *listener) {
	if _, ok := p.listeners[l]; !ok {
		return
	}
	delete(p.listeners, l)
	p.env.Bus.UnsubscribeAll(l.subs)
	close(l.ch)
}
