package events

// Handler receives one event.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	kind Kind
	id   uint64
}

type entry struct {
	id uint64
	fn Handler
}

// Bus dispatches events synchronously, in subscription order.
// It is confined to the loop goroutine and holds no locks.
type Bus struct {
	clock    func() float64
	handlers map[Kind][]entry
	all      []entry
	active   map[uint64]bool
	nextID   uint64
}

// allKinds marks a subscription to every kind.
const allKinds Kind = 0

// NewBus creates a bus. clock supplies the playback time stamped on events
// and may be nil until a media element exists.
func NewBus(clock func() float64) *Bus {
	return &Bus{
		clock:    clock,
		handlers: make(map[Kind][]entry),
		active:   make(map[uint64]bool),
	}
}

// SetClock replaces the playback time source.
func (b *Bus) SetClock(clock func() float64) {
	b.clock = clock
}

// Subscribe registers fn for one kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) Subscription {
	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], entry{id: b.nextID, fn: fn})
	b.active[b.nextID] = true
	return Subscription{kind: kind, id: b.nextID}
}

// SubscribeAll registers fn for every kind.
func (b *Bus) SubscribeAll(fn Handler) Subscription {
	b.nextID++
	b.all = append(b.all, entry{id: b.nextID, fn: fn})
	b.active[b.nextID] = true
	return Subscription{kind: allKinds, id: b.nextID}
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	if !b.active[s.id] {
		return
	}
	delete(b.active, s.id)
	if s.kind == allKinds {
		b.all = without(b.all, s.id)
		return
	}
	b.handlers[s.kind] = without(b.handlers[s.kind], s.id)
}

// UnsubscribeAll removes every subscription in subs.
func (b *Bus) UnsubscribeAll(subs []Subscription) {
	for _, s := range subs {
		b.Unsubscribe(s)
	}
}

func without(entries []entry, id uint64) []entry {
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// Emit stamps the current playback time and dispatches p.
func (b *Bus) Emit(p Payload) {
	ev := Event{Kind: p.Kind(), Payload: p}
	if b.clock != nil {
		ev.CurrentTime = b.clock()
	}

	// Handlers may subscribe or unsubscribe while we dispatch.
	snapshot := append([]entry(nil), b.handlers[ev.Kind]...)
	for _, e := range snapshot {
		if b.active[e.id] {
			e.fn(ev)
		}
	}
	all := append([]entry(nil), b.all...)
	for _, e := range all {
		if b.active[e.id] {
			e.fn(ev)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	return len(b.active)
}

// On subscribes a handler typed on the payload.
func On[T Payload](b *Bus, fn func(payload T, ev Event)) Subscription {
	var zero T
	return b.Subscribe(zero.Kind(), func(ev Event) {
		if p, ok := ev.Payload.(T); ok {
			fn(p, ev)
		}
	})
}
