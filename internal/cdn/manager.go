// Package cdn rotates requests across equivalent origins.
package cdn

import (
	"net/url"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/taperr"
)

// Manager keeps the ordered origin list and the current position in it.
type Manager struct {
	bus     *events.Bus
	logger  logger.Logger
	origins []string
	current int
	sub     events.Subscription
}

// New builds the origin list: the configured origins, with the manifest
// origin prepended when it is not one of them. The manager advances on
// XHR_RETRY errors.
func New(manifestURL string, configured []string, bus *events.Bus, log logger.Logger) *Manager {
	m := &Manager{bus: bus, logger: logger.WithComponent(log, "cdn")}
	for _, c := range configured {
		if o := origin(c); o != "" && !m.has(o) {
			m.origins = append(m.origins, o)
		}
	}
	if o := origin(manifestURL); o != "" && !m.has(o) {
		m.origins = append([]string{o}, m.origins...)
	}

	m.sub = events.On(bus, func(p events.Error, _ events.Event) {
		if p.Err != nil && p.Err.Code == taperr.XHRRetry {
			m.Next()
		}
	})
	return m
}

func (m *Manager) has(o string) bool {
	for _, existing := range m.origins {
		if existing == o {
			return true
		}
	}
	return false
}

func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Current returns the active origin, or "" once exhausted.
func (m *Manager) Current() string {
	if m.current < len(m.origins) {
		return m.origins[m.current]
	}
	return ""
}

// Origins returns a copy of the origin list.
func (m *Manager) Origins() []string {
	return append([]string(nil), m.origins...)
}

// URL rewrites raw onto the current origin when its origin is one of the
// known CDNs. Other URLs are returned unchanged; "" once exhausted.
func (m *Manager) URL(raw string) string {
	current := m.Current()
	if current == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || !m.has(origin(raw)) {
		return raw
	}
	out := current + u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// Next moves to the following origin and emits CDN_CHANGE, or a fatal
// CDN_EXHAUSTED error when none is left.
func (m *Manager) Next() {
	m.current++
	if cdn := m.Current(); cdn != "" {
		m.logger.Infof("CDN change: %s", cdn)
		m.bus.Emit(events.CDNChange{Origin: cdn})
		return
	}
	m.logger.Errorf("CDN exhausted")
	m.bus.Emit(events.Error{Err: taperr.New(taperr.CDNExhausted, taperr.SeverityFatal, "CDN exhausted")})
}

// Close detaches the manager from the bus.
func (m *Manager) Close() {
	m.bus.Unsubscribe(m.sub)
}
