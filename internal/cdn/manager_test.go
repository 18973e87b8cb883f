package cdn

import (
	"testing"

	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/stretchr/testify/assert"
)

func TestManager_OriginsAndRewrite(t *testing.T) {
	bus := events.NewBus(nil)
	m := New("https://a.example.com/vod/manifest.mpd", []string{"https://b.example.com/ignored/path", "https://c.example.com"}, bus, logger.Nop())
	defer m.Close()

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"}, m.Origins())
	assert.Equal(t, "https://a.example.com/vod/seg-1.m4s?token=1", m.URL("https://a.example.com/vod/seg-1.m4s?token=1"))
	assert.Equal(t, "https://license.example.org/ck", m.URL("https://license.example.org/ck"), "foreign origins are untouched")

	m.Next()
	assert.Equal(t, "https://b.example.com/vod/seg-1.m4s?token=1", m.URL("https://a.example.com/vod/seg-1.m4s?token=1"))
}

func TestManager_ManifestOriginNotDuplicated(t *testing.T) {
	bus := events.NewBus(nil)
	m := New("https://b.example.com/live.mpd", []string{"https://a.example.com", "https://b.example.com"}, bus, logger.Nop())
	defer m.Close()

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, m.Origins())
}

func TestManager_FailoverOnRetryExhausted(t *testing.T) {
	bus := events.NewBus(nil)
	m := New("https://a.example.com/m.mpd", []string{"https://b.example.com"}, bus, logger.Nop())
	defer m.Close()

	var changes []string
	var fatal []*taperr.Error
	events.On(bus, func(p events.CDNChange, _ events.Event) { changes = append(changes, p.Origin) })
	events.On(bus, func(p events.Error, _ events.Event) {
		if p.Err.Severity == taperr.SeverityFatal {
			fatal = append(fatal, p.Err)
		}
	})

	// Plain load errors do not fail over.
	bus.Emit(events.Error{Err: taperr.New(taperr.XHRLoad, taperr.SeverityError, "503")})
	assert.Empty(t, changes)

	bus.Emit(events.Error{Err: taperr.New(taperr.XHRRetry, taperr.SeverityError, "exhausted")})
	assert.Equal(t, []string{"https://b.example.com"}, changes)
	assert.Empty(t, fatal)

	bus.Emit(events.Error{Err: taperr.New(taperr.XHRRetry, taperr.SeverityError, "exhausted")})
	assert.Len(t, fatal, 1)
	assert.Equal(t, taperr.CDNExhausted, fatal[0].Code)
	assert.Equal(t, "", m.URL("https://a.example.com/seg.m4s"))
}
