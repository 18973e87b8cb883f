package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Output: &buf})

	WithComponent(log, "abr").Debugf("chose %s", "v1")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "tape", entry["service"])
	assert.Equal(t, "abr", entry["component"])
	assert.Equal(t, "chose v1", entry["message"])
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		logged  bool
		message func(Logger)
	}{
		{level: "warn", logged: false, message: func(l Logger) { l.Infof("hidden") }},
		{level: "warn", logged: true, message: func(l Logger) { l.Errorf("shown") }},
		{level: "bogus", logged: true, message: func(l Logger) { l.Infof("info is default") }},
		{level: "error", logged: false, message: func(l Logger) { l.Warnf("hidden") }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			tt.message(New(Config{Level: tt.level, Output: &buf}))
			assert.Equal(t, tt.logged, buf.Len() > 0)
		})
	}
}

func TestNop(t *testing.T) {
	log := Nop()
	assert.NotPanics(t, func() {
		log.With("k", "v").Errorf("nothing %d", 1)
	})
}
