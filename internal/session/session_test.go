package session

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/engine"
	"github.com/king-prawns/Tape/internal/key"
	"github.com/king-prawns/Tape/internal/logger"
)

const testMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT4S" minBufferTime="PT1S">
  <Period id="p0">
    <AdaptationSet contentType="video" mimeType="video/mp4" codecs="avc1.4d401f">
      <SegmentTemplate timescale="1" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number$.m4s" duration="2"/>
      <Representation id="v1" bandwidth="500000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func newOrigin() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testMPD))
	})
	mux.HandleFunc("/vod/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("segment"))
	})
	mux.HandleFunc("/gone/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	return httptest.NewServer(mux)
}

func newTestManager(t *testing.T, origin string) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Stream.TickInterval = 10 * time.Millisecond
	cfg.Transport.Retry = 1
	cfg.Transport.RetryDelay = time.Millisecond
	kid, _ := hex.DecodeString("0737b75ee8906c00bb7bb8f666da72a0")
	k, _ := hex.DecodeString("15f515458cdb5107452f943a111cbe89")
	cfg.Assets = []config.Asset{
		{Name: "Test VOD", ID: "vod", ManifestURL: origin + "/vod/manifest.mpd", Keys: []config.KeyPair{{KID: kid, Key: k}}},
		{Name: "Broken", ID: "gone", ManifestURL: origin + "/gone/manifest.mpd"},
	}
	keys, err := key.NewService(cfg.Assets)
	require.NoError(t, err)
	return NewManager(cfg, keys, logger.Nop())
}

func TestManager_CreateGetListDestroy(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newOrigin()
	defer srv.Close()
	sm := newTestManager(t, srv.URL)

	byAsset, err := sm.Create(context.Background(), Request{AssetID: "vod"})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/vod/manifest.mpd", byAsset.ManifestURL)
	assert.Equal(t, "vod", byAsset.AssetID)

	byURL, err := sm.Create(context.Background(), Request{ManifestURL: srv.URL + "/vod/manifest.mpd"})
	require.NoError(t, err)
	assert.NotEqual(t, byAsset.ID, byURL.ID)

	got, found := sm.Get(byURL.ID)
	require.True(t, found)
	assert.Same(t, byURL, got)

	var ids []string
	for _, s := range sm.List() {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{byAsset.ID, byURL.ID}, ids)

	require.NoError(t, sm.Destroy(byAsset.ID))
	_, found = sm.Get(byAsset.ID)
	assert.False(t, found)
	assert.Equal(t, engine.Destroyed, byAsset.Player.Lifecycle())
	assert.ErrorIs(t, sm.Destroy(byAsset.ID), ErrNotFound)

	require.NoError(t, sm.StopAll(context.Background()))
	assert.Empty(t, sm.List())
}

func TestManager_CreateErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	sm := newTestManager(t, "http://127.0.0.1:1")

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{name: "empty", req: Request{}, want: ErrInvalidRequest},
		{name: "both", req: Request{AssetID: "vod", ManifestURL: "http://example.com/a.mpd"}, want: ErrInvalidRequest},
		{name: "unknown asset", req: Request{AssetID: "nope"}, want: ErrAssetNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sm.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := sm.Create(context.Background(), Request{ManifestURL: "http://example.com/master.m3u8"})
	require.Error(t, err)
	assert.Empty(t, sm.List())
}

func TestManager_FatalPlayerIsRemoved(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newOrigin()
	defer srv.Close()
	sm := newTestManager(t, srv.URL)

	s, err := sm.Create(context.Background(), Request{AssetID: "gone"})
	require.NoError(t, err)

	select {
	case <-s.Player.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("player survived a fatal error")
	}
	assert.Eventually(t, func() bool {
		_, found := sm.Get(s.ID)
		return !found
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, sm.StopAll(context.Background()))
}
