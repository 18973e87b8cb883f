package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/king-prawns/Tape/internal/api"
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/engine"
	"github.com/king-prawns/Tape/internal/key"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/session"
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

type playerResponse struct {
	ID          string         `json:"id"`
	AssetID     string         `json:"asset_id"`
	ManifestURL string         `json:"manifest_url"`
	Status      *engine.Status `json:"status"`
}

func setup(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testMPD))
	})
	mux.HandleFunc("/vod/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("segment"))
	})
	origin := httptest.NewServer(mux)
	t.Cleanup(origin.Close)

	cfg := config.Default()
	cfg.Stream.TickInterval = 10 * time.Millisecond
	cfg.Assets = []config.Asset{{Name: "Test VOD", ID: "vod", ManifestURL: origin.URL + "/vod/manifest.mpd"}}
	keys, err := key.NewService(cfg.Assets)
	require.NoError(t, err)

	sm := session.NewManager(cfg, keys, logger.Nop())
	t.Cleanup(func() { _ = sm.StopAll(context.Background()) })

	srv := httptest.NewServer(api.New(sm, logger.Nop()))
	t.Cleanup(srv.Close)
	return srv, sm
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAPI_Health(t *testing.T) {
	srv, _ := setup(t)

	var body map[string]any
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["players"])
}

func TestAPI_Assets(t *testing.T) {
	srv, _ := setup(t)

	var assets []map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/assets", nil, &assets))
	require.Len(t, assets, 1)
	assert.Equal(t, "vod", assets[0]["id"])
	assert.Equal(t, false, assets[0]["protected"])
}

func TestAPI_Metrics(t *testing.T) {
	srv, _ := setup(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tape_active_players")
}

func TestAPI_PlayerLifecycle(t *testing.T) {
	srv, sm := setup(t)

	var created playerResponse
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, srv.URL+"/players", session.Request{AssetID: "vod"}, &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "vod", created.AssetID)

	var list []playerResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/players", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	playerURL := srv.URL + "/players/" + created.ID
	var got playerResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, playerURL, nil, &got))
	require.NotNil(t, got.Status)
	assert.Equal(t, "loaded", got.Status.Lifecycle)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, playerURL+"/volume", map[string]any{"volume": 0.25}, &got))
	assert.InDelta(t, 0.25, got.Status.Volume, 1e-9)
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, playerURL+"/mute", nil, &got))
	assert.True(t, got.Status.Muted)
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, playerURL+"/rate", map[string]any{"rate": 2}, &got))
	assert.InDelta(t, 2, got.Status.PlaybackRate, 1e-9)

	assert.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, playerURL, nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, playerURL, nil, nil))
	assert.Empty(t, sm.List())
}

func TestAPI_Errors(t *testing.T) {
	srv, sm := setup(t)

	s, err := sm.Create(context.Background(), session.Request{AssetID: "vod"})
	require.NoError(t, err)
	playerURL := srv.URL + "/players/" + s.ID

	tests := []struct {
		name   string
		method string
		url    string
		body   any
		want   int
	}{
		{"Empty Create", http.MethodPost, srv.URL + "/players", session.Request{}, http.StatusBadRequest},
		{"Unknown Asset", http.MethodPost, srv.URL + "/players", session.Request{AssetID: "nope"}, http.StatusNotFound},
		{"Unsupported Manifest", http.MethodPost, srv.URL + "/players", session.Request{ManifestURL: "http://example.com/master.m3u8"}, http.StatusUnprocessableEntity},
		{"Unknown Player", http.MethodGet, srv.URL + "/players/unknown", nil, http.StatusNotFound},
		{"Unknown Action", http.MethodPost, playerURL + "/rewind", nil, http.StatusNotFound},
		{"Missing Field", http.MethodPost, playerURL + "/seek-to", map[string]any{}, http.StatusBadRequest},
		{"Unknown Event Kind", http.MethodGet, playerURL + "/events?kinds=nope", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, doJSON(t, tt.method, tt.url, tt.body, nil))
		})
	}
}

func TestAPI_EventsWebsocket(t *testing.T) {
	srv, sm := setup(t)

	s, err := sm.Create(context.Background(), session.Request{AssetID: "vod"})
	require.NoError(t, err)
	playerURL := srv.URL + "/players/" + s.ID

	wsURL := "ws" + strings.TrimPrefix(playerURL, "http") + "/events?kinds=volumechange"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, playerURL+"/volume", map[string]any{"volume": 0.5}, nil))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Kind    string `json:"kind"`
		Payload struct {
			Volume float64
			Muted  bool
		} `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "volumechange", msg.Kind)
	assert.InDelta(t, 0.5, msg.Payload.Volume, 1e-9)

	require.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, playerURL, nil, nil))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}
