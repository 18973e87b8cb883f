package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/king-prawns/Tape/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventMessage is the JSON form of a player event, as sent on the events
// websocket.
type EventMessage struct {
	Kind        string  `json:"kind"`
	CurrentTime float64 `json:"current_time"`
	Payload     any     `json:"payload,omitempty"`
}

// EncodeEvent converts ev, trimming payloads that carry bulk data down to
// their summary.
func EncodeEvent(ev events.Event) EventMessage {
	msg := EventMessage{Kind: ev.Kind.String(), CurrentTime: ev.CurrentTime, Payload: ev.Payload}
	switch p := ev.Payload.(type) {
	case events.Error:
		if p.Err != nil {
			msg.Payload = map[string]any{
				"code":     p.Err.Code,
				"severity": p.Err.Severity.String(),
				"message":  p.Err.Error(),
			}
		}
	case events.HTTPResponse:
		msg.Payload = map[string]any{
			"url":          p.URL,
			"request_type": p.RequestType,
			"bytes":        len(p.Data),
			"elapsed":      p.Elapsed,
		}
	case events.ManifestReady:
		if p.Manifest != nil {
			msg.Payload = map[string]any{
				"url":      p.Manifest.URL,
				"type":     p.Manifest.Type,
				"duration": p.Manifest.MediaPresentationDuration,
				"periods":  len(p.Manifest.Periods),
			}
		}
	case events.ChooseRepresentation:
		if r := p.Representation; r != nil {
			msg.Payload = map[string]any{
				"id":           r.ID,
				"content_type": r.ContentType,
				"bandwidth":    r.Bandwidth,
			}
		}
	case events.Encrypted:
		msg.Payload = map[string]any{"init_data_type": p.InitDataType, "bytes": len(p.InitData)}
	}
	return msg
}

func parseKinds(raw string) ([]events.Kind, error) {
	if raw == "" {
		return nil, nil
	}
	var kinds []events.Kind
	for _, name := range strings.Split(raw, ",") {
		k, ok := events.ParseKind(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// handleEvents streams player events to a websocket until either side goes
// away. The socket is closed normally once the player is destroyed.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess := sessionFrom(r)
	ch, cancel, err := sess.Player.Subscribe(kinds...)
	if err != nil {
		writeError(w, http.StatusGone, err)
		return
	}
	defer cancel()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "player destroyed"))
				return
			}
			if err := conn.WriteJSON(EncodeEvent(ev)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
