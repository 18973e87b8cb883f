package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/king-prawns/Tape/internal/engine"
	"github.com/king-prawns/Tape/internal/taperr"
)

var errMissingField = errors.New("missing field")

// controlRequest is the body of POST /players/{id}/{action}. Each action
// reads the field it needs.
type controlRequest struct {
	Delta     *float64 `json:"delta"`
	Time      *float64 `json:"time"`
	Bandwidth *int     `json:"bandwidth"`
	Language  *string  `json:"language"`
	Volume    *float64 `json:"volume"`
	Rate      *float64 `json:"rate"`
	Active    *bool    `json:"active"`
}

type control func(p *engine.Player, req controlRequest) error

func required[T any](v *T, name string) (T, error) {
	if v == nil {
		var zero T
		return zero, fmt.Errorf("%w: %s", errMissingField, name)
	}
	return *v, nil
}

var controls = map[string]control{
	"play":  func(p *engine.Player, _ controlRequest) error { return p.Play() },
	"pause": func(p *engine.Player, _ controlRequest) error { return p.Pause() },
	"seek": func(p *engine.Player, req controlRequest) error {
		d, err := required(req.Delta, "delta")
		if err != nil {
			return err
		}
		return p.Seek(d)
	},
	"seek-to": func(p *engine.Player, req controlRequest) error {
		t, err := required(req.Time, "time")
		if err != nil {
			return err
		}
		return p.SeekTo(t)
	},
	"live-edge": func(p *engine.Player, _ controlRequest) error { return p.SeekToLiveEdge() },
	// A null bandwidth restores adaptive selection.
	"quality": func(p *engine.Player, req controlRequest) error { return p.ChooseVideoQuality(req.Bandwidth) },
	"audio": func(p *engine.Player, req controlRequest) error {
		lang, err := required(req.Language, "language")
		if err != nil {
			return err
		}
		return p.ChooseAudioLanguage(lang)
	},
	// A null language turns subtitles off.
	"text": func(p *engine.Player, req controlRequest) error { return p.ChooseTextLanguage(req.Language) },
	"volume": func(p *engine.Player, req controlRequest) error {
		v, err := required(req.Volume, "volume")
		if err != nil {
			return err
		}
		return p.SetVolume(v)
	},
	"mute":   func(p *engine.Player, _ controlRequest) error { return p.Mute() },
	"unmute": func(p *engine.Player, _ controlRequest) error { return p.Unmute() },
	"rate": func(p *engine.Player, req controlRequest) error {
		r, err := required(req.Rate, "rate")
		if err != nil {
			return err
		}
		return p.SetPlaybackRate(r)
	},
	"fullscreen": func(p *engine.Player, req controlRequest) error {
		on, err := required(req.Active, "active")
		if err != nil {
			return err
		}
		if on {
			return p.EnterFullscreen()
		}
		return p.ExitFullscreen()
	},
	"pip": func(p *engine.Player, req controlRequest) error {
		on, err := required(req.Active, "active")
		if err != nil {
			return err
		}
		if on {
			return p.EnterPictureInPicture()
		}
		return p.ExitPictureInPicture()
	},
}

func (a *API) handleControl(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	fn, ok := controls[action]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action %q", action))
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess := sessionFrom(r)
	err := fn(sess.Player, req)
	switch {
	case err == nil:
	case errors.Is(err, errMissingField):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, taperr.ErrNotReady):
		writeError(w, http.StatusConflict, err)
		return
	default:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.logger.Debugf("Player %s: %s", sess.ID, action)

	st, err := sess.Player.Status()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	view := viewOf(sess)
	view.Status = &st
	writeJSON(w, http.StatusOK, view)
}
