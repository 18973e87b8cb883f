package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/king-prawns/Tape/internal/api"
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/session"
	"github.com/king-prawns/Tape/internal/taperr"
)

var playCmd = &cobra.Command{
	Use:   "play [manifest-url]",
	Short: "Play one stream and log its events",
	Long: `Play a single stream headlessly until it ends or the process is
interrupted. The stream is given either as a manifest URL or as the id of an
asset from the config file.

Examples:
  tape play https://example.com/live/manifest.mpd
  tape play --asset bbb --audio-lang fr --events player_state_change,error`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlay,
}

// Events that fire every tick or on every request are only logged at debug.
var chattyEvents = map[events.Kind]bool{
	events.KindTimeUpdate:   true,
	events.KindHTTPRequest:  true,
	events.KindHTTPResponse: true,
	events.KindBufferUpdate: true,
	events.KindSegmentReady: true,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().String("asset", "", "asset id from the config file")
	playCmd.Flags().StringSlice("events", nil, "only log these event kinds")
	addPreferenceFlags(playCmd.Flags())
}

func addPreferenceFlags(fs *pflag.FlagSet) {
	fs.String("audio-lang", "", "preferred audio language")
	fs.String("text-lang", "", "subtitle language (subtitles stay off when empty)")
	fs.Int("quality", 0, "pin the video representation closest to this bandwidth (0 = adaptive)")
	fs.Float64("start", -1, "starting position in seconds")
	fs.Bool("paused", false, "load without starting playback")
}

// applyPreferences copies the preference flags into the stream config.
func applyPreferences(fs *pflag.FlagSet, stream *config.StreamConfig) {
	paused, _ := fs.GetBool("paused")
	stream.Autoplay = !paused
	if lang, _ := fs.GetString("audio-lang"); lang != "" {
		stream.PreferredAudioLanguage = lang
	}
	if lang, _ := fs.GetString("text-lang"); lang != "" {
		stream.PreferredTextLanguage = &lang
	}
	if q, _ := fs.GetInt("quality"); q > 0 {
		stream.PreferredVideoQuality = &q
	}
	if start, _ := fs.GetFloat64("start"); start >= 0 {
		stream.StartingPosition = &start
	}
}

func runPlay(cmd *cobra.Command, args []string) error {
	var req session.Request
	req.AssetID, _ = cmd.Flags().GetString("asset")
	if len(args) == 1 {
		req.ManifestURL = args[0]
	}

	applyPreferences(cmd.Flags(), &appConfig.Stream)

	names, _ := cmd.Flags().GetStringSlice("events")
	filter := make(map[events.Kind]bool, len(names))
	for _, name := range names {
		k, ok := events.ParseKind(strings.TrimSpace(name))
		if !ok {
			return fmt.Errorf("unknown event kind %q", name)
		}
		filter[k] = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionMgr, err := newSessionManager()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
		defer cancel()
		if err := sessionMgr.StopAll(shutdownCtx); err != nil {
			log.Errorf("Player shutdown failed: %v", err)
		}
	}()

	s, err := sessionMgr.Create(ctx, req)
	if err != nil {
		return err
	}
	ch, cancel, err := s.Player.Subscribe()
	if err != nil {
		return err
	}
	defer cancel()

	var fatal *taperr.Error
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				if fatal != nil {
					return fatal
				}
				return errors.New("player stopped")
			}
			if e, isErr := ev.Payload.(events.Error); isErr && taperr.IsFatal(e.Err) {
				fatal = e.Err
			}
			logEvent(ev, filter)
			if ev.Kind == events.KindEnded {
				log.Infof("Playback ended")
				return nil
			}
		case <-ctx.Done():
			log.Infof("Interrupted, stopping player %s", s.ID)
			return nil
		}
	}
}

func logEvent(ev events.Event, filter map[events.Kind]bool) {
	if len(filter) > 0 && !filter[ev.Kind] {
		return
	}
	line, err := json.Marshal(api.EncodeEvent(ev).Payload)
	if err != nil {
		line = []byte(fmt.Sprintf("%+v", ev.Payload))
	}
	switch {
	case ev.Kind == events.KindError:
		log.Warnf("[%8.3f] %s %s", ev.CurrentTime, ev.Kind, line)
	case chattyEvents[ev.Kind] && len(filter) == 0:
		log.Debugf("[%8.3f] %s %s", ev.CurrentTime, ev.Kind, line)
	default:
		log.Infof("[%8.3f] %s %s", ev.CurrentTime, ev.Kind, line)
	}
}
