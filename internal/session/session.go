// Package session keeps the players created through the CLI or the HTTP
// API and shuts them down together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/engine"
	"github.com/king-prawns/Tape/internal/key"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/taperr"
)

var (
	// ErrNotFound is returned for unknown player ids.
	ErrNotFound = errors.New("player not found")
	// ErrAssetNotFound is returned for asset ids missing from the config.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrInvalidRequest is returned when a request names neither or both of
	// an asset and a manifest URL.
	ErrInvalidRequest = errors.New("exactly one of asset id and manifest url is required")
)

// Request describes the player to create.
type Request struct {
	AssetID     string `json:"asset_id,omitempty"`
	ManifestURL string `json:"manifest_url,omitempty"`
}

// Session is one player registered with the manager.
type Session struct {
	ID          string
	AssetID     string
	ManifestURL string
	CreatedAt   time.Time
	Player      *engine.Player
}

// Manager manages all active players.
type Manager struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
	cfg      *config.Config
	keys     *key.Service
	logger   logger.Logger
	opts     []engine.Option
	watchers sync.WaitGroup
}

// NewManager creates a session manager. opts are applied to every player.
func NewManager(cfg *config.Config, keys *key.Service, log logger.Logger, opts ...engine.Option) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		keys:     keys,
		logger:   logger.WithComponent(log, "session_manager"),
		opts:     opts,
	}
}

// Assets returns the configured assets.
func (sm *Manager) Assets() []config.Asset {
	return append([]config.Asset(nil), sm.cfg.Assets...)
}

// Create builds a player for an asset or a manifest URL and loads it.
// A player destroyed by a fatal error drops out of the manager on its own.
func (sm *Manager) Create(ctx context.Context, req Request) (*Session, error) {
	if (req.AssetID == "") == (req.ManifestURL == "") {
		return nil, ErrInvalidRequest
	}

	manifestURL := req.ManifestURL
	opts := append([]engine.Option(nil), sm.opts...)
	if req.AssetID != "" {
		asset, found := sm.cfg.Asset(req.AssetID)
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, req.AssetID)
		}
		manifestURL = asset.ManifestURL
		if store, found := sm.storeFor(asset.ID); found {
			sm.logger.Debugf("Using %d static keys for asset %s", store.Len(), asset.ID)
			opts = append(opts, engine.WithKeys(store))
		}
	}

	player := engine.New(sm.cfg, sm.logger, opts...)
	if err := player.Load(ctx, manifestURL); err != nil {
		_ = player.Destroy()
		return nil, fmt.Errorf("failed to load %s: %w", manifestURL, err)
	}

	s := &Session{
		ID:          player.ID(),
		AssetID:     req.AssetID,
		ManifestURL: manifestURL,
		CreatedAt:   time.Now(),
		Player:      player,
	}
	sm.mutex.Lock()
	sm.sessions[s.ID] = s
	sm.mutex.Unlock()
	sm.logger.Infof("Successfully created player %s for %s", s.ID, manifestURL)

	sm.watchers.Add(1)
	go func() {
		defer sm.watchers.Done()
		<-player.Done()
		sm.remove(s.ID)
	}()
	return s, nil
}

func (sm *Manager) storeFor(assetID string) (*key.Store, bool) {
	if sm.keys == nil {
		return nil, false
	}
	return sm.keys.StoreForAsset(assetID)
}

func (sm *Manager) remove(id string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	if _, found := sm.sessions[id]; found {
		delete(sm.sessions, id)
		sm.logger.Infof("Player %s removed", id)
	}
}

// Get returns a session by player id.
func (sm *Manager) Get(id string) (*Session, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	s, found := sm.sessions[id]
	return s, found
}

// List returns every session, oldest first.
func (sm *Manager) List() []*Session {
	sm.mutex.RLock()
	out := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s)
	}
	sm.mutex.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Destroy destroys one player and waits for it to stop.
func (sm *Manager) Destroy(id string) error {
	s, found := sm.Get(id)
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sm.logger.Infof("Destroying player %s", id)
	if err := s.Player.Destroy(); err != nil && !errors.Is(err, taperr.ErrNotReady) {
		return err
	}
	sm.remove(id)
	return nil
}

// StopAll destroys every player concurrently. It gives up waiting when ctx
// is done.
func (sm *Manager) StopAll(ctx context.Context) error {
	sm.logger.Infof("Stopping session manager and all active players...")
	var g errgroup.Group
	for _, s := range sm.List() {
		g.Go(func() error {
			if err := sm.Destroy(s.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		sm.watchers.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		sm.logger.Infof("Session manager stopped.")
		return err
	case <-ctx.Done():
		return fmt.Errorf("stopping players: %w", ctx.Err())
	}
}
