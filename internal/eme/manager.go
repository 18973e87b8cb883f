// Package eme acquires content keys for protected manifests with a headless
// ClearKey CDM. Licenses travel through the player's transport.
package eme

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"

	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/dash"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/models"
	"github.com/king-prawns/Tape/internal/taperr"
	"github.com/king-prawns/Tape/internal/transport"
)

// KeySystemClearKey is used when no key system is configured.
const KeySystemClearKey = dash.KeySystemClearKey

// Requester is the part of the transport the license flow needs.
type Requester interface {
	Request(req transport.Request, onSuccess func(transport.Response)) transport.ID
}

// KeySource resolves keys locally, without a license server.
type KeySource interface {
	Lookup(kid []byte) ([]byte, bool)
}

// Params wires a Manager.
type Params struct {
	ContentProtections []models.ContentProtection
	Config             config.EMEConfig
	Transport          Requester
	// Keys may be nil.
	Keys KeySource
}

// Manager runs the license flow: pick a content protection, create a key
// session, send the license request and signal EMEReady.
type Manager struct {
	p      Params
	bus    *events.Bus
	logger logger.Logger

	keys         *mediaKeys
	session      *session
	initData     []byte
	initDataType string
	defaultKID   string
	generated    bool
	ready        bool
	encSub       *events.Subscription
}

// NewManager creates the manager and starts listening for Encrypted events.
func NewManager(p Params, bus *events.Bus, log logger.Logger) *Manager {
	m := &Manager{
		p:      p,
		bus:    bus,
		logger: logger.WithComponent(log, "eme"),
	}
	m.logger.Infof("Content protections: %d", len(p.ContentProtections))
	sub := events.On(bus, m.onEncrypted)
	m.encSub = &sub
	return m
}

// Ready reports whether EMEReady has been signalled.
func (m *Manager) Ready() bool {
	return m.ready
}

// KeyIDs lists the installed key ids as hex, sorted.
func (m *Manager) KeyIDs() []string {
	if m.session == nil {
		return nil
	}
	out := make([]string, 0, len(m.session.keys))
	for kid := range m.session.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

// Key returns the installed key for kid.
func (m *Manager) Key(kid []byte) ([]byte, bool) {
	if m.session == nil {
		return nil, false
	}
	k, ok := m.session.keys[hex.EncodeToString(kid)]
	return k, ok
}

func (m *Manager) keySystem() string {
	if m.p.Config.KeySystem == "" {
		return KeySystemClearKey
	}
	return m.p.Config.KeySystem
}

// Init selects the content protection for the configured key system and
// creates the key session. Without manifest init data the buffers are
// released at once and the request waits for the first Encrypted event.
func (m *Manager) Init() {
	keySystem := m.keySystem()
	var cp *models.ContentProtection
	for i := range m.p.ContentProtections {
		if m.p.ContentProtections[i].KeySystem == keySystem {
			cp = &m.p.ContentProtections[i]
			break
		}
	}
	if cp == nil {
		m.fail(taperr.ContentProtectionNotFound, fmt.Errorf("no content protection found for '%s' key system", keySystem))
		return
	}
	m.defaultKID = cp.KeyID

	if len(cp.InitData) > 0 {
		m.stopEncrypted()
	} else {
		m.signalReady()
	}

	m.logger.Infof("Request media key system access: %s", keySystem)
	access, err := requestAccess(keySystem, m.p.Config.Robustness)
	if err != nil {
		m.fail(taperr.RequestMediaKeyAccess, err)
		return
	}
	m.logger.Debugf("Create media keys (%d video, %d audio capabilities)", len(access.video), len(access.audio))
	mk, err := access.createMediaKeys(m.p.Config.ServerCertificate)
	if err != nil {
		m.fail(taperr.CreateMediaKeys, err)
		return
	}
	m.keys = mk
	m.session = mk.createSession()

	if len(cp.InitData) > 0 {
		m.initData = cp.InitData
		m.initDataType = InitDataTypeCENC
	}
	m.generateRequest()
}

func (m *Manager) onEncrypted(p events.Encrypted, _ events.Event) {
	m.stopEncrypted()
	if p.InitDataType != InitDataTypeCENC || len(p.InitData) == 0 {
		return
	}
	m.logger.Debugf("Encrypted event: %s (%d bytes)", p.InitDataType, len(p.InitData))
	m.initData = p.InitData
	m.initDataType = p.InitDataType
	m.generateRequest()
}

func (m *Manager) stopEncrypted() {
	if m.encSub != nil {
		m.bus.Unsubscribe(*m.encSub)
		m.encSub = nil
	}
}

func (m *Manager) generateRequest() {
	if m.session == nil || m.initData == nil || m.generated {
		return
	}
	m.logger.Infof("Generate '%s' request", m.initDataType)
	message, err := m.session.generateRequest(m.initDataType, m.initData, m.defaultKID)
	if err != nil {
		m.fail(taperr.InitializeKeySession, fmt.Errorf("unable to create or initialize key session: %w", err))
		return
	}
	m.generated = true
	m.onMessage(message)
}

func (m *Manager) onMessage(message []byte) {
	if m.installStaticKeys() {
		m.logger.Infof("Keys resolved from configuration")
		m.onKeysChange()
		return
	}
	server := m.p.Config.LicenseServer
	if server == "" {
		m.fail(taperr.LicenseRequestFailed, fmt.Errorf("no license server configured for %d key ids", len(m.session.requested)))
		return
	}
	m.logger.Debugf("License request to %s: %s", server, message)
	m.p.Transport.Request(transport.Request{
		URL:    server,
		Type:   events.RequestLicense,
		Method: http.MethodPost,
		Body:   message,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	}, m.onLicense)
}

// installStaticKeys installs configured keys when they cover every
// requested key id.
func (m *Manager) installStaticKeys() bool {
	if m.p.Keys == nil {
		return false
	}
	found := make(map[string][]byte, len(m.session.requested))
	for _, kid := range m.session.requested {
		raw, err := hex.DecodeString(kid)
		if err != nil {
			return false
		}
		key, ok := m.p.Keys.Lookup(raw)
		if !ok {
			return false
		}
		found[kid] = key
	}
	for kid, key := range found {
		m.session.install(kid, key)
	}
	return true
}

func (m *Manager) onLicense(resp transport.Response) {
	if m.session == nil {
		return
	}
	if err := m.session.update(resp.Data); err != nil {
		m.fail(taperr.MediaKeySessionUpdate, fmt.Errorf("update() failed: %w", err))
		return
	}
	m.logger.Debugf("License loaded successfully")
	m.onKeysChange()
}

func (m *Manager) onKeysChange() {
	if !m.session.usable() {
		m.logger.Warnf("Keys still missing after license update")
		return
	}
	m.signalReady()
}

func (m *Manager) signalReady() {
	if m.ready {
		return
	}
	m.ready = true
	m.logger.Infof("EME ready")
	m.bus.Emit(events.EMEReady{})
}

func (m *Manager) fail(code taperr.Code, err error) {
	m.logger.Errorf("%v", err)
	m.bus.Emit(events.Error{Err: taperr.Wrap(code, taperr.SeverityFatal, err)})
}

// Close drops the session and its keys.
func (m *Manager) Close() {
	m.logger.Infof("Destroying EME manager")
	m.stopEncrypted()
	m.keys = nil
	m.session = nil
	m.initData = nil
	m.initDataType = ""
	m.generated = false
	m.ready = false
}
