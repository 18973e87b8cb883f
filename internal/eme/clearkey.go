package eme

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/abema/go-mp4"

	"github.com/king-prawns/Tape/internal/media"
)

// Init data types accepted by the ClearKey session.
const (
	InitDataTypeCENC   = "cenc"
	InitDataTypeKeyIDs = "keyids"
)

var (
	commonSystemID   = [16]byte{0x10, 0x77, 0xef, 0xec, 0xc0, 0xb2, 0x4d, 0x02, 0xac, 0xe3, 0x3c, 0x1e, 0x52, 0xe2, 0xfb, 0x4b}
	clearKeySystemID = [16]byte{0xe2, 0x71, 0x9d, 0x58, 0xa9, 0x85, 0xb3, 0xc9, 0x78, 0x1a, 0xb0, 0x30, 0xaf, 0x78, 0xd3, 0x0e}
)

var (
	videoMimeCodecs = []string{
		`video/mp4; codecs="avc1.4d401e"`,
		`video/mp4; codecs="avc1.42e01e"`,
		`video/webm; codecs="vp8"`,
	}
	audioMimeCodecs = []string{
		`audio/mp4; codecs="mp4a.40.2"`,
		`audio/webm; codecs="opus"`,
	}
)

// ErrNoKeyIDs is returned when init data names no key.
var ErrNoKeyIDs = errors.New("no key ids in init data")

// capability is one content type the CDM is asked to decrypt.
type capability struct {
	ContentType string
	Robustness  string
}

func capabilities(mimeCodecs, robustness []string) []capability {
	if len(robustness) == 0 {
		out := make([]capability, 0, len(mimeCodecs))
		for _, mc := range mimeCodecs {
			out = append(out, capability{ContentType: mc})
		}
		return out
	}
	var out []capability
	for _, r := range robustness {
		for _, mc := range mimeCodecs {
			out = append(out, capability{ContentType: mc, Robustness: r})
		}
	}
	return out
}

// keySystemAccess is granted for ClearKey when at least one video and one
// audio capability is playable. ClearKey has no robustness levels.
type keySystemAccess struct {
	video []capability
	audio []capability
}

func requestAccess(keySystem string, robustness []string) (*keySystemAccess, error) {
	if keySystem != KeySystemClearKey {
		return nil, fmt.Errorf("key system %q is not available", keySystem)
	}
	filter := func(caps []capability) []capability {
		var out []capability
		for _, c := range caps {
			if c.Robustness == "" && media.IsTypeSupported(c.ContentType) {
				out = append(out, c)
			}
		}
		return out
	}
	access := &keySystemAccess{
		video: filter(capabilities(videoMimeCodecs, robustness)),
		audio: filter(capabilities(audioMimeCodecs, robustness)),
	}
	if len(access.video) == 0 || len(access.audio) == 0 {
		return nil, fmt.Errorf("no supported configuration for %s with robustness %v", keySystem, robustness)
	}
	return access, nil
}

// createMediaKeys validates the optional base64 server certificate.
// ClearKey ignores it once decoded.
func (a *keySystemAccess) createMediaKeys(serverCertificate string) (*mediaKeys, error) {
	mk := &mediaKeys{}
	if serverCertificate != "" {
		cert, err := base64.StdEncoding.DecodeString(serverCertificate)
		if err != nil {
			return nil, fmt.Errorf("invalid server certificate: %w", err)
		}
		mk.serverCertificate = cert
	}
	return mk, nil
}

type mediaKeys struct {
	serverCertificate []byte
}

func (mk *mediaKeys) createSession() *session {
	return &session{keys: make(map[string][]byte)}
}

// session is a ClearKey key session. Key ids are kept as lowercase hex.
type session struct {
	requested []string
	keys      map[string][]byte
}

type licenseRequest struct {
	KIDs []string `json:"kids"`
	Type string   `json:"type"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	KID string `json:"kid"`
	K   string `json:"k"`
}

type licenseResponse struct {
	Keys []jsonWebKey `json:"keys"`
	Type string       `json:"type,omitempty"`
}

// generateRequest reads the key ids out of init data and returns the
// license request message. defaultKID is used when cenc init data carries
// no v1 pssh box.
func (s *session) generateRequest(initDataType string, initData []byte, defaultKID string) ([]byte, error) {
	var (
		kids []string
		err  error
	)
	switch initDataType {
	case InitDataTypeCENC:
		kids, err = psshKeyIDs(initData)
	case InitDataTypeKeyIDs:
		kids, err = jsonKeyIDs(initData)
	default:
		return nil, fmt.Errorf("unsupported init data type %q", initDataType)
	}
	if err != nil {
		return nil, err
	}
	if len(kids) == 0 && defaultKID != "" {
		kids = []string{defaultKID}
	}
	if len(kids) == 0 {
		return nil, ErrNoKeyIDs
	}
	s.requested = kids

	req := licenseRequest{Type: "temporary"}
	for _, kid := range kids {
		raw, _ := hex.DecodeString(kid)
		req.KIDs = append(req.KIDs, base64.RawURLEncoding.EncodeToString(raw))
	}
	return json.Marshal(req)
}

// update installs the keys of a JSON Web Key set license.
func (s *session) update(license []byte) error {
	var resp licenseResponse
	if err := json.Unmarshal(license, &resp); err != nil {
		return fmt.Errorf("invalid license: %w", err)
	}
	installed := 0
	for _, k := range resp.Keys {
		if k.Kty != "oct" {
			continue
		}
		kid, err := decodeB64URL(k.KID)
		if err != nil {
			return fmt.Errorf("invalid kid %q: %w", k.KID, err)
		}
		key, err := decodeB64URL(k.K)
		if err != nil {
			return fmt.Errorf("invalid key for kid %q: %w", k.KID, err)
		}
		s.keys[hex.EncodeToString(kid)] = key
		installed++
	}
	if installed == 0 {
		return errors.New("license carries no keys")
	}
	return nil
}

func (s *session) install(kid string, key []byte) {
	s.keys[kid] = key
}

// usable reports whether every requested key id has a key.
func (s *session) usable() bool {
	if len(s.requested) == 0 {
		return false
	}
	for _, kid := range s.requested {
		if _, ok := s.keys[kid]; !ok {
			return false
		}
	}
	return true
}

func decodeB64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// psshKeyIDs returns the key ids of every v1 Common or ClearKey pssh box.
func psshKeyIDs(initData []byte) ([]string, error) {
	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(initData), nil, mp4.BoxPath{mp4.BoxTypePssh()})
	if err != nil {
		return nil, fmt.Errorf("read pssh: %w", err)
	}
	var kids []string
	seen := make(map[string]bool)
	for _, b := range boxes {
		pssh := b.Payload.(*mp4.Pssh)
		if pssh.GetVersion() == 0 || (pssh.SystemID != commonSystemID && pssh.SystemID != clearKeySystemID) {
			continue
		}
		for _, k := range pssh.KIDs {
			kid := hex.EncodeToString(k.KID[:])
			if !seen[kid] {
				seen[kid] = true
				kids = append(kids, kid)
			}
		}
	}
	return kids, nil
}

func jsonKeyIDs(initData []byte) ([]string, error) {
	var req licenseRequest
	if err := json.Unmarshal(initData, &req); err != nil {
		return nil, fmt.Errorf("invalid keyids init data: %w", err)
	}
	kids := make([]string, 0, len(req.KIDs))
	for _, k := range req.KIDs {
		raw, err := decodeB64URL(k)
		if err != nil {
			return nil, fmt.Errorf("invalid kid %q: %w", k, err)
		}
		kids = append(kids, hex.EncodeToString(raw))
	}
	return kids, nil
}
