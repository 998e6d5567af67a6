// Package identity provides the device identity boundary the Gateway
// client's connect handshake signs over. Full attestation semantics
// belong to an external identity provider; this package implements only
// the minimal Signer contract the handshake needs, backed by a locally
// generated Ed25519 key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer produces the signature block the Gateway client attaches to its
// connect request.
type Signer interface {
	DeviceID() string
	PublicKeyBase64() string
	Sign(payload string) (signature string, signedAtMs int64, err error)
}

// Ed25519Signer is the default Signer: a device key persisted under the
// relay's state directory, generated on first run.
type Ed25519Signer struct {
	deviceID string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
}

// LoadOrCreate reads stateDir/identity.key, or generates and persists a
// new Ed25519 key if none exists. The device id is derived from the
// public key (hex of its first 8 bytes) so it is stable across restarts.
func LoadOrCreate(stateDir string) (*Ed25519Signer, error) {
	keyPath := filepath.Join(stateDir, "identity.key")

	if data, err := os.ReadFile(keyPath); err == nil {
		priv, perr := parsePrivateKey(data)
		if perr != nil {
			return nil, fmt.Errorf("identity: parse existing key: %w", perr)
		}
		return newSigner(priv), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read key: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create state dir: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return nil, fmt.Errorf("identity: persist key: %w", err)
	}
	return newSigner(priv), nil
}

func parsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity key: unexpected length %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

func newSigner(priv ed25519.PrivateKey) *Ed25519Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{
		deviceID: hex.EncodeToString(pub)[:16],
		priv:     priv,
		pub:      pub,
	}
}

func (s *Ed25519Signer) DeviceID() string { return s.deviceID }

func (s *Ed25519Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Sign produces a detached signature over the canonical payload and the
// signing timestamp used to build it.
func (s *Ed25519Signer) Sign(payload string) (string, int64, error) {
	signedAtMs := time.Now().UnixMilli()
	sig := ed25519.Sign(s.priv, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig), signedAtMs, nil
}

// CanonicalPayload builds the exact string the handshake signs over:
// v2|deviceId|clientId|clientMode|role|sortedScopesCsv|signedAtMs|token|nonce,
// with scopes sorted and deduped and empty token/nonce serialized as
// empty segments.
func CanonicalPayload(deviceID, clientID, clientMode, role string, scopes []string, signedAtMs int64, token, nonce string) string {
	dedup := make(map[string]struct{}, len(scopes))
	uniq := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if _, ok := dedup[sc]; ok {
			continue
		}
		dedup[sc] = struct{}{}
		uniq = append(uniq, sc)
	}
	sort.Strings(uniq)
	scopesCsv := strings.Join(uniq, ",")

	return strings.Join([]string{
		"v2",
		deviceID,
		clientID,
		clientMode,
		role,
		scopesCsv,
		strconv.FormatInt(signedAtMs, 10),
		token,
		nonce,
	}, "|")
}
