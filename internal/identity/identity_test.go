package identity_test

import (
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/basket/openclaw-relay/internal/identity"
)

func TestLoadOrCreatePersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	s1, err := identity.LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	s2, err := identity.LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if s1.DeviceID() != s2.DeviceID() {
		t.Fatalf("expected stable device id, got %s then %s", s1.DeviceID(), s2.DeviceID())
	}
	if s1.PublicKeyBase64() != s2.PublicKeyBase64() {
		t.Fatalf("expected stable public key across loads")
	}
}

func TestSignVerifiesAgainstPublicKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s, err := identity.LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	payload := identity.CanonicalPayload(s.DeviceID(), "client-1", "backend", "operator", []string{"b", "a", "a"}, 1000, "tok", "nonce")
	sig, signedAt, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signedAt <= 0 {
		t.Fatalf("expected positive signedAt")
	}

	pub, err := base64.StdEncoding.DecodeString(s.PublicKeyBase64())
	if err != nil {
		t.Fatalf("decode pubkey: %v", err)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(payload), sigBytes) {
		t.Fatalf("signature did not verify against the device public key")
	}
}

func TestCanonicalPayloadDedupsAndSortsScopes(t *testing.T) {
	p1 := identity.CanonicalPayload("d", "c", "backend", "operator", []string{"z", "a", "a", "z"}, 1, "", "")
	p2 := identity.CanonicalPayload("d", "c", "backend", "operator", []string{"a", "z"}, 1, "", "")
	if p1 != p2 {
		t.Fatalf("expected deduped/sorted scopes to produce identical payloads, got %q vs %q", p1, p2)
	}
}
