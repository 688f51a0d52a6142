package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubHex := hex.EncodeToString(pub)
	body := []byte(`{"title":"ocr"}`)

	sig := Sign("post", "/v1/offers", "1700000000", "0123456789abcdef0123456789abcdef", body, priv)
	if !Verify("POST", "/v1/offers", "1700000000", "0123456789abcdef0123456789abcdef", body, pubHex, sig) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubHex := hex.EncodeToString(pub)
	body := []byte(`{"title":"ocr"}`)
	nonce := "0123456789abcdef0123456789abcdef"
	sig := Sign("POST", "/v1/offers", "1700000000", nonce, body, priv)

	cases := []struct {
		name   string
		verify func() bool
	}{
		{"method", func() bool { return Verify("GET", "/v1/offers", "1700000000", nonce, body, pubHex, sig) }},
		{"path", func() bool { return Verify("POST", "/v1/jobs", "1700000000", nonce, body, pubHex, sig) }},
		{"timestamp", func() bool { return Verify("POST", "/v1/offers", "1700000001", nonce, body, pubHex, sig) }},
		{"nonce", func() bool { return Verify("POST", "/v1/offers", "1700000000", strings.Repeat("f", 32), body, pubHex, sig) }},
		{"body", func() bool { return Verify("POST", "/v1/offers", "1700000000", nonce, []byte(`{}`), pubHex, sig) }},
	}
	for _, tc := range cases {
		if tc.verify() {
			t.Fatalf("tampered %s still verified", tc.name)
		}
	}
}

func TestVerifyMalformedInputsNeverPanic(t *testing.T) {
	body := []byte("x")
	if Verify("POST", "/", "0", "00", body, "not-hex", strings.Repeat("0", 128)) {
		t.Fatal("bad pubkey accepted")
	}
	if Verify("POST", "/", "0", "00", body, strings.Repeat("0", 64), "zz") {
		t.Fatal("bad signature accepted")
	}
	if Verify("POST", "/", "0", "00", body, strings.Repeat("0", 62), strings.Repeat("0", 128)) {
		t.Fatal("short pubkey accepted")
	}
}

func TestCanonicalStringEmptyBodyHash(t *testing.T) {
	got := CanonicalString("get", "/v1/jobs?limit=5", "1700000000", "ab", nil)
	want := "GET\n/v1/jobs?limit=5\n1700000000\nab\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Fatalf("canonical string mismatch:\n got %q\nwant %q", got, want)
	}
}
