package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CanonicalString builds the bytes signed for every authenticated request:
//
//	METHOD \n PATH_WITH_QUERY \n TIMESTAMP \n NONCE \n SHA256_HEX(body)
//
// The body hash is lowercase hex; the hash of the empty string is used when
// there is no body.
func CanonicalString(method, pathWithQuery, timestamp, nonce string, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		pathWithQuery,
		timestamp,
		nonce,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// Sign produces the detached ed25519 signature over the canonical string,
// hex encoded.
func Sign(method, pathWithQuery, timestamp, nonce string, body []byte, secretKey ed25519.PrivateKey) string {
	msg := CanonicalString(method, pathWithQuery, timestamp, nonce, body)
	return hex.EncodeToString(ed25519.Sign(secretKey, []byte(msg)))
}

// Verify checks the detached signature against the canonical string. It
// never panics: any malformed key, signature, or encoding yields false.
func Verify(method, pathWithQuery, timestamp, nonce string, body []byte, pubHex, sigHex string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := CanonicalString(method, pathWithQuery, timestamp, nonce, body)
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig)
}
