// Package pkce generates the random material for one login attempt: the PKCE
// verifier/challenge pair, the CSRF state and the OIDC nonce.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
)

const MethodS256 = "S256"

// verifierBytes yields a 64 character base64url verifier.
const verifierBytes = 48

type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

type Source struct{}

func (p Source) randBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)

	return b
}

func (p Source) randString(n int) string {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

	ret := make([]byte, n)
	for i := range n {
		num, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		ret[i] = letters[num.Int64()]
	}

	return string(ret)
}

// PKCE returns a fresh verifier with its S256 challenge. The challenge is
// base64url(sha256(verifier)) over the verifier's ASCII bytes, which is what
// the provider recomputes during the code exchange.
func (p Source) PKCE() PKCE {
	verifierBuf := make([]byte, base64.RawURLEncoding.EncodedLen(verifierBytes))
	base64.RawURLEncoding.Encode(verifierBuf, p.randBytes(verifierBytes))

	challengeSHA := sha256.Sum256(verifierBuf)
	challengeBuf := make([]byte, base64.RawURLEncoding.EncodedLen(len(challengeSHA)))
	base64.RawURLEncoding.Encode(challengeBuf, challengeSHA[:])

	return PKCE{
		Verifier:  string(verifierBuf),
		Challenge: string(challengeBuf),
		Method:    MethodS256,
	}
}

// State returns the CSRF state round-tripped through the authorization flow.
func (p Source) State() string {
	return p.randString(64)
}

// Nonce returns the replay-protection nonce echoed back in the ID token.
func (p Source) Nonce() string {
	return p.randString(64)
}
