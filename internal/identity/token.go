package identity

import (
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// payloadAlgs covers the signature algorithms providers sign ID tokens with.
// The payload is read without verification, so the list only bounds parsing.
var payloadAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA, jose.HS256,
}

// TokenClaims extracts the payload of a signed JWT without verifying its
// signature. The agent trusts the TLS channel to the provider; it only needs
// the nonce and profile claims out of the token.
func TokenClaims(raw string) (Claims, error) {
	token, err := jwt.ParseSigned(raw, payloadAlgs)
	if err != nil {
		return Claims{}, fmt.Errorf("parsing token: %w", err)
	}

	var claims Claims
	if err := token.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return Claims{}, fmt.Errorf("reading token claims: %w", err)
	}

	return claims, nil
}
