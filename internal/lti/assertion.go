// internal/lti/assertion.go
package lti

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/coursekit/roster-sync/internal/keys"
)

// Assertions prove the client's identity to the token endpoint
// (private_key_jwt, RFC 7523). Fixed five-minute validity window.
const assertionTTL = 300 * time.Second

// signClientAssertion builds the RS256 client assertion for one token
// request. The jti is freshly random per call so platforms can enforce
// replay protection.
func signClientAssertion(key *keys.SigningKey, clientID, tokenEndpoint string, now time.Time) (string, error) {
	if key == nil || key.Key == nil {
		return "", keys.ErrNoSigningKey
	}
	if !strings.EqualFold(key.Alg, "RS256") {
		return "", keys.ErrUnsupportedKeyAlg
	}
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{tokenEndpoint},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KID
	return tok.SignedString(key.Key)
}
