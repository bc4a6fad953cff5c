package liveprovider

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IngestTokenSigner mints short-lived tokens a broadcaster presents to the
// allocated ingest endpoint.
type IngestTokenSigner struct {
	secret   []byte
	validity time.Duration
}

// NewIngestTokenSigner creates a signer. Validity bounds how long an issued
// credential remains usable.
func NewIngestTokenSigner(secret string, validity time.Duration) *IngestTokenSigner {
	return &IngestTokenSigner{secret: []byte(secret), validity: validity}
}

// ingestClaims binds a token to one session and one endpoint.
type ingestClaims struct {
	EndpointRef string `json:"endpoint_ref"`
	jwt.RegisteredClaims
}

// Sign issues an ingest credential token for the session's endpoint.
func (s *IngestTokenSigner) Sign(sessionID uuid.UUID, endpointRef string) (string, error) {
	now := time.Now()
	claims := ingestClaims{
		EndpointRef: endpointRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.validity)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the session id and endpoint ref it was
// issued for. Used by the ingest edge to admit broadcasters.
func (s *IngestTokenSigner) Verify(tokenString string) (uuid.UUID, string, error) {
	var claims ingestClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, "", fmt.Errorf("invalid ingest token: %w", err)
	}
	sessionID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid subject: %w", err)
	}
	return sessionID, claims.EndpointRef, nil
}
