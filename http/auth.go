package http

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FacilitatorClaims identify the caller of facilitator endpoints
type FacilitatorClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthProvider signs a short-lived HS256 bearer token per request
type JWTAuthProvider struct {
	secret  []byte
	subject string
	ttl     time.Duration
	now     func() time.Time
}

var _ AuthProvider = (*JWTAuthProvider)(nil)

// NewJWTAuthProvider creates a provider signing tokens for subject with secret
func NewJWTAuthProvider(secret, subject string, ttl time.Duration) *JWTAuthProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWTAuthProvider{secret: []byte(secret), subject: subject, ttl: ttl, now: time.Now}
}

func (p *JWTAuthProvider) token(scope string) (string, error) {
	now := p.now()
	claims := &FacilitatorClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return signed, nil
}

// GetAuthHeaders returns a bearer header per endpoint
func (p *JWTAuthProvider) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	headers := AuthHeaders{}
	for scope, target := range map[string]*map[string]string{
		"verify":    &headers.Verify,
		"settle":    &headers.Settle,
		"supported": &headers.Supported,
	} {
		token, err := p.token(scope)
		if err != nil {
			return AuthHeaders{}, err
		}
		*target = map[string]string{"Authorization": "Bearer " + token}
	}
	return headers, nil
}

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errInvalidAuthorization = errors.New("invalid authorization header")
	errInvalidToken         = errors.New("invalid token")
)

// ParseBearer validates an Authorization header value against secret
func ParseBearer(header string, secret []byte) (*FacilitatorClaims, error) {
	if header == "" {
		return nil, errMissingAuthorization
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return nil, errInvalidAuthorization
	}

	claims := &FacilitatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	return claims, nil
}
