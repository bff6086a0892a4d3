// Package services provides external service integrations and technical concerns like notifications and tokens
package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/amirphl/Kusanagi/utils"
	"github.com/golang-jwt/jwt/v5"
)

// Token service error constants
var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
)

// Service token scopes
const (
	ScopeLinksCreate = "links:create"
	ScopeOps         = "ops"
)

// TokenService issues and validates the service tokens presented by trusted callers
type TokenService interface {
	GenerateServiceToken(service string, scopes []string) (string, error)
	ValidateServiceToken(token string) (*ServiceTokenClaims, error)
}

// ServiceTokenClaims represents the claims in a service JWT
type ServiceTokenClaims struct {
	Service   string    `json:"service"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	TokenID   string    `json:"jti"`
}

// HasScope reports whether the token grants scope
func (c *ServiceTokenClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

type serviceClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// TokenServiceImpl implements TokenService with HMAC signed JWTs
type TokenServiceImpl struct {
	ttl       time.Duration
	secretKey []byte
	issuer    string
	audience  string
}

// NewTokenService creates a new token service
func NewTokenService(ttl time.Duration, issuer, audience, secretKey string) (TokenService, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("secret key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &TokenServiceImpl{
		ttl:       ttl,
		secretKey: []byte(secretKey),
		issuer:    issuer,
		audience:  audience,
	}, nil
}

// GenerateServiceToken signs a token for service carrying scopes
func (s *TokenServiceImpl) GenerateServiceToken(service string, scopes []string) (string, error) {
	if service == "" {
		return "", fmt.Errorf("service name is required")
	}
	now := utils.UTCNow()

	tokenID, err := generateTokenID()
	if err != nil {
		return "", err
	}

	claims := serviceClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateServiceToken validates a service JWT and returns its claims
func (s *TokenServiceImpl) ValidateServiceToken(token string) (*ServiceTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	var claims serviceClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	out := &ServiceTokenClaims{
		Service: claims.Subject,
		Scopes:  claims.Scopes,
		TokenID: claims.ID,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// generateTokenID generates a unique token ID
func generateTokenID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
