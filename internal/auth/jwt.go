// Package auth issues and verifies the HS256 tokens that guard the management
// API and the per-job stream endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature, expiry or scope checks.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrWrongJob is returned when a stream token names a different job.
	ErrWrongJob = errors.New("token does not grant access to this job")
)

const defaultTTL = time.Hour

// Claims are the registered claims plus the job a stream token is scoped to.
// Access tokens leave Job empty.
type Claims struct {
	Job string `json:"job,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and validates tokens with a shared secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService returns a Service. A non-positive ttl falls back to one hour.
func NewService(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// IssueAccessToken signs a management token for subject.
func (s *Service) IssueAccessToken(subject string) (string, error) {
	return s.sign(Claims{RegisteredClaims: s.registered(subject)})
}

// IssueStreamToken signs a token that only opens streams of appJobID.
func (s *Service) IssueStreamToken(appJobID string) (string, error) {
	if appJobID == "" {
		return "", errors.New("app job id is required")
	}
	return s.sign(Claims{Job: appJobID, RegisteredClaims: s.registered("stream")})
}

// VerifyAccess accepts management tokens only.
func (s *Service) VerifyAccess(token string) (*Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Job != "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyStream accepts a stream token for appJobID or any management token.
func (s *Service) VerifyStream(token, appJobID string) (*Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Job != "" && claims.Job != appJobID {
		return nil, ErrWrongJob
	}
	return claims, nil
}

func (s *Service) registered(subject string) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
}

func (s *Service) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
