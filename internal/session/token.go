package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "feedsync"
	defaultTokenTTL = time.Hour
)

var (
	ErrMissingSigningKey = errors.New("session: signing key required")
	ErrMissingToken      = errors.New("session: token required")
	ErrInvalidToken      = errors.New("session: invalid token")
	ErrExpiredToken      = errors.New("session: token expired")
	ErrMissingSubject    = errors.New("session: subject required")
)

// Claims is the JWT payload carried by an access token.
type Claims struct {
	UserID      string `json:"user_id"`
	AnonID      string `json:"anon_id"`
	DisplayName string `json:"display_name"`
	AvatarColor string `json:"avatar_color"`
	College     string `json:"college"`
	jwt.RegisteredClaims
}

// User returns the identity described by the claims.
func (c Claims) User() User {
	return User{
		ID:          c.UserID,
		AnonID:      c.AnonID,
		DisplayName: c.DisplayName,
		AvatarColor: c.AvatarColor,
		College:     c.College,
	}
}

// TokenConfig describes how access tokens are signed and validated.
type TokenConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIdentity issues and validates HS256 access tokens.
type TokenIdentity struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIdentity constructs a TokenIdentity with defaults for the issuer and TTL.
func NewTokenIdentity(cfg TokenConfig) (*TokenIdentity, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIdentity{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue signs a token for user and returns it with its expiry.
func (i *TokenIdentity) Issue(user User) (string, time.Time, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, ErrMissingSubject
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		UserID:      user.ID,
		AnonID:      user.AnonID,
		DisplayName: user.DisplayName,
		AvatarColor: user.AvatarColor,
		College:     user.College,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (i *TokenIdentity) ValidateToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithTimeFunc(i.clock),
		jwt.WithIssuer(i.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}
