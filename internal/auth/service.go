package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"polychat/internal/config"
	"polychat/internal/models"
	"polychat/internal/redis"
)

const redisUserPrefix = "polychat:auth:user:"

var (
	ErrMissingToken = errors.New("token required")
	ErrInvalidToken = errors.New("invalid token")
)

// UserStore maps identity-provider subjects onto local users.
type UserStore interface {
	EnsureUser(ctx context.Context, externalID, email string) (*models.User, error)
}

// Claims are the session token claims the service relies on.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Service verifies identity-provider session tokens and resolves local users.
type Service struct {
	users          UserStore
	cache          *redis.Client
	cacheTTL       time.Duration
	keyFunc        jwt.Keyfunc
	parserOptions  []jwt.ParserOption
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service. An RS256 public key takes
// precedence over an HS256 shared secret.
func NewService(cfg config.AuthConfig, users UserStore, cache *redis.Client) (*Service, error) {
	s := &Service{
		users:          users,
		cache:          cache,
		cacheTTL:       time.Duration(cfg.UserCacheMinutes) * time.Minute,
		cookieName:     cfg.CookieName,
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = time.Hour
	}
	if s.cookieName == "" {
		s.cookieName = "__session"
	}

	switch {
	case strings.TrimSpace(cfg.JWTPublicKeyPEM) != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		s.keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
		s.parserOptions = append(s.parserOptions, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	case cfg.JWTSecret != "":
		secret := []byte(cfg.JWTSecret)
		s.keyFunc = func(*jwt.Token) (interface{}, error) { return secret, nil }
		s.parserOptions = append(s.parserOptions, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	default:
		return nil, errors.New("auth: no jwt verification key configured")
	}
	s.parserOptions = append(s.parserOptions, jwt.WithExpirationRequired(), jwt.WithLeeway(5*time.Second))
	if cfg.Issuer != "" {
		s.parserOptions = append(s.parserOptions, jwt.WithIssuer(cfg.Issuer))
	}
	return s, nil
}

// VerifyToken validates the signature and registered claims of a session token.
func (s *Service) VerifyToken(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, s.keyFunc, s.parserOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ResolveUser returns the local user id for verified claims.
func (s *Service) ResolveUser(ctx context.Context, claims *Claims) (int64, error) {
	key := redisUserPrefix + claims.Subject
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, key); err == nil {
			if id, err := strconv.ParseInt(cached, 10, 64); err == nil && id > 0 {
				return id, nil
			}
		} else if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("auth: user cache lookup failed: %v", err)
		}
	}
	user, err := s.users.EnsureUser(ctx, claims.Subject, claims.Email)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, strconv.FormatInt(user.ID, 10), s.cacheTTL); err != nil {
			log.Printf("auth: user cache store failed: %v", err)
		}
	}
	return user.ID, nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie carrying the session token.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}
