package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"polychat/internal/config"
	"polychat/internal/models"
	"polychat/internal/redis"
)

const testSecret = "test-secret"

type fakeUsers struct {
	calls atomic.Int32
	ids   map[string]int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{ids: make(map[string]int64)}
}

func (f *fakeUsers) EnsureUser(_ context.Context, externalID, email string) (*models.User, error) {
	f.calls.Add(1)
	id, ok := f.ids[externalID]
	if !ok {
		id = int64(len(f.ids) + 1)
		f.ids[externalID] = id
	}
	return &models.User{ID: id, ExternalID: externalID, Email: email}, nil
}

func signHS256(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	claims := Claims{
		Email: subject + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "https://clerk.example.com",
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newTestService(t *testing.T, users UserStore, cache *redis.Client) *Service {
	t.Helper()
	svc, err := NewService(config.AuthConfig{JWTSecret: testSecret, Issuer: "https://clerk.example.com"}, users, cache)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestVerifyTokenHS256(t *testing.T) {
	svc := newTestService(t, newFakeUsers(), nil)
	claims, err := svc.VerifyToken(signHS256(t, testSecret, "user_1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Subject != "user_1" || claims.Email != "user_1@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := svc.VerifyToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := svc.VerifyToken(signHS256(t, "other-secret", "user_1", time.Now().Add(time.Hour))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected bad signature rejection, got %v", err)
	}
	if _, err := svc.VerifyToken(signHS256(t, testSecret, "user_1", time.Now().Add(-time.Hour))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token rejection, got %v", err)
	}
}

func TestVerifyTokenRejectsWrongIssuer(t *testing.T) {
	svc, err := NewService(config.AuthConfig{JWTSecret: testSecret, Issuer: "https://other.example.com"}, newFakeUsers(), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.VerifyToken(signHS256(t, testSecret, "user_1", time.Now().Add(time.Hour))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer rejection, got %v", err)
	}
}

func TestVerifyTokenRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	svc, err := NewService(config.AuthConfig{JWTPublicKeyPEM: pemKey, JWTSecret: testSecret}, newFakeUsers(), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "user_rsa",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := svc.VerifyToken(token)
	if err != nil || claims.Subject != "user_rsa" {
		t.Fatalf("VerifyToken = %+v, %v", claims, err)
	}
	// HS256 must not be accepted once an RSA key is configured
	if _, err := svc.VerifyToken(signHS256(t, testSecret, "user_1", time.Now().Add(time.Hour))); err == nil {
		t.Fatalf("expected HS256 token to be rejected")
	}
}

func TestMiddlewareResolvesUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	users := newFakeUsers()
	svc := newTestService(t, users, nil)
	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		id, _ := UserIDFromContext(c)
		claims, _ := ClaimsFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id, "sub": claims.Subject})
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, testSecret, "user_a", time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "__session", Value: signHS256(t, testSecret, "user_a", time.Now().Add(time.Hour))})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie auth: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"code":"unauthorized:auth"`) {
		t.Fatalf("unexpected error body %s", body)
	}
}

func TestCSRFMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t, newFakeUsers(), nil)
	router := gin.New()
	router.Use(svc.CSRFMiddleware())
	router.POST("/mutate", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/read", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		name   string
		method string
		path   string
		setup  func(*http.Request)
		want   int
	}{
		{"get skips check", http.MethodGet, "/read", func(*http.Request) {}, http.StatusNoContent},
		{"missing token", http.MethodPost, "/mutate", func(*http.Request) {}, http.StatusForbidden},
		{"bearer exempt", http.MethodPost, "/mutate", func(r *http.Request) { r.Header.Set("Authorization", "Bearer x") }, http.StatusNoContent},
		{"mismatch", http.MethodPost, "/mutate", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "csrf_token", Value: "a"})
			r.Header.Set("X-CSRF-Token", "b")
		}, http.StatusForbidden},
		{"match", http.MethodPost, "/mutate", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "csrf_token", Value: "a"})
			r.Header.Set("X-CSRF-Token", "a")
		}, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestResolveUserUsesRedisCache(t *testing.T) {
	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	users := newFakeUsers()
	svc := newTestService(t, users, cacheClient)
	ctx := context.Background()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user_cached"}}

	first, err := svc.ResolveUser(ctx, claims)
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	got, err := cacheClient.Get(ctx, redisUserPrefix+"user_cached")
	if err != nil || got != strconv.FormatInt(first, 10) {
		t.Fatalf("expected cached id %d, got %q (%v)", first, got, err)
	}
	second, err := svc.ResolveUser(ctx, claims)
	if err != nil || second != first {
		t.Fatalf("cached ResolveUser = %d, %v", second, err)
	}
	if users.calls.Load() != 1 {
		t.Fatalf("expected one store lookup, got %d", users.calls.Load())
	}
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	cfg := &config.Config{Redis: config.RedisConfig{Host: host, Port: port}}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = client.Del(ctx, redisUserPrefix+"user_cached")
	return client, func() { client.Close() }
}
