package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource 签发访问后端使用的 HS256 Bearer Token，并在过期前复用
type TokenSource struct {
	secret  []byte
	issuer  string
	subject string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource 创建 TokenSource。secret 为空时返回 nil，调用方视为不认证。
func NewTokenSource(secret, issuer, subject string, ttl time.Duration) *TokenSource {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenSource{
		secret:  []byte(secret),
		issuer:  issuer,
		subject: subject,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Token 返回有效的 Token，剩余有效期不足 1/4 时重新签发
func (ts *TokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.token != "" && now.Add(ts.ttl/4).Before(ts.expires) {
		return ts.token, nil
	}

	expires := now.Add(ts.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    ts.issuer,
		Subject:   ts.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("sign backend token: %w", err)
	}
	ts.token = signed
	ts.expires = expires
	return signed, nil
}

// Authorize 为请求设置 Authorization 头。nil 接收者不做任何事。
func (ts *TokenSource) Authorize(h http.Header) error {
	if ts == nil {
		return nil
	}
	token, err := ts.Token()
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

// ErrUnauthorized Token 缺失或无效
var ErrUnauthorized = errors.New("unauthorized")

// VerifyBearer 校验 Authorization 头中的 HS256 Token，返回其 claims
func VerifyBearer(header, secret, issuer string) (*jwt.RegisteredClaims, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}
