// Package auth verifies the bearer tokens the platform attaches to webhook requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"botcore/pkg/config"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownBot   = errors.New("unknown bot")
)

// Claims identify the bot account a request is addressed to. The audience is the bot id
// and the issuer is the platform host.
type Claims struct {
	jwt.RegisteredClaims
}

// BotID returns the first audience entry.
func (c *Claims) BotID() string {
	if c == nil || len(c.Audience) == 0 {
		return ""
	}
	return c.Audience[0]
}

// Verifier validates an inbound token.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier checks HS256 tokens signed with the secret of the addressed bot.
type JWTVerifier struct {
	accounts map[string]config.BotAccount
	leeway   time.Duration
}

func NewJWTVerifier(accounts []config.BotAccount) *JWTVerifier {
	byID := make(map[string]config.BotAccount, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}
	return &JWTVerifier{accounts: byID, leeway: 5 * time.Second}
}

func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	var account config.BotAccount
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		claims, ok := t.Claims.(*Claims)
		if !ok {
			return nil, ErrInvalidToken
		}
		found, ok := v.accounts[claims.BotID()]
		if !ok {
			return nil, ErrUnknownBot
		}
		account = found
		return []byte(found.SecretKey), nil
	}, jwt.WithLeeway(v.leeway), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, ErrUnknownBot) {
			return nil, ErrUnknownBot
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if account.Host != "" && claims.Issuer != account.Host {
		return nil, fmt.Errorf("%w: issuer %q does not match bot host", ErrInvalidToken, claims.Issuer)
	}
	return claims, nil
}

// Sign issues a token for account, valid for ttl. A non-positive ttl omits expiry.
func Sign(account config.BotAccount, ttl time.Duration) (string, error) {
	if strings.TrimSpace(account.ID) == "" || account.SecretKey == "" {
		return "", errors.New("bot id and secret key are required")
	}

	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    account.Host,
		Audience:  jwt.ClaimStrings{account.ID},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(account.SecretKey))
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

type claimsContextKey struct{}

// WithClaims attaches verified claims to the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext retrieves verified claims from the context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}
