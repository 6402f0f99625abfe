// Package tokens issues and verifies session tokens signed with the active
// signing key from the secret store.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/KyFuirY/FreelanceOS/internal/secrets"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

// SubjectKey is the gin context key holding the authenticated subject.
const SubjectKey = "auth.subject"

var (
	ErrNoSigningKey = errors.New("tokens: signing key unavailable")
	ErrInvalidToken = errors.New("tokens: invalid token")
)

// KeySource looks up secrets by logical name.
type KeySource interface {
	Get(ctx context.Context, name string) (string, bool)
}

// Claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
}

// Signer signs HS256 tokens with the current value of a named secret.
type Signer struct {
	keys    KeySource
	keyName string
	issuer  string
	clock   clockwork.Clock
}

// NewSigner creates a signer reading secrets.JWTSigningKey from keys. A nil
// clock uses the real clock.
func NewSigner(keys KeySource, issuer string, clock clockwork.Clock) *Signer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signer{keys: keys, keyName: secrets.JWTSigningKey, issuer: issuer, clock: clock}
}

func (s *Signer) key(ctx context.Context) ([]byte, error) {
	v, ok := s.keys.Get(ctx, s.keyName)
	if !ok {
		return nil, ErrNoSigningKey
	}
	return []byte(v), nil
}

// Issue returns a token for subject valid for ttl.
func (s *Signer) Issue(ctx context.Context, subject string, ttl time.Duration) (string, error) {
	key, err := s.key(ctx)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and checks signature, issuer and validity window.
func (s *Signer) Verify(ctx context.Context, token string) (*Claims, error) {
	key, err := s.key(ctx)
	if err != nil {
		return nil, err
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware requires a valid bearer token and stores its subject under
// SubjectKey.
func (s *Signer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			_ = c.Error(apperrors.Unauthenticated.Explain("missing bearer token"))
			c.Abort()
			return
		}
		claims, err := s.Verify(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, ErrNoSigningKey) {
				_ = c.Error(apperrors.SecretIntegrity.Wrap(err))
			} else {
				_ = c.Error(apperrors.Unauthenticated.Wrap(err))
			}
			c.Abort()
			return
		}
		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}
