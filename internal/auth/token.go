package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer   = "aegis"
	DefaultTokenTTL = 7 * 24 * time.Hour
)

var errMissingSecret = errors.New("auth: signing secret is not configured")

// Claims is the session token payload. Role and Permissions are frozen at issuance.
type Claims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 session tokens. The secret is fixed at construction.
type Codec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec) error

// WithTokenTTL overrides the session lifetime.
func WithTokenTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: token ttl must be greater than zero", ErrInvalidInput)
		}
		c.ttl = ttl
		return nil
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewCodec builds a codec around secret. An empty secret is an error.
func NewCodec(secret []byte, opts ...CodecOption) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errMissingSecret
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		issuer: DefaultIssuer,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TTL returns the configured token lifetime.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue signs a token for user carrying roleName and a snapshot of perms.
func (c *Codec) Issue(user User, roleName string, perms PermissionSet) (string, time.Time, error) {
	userID := strings.TrimSpace(user.ID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(c.ttl)
	claims := Claims{
		Role:        roleName,
		Permissions: perms.Names(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer and expiry and returns the claims.
// Expired tokens yield ErrTokenExpired; every other failure wraps ErrTokenInvalid.
func (c *Codec) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}
	return claims, nil
}

// ExpiryOf reads the exp claim without verifying the token, so that already
// expired or foreign tokens can still be placed on the blacklist.
func (c *Codec) ExpiryOf(token string) (time.Time, string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return time.Time{}, "", ErrTokenMalformed
	}
	if claims.ExpiresAt == nil {
		return c.now().UTC().Add(c.ttl), claims.Subject, nil
	}
	return claims.ExpiresAt.Time, claims.Subject, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}
