package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation failure kinds. The session controller maps these onto the
// auth response error text; handlers map them onto 401 bodies.
var (
	ErrMissingToken   = errors.New("missing token")
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("invalid token signature")
	ErrExpired        = errors.New("token expired")
	ErrWrongIssuer    = errors.New("invalid token issuer")
	ErrWrongAudience  = errors.New("invalid token audience")
	ErrMissingSubject = errors.New("token missing subject claim")
)

// DefaultRole is assumed when a token carries no role claim.
const DefaultRole = "device"

// DeviceContext is the authenticated identity for one session. Immutable
// after issuance; never shared across sessions.
type DeviceContext struct {
	ClientID    string
	Role        string
	PubPatterns []string
	SubPatterns []string
	ExpiresAt   time.Time
}

// CanUseAt reports whether the context is still valid at t, allowing the
// configured clock skew past the expiry instant.
func (d *DeviceContext) CanUseAt(t time.Time, skew time.Duration) bool {
	return t.Before(d.ExpiresAt.Add(skew))
}

// PatternList accepts either a JSON string array or a single
// comma-separated string, the two claim encodings issuers use.
type PatternList []string

func (p *PatternList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*p = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("pattern claim must be a string array or comma-separated string")
	}
	if s == "" {
		*p = nil
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*p = out
	return nil
}

// Claims is the gateway token claim set.
type Claims struct {
	Role      string      `json:"role,omitempty"`
	Pub       PatternList `json:"pub,omitempty"`
	Subscribe PatternList `json:"subscribe,omitempty"`
	jwt.RegisteredClaims
}

// Config holds token validation settings.
type Config struct {
	Secret        string
	Issuer        string
	Audience      string
	ClockSkew     time.Duration
	DefaultExpiry time.Duration
}

// Validator verifies HS256 bearer tokens and extracts device contexts.
type Validator struct {
	config Config
}

// NewValidator creates a validator for the given settings.
func NewValidator(cfg Config) *Validator {
	return &Validator{config: cfg}
}

// ClockSkew returns the configured expiry leeway.
func (v *Validator) ClockSkew() time.Duration {
	return v.config.ClockSkew
}

// Validate parses and verifies a bearer token, returning the device
// context it grants.
func (v *Validator) Validate(tokenString string) (*DeviceContext, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(v.config.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.config.Secret), nil
	}, opts...)
	if err != nil {
		return nil, mapParseError(err)
	}
	if !token.Valid {
		return nil, ErrMalformedToken
	}

	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	role := claims.Role
	if role == "" {
		role = DefaultRole
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &DeviceContext{
		ClientID:    claims.Subject,
		Role:        role,
		PubPatterns: claims.Pub,
		SubPatterns: claims.Subscribe,
		ExpiresAt:   expiresAt,
	}, nil
}

// ValidateBearer strips an "Authorization: Bearer ..." header value and
// validates the remainder.
func (v *Validator) ValidateBearer(header string) (*DeviceContext, error) {
	if header == "" {
		return nil, ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrMalformedToken
	}
	return v.Validate(strings.TrimPrefix(header, prefix))
}

// Issue mints a signed token for the given identity. Used by the dev
// token endpoint and tests.
func (v *Validator) Issue(clientID, role string, pub, subscribe []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = v.config.DefaultExpiry
	}
	now := time.Now()
	claims := &Claims{
		Role:      role,
		Pub:       pub,
		Subscribe: subscribe,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    v.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.config.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.config.Secret))
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrWrongIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrWrongAudience
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
