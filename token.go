package filevault

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultKeyID is the signing key used for tokens without a "kid" header.
const DefaultKeyID = "default"

// SecretStore provides the signing secret of a key ID.
type SecretStore interface {
	// Lookup returns the secret of keyID, or an error wrapping
	// ErrUnauthorized if the key is unknown.
	Lookup(keyID string) (string, error)
}

// TokenConfig holds the registered claims a token must carry.
type TokenConfig struct {
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway"`
}

// Principal is the verified identity behind a request.
type Principal struct {
	Owner     string
	KeyID     string
	ExpiresAt time.Time
}

// TokenVerifier checks HS256 bearer tokens and yields the owner they were
// issued for. The "kid" header selects the secret, so keys can be rotated by
// adding a new one before retiring the old.
type TokenVerifier struct {
	store  SecretStore
	cfg    TokenConfig
	parser *jwt.Parser
}

func NewTokenVerifier(store SecretStore, cfg TokenConfig) *TokenVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &TokenVerifier{store: store, cfg: cfg, parser: jwt.NewParser(opts...)}
}

// Verify parses token and returns its principal.
//
// Error types returned:
//   - ErrUnauthorized: Malformed, expired or badly signed token, unknown key
//     ID, or a subject that is not a valid owner
func (v *TokenVerifier) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("verify token: %w: empty token", ErrUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	var keyID string
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		keyID = DefaultKeyID
		if kid, ok := t.Header["kid"].(string); ok && kid != "" {
			keyID = kid
		}
		secret, err := v.store.Lookup(keyID)
		if err != nil {
			return nil, err
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("verify token: %w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return Principal{}, fmt.Errorf("verify token: %w", ErrUnauthorized)
	}

	if !IsValidOwner(claims.Subject) {
		return Principal{}, fmt.Errorf("verify token: %w: invalid subject", ErrUnauthorized)
	}

	p := Principal{Owner: claims.Subject, KeyID: keyID}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// IssueToken signs a token for owner with the secret of keyID, valid for ttl.
func IssueToken(store SecretStore, keyID, owner string, ttl time.Duration, cfg TokenConfig) (string, error) {
	if !IsValidOwner(owner) {
		return "", fmt.Errorf("issue token: %w: invalid owner", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", errors.New("issue token: ttl must be positive")
	}
	if keyID == "" {
		keyID = DefaultKeyID
	}

	secret, err := store.Lookup(keyID)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   owner,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if keyID != DefaultKeyID {
		t.Header["kid"] = keyID
	}
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}
