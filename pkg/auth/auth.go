package auth

import (
	"crypto/rsa"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoleUser is the role granted when a token carries no role set.
const RoleUser = "USER"

// Principal is the identity extracted from a verified credential. Immutable
// within a session.
type Principal struct {
	UserID string         `json:"userId"`
	Roles  []string       `json:"roles"`
	Claims map[string]any `json:"claims,omitempty"`
}

// RoleSignature returns the sorted-and-joined role set, used to bucket
// sessions with identical permissions for broadcast serialization.
func (p *Principal) RoleSignature() string {
	if p == nil || len(p.Roles) == 0 {
		return RoleUser
	}
	roles := make([]string, len(p.Roles))
	copy(roles, p.Roles)
	sort.Strings(roles)
	return strings.Join(roles, ",")
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier checks bearer tokens. The mode is fixed at construction from the
// shape of the secret.
type Verifier struct {
	hmacSecret []byte
	rsaKey     *rsa.PublicKey
}

// NewVerifier builds a verifier from the configured secret. A secret
// beginning with the PEM header selects RSA; anything else selects HMAC.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.HasPrefix(secret, "-----BEGIN") {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA public key: %w", err)
		}
		return &Verifier{rsaKey: key}, nil
	}
	return &Verifier{hmacSecret: []byte(secret)}, nil
}

// VerifyToken validates a token and returns the normalized principal: a
// missing role set becomes {USER} and a missing user id is filled from the
// token subject.
func (v *Verifier) VerifyToken(token string) (*Principal, error) {
	var methods []string
	var keyFn jwt.Keyfunc
	if v.rsaKey != nil {
		methods = []string{jwt.SigningMethodRS256.Alg()}
		keyFn = func(t *jwt.Token) (any, error) { return v.rsaKey, nil }
	} else {
		methods = []string{jwt.SigningMethodHS256.Alg()}
		keyFn = func(t *jwt.Token) (any, error) { return v.hmacSecret, nil }
	}

	parsed, err := jwt.Parse(token, keyFn, jwt.WithValidMethods(methods))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}
	return normalize(claims), nil
}

func normalize(claims jwt.MapClaims) *Principal {
	p := &Principal{Claims: map[string]any{}}

	if id, ok := claims["userId"].(string); ok && id != "" {
		p.UserID = id
	} else if sub, ok := claims["sub"].(string); ok {
		p.UserID = sub
	}

	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	}
	if len(p.Roles) == 0 {
		p.Roles = []string{RoleUser}
	}

	for k, v := range claims {
		switch k {
		case "userId", "sub", "roles", "exp", "iat", "nbf", "iss", "aud":
		default:
			p.Claims[k] = v
		}
	}
	return p
}
