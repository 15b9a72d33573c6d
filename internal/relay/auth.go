package relay

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/grovetools/collab/errors"
)

// Identity is the user a join was authenticated as.
type Identity struct {
	UserID    string
	FirstName string
	LastName  string
	Email     string
}

// Key is the presence key the identity is tracked under.
func (id Identity) Key(fallback string) string {
	if id.UserID != "" {
		return id.UserID
	}
	return "anonymous:" + fallback
}

// Authenticator verifies join tokens. With an empty secret every join is
// accepted and the identity is read from the join params.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for the HMAC secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether tokens are checked.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Authenticate resolves the identity of a join payload.
func (a *Authenticator) Authenticate(params map[string]any) (Identity, error) {
	if !a.Enabled() {
		return Identity{
			UserID:    stringClaim(params, "user_id"),
			FirstName: stringClaim(params, "first_name"),
			LastName:  stringClaim(params, "last_name"),
			Email:     stringClaim(params, "email"),
		}, nil
	}

	raw, _ := params["token"].(string)
	if raw == "" {
		return Identity{}, errors.New(errors.ErrCodeAuthRejected, "missing token")
	}

	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	token, err := parser.Parse(raw, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, errors.Wrap(err, errors.ErrCodeAuthRejected, "invalid token")
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return Identity{}, errors.New(errors.ErrCodeAuthRejected, "unexpected claims")
	}
	id := Identity{
		UserID:    stringClaim(claims, "user_id"),
		FirstName: stringClaim(claims, "first_name"),
		LastName:  stringClaim(claims, "last_name"),
		Email:     stringClaim(claims, "email"),
	}
	if id.UserID == "" {
		id.UserID, _ = claims.GetSubject()
	}
	if id.UserID == "" {
		return Identity{}, errors.New(errors.ErrCodeAuthRejected, "token has no user")
	}
	return id, nil
}

// MintToken signs a development token for id.
func MintToken(secret string, id Identity, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New(errors.ErrCodeInvalidInput, "a jwt secret is required to mint tokens")
	}
	if id.UserID == "" {
		return "", errors.New(errors.ErrCodeInvalidInput, "user id is required")
	}
	claims := gojwt.MapClaims{
		"sub":        id.UserID,
		"user_id":    id.UserID,
		"first_name": id.FirstName,
		"last_name":  id.LastName,
		"email":      id.Email,
		"iat":        now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func stringClaim(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
