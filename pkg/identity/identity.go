package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingUserID = errors.New("identity has no user id")
	ErrInvalidToken  = errors.New("invalid identity token")
)

// Identity of the local user, as supplied by the authentication layer.
type Identity struct {
	UserID      string
	DisplayName string
}

type Config struct {
	UserID      string `yaml:"userId"`
	DisplayName string `yaml:"displayName"`
	// Token issued by the authentication layer. When set, the user id is its
	// subject and the display name its `name` claim.
	Token string `yaml:"token"`
	// HMAC key the token is verified with. Without it the token is trusted as is.
	TokenKey string `yaml:"tokenKey"`
}

type claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Resolves the local identity from the static values or from the token.
func FromConfig(config Config) (Identity, error) {
	if config.Token == "" {
		if config.UserID == "" {
			return Identity{}, ErrMissingUserID
		}
		return Identity{UserID: config.UserID, DisplayName: displayName(config.DisplayName, config.UserID)}, nil
	}

	tokenClaims, err := parseToken(config.Token, config.TokenKey)
	if err != nil {
		return Identity{}, err
	}

	userID, err := tokenClaims.GetSubject()
	if err != nil || userID == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}

	// A configured display name overrides the one in the token.
	name := config.DisplayName
	if name == "" {
		name = tokenClaims.Name
	}

	return Identity{UserID: userID, DisplayName: displayName(name, userID)}, nil
}

func parseToken(token, key string) (*claims, error) {
	tokenClaims := &claims{}

	if key == "" {
		if _, _, err := jwt.NewParser().ParseUnverified(token, tokenClaims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return tokenClaims, nil
	}

	parsed, err := jwt.ParseWithClaims(token, tokenClaims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(key), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	return tokenClaims, nil
}

func displayName(name, userID string) string {
	if name == "" {
		return userID
	}
	return name
}
