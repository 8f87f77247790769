package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken        = errors.New("no token provided")
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenInvalid   = errors.New("token is invalid")
)

type Config struct {
	// Secret is the shared HMAC secret the issuer signed tokens with.
	Secret string
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	return nil
}

// Verifier checks bearer tokens issued elsewhere and extracts the
// user identity. It never issues or refreshes credentials itself.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(config Config) (*Verifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{
		secret: []byte(config.Secret),
		now:    time.Now,
	}, nil
}

// Verify validates the token signature and expiry and returns the
// user identity carried in the "userId" claim, falling back to "sub".
// Expired and malformed tokens are distinguished because clients get
// different guidance for each.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}

	parsed, err := jwt.Parse(
		token,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", ErrTokenMalformed
		default:
			return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrTokenInvalid
	}

	userID, _ := claims["userId"].(string)
	if userID == "" {
		userID, _ = claims.GetSubject()
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user identity in claims", ErrTokenInvalid)
	}

	return userID, nil
}
