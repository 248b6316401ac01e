package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidPIN   = errors.New("invalid operator pin")
	ErrInvalidToken = errors.New("invalid token")
)

// RoleOperator is the only role issued by a station.
const RoleOperator = "operator"

// AccessToken is a signed operator session.
type AccessToken struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims represents the operator JWT payload.
type Claims struct {
	Role    string `json:"role"`
	BlockID int64  `json:"block_id,omitempty"`
	jwt.RegisteredClaims
}

// CheckPIN compares an operator PIN against a bcrypt hash.
func CheckPIN(hash, pin string) error {
	if hash == "" || pin == "" {
		return ErrInvalidPIN
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return ErrInvalidPIN
	}
	return nil
}

// HashPIN is used to provision OPERATOR_PIN_HASH.
func HashPIN(pin string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IssueAccess signs a short-lived operator token for the station.
func IssueAccess(operator string, blockID int64, issuer, key string, ttl time.Duration) (AccessToken, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role:    RoleOperator,
		BlockID: blockID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: token, ExpiresAt: exp}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}, opts...)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Role != RoleOperator {
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}
