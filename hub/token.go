package hub

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rohanthewiz/serr"
)

// JWT configuration constants
const (
	// TokenExpiration is how long a device token stays valid
	TokenExpiration = 24 * time.Hour

	// TokenIssuer identifies the hub that issued the token
	TokenIssuer = "readsync-hub"

	// MinSecretLength is the minimum acceptable length for the JWT secret
	MinSecretLength = 32
)

// TokenClaims extends JWT standard claims with the account name.
type TokenClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// GenerateToken creates a signed JWT for username.
func (h *Hub) GenerateToken(username string) (string, error) {
	now := h.clock.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(h.secret)
	if err != nil {
		return "", serr.Wrap(err, "failed to sign token")
	}
	return tokenString, nil
}

// ValidateToken parses and validates a token string. Expired, malformed
// or foreign-signed tokens are errors.
func (h *Hub) ValidateToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, serr.New("unexpected signing method")
		}
		return h.secret, nil
	}, jwt.WithTimeFunc(h.clock.Now), jwt.WithIssuer(TokenIssuer))
	if err != nil {
		return nil, serr.Wrap(err, "failed to parse token")
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, serr.New("invalid token claims")
	}
	if _, known := h.users[claims.Username]; !known {
		return nil, serr.New("token names an unknown user")
	}
	return claims, nil
}
