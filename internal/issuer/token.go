package issuer

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"srpk-license-server/internal/database"
)

// TokenClaims is the signed license token handed to buyers alongside the
// key, for clients that prefer offline validation.
type TokenClaims struct {
	LicenseKey string `json:"lk"`
	Product    string `json:"product"`
	jwt.RegisteredClaims
}

// Token signs an HS256 license token for an issued license.
func (i *Issuer) Token(license *database.License) (string, error) {
	claims := TokenClaims{
		LicenseKey: license.LicenseKey,
		Product:    license.ProductCode,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   license.BuyerEmail,
			IssuedAt:  jwt.NewNumericDate(i.now()),
			ExpiresAt: jwt.NewNumericDate(license.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(i.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign license token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a license token and returns its claims.
func (i *Issuer) ParseToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(i.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("invalid license token: %w", err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid license token claims")
	}
	return claims, nil
}
