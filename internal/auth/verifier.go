package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/radio-control/gapd/internal/config"
)

// ErrUnauthorized is returned for every rejected token.
var ErrUnauthorized = errors.New("UNAUTHORIZED")

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	// RS256 configuration
	PublicKeyPEM string

	// HS256 configuration
	SecretKey string

	// Algorithm preference
	Algorithm string // "RS256" or "HS256"
}

// Verifier handles JWT token verification with support for RS256 and HS256.
type Verifier struct {
	config    VerifierConfig
	publicKey *rsa.PublicKey
}

// NewVerifier creates a new JWT verifier.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	config.Algorithm = strings.ToUpper(config.Algorithm)
	v := &Verifier{config: config}

	switch config.Algorithm {
	case "RS256":
		if config.PublicKeyPEM == "" {
			return nil, fmt.Errorf("RS256 requires a public key")
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(config.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
		}
		v.publicKey = key
	case "HS256":
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}

	return v, nil
}

// NewVerifierFromConfig builds a verifier from the auth section, reading the
// public key file for RS256.
func NewVerifierFromConfig(cfg config.AuthConfig) (*Verifier, error) {
	vc := VerifierConfig{Algorithm: cfg.Algorithm, SecretKey: cfg.SecretKey}
	if strings.EqualFold(cfg.Algorithm, "RS256") {
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		vc.PublicKeyPEM = string(data)
	}
	return NewVerifier(vc)
}

// VerifyToken verifies a JWT token and returns the claims. Every failure wraps
// ErrUnauthorized.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, v.keyFunc, jwt.WithValidMethods([]string{v.config.Algorithm}))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse token: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}

	result, err := extractClaims(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return result, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch v.config.Algorithm {
	case "RS256":
		return v.publicKey, nil
	case "HS256":
		return []byte(v.config.SecretKey), nil
	}
	return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
}

// extractClaims extracts subject and roles from JWT MapClaims.
func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}

	roles, err := extractStringSlice(claims, "roles")
	if err != nil {
		return nil, fmt.Errorf("missing or invalid 'roles' claim: %w", err)
	}
	if !validateRoles(roles) {
		return nil, fmt.Errorf("invalid roles: %v", roles)
	}

	return &Claims{Subject: sub, Roles: roles}, nil
}

// extractStringSlice extracts a string slice from claims.
func extractStringSlice(claims jwt.MapClaims, key string) ([]string, error) {
	value, ok := claims[key]
	if !ok {
		return nil, fmt.Errorf("missing claim: %s", key)
	}

	switch val := value.(type) {
	case []string:
		return val, nil
	case []interface{}:
		result := make([]string, len(val))
		for i, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s claim: not a string", key)
			}
			result[i] = str
		}
		return result, nil
	default:
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
}

// validateRoles validates that all roles are valid.
func validateRoles(roles []string) bool {
	validRoles := map[string]bool{
		RoleViewer:     true,
		RoleController: true,
	}

	for _, role := range roles {
		if !validRoles[role] {
			return false
		}
	}

	return len(roles) > 0
}
