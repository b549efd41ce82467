package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/radio-control/gapd/internal/config"
)

const testSecret = "test-secret-key"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func generateTestRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return privateKey, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func validClaims(roles ...interface{}) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "pairing-ui",
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestNewVerifier(t *testing.T) {
	_, publicPEM := generateTestRSAKey(t)

	tests := []struct {
		name    string
		config  VerifierConfig
		wantErr bool
	}{
		{"valid RS256 config with PEM", VerifierConfig{Algorithm: "RS256", PublicKeyPEM: publicPEM}, false},
		{"RS256 without key", VerifierConfig{Algorithm: "RS256"}, true},
		{"RS256 with garbage key", VerifierConfig{Algorithm: "RS256", PublicKeyPEM: "not a key"}, true},
		{"valid HS256 config", VerifierConfig{Algorithm: "HS256", SecretKey: testSecret}, false},
		{"lowercase algorithm", VerifierConfig{Algorithm: "hs256", SecretKey: testSecret}, false},
		{"invalid algorithm", VerifierConfig{Algorithm: "ES256"}, true},
		{"HS256 without secret", VerifierConfig{Algorithm: "HS256"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier, err := NewVerifier(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewVerifier() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && verifier == nil {
				t.Error("NewVerifier() returned nil verifier")
			}
		})
	}
}

func TestVerifyHS256Token(t *testing.T) {
	verifier, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	if err != nil {
		t.Fatalf("NewVerifier() failed: %v", err)
	}

	claims, err := verifier.VerifyToken("Bearer " + signHS256(t, validClaims("controller")))
	if err != nil {
		t.Fatalf("VerifyToken() failed: %v", err)
	}
	if claims.Subject != "pairing-ui" {
		t.Errorf("Expected subject pairing-ui, got %s", claims.Subject)
	}
	if !claims.CanControl() || !claims.CanRead() {
		t.Errorf("Expected controller to read and control, got %v", claims.Roles)
	}
}

func TestVerifyRS256Token(t *testing.T) {
	privateKey, publicPEM := generateTestRSAKey(t)
	verifier, err := NewVerifier(VerifierConfig{Algorithm: "RS256", PublicKeyPEM: publicPEM})
	if err != nil {
		t.Fatalf("NewVerifier() failed: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("viewer")).SignedString(privateKey)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	claims, err := verifier.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken() failed: %v", err)
	}
	if !claims.CanRead() || claims.CanControl() {
		t.Errorf("Expected viewer to read only, got %v", claims.Roles)
	}
}

func TestVerifyTokenErrors(t *testing.T) {
	verifier, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	if err != nil {
		t.Fatalf("NewVerifier() failed: %v", err)
	}

	wrongSecret, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("viewer")).SignedString([]byte("other"))
	expired := validClaims("viewer")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	noSubject := validClaims("viewer")
	delete(noSubject, "sub")
	noRoles := validClaims()
	delete(noRoles, "roles")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", wrongSecret},
		{"expired", signHS256(t, expired)},
		{"missing subject", signHS256(t, noSubject)},
		{"missing roles", signHS256(t, noRoles)},
		{"empty roles", signHS256(t, validClaims())},
		{"unknown role", signHS256(t, validClaims("admin"))},
		{"non-string role", signHS256(t, validClaims(7))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.VerifyToken(tt.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("Expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestVerifyRejectsAlgorithmSwitch(t *testing.T) {
	_, publicPEM := generateTestRSAKey(t)
	verifier, err := NewVerifier(VerifierConfig{Algorithm: "RS256", PublicKeyPEM: publicPEM})
	if err != nil {
		t.Fatalf("NewVerifier() failed: %v", err)
	}

	if _, err := verifier.VerifyToken(signHS256(t, validClaims("controller"))); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected HS256 token to be rejected by RS256 verifier, got %v", err)
	}
}

func TestNewVerifierFromConfig(t *testing.T) {
	_, publicPEM := generateTestRSAKey(t)
	keyFile := filepath.Join(t.TempDir(), "jwt.pem")
	if err := os.WriteFile(keyFile, []byte(publicPEM), 0o600); err != nil {
		t.Fatalf("Failed to write key: %v", err)
	}

	if _, err := NewVerifierFromConfig(config.AuthConfig{Enabled: true, Algorithm: "RS256", PublicKeyFile: keyFile}); err != nil {
		t.Errorf("Expected RS256 verifier from key file, got %v", err)
	}
	if _, err := NewVerifierFromConfig(config.AuthConfig{Enabled: true, Algorithm: "RS256", PublicKeyFile: keyFile + ".missing"}); err == nil {
		t.Error("Expected error for missing key file")
	}
	if _, err := NewVerifierFromConfig(config.AuthConfig{Enabled: true, Algorithm: "HS256", SecretKey: testSecret}); err != nil {
		t.Errorf("Expected HS256 verifier, got %v", err)
	}
}

func TestClaimsRoles(t *testing.T) {
	var nilClaims *Claims
	if nilClaims.CanRead() || nilClaims.CanControl() {
		t.Error("Expected nil claims to have no privileges")
	}

	viewer := &Claims{Subject: "v", Roles: []string{RoleViewer}}
	if !viewer.CanRead() || viewer.CanControl() {
		t.Errorf("Unexpected viewer privileges")
	}

	if !Anonymous().CanControl() {
		t.Error("Expected anonymous session to control when auth is disabled")
	}
}

func TestClaimsContext(t *testing.T) {
	if _, ok := ClaimsFromContext(context.Background()); ok {
		t.Error("Expected no claims in empty context")
	}

	ctx := WithClaims(context.Background(), &Claims{Subject: "s"})
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.Subject != "s" {
		t.Errorf("Expected claims with subject s, got %+v", claims)
	}
}
