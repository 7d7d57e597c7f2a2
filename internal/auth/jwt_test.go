package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTManager_GenerateAndVerify(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)

	token, _, err := m.GenerateToken("auth0|5f2b")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}

	if claims.UserID != "auth0|5f2b" {
		t.Fatalf("claims.UserID mismatch: got %s", claims.UserID)
	}
}

func TestJWTManager_RejectsExpiredAndForeign(t *testing.T) {
	m := NewJWTManager("test-secret", -time.Minute)
	expired, _, err := m.GenerateToken("u1")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := m.VerifyToken(expired); err == nil {
		t.Fatal("VerifyToken accepted an expired token")
	}

	other := NewJWTManager("other-secret", time.Minute)
	foreign, _, err := other.GenerateToken("u1")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := NewJWTManager("test-secret", time.Minute).VerifyToken(foreign); err == nil {
		t.Fatal("VerifyToken accepted a token signed with another secret")
	}
}

func TestJWTManager_SubjectFallback(t *testing.T) {
	// identity provider tokens carry the id in sub only
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "google-oauth2|42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := NewJWTManager("test-secret", time.Minute).VerifyToken(signed)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if claims.UserID != "google-oauth2|42" {
		t.Fatalf("expected subject as user id, got %q", claims.UserID)
	}
}

func TestJWTManager_MissingIdentity(t *testing.T) {
	m := NewJWTManager("test-secret", time.Minute)
	token, _, err := m.GenerateToken("")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := m.VerifyToken(token); err != ErrMissingIdentity {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
}

func TestJWTManager_Rotation(t *testing.T) {
	// create a manager with two keys and active kid "k2"
	keys := map[string]string{"k1": "secret-one", "k2": "secret-two"}
	m := NewJWTManagerFromKeys(keys, "k2", 5*time.Minute)

	// token created with active kid (k2)
	tkn2, _, err := m.GenerateToken("rot-user")
	if err != nil {
		t.Fatalf("GenerateToken (k2) failed: %v", err)
	}

	// verify works (should pick k2 via kid header)
	if _, err := m.VerifyToken(tkn2); err != nil {
		t.Fatalf("VerifyToken (k2) failed: %v", err)
	}

	// A token signed by the older key (k1) emulates one issued before rotation.
	mOld := NewJWTManagerFromKeys(keys, "k1", 5*time.Minute)
	tkn1, _, err := mOld.GenerateToken("rot-user")
	if err != nil {
		t.Fatalf("GenerateToken (k1) failed: %v", err)
	}

	// Current manager should still verify tokens signed with older key k1
	if _, err := m.VerifyToken(tkn1); err != nil {
		t.Fatalf("VerifyToken (old k1) failed: %v", err)
	}

	// Once k1 is retired its tokens stop verifying
	retired := NewJWTManagerFromKeys(map[string]string{"k2": "secret-two"}, "k2", 5*time.Minute)
	if _, err := retired.VerifyToken(tkn1); err == nil {
		t.Fatal("VerifyToken accepted a token signed with a retired key")
	}
}
