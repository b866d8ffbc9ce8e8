package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-signing-secret"

func TestCreateAndValidateAccessToken(t *testing.T) {
	token, err := CreateAccessToken("cli-client", testSecret)
	if err != nil {
		t.Fatalf("CreateAccessToken failed: %v", err)
	}

	claims, err := ValidateAccessToken(token, testSecret)
	if err != nil {
		t.Fatalf("ValidateAccessToken failed: %v", err)
	}
	if claims.Client != "cli-client" {
		t.Errorf("Client = %q, want cli-client", claims.Client)
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 || remaining > TokenLifetime {
		t.Errorf("token lifetime out of range: %v", remaining)
	}
}

func TestValidateAccessTokenRejectsWrongSecret(t *testing.T) {
	token, err := CreateAccessToken("cli-client", testSecret)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ValidateAccessToken(token, "wrong-secret"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateAccessTokenRejectsGarbage(t *testing.T) {
	if _, err := ValidateAccessToken("not-a-jwt", testSecret); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
		Client: "cli-client",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ValidateAccessToken(token, testSecret); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}
