package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateAndParseJWT(t *testing.T) {
	InitAuth("test-secret")

	token, err := CreateJWT("alice", "Alice")
	if err != nil {
		t.Fatalf("CreateJWT() failed: %v", err)
	}
	claims, err := ParseJWT(token)
	if err != nil {
		t.Fatalf("ParseJWT() failed: %v", err)
	}
	if claims.UserID() != "alice" || claims.Name != "Alice" {
		t.Errorf("claims = %+v", claims)
	}

	InitAuth("other-secret")
	if _, err := ParseJWT(token); err == nil {
		t.Error("ParseJWT() accepted a token signed with another secret")
	}
}

func TestParseJWT_RequiresSecret(t *testing.T) {
	InitAuth("")
	if _, err := CreateJWT("alice", "Alice"); err == nil {
		t.Error("CreateJWT() without secret should fail")
	}
	if _, err := ParseJWT("anything"); err == nil {
		t.Error("ParseJWT() without secret should fail")
	}
}

func TestHandleDevToken(t *testing.T) {
	InitAuth("test-secret")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(`{"userId":"bob","name":"Bob"}`))
	rr := httptest.NewRecorder()
	HandleDevToken(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	claims, err := ParseJWT(body["token"])
	if err != nil {
		t.Fatalf("ParseJWT() failed: %v", err)
	}
	if claims.UserID() != "bob" {
		t.Errorf("UserID() = %q, want bob", claims.UserID())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(`{}`))
	rr = httptest.NewRecorder()
	HandleDevToken(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}
