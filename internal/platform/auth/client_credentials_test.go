package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func newTokenServer(t *testing.T, pub *rsa.PublicKey, calls *int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_assertion_type") != clientAssertionType {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		tok, err := jwt.Parse(r.Form.Get("client_assertion"), func(tk *jwt.Token) (interface{}, error) {
			return pub, nil
		}, jwt.WithValidMethods([]string{"RS384"}), jwt.WithAudience(srv.URL), jwt.WithIssuer("validator"))
		if err != nil || !tok.Valid {
			http.Error(w, "bad assertion", http.StatusUnauthorized)
			return
		}
		if tok.Header["kid"] != "k1" {
			http.Error(w, "bad kid", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(BackendServiceToken{AccessToken: "tok-123", TokenType: "bearer", ExpiresIn: 300})
	}))
	return srv
}

func TestTokenSource_FetchesAndReusesToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var calls int32
	srv := newTokenServer(t, &key.PublicKey, &calls)
	defer srv.Close()

	ts := NewTokenSource(ClientCredentialsConfig{
		TokenURL: srv.URL,
		ClientID: "validator",
		KeyID:    "k1",
		Scope:    "system/CodeSystem.read",
		Key:      key,
	}, srv.Client())

	for i := 0; i < 3; i++ {
		tok, err := ts.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "tok-123" {
			t.Errorf("expected tok-123, got %q", tok)
		}
	}
	if calls != 1 {
		t.Errorf("expected one token request, got %d", calls)
	}
}

func TestTransport_SetsBearerHeader(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var calls int32
	tokenSrv := newTokenServer(t, &key.PublicKey, &calls)
	defer tokenSrv.Close()

	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	ts := NewTokenSource(ClientCredentialsConfig{TokenURL: tokenSrv.URL, ClientID: "validator", KeyID: "k1", Key: key}, nil)
	client := &http.Client{Transport: &Transport{Source: ts}}
	resp, err := client.Get(api.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if gotAuth != "Bearer tok-123" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
}

func TestTokenSource_RejectedAssertion(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	var calls int32
	srv := newTokenServer(t, &other.PublicKey, &calls)
	defer srv.Close()

	ts := NewTokenSource(ClientCredentialsConfig{TokenURL: srv.URL, ClientID: "validator", KeyID: "k1", Key: key}, nil)
	if _, err := ts.Token(context.Background()); err == nil {
		t.Fatal("expected error for assertion signed with the wrong key")
	}
}
