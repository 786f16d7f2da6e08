package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return tok
}

func TestParseCredential_JWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	cred := ParseCredential(signedToken(t, "alice", exp))

	if cred.Subject != "alice" {
		t.Errorf("Subject = %q, want %q", cred.Subject, "alice")
	}
	if !cred.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, exp)
	}
	if cred.Expired(time.Now()) {
		t.Error("fresh credential should not be expired")
	}
	if !cred.Expired(exp.Add(time.Second)) {
		t.Error("credential should be expired after exp")
	}
}

func TestParseCredential_Opaque(t *testing.T) {
	cred := ParseCredential("opaque-session-token")

	if cred.Token != "opaque-session-token" {
		t.Errorf("Token = %q", cred.Token)
	}
	if !cred.ExpiresAt.IsZero() {
		t.Error("opaque token should have no expiry")
	}
	if cred.Expired(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Error("opaque token should never be considered expired")
	}
}

func TestParseCredential_MalformedJWT(t *testing.T) {
	cred := ParseCredential("a.b.c")
	if cred.Token != "a.b.c" || !cred.ExpiresAt.IsZero() {
		t.Errorf("malformed JWT should be kept opaque, got %+v", cred)
	}
}

func TestCredential_IsZero(t *testing.T) {
	if !(Credential{}).IsZero() {
		t.Error("empty credential should be zero")
	}
	if ParseCredential("x").IsZero() {
		t.Error("credential with token should not be zero")
	}
}

func TestRefresherFunc(t *testing.T) {
	var f Refresher = RefresherFunc(func(context.Context) (Credential, error) {
		return Credential{Token: "new"}, nil
	})
	cred, err := f.RefreshCredential(context.Background())
	if err != nil || cred.Token != "new" {
		t.Errorf("RefreshCredential = %+v, %v", cred, err)
	}
}

func TestHTTPRefresher_Success(t *testing.T) {
	access := signedToken(t, "bob", time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.RefreshToken != "r1" {
			t.Errorf("refresh token = %q, want r1", req.RefreshToken)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]string{"access_token": access, "refresh_token": "r2"},
		})
	}))
	defer srv.Close()

	r := &HTTPRefresher{URL: srv.URL, RefreshToken: "r1"}
	cred, err := r.RefreshCredential(context.Background())
	if err != nil {
		t.Fatalf("RefreshCredential: %v", err)
	}
	if cred.Token != access || cred.Subject != "bob" {
		t.Errorf("credential = %+v", cred)
	}
	if r.RefreshToken != "r2" {
		t.Errorf("rotated refresh token = %q, want r2", r.RefreshToken)
	}
}

func TestHTTPRefresher_ConcurrentRotation(t *testing.T) {
	access := signedToken(t, "bob", time.Now().Add(time.Hour))
	var mu sync.Mutex
	current, n := "r0", 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		defer mu.Unlock()
		if req.RefreshToken != current {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n++
		current = fmt.Sprintf("r%d", n)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]string{"access_token": access, "refresh_token": current},
		})
	}))
	defer srv.Close()

	r := &HTTPRefresher{URL: srv.URL, RefreshToken: "r0"}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RefreshCredential(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RefreshCredential: %v", err)
	}
	if r.RefreshToken != "r8" {
		t.Errorf("refresh token = %q, want r8", r.RefreshToken)
	}
}

func TestHTTPRefresher_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := &HTTPRefresher{URL: srv.URL, RefreshToken: "r1"}
	_, err := r.RefreshCredential(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("err = %v, want ErrRefreshFailed", err)
	}
}

func TestHTTPRefresher_MissingURL(t *testing.T) {
	r := &HTTPRefresher{}
	if _, err := r.RefreshCredential(context.Background()); err == nil {
		t.Error("expected error with empty URL")
	}
}
