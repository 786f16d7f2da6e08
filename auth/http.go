package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultRefreshTimeout bounds a single refresh round trip.
const DefaultRefreshTimeout = 10 * time.Second

// HTTPRefresher exchanges a long-lived refresh token for a new access
// token at the auth service's refresh endpoint.
type HTTPRefresher struct {
	// URL is the refresh endpoint (e.g. "https://api.example.com/api/v1/auth/refresh").
	URL string
	// RefreshToken is the long-lived token issued at login.
	RefreshToken string
	// Client is the HTTP client to use. http.DefaultClient if nil.
	Client *http.Client

	// mu serializes refreshes so a rotated refresh token is never sent
	// twice.
	mu sync.Mutex
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Success bool `json:"success"`
	Data    struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// RefreshCredential posts the refresh token and parses the returned access
// token. A rotated refresh token replaces the stored one.
func (r *HTTPRefresher) RefreshCredential(ctx context.Context) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.URL == "" {
		return Credential{}, errors.New("refresh URL is required")
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultRefreshTimeout)
	defer cancel()

	body, err := json.Marshal(refreshRequest{RefreshToken: r.RefreshToken})
	if err != nil {
		return Credential{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("refreshing credential: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Credential{}, ErrRefreshFailed
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("refreshing credential: unexpected status %d", resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("decoding refresh response: %w", err)
	}
	if !out.Success || out.Data.AccessToken == "" {
		return Credential{}, fmt.Errorf("%w: %s", ErrRefreshFailed, out.Error)
	}
	if out.Data.RefreshToken != "" {
		r.RefreshToken = out.Data.RefreshToken
	}
	return ParseCredential(out.Data.AccessToken), nil
}
