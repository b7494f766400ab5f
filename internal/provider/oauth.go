package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuthConfig describes a provider's token endpoint.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Timeout bounds the token-endpoint round trip. Defaults to 30s.
	Timeout time.Duration
}

// OAuthRefresher renews OAuth2 access tokens via the standard
// refresh_token grant.
type OAuthRefresher struct {
	cfg  OAuthConfig
	http *http.Client
}

func NewOAuthRefresher(cfg OAuthConfig) (*OAuthRefresher, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errors.New("token URL is required")
	}
	if _, err := url.Parse(cfg.TokenURL); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OAuthRefresher{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}, nil
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (o *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (RefreshedToken, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return RefreshedToken{}, errors.New("oauth error: invalid_grant: missing refresh token")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", o.cfg.ClientID)
	form.Set("client_secret", o.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshedToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.http.Do(req)
	if err != nil {
		return RefreshedToken{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RefreshedToken{}, err
	}

	var parsed oauthTokenResponse
	// Error bodies are still JSON on most providers; a parse failure
	// falls through to the status-based error below.
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		if parsed.Error != "" {
			return RefreshedToken{}, fmt.Errorf("oauth error (status %d): %s: %s", resp.StatusCode, parsed.Error, parsed.ErrorDesc)
		}
		return RefreshedToken{}, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if parsed.AccessToken == "" {
		return RefreshedToken{}, errors.New("token endpoint returned no access token")
	}

	out := RefreshedToken{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
	}
	if parsed.ExpiresIn > 0 {
		exp := time.Now().UTC().Add(time.Duration(parsed.ExpiresIn) * time.Second).Format(time.RFC3339Nano)
		out.ExpiresAt = &exp
	}
	return out, nil
}
