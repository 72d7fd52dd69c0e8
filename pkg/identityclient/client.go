/**
 * @description
 * This package provides a client for the identity service, which owns user
 * profiles, KYC verification state and payout destinations (Stripe connected
 * account id and USDC wallet address).
 */
package identityclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrProfileNotFound = errors.New("profile not found")

const VerificationVerified = "verified"

// Client is a client for the identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new identity service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Profile is the identity service's view of a marketplace user.
type Profile struct {
	UserID               string `json:"user_id"`
	IDVerificationStatus string `json:"id_verification_status"`
	StripeAccountID      string `json:"stripe_account_id"`
	WalletAddress        string `json:"wallet_address"`
}

func (p *Profile) Verified() bool {
	return p != nil && strings.EqualFold(p.IDVerificationStatus, VerificationVerified)
}

// GetProfile fetches a user's profile.
func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("identity service base url is empty")
	}

	endpoint := fmt.Sprintf("%s/internal/profiles/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrProfileNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("identity service returned error status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &profile, nil
}
