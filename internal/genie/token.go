package genie

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/genieops/teams-genie-bot/pkg/logger"
	"github.com/genieops/teams-genie-bot/pkg/metrics"
)

// databricksResourceScope is the fixed Entra ID scope for the Azure
// Databricks resource application.
const databricksResourceScope = "2ff814a6-3304-4ab8-85cb-cd0e6f879c1d/.default"

// tokenSafetyMargin is how long before expiry a cached token stops
// being handed out.
const tokenSafetyMargin = 60 * time.Second

// TokenConfig configures a TokenProvider.
type TokenConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// TokenURL overrides the Entra ID endpoint, for tests.
	TokenURL string
}

// TokenProvider mints and caches Databricks workspace bearer tokens
// via the OAuth2 client-credentials flow. A refresh is a critical
// section: concurrent callers wait for the in-flight exchange instead
// of starting their own.
type TokenProvider struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	log          logger.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenProvider creates a TokenProvider. metrics may be nil.
func NewTokenProvider(cfg TokenConfig, log logger.Logger, m *metrics.Metrics) *TokenProvider {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}
	return &TokenProvider{
		tokenURL:     tokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          log,
		metrics:      m,
		now:          time.Now,
	}
}

// GetToken returns a bearer token valid for at least the safety
// margin, refreshing if needed.
func (p *TokenProvider) GetToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expiresAt.Add(-tokenSafetyMargin)) {
		return p.token, nil
	}

	if err := p.refreshLocked(ctx); err != nil {
		return "", err
	}
	return p.token, nil
}

// Invalidate discards the cached token so the next GetToken performs
// a fresh exchange. Used after the API rejects a token we believed
// valid.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *TokenProvider) refreshLocked(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	form.Set("scope", databricksResourceScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return NewError(CategoryAuth, "building token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return NewError(CategoryTransient, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return NewError(CategoryTransient, "reading token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return NewError(CategoryAuth, fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return NewError(CategoryAuth, "decoding token response", err)
	}
	if tr.AccessToken == "" {
		return NewError(CategoryAuth, "token response missing access_token", nil)
	}

	p.token = tr.AccessToken
	p.expiresAt = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	if p.metrics != nil {
		p.metrics.IncTokenRefresh()
	}
	if p.log != nil {
		p.log.Debug("Access token refreshed",
			logger.TimeField("expires_at", p.expiresAt))
	}
	return nil
}
