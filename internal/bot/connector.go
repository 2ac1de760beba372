package bot

import (
	"bytes"
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
)

// botFrameworkScope is the OAuth2 scope for calling the connector
// service.
const botFrameworkScope = "https://api.botframework.com/.default"

// ConnectorConfig configures the reply client.
type ConnectorConfig struct {
	AppID       string
	AppPassword string
	TenantID    string

	// TokenURL overrides the Entra ID endpoint, for tests.
	TokenURL string
}

// Connector sends activities back to Teams through the Bot Framework
// connector service, authenticating with the bot's own credentials.
type Connector struct {
	cfg        ConnectorConfig
	tokenURL   string
	httpClient *http.Client
	log        logger.Logger
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewConnector creates a connector reply client.
func NewConnector(cfg ConnectorConfig, log logger.Logger) *Connector {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tenant := cfg.TenantID
		if tenant == "" {
			tenant = "botframework.com"
		}
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant)
	}
	return &Connector{
		cfg:        cfg,
		tokenURL:   tokenURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		now:        time.Now,
	}
}

// ReplyText sends a plain text reply to the conversation the inbound
// activity came from.
func (c *Connector) ReplyText(ctx context.Context, inbound *Activity, text string) error {
	return c.send(ctx, inbound, inbound.reply(ActivityMessage, text))
}

// ReplyTyping sends a typing indicator. Callers treat failures as
// best-effort.
func (c *Connector) ReplyTyping(ctx context.Context, inbound *Activity) error {
	return c.send(ctx, inbound, inbound.reply(ActivityTyping, ""))
}

// ReplyCard sends a hero card reply.
func (c *Connector) ReplyCard(ctx context.Context, inbound *Activity, card HeroCard) error {
	activity := inbound.reply(ActivityMessage, "")
	activity.Attachments = []CardAttachment{{
		ContentType: heroCardContentType,
		Content:     card,
	}}
	return c.send(ctx, inbound, activity)
}

func (c *Connector) send(ctx context.Context, inbound, outbound *Activity) error {
	if inbound.ServiceURL == "" || inbound.Conversation == nil {
		return fmt.Errorf("activity carries no reply address")
	}

	token, err := c.getToken(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connector token: %w", err)
	}

	replyURL := fmt.Sprintf("%s/v3/conversations/%s/activities",
		strings.TrimRight(inbound.ServiceURL, "/"),
		url.PathEscape(inbound.Conversation.ID))
	if inbound.ID != "" {
		replyURL += "/" + url.PathEscape(inbound.ID)
	}

	body, err := json.Marshal(outbound)
	if err != nil {
		return fmt.Errorf("encoding reply activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, replyURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("connector returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// getToken mints and caches the connector bearer token, refreshing
// inside the same 60s safety margin the Genie token uses.
func (c *Connector) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt.Add(-60*time.Second)) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.AppID)
	form.Set("client_secret", c.cfg.AppPassword)
	form.Set("scope", botFrameworkScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, detail)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	c.token = tr.AccessToken
	c.expiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if c.log != nil {
		c.log.Debug("Connector token refreshed", logger.TimeField("expires_at", c.expiresAt))
	}
	return c.token, nil
}
