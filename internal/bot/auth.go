package bot

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// botFrameworkOpenIDConfig publishes the signing keys the connector
// service uses for outbound activity tokens.
const botFrameworkOpenIDConfig = "https://login.botframework.com/v1/.well-known/openidconfiguration"

// connectorIssuer is the issuer on activity tokens from the Bot
// Framework connector.
const connectorIssuer = "https://api.botframework.com"

// ErrUnauthorized is returned for any activity that fails identity
// validation.
var ErrUnauthorized = errors.New("activity authentication failed")

// Authenticator validates the JWT the connector service attaches to
// inbound activities: signature against the published JWKS, audience
// equal to the bot's app id, a known issuer, and unexpired.
type Authenticator struct {
	appID    string
	tenantID string
	keys     keySource
	parser   *jwt.Parser
}

// keySource resolves a signing key id to its public key.
type keySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// NewAuthenticator creates an authenticator for the given bot
// registration.
func NewAuthenticator(appID, tenantID string) *Authenticator {
	return &Authenticator{
		appID:    appID,
		tenantID: tenantID,
		keys:     newJWKSCache(botFrameworkOpenIDConfig),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Minute),
		),
	}
}

// Authenticate validates the Authorization header of an inbound
// request. Any failure maps to ErrUnauthorized; the cause is wrapped
// for logging.
func (a *Authenticator) Authenticate(ctx context.Context, authHeader string) error {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || raw == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token missing kid header")
		}
		return a.keys.Key(ctx, kid)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	issuer, err := claims.GetIssuer()
	if err != nil || !a.issuerAllowed(issuer) {
		return fmt.Errorf("%w: unexpected issuer %q", ErrUnauthorized, issuer)
	}

	audience, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("%w: reading audience: %v", ErrUnauthorized, err)
	}
	for _, aud := range audience {
		if aud == a.appID {
			return nil
		}
	}
	return fmt.Errorf("%w: token not addressed to this bot", ErrUnauthorized)
}

// issuerAllowed accepts the connector issuer plus the bot's own Entra
// tenant, which single-tenant registrations use.
func (a *Authenticator) issuerAllowed(issuer string) bool {
	if issuer == connectorIssuer {
		return true
	}
	if a.tenantID == "" {
		return false
	}
	return issuer == fmt.Sprintf("https://sts.windows.net/%s/", a.tenantID) ||
		issuer == fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", a.tenantID)
}

// jwksCache fetches the connector JWKS and caches keys by kid.
type jwksCache struct {
	configURL  string
	httpClient *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

const jwksRefreshInterval = 24 * time.Hour

func newJWKSCache(configURL string) *jwksCache {
	return &jwksCache{
		configURL:  configURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]*rsa.PublicKey),
	}
}

func (c *jwksCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < jwksRefreshInterval {
		return key, nil
	}

	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("signing key %q not found in JWKS", kid)
}

func (c *jwksCache) refreshLocked(ctx context.Context) error {
	var openIDConfig struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := c.getJSON(ctx, c.configURL, &openIDConfig); err != nil {
		return fmt.Errorf("fetching OpenID configuration: %w", err)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := c.getJSON(ctx, openIDConfig.JWKSURI, &jwks); err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func (c *jwksCache) getJSON(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	exponent := 0
	for _, b := range eBytes {
		exponent = exponent<<8 | int(b)
	}
	if exponent == 0 {
		return nil, errors.New("zero exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: exponent,
	}, nil
}
