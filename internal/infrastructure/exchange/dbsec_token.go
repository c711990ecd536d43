package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Tokens are refreshed this long before their reported expiry.
const tokenExpiryMargin = 120

type cachedToken struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

// dbsecTokenProvider issues and caches OAuth2 access tokens for the
// DB-securities API. Tokens persist in a JSON file so restarts within the
// token's lifetime skip the issuance call, which the venue rate-limits hard.
type dbsecTokenProvider struct {
	appKey    string
	appSecret string
	baseURL   string
	file      string
	client    *http.Client
	now       func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt int64
}

func newDBSecTokenProvider(appKey, appSecret, baseURL, file string, client *http.Client) *dbsecTokenProvider {
	return &dbsecTokenProvider{
		appKey:    appKey,
		appSecret: appSecret,
		baseURL:   baseURL,
		file:      file,
		client:    client,
		now:       time.Now,
	}
}

func (p *dbsecTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	nowSec := p.now().Unix()

	if p.token != "" && nowSec < p.expiresAt-tokenExpiryMargin {
		return p.token, nil
	}

	if p.token == "" {
		if saved, ok := p.loadFile(); ok && nowSec < saved.ExpiresAt-tokenExpiryMargin {
			p.token = saved.AccessToken
			p.expiresAt = saved.ExpiresAt
			return p.token, nil
		}
	}

	return p.issue(ctx)
}

func (p *dbsecTokenProvider) loadFile() (cachedToken, bool) {
	var saved cachedToken
	raw, err := os.ReadFile(p.file)
	if err != nil {
		return saved, false
	}
	if err := json.Unmarshal(raw, &saved); err != nil || saved.AccessToken == "" {
		return saved, false
	}
	return saved, true
}

func (p *dbsecTokenProvider) issue(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("appkey", p.appKey)
	form.Set("appsecretkey", p.appSecret)
	form.Set("scope", "oob")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dbsec token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dbsec token request: status %d: %s", resp.StatusCode, string(body))
	}

	var issued struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &issued); err != nil {
		return "", err
	}
	if issued.AccessToken == "" {
		return "", fmt.Errorf("dbsec token request: no access_token in %s", string(body))
	}
	if issued.ExpiresIn <= 0 {
		issued.ExpiresIn = 86400
	}

	p.token = issued.AccessToken
	p.expiresAt = p.now().Unix() + issued.ExpiresIn

	cached, _ := json.Marshal(cachedToken{AccessToken: p.token, ExpiresAt: p.expiresAt})
	if err := os.WriteFile(p.file, cached, 0o600); err != nil {
		// The in-memory token still works; only restart reuse is lost.
		return p.token, nil
	}
	return p.token, nil
}
