package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// kisTokenProvider issues and caches OAuth2 access tokens for the Korea
// Investment API. The venue limits token issuance to once a minute, so tokens
// persist in a JSON file and restarts within the token's lifetime reuse it.
type kisTokenProvider struct {
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

func newKISTokenProvider(appKey, appSecret, baseURL, file string, client *http.Client) *kisTokenProvider {
	return &kisTokenProvider{
		appKey:    appKey,
		appSecret: appSecret,
		baseURL:   baseURL,
		file:      file,
		client:    client,
		now:       time.Now,
	}
}

func (p *kisTokenProvider) Token(ctx context.Context) (string, error) {
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

// Invalidate drops the cached token so the next call issues a fresh one. Used
// when the venue reports the token expired ahead of its advertised lifetime.
func (p *kisTokenProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.expiresAt = 0
	p.mu.Unlock()
}

func (p *kisTokenProvider) loadFile() (cachedToken, bool) {
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

func (p *kisTokenProvider) issue(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     p.appKey,
		"appsecret":  p.appSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/oauth2/tokenP", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kis token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kis token request: status %d: %s", resp.StatusCode, string(body))
	}

	var issued struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &issued); err != nil {
		return "", err
	}
	if issued.AccessToken == "" {
		return "", fmt.Errorf("kis token request: no access_token in %s", string(body))
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
