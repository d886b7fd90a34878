package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const weappSessionURL = "https://api.weixin.qq.com/sns/jscode2session"

// WeappSession is the result of exchanging a mini-program login code.
type WeappSession struct {
	OpenID  string `json:"openid"`
	UnionID string `json:"unionid,omitempty"`
}

// WeappClient exchanges WeChat mini-program login codes for sessions.
// When no app ID is configured it runs in mock mode and derives a stable
// openid from the code, which keeps local development working without
// WeChat credentials.
type WeappClient struct {
	appID  string
	secret string
	client *http.Client
}

// NewWeappClient creates a WeappClient.
func NewWeappClient(appID, secret string) *WeappClient {
	return &WeappClient{
		appID:  appID,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Mock reports whether the client is running without real WeChat credentials.
func (w *WeappClient) Mock() bool { return w.appID == "" }

// Exchange resolves a login code to a session via jscode2session.
func (w *WeappClient) Exchange(ctx context.Context, code string) (*WeappSession, error) {
	if code == "" {
		return nil, fmt.Errorf("login code is required")
	}

	if w.Mock() {
		return &WeappSession{OpenID: "mock_openid_" + code}, nil
	}

	q := url.Values{}
	q.Set("appid", w.appID)
	q.Set("secret", w.secret)
	q.Set("js_code", code)
	q.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, weappSessionURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call jscode2session: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result struct {
		OpenID  string `json:"openid"`
		UnionID string `json:"unionid"`
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if result.ErrCode != 0 {
		return nil, fmt.Errorf("jscode2session error %d: %s", result.ErrCode, result.ErrMsg)
	}
	if result.OpenID == "" {
		return nil, fmt.Errorf("jscode2session returned no openid")
	}

	return &WeappSession{OpenID: result.OpenID, UnionID: result.UnionID}, nil
}
