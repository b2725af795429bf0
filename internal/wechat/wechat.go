// Package wechat exchanges a WeChat mini-program login code for the user's
// openid and session key (the code2session call). Account creation and
// session storage happen elsewhere.
package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/howard-nolan/llmgateway/internal/provider"
)

// ProviderName labels errors coming from the WeChat API.
const ProviderName = "wechat"

// DefaultAuthURL is WeChat's code2session endpoint.
const DefaultAuthURL = "https://api.weixin.qq.com/sns/jscode2session"

// ErrEmptyCode is returned when Code2Session is called without a code.
var ErrEmptyCode = errors.New("wechat: login code is empty")

// Session is the result of a successful code exchange. SessionKey is secret
// and must never be returned to the client.
type Session struct {
	OpenID     string `json:"openid"`
	UnionID    string `json:"unionid,omitempty"`
	SessionKey string `json:"-"`
}

type sessionResponse struct {
	OpenID     string `json:"openid"`
	SessionKey string `json:"session_key"`
	UnionID    string `json:"unionid"`
	ErrCode    int    `json:"errcode"`
	ErrMsg     string `json:"errmsg"`
}

// Client calls code2session for one mini-program.
type Client struct {
	authURL   string
	appID     string
	appSecret string
	client    *http.Client
	logger    *zap.Logger
}

// NewClient returns a Client. An empty authURL means DefaultAuthURL.
func NewClient(authURL, appID, appSecret string, client *http.Client, logger *zap.Logger) *Client {
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		authURL:   authURL,
		appID:     appID,
		appSecret: appSecret,
		client:    client,
		logger:    logger.With(zap.String("component", "wechat")),
	}
}

// Code2Session exchanges code for a Session.
func (c *Client) Code2Session(ctx context.Context, code string) (*Session, error) {
	if code == "" {
		return nil, ErrEmptyCode
	}

	query := url.Values{
		"grant_type": {"authorization_code"},
		"appid":      {c.appID},
		"secret":     {c.appSecret},
		"js_code":    {code},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &provider.TransportError{Provider: ProviderName, Err: err}
	}
	defer resp.Body.Close()

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, &provider.TransportError{Provider: ProviderName, Err: fmt.Errorf("decoding response: %w", err)}
	}

	if sr.ErrCode != 0 {
		return nil, &provider.ProviderError{
			Provider:   ProviderName,
			Code:       strconv.Itoa(sr.ErrCode),
			Message:    sr.ErrMsg,
			HTTPStatus: resp.StatusCode,
		}
	}
	if sr.OpenID == "" || sr.SessionKey == "" {
		return nil, &provider.ProviderError{
			Provider:   ProviderName,
			Message:    "response lacks openid or session_key",
			HTTPStatus: resp.StatusCode,
		}
	}

	c.logger.Debug("code exchanged", zap.String("openid", sr.OpenID))
	return &Session{OpenID: sr.OpenID, UnionID: sr.UnionID, SessionKey: sr.SessionKey}, nil
}
