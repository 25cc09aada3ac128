// Package github implements the OAuth device flow and the Copilot token
// exchange.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"polychat/internal/apperr"
	"polychat/internal/provider"

	"golang.org/x/sync/singleflight"
)

const (
	defaultLoginURL = "https://github.com"
	defaultAPIURL   = "https://api.github.com"
	deviceScope     = "read:user"
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// SlowDownStep is added to the poll interval on slow_down.
	SlowDownStep = 5 * time.Second

	tokenRefreshMargin = time.Minute
)

// Poll outcomes.
const (
	StatusPending   = "pending"
	StatusConnected = "connected"
	StatusExpired   = "expired"
	StatusDenied    = "denied"
	StatusSlowDown  = "slow_down"
)

// Copilot request headers expected by the chat endpoint.
const (
	EditorVersion       = "vscode/1.95.0"
	EditorPluginVersion = "copilot-chat/0.22.4"
	IntegrationID       = "vscode-chat"
	userAgent           = "GitHubCopilotChat/0.22.4"
)

type Client struct {
	clientID string
	loginURL string
	apiURL   string
	http     *http.Client
	now      func() time.Time

	group  singleflight.Group
	mu     sync.Mutex
	tokens map[string]CopilotToken
}

func NewClient(clientID string, httpClient *http.Client) *Client {
	return &Client{
		clientID: clientID,
		loginURL: defaultLoginURL,
		apiURL:   defaultAPIURL,
		http:     httpClient,
		now:      time.Now,
		tokens:   make(map[string]CopilotToken),
	}
}

// WithBaseURLs points the client at other login and API hosts.
func (c *Client) WithBaseURLs(loginURL, apiURL string) *Client {
	c.loginURL = loginURL
	c.apiURL = apiURL
	return c
}

type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// RequestDeviceCode starts the device flow.
func (c *Client) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	if c.clientID == "" {
		return nil, apperr.New(apperr.Offline, apperr.SurfaceCopilot, "github client id not configured")
	}
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("scope", deviceScope)

	var dc DeviceCode
	if err := c.postForm(ctx, c.loginURL+"/login/device/code", form, &dc); err != nil {
		return nil, classify(err)
	}
	if dc.DeviceCode == "" || dc.UserCode == "" {
		return nil, apperr.New(apperr.Offline, apperr.SurfaceCopilot, "github returned an empty device code")
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	return &dc, nil
}

type PollResult struct {
	Status      string
	AccessToken string
}

type accessTokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// PollAccessToken asks GitHub whether the user approved deviceCode.
func (c *Client) PollAccessToken(ctx context.Context, deviceCode string) (*PollResult, error) {
	if c.clientID == "" {
		return nil, apperr.New(apperr.Offline, apperr.SurfaceCopilot, "github client id not configured")
	}
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", deviceGrantType)

	var resp accessTokenResponse
	if err := c.postForm(ctx, c.loginURL+"/login/oauth/access_token", form, &resp); err != nil {
		return nil, classify(err)
	}
	switch resp.Error {
	case "":
		if resp.AccessToken == "" {
			return nil, apperr.New(apperr.Offline, apperr.SurfaceCopilot, "github returned no access token")
		}
		return &PollResult{Status: StatusConnected, AccessToken: resp.AccessToken}, nil
	case "authorization_pending":
		return &PollResult{Status: StatusPending}, nil
	case "slow_down":
		return &PollResult{Status: StatusSlowDown}, nil
	case "expired_token":
		return &PollResult{Status: StatusExpired}, nil
	case "access_denied":
		return &PollResult{Status: StatusDenied}, nil
	default:
		return nil, apperr.New(apperr.BadRequest, apperr.SurfaceCopilot, strings.TrimSpace(resp.Error+": "+resp.ErrorDescription))
	}
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	body := form.Encode()
	return provider.FetchJSON(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

type CopilotToken struct {
	Token     string
	ExpiresAt time.Time
	Endpoint  string
}

type copilotTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Endpoints struct {
		API string `json:"api"`
	} `json:"endpoints"`
}

// CopilotToken exchanges a GitHub access token for a short-lived Copilot
// token. Tokens are cached until a minute before they expire.
func (c *Client) CopilotToken(ctx context.Context, githubToken string) (CopilotToken, error) {
	c.mu.Lock()
	tok, ok := c.tokens[githubToken]
	c.mu.Unlock()
	if ok && c.now().Add(tokenRefreshMargin).Before(tok.ExpiresAt) {
		return tok, nil
	}

	v, err, _ := c.group.Do(githubToken, func() (any, error) {
		return c.exchange(ctx, githubToken)
	})
	if err != nil {
		return CopilotToken{}, err
	}
	tok = v.(CopilotToken)
	c.mu.Lock()
	c.tokens[githubToken] = tok
	c.mu.Unlock()
	return tok, nil
}

// Forget drops a cached Copilot token.
func (c *Client) Forget(githubToken string) {
	c.mu.Lock()
	delete(c.tokens, githubToken)
	c.mu.Unlock()
}

func (c *Client) exchange(ctx context.Context, githubToken string) (CopilotToken, error) {
	var resp copilotTokenResponse
	err := provider.FetchJSON(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/copilot_internal/v2/token", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "token "+githubToken)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Editor-Version", EditorVersion)
		req.Header.Set("Editor-Plugin-Version", EditorPluginVersion)
		req.Header.Set("User-Agent", userAgent)
		return req, nil
	}, &resp)
	if err != nil {
		switch provider.StatusCode(err) {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return CopilotToken{}, apperr.Wrap(apperr.Unauthorized, apperr.SurfaceCopilot, err)
		}
		return CopilotToken{}, classify(err)
	}
	if resp.Token == "" {
		return CopilotToken{}, apperr.New(apperr.Offline, apperr.SurfaceCopilot, "github returned an empty copilot token")
	}
	return CopilotToken{
		Token:     resp.Token,
		ExpiresAt: time.Unix(resp.ExpiresAt, 0),
		Endpoint:  resp.Endpoints.API,
	}, nil
}

func classify(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	if code := provider.StatusCode(err); code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return apperr.Wrap(apperr.BadRequest, apperr.SurfaceCopilot, err)
	}
	return apperr.Wrap(apperr.Offline, apperr.SurfaceCopilot, fmt.Errorf("github: %w", err))
}
