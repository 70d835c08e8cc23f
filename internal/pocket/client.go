// Package pocket is a client for the Pocket v3 API: listing saved articles,
// archiving them and the two-step OAuth token exchange.
package pocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the Pocket v3 API root.
	DefaultBaseURL = "https://getpocket.com/v3"

	authorizeURL = "https://getpocket.com/auth/authorize"
)

// Client issues JSON requests to the Pocket API on behalf of one consumer key.
type Client struct {
	consumerKey string
	baseURL     string
	httpClient  *http.Client
}

// NewClient creates a Client against the public API.
func NewClient(consumerKey string) *Client {
	return NewClientWithBaseURL(consumerKey, DefaultBaseURL, &http.Client{Timeout: 30 * time.Second})
}

// NewClientWithBaseURL creates a Client against a custom base URL, used for testing.
func NewClientWithBaseURL(consumerKey, baseURL string, httpClient *http.Client) *Client {
	return &Client{
		consumerKey: consumerKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
	}
}

type getRequest struct {
	ConsumerKey string `json:"consumer_key"`
	AccessToken string `json:"access_token"`
	ContentType string `json:"contentType"`
}

type getResponse struct {
	Status int             `json:"status"`
	List   json.RawMessage `json:"list"`
}

// ListArticles returns the unread articles of the account owning accessToken.
func (c *Client) ListArticles(ctx context.Context, accessToken string) ([]Article, error) {
	var resp getResponse
	err := c.post(ctx, "/get", getRequest{
		ConsumerKey: c.consumerKey,
		AccessToken: accessToken,
		ContentType: "article",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}

	articles, err := normalizeList(resp.List)
	if err != nil {
		return nil, err
	}

	log.Debug().Int("count", len(articles)).Msg("listed articles")
	return articles, nil
}

type sendAction struct {
	Action string `json:"action"`
	ItemID string `json:"item_id"`
	Time   int64  `json:"time"`
}

type sendRequest struct {
	ConsumerKey string       `json:"consumer_key"`
	AccessToken string       `json:"access_token"`
	Actions     []sendAction `json:"actions"`
}

type sendResponse struct {
	Status        int               `json:"status"`
	ActionResults []json.RawMessage `json:"action_results"`
}

// Archive marks itemID as archived at the given time.
func (c *Client) Archive(ctx context.Context, accessToken, itemID string, at time.Time) error {
	var resp sendResponse
	err := c.post(ctx, "/send", sendRequest{
		ConsumerKey: c.consumerKey,
		AccessToken: accessToken,
		Actions: []sendAction{{
			Action: "archive",
			ItemID: itemID,
			Time:   at.Unix(),
		}},
	}, &resp)
	if err != nil {
		return fmt.Errorf("%w: item %s: %w", ErrArchiveCallFailed, itemID, err)
	}

	if resp.Status != 1 {
		return fmt.Errorf("%w: item %s: status %d", ErrArchiveCallFailed, itemID, resp.Status)
	}
	for _, result := range resp.ActionResults {
		if bytes.Equal(bytes.TrimSpace(result), []byte("false")) {
			return fmt.Errorf("%w: item %s: action rejected", ErrArchiveCallFailed, itemID)
		}
	}
	return nil
}

type oauthRequest struct {
	ConsumerKey string `json:"consumer_key"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	Code        string `json:"code,omitempty"`
}

// RequestToken starts the OAuth flow and returns the request code.
func (c *Client) RequestToken(ctx context.Context, redirectURI string) (string, error) {
	var resp struct {
		Code string `json:"code"`
	}
	err := c.post(ctx, "/oauth/request", oauthRequest{
		ConsumerKey: c.consumerKey,
		RedirectURI: redirectURI,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	if resp.Code == "" {
		return "", fmt.Errorf("failed to request token: response has no code")
	}
	return resp.Code, nil
}

// Credentials is the authorize response, kept whole.
type Credentials map[string]any

// AccessToken returns the access_token field.
func (c Credentials) AccessToken() string {
	s, _ := c["access_token"].(string)
	return s
}

// Username returns the username field.
func (c Credentials) Username() string {
	s, _ := c["username"].(string)
	return s
}

// AuthorizeToken exchanges an approved request code for credentials.
func (c *Client) AuthorizeToken(ctx context.Context, code string) (Credentials, error) {
	var creds Credentials
	err := c.post(ctx, "/oauth/authorize", oauthRequest{
		ConsumerKey: c.consumerKey,
		Code:        code,
	}, &creds)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize token: %w", err)
	}
	if creds.AccessToken() == "" {
		return nil, fmt.Errorf("failed to authorize token: response has no access_token")
	}
	return creds, nil
}

// AuthorizeURL is the page where the user approves a request code.
func AuthorizeURL(code, redirectURI string) string {
	return fmt.Sprintf("%s?request_token=%s&redirect_uri=%s",
		authorizeURL, url.QueryEscape(code), url.QueryEscape(redirectURI))
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &APIError{
			StatusCode: resp.StatusCode,
			URL:        endpoint,
			Code:       resp.Header.Get("X-Error-Code"),
			Message:    resp.Header.Get("X-Error"),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return nil
}
