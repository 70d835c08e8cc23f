package graph

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

	"github.com/shineum/pocket-epub-mailer/internal/email"
	"github.com/shineum/pocket-epub-mailer/internal/provider"
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// GraphProvider sends messages through Microsoft Graph using OAuth2
// client-credentials authentication.
type GraphProvider struct {
	sendURL    string
	httpClient *http.Client
	tokens     *tokenSource
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	return NewWithEndpoints(cfg,
		"https://graph.microsoft.com/v1.0",
		fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID)),
		&http.Client{Timeout: 60 * time.Second},
	)
}

// NewWithEndpoints creates a GraphProvider against custom Graph and token
// endpoints, used for testing.
func NewWithEndpoints(cfg GraphProviderConfig, graphBaseURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sendURL:    fmt.Sprintf("%s/users/%s/sendMail", strings.TrimRight(graphBaseURL, "/"), url.PathEscape(cfg.Sender)),
		httpClient: client,
		tokens:     newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Send posts the message to the sendMail endpoint once.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Email) error {
	body, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("%w: failed to marshal request body: %w", provider.ErrDeliveryFailed, err)
	}

	token, err := g.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get access token: %w", provider.ErrDeliveryFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", provider.ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: Graph request failed: %w", provider.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Str("subject", msg.Subject).Msg("Graph accepted message")
		return nil
	}

	return fmt.Errorf("%w: %w", provider.ErrDeliveryFailed, readSendError(resp))
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// SendError is a non-2xx response from the sendMail endpoint.
type SendError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

func readSendError(resp *http.Response) *SendError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	sendErr := &SendError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}

	var ger graphErrorResponse
	if err := json.Unmarshal(body, &ger); err == nil && ger.Error.Message != "" {
		sendErr.Code = ger.Error.Code
		sendErr.Message = ger.Error.Message
	}
	return sendErr
}
