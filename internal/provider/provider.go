// Package provider defines the interface for e-book delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/pocket-epub-mailer/internal/email"
)

// ErrDeliveryFailed is wrapped by every error a Provider returns when the
// message could not be handed to the remote service.
var ErrDeliveryFailed = errors.New("delivery failed")

// Provider is the interface that delivery backends must implement.
// Each provider hands a composed message carrying one e-book attachment
// to the target service (SMTP relay, AWS SES, Microsoft Graph or stdout).
type Provider interface {
	// Send delivers an email message through this provider. Send makes a
	// single attempt; callers decide what to do with a failed article.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
