// Package smtp implements a Provider that submits messages to an SMTP relay
// over implicit TLS with AUTH PLAIN.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog/log"

	"github.com/shineum/pocket-epub-mailer/internal/email"
	"github.com/shineum/pocket-epub-mailer/internal/provider"
)

// Config holds relay connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLSConfig overrides the client TLS configuration. When nil the relay
	// certificate is verified against the system roots for Host.
	TLSConfig *tls.Config
}

// Provider delivers messages through one SMTP relay. Each Send opens and
// closes its own connection.
type Provider struct {
	addr      string
	username  string
	password  string
	tlsConfig *tls.Config
}

// New creates a relay Provider.
func New(cfg Config) *Provider {
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}

	return &Provider{
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		username:  cfg.Username,
		password:  cfg.Password,
		tlsConfig: tlsConfig,
	}
}

// Send connects, authenticates and submits msg. The connection is closed on
// every path, including cancellation of ctx mid-transaction.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	raw, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("%w: failed to encode message: %w", provider.ErrDeliveryFailed, err)
	}

	sender, err := envelopeAddress(msg.From)
	if err != nil {
		return fmt.Errorf("%w: invalid sender: %w", provider.ErrDeliveryFailed, err)
	}
	recipients := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		rcpt, err := envelopeAddress(to)
		if err != nil {
			return fmt.Errorf("%w: invalid recipient: %w", provider.ErrDeliveryFailed, err)
		}
		recipients = append(recipients, rcpt)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", provider.ErrDeliveryFailed, err)
	}

	c, err := gosmtp.DialTLS(p.addr, p.tlsConfig)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to %s: %w", provider.ErrDeliveryFailed, p.addr, err)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if p.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", p.username, p.password)); err != nil {
			return fmt.Errorf("%w: authentication failed: %w", provider.ErrDeliveryFailed, err)
		}
	}

	if err := c.SendMail(sender, recipients, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("%w: relay rejected message: %w", provider.ErrDeliveryFailed, err)
	}

	if err := c.Quit(); err != nil {
		log.Debug().Err(err).Str("relay", p.addr).Msg("QUIT failed after message was accepted")
	}

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

func envelopeAddress(raw string) (string, error) {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}
