package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/shineum/pocket-epub-mailer/internal/config"
	"github.com/shineum/pocket-epub-mailer/internal/provider"
	"github.com/shineum/pocket-epub-mailer/internal/provider/graph"
	"github.com/shineum/pocket-epub-mailer/internal/provider/ses"
	smtpprovider "github.com/shineum/pocket-epub-mailer/internal/provider/smtp"
	"github.com/shineum/pocket-epub-mailer/internal/provider/stdout"
	mailtls "github.com/shineum/pocket-epub-mailer/internal/tls"
)

// selectProvider builds the delivery backend named by delivery.provider.
// Every backend sends from smtp.email_from.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Delivery.Provider {
	case "smtp":
		tlsConfig, err := mailtls.ClientConfig(cfg.SMTP.Server, cfg.SMTP.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to set up TLS: %w", err)
		}
		log.Debug().
			Str("server", cfg.SMTP.Server).
			Int("port", cfg.SMTP.Port).
			Bool("auth", cfg.SMTP.User != "").
			Msg("using SMTP provider")
		return smtpprovider.New(smtpprovider.Config{
			Host:      cfg.SMTP.Server,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.User,
			Password:  cfg.SMTP.Password,
			TLSConfig: tlsConfig,
		}), nil

	case "ses":
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("ses provider selected but delivery.ses.region is not set")
		}
		log.Debug().Str("region", cfg.Delivery.SES.Region).Msg("using AWS SES provider")
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.Delivery.SES.Region,
			AccessKeyID:     cfg.Delivery.SES.AccessKeyID,
			SecretAccessKey: cfg.Delivery.SES.SecretAccessKey,
			Sender:          cfg.SMTP.EmailFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case "graph":
		if !cfg.GraphConfigured() {
			return nil, fmt.Errorf("graph provider selected but delivery.graph is incomplete")
		}
		log.Debug().Str("sender", cfg.SMTP.EmailFrom).Msg("using Microsoft Graph provider")
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Delivery.Graph.TenantID,
			ClientID:     cfg.Delivery.Graph.ClientID,
			ClientSecret: cfg.Delivery.Graph.ClientSecret,
			Sender:       cfg.SMTP.EmailFrom,
		}), nil

	case "stdout":
		log.Debug().Str("keep_dir", cfg.Delivery.Stdout.KeepDir).Msg("using stdout provider")
		return stdout.New(cfg.Delivery.Stdout.KeepDir), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Delivery.Provider)
	}
}
