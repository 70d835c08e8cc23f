// Package app runs the operator actions: the fetch, convert, send and archive
// loop, sending a local file, and the interactive token handshake.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shineum/pocket-epub-mailer/internal/config"
	"github.com/shineum/pocket-epub-mailer/internal/convert"
	"github.com/shineum/pocket-epub-mailer/internal/email"
	"github.com/shineum/pocket-epub-mailer/internal/pocket"
	"github.com/shineum/pocket-epub-mailer/internal/provider"
)

// ErrAccountNotFound is returned when a username is not configured.
var ErrAccountNotFound = errors.New("account not found")

// PocketAPI is the subset of the Pocket client the app uses.
type PocketAPI interface {
	ListArticles(ctx context.Context, accessToken string) ([]pocket.Article, error)
	Archive(ctx context.Context, accessToken, itemID string, at time.Time) error
	RequestToken(ctx context.Context, redirectURI string) (string, error)
	AuthorizeToken(ctx context.Context, code string) (pocket.Credentials, error)
}

// Converter turns an article into a file.
type Converter interface {
	Convert(ctx context.Context, url, title string) (*convert.Artifact, error)
	OutputFormat() string
}

// App wires configuration to the API client, converter and delivery provider.
type App struct {
	cfg       *config.Config
	pocket    PocketAPI
	converter Converter
	provider  provider.Provider

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option customizes an App.
type Option func(*App)

// WithSleep replaces the pause between articles.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *App) { a.sleep = fn }
}

// WithClock replaces the time source used for archive timestamps.
func WithClock(fn func() time.Time) Option {
	return func(a *App) { a.now = fn }
}

// New creates an App.
func New(cfg *config.Config, api PocketAPI, converter Converter, prov provider.Provider, opts ...Option) *App {
	a := &App{
		cfg:       cfg,
		pocket:    api,
		converter: converter,
		provider:  prov,
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Report summarizes one ProcessAndSend run.
type Report struct {
	Accounts        int
	Seen            int
	Sent            int
	Skipped         int
	ArchiveFailures int
	ListingFailures int
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (r Report) MarshalZerologObject(e *zerolog.Event) {
	e.Int("accounts", r.Accounts).
		Int("seen", r.Seen).
		Int("sent", r.Sent).
		Int("skipped", r.Skipped).
		Int("archive_failures", r.ArchiveFailures).
		Int("listing_failures", r.ListingFailures)
}

// ProcessAndSend converts, sends and archives every unread article of every
// account. Article failures are logged and skipped; listing failures are
// joined into the returned error after all accounts have been tried.
func (a *App) ProcessAndSend(ctx context.Context) (Report, error) {
	runID := uuid.NewString()
	var (
		report      Report
		listErrs    []error
		hadArticles bool
	)

	for _, account := range a.cfg.Accounts() {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(append(listErrs, err)...)
		}
		report.Accounts++

		logger := log.With().Str("run_id", runID).Str("account", account.Username).Logger()

		articles, err := a.pocket.ListArticles(ctx, account.AccessToken)
		if err != nil {
			logger.Error().Err(err).Msg("failed to list articles")
			report.ListingFailures++
			listErrs = append(listErrs, fmt.Errorf("account %s: %w", account.Username, err))
			continue
		}
		logger.Info().Int("articles", len(articles)).Msg("processing account")

		for _, article := range articles {
			if hadArticles {
				if err := a.pause(ctx); err != nil {
					return report, errors.Join(append(listErrs, err)...)
				}
			}
			if err := ctx.Err(); err != nil {
				return report, errors.Join(append(listErrs, err)...)
			}
			hadArticles = true
			report.Seen++

			articleLog := logger.With().Str("item_id", article.ItemID).Str("title", article.Title).Logger()

			if err := a.deliverArticle(ctx, articleLog, account, article); err != nil {
				report.Skipped++
				continue
			}
			report.Sent++

			if err := a.pocket.Archive(ctx, account.AccessToken, article.ItemID, a.now()); err != nil {
				articleLog.Error().Err(err).Msg("article sent but not archived; it will be sent again next run")
				report.ArchiveFailures++
				continue
			}
			articleLog.Info().Msg("article sent and archived")
		}
	}

	return report, errors.Join(listErrs...)
}

// deliverArticle converts and sends one article. The converted file is
// removed before it returns.
func (a *App) deliverArticle(ctx context.Context, logger zerolog.Logger, account config.Account, article pocket.Article) error {
	if article.URL == "" {
		logger.Warn().Msg("article has no URL, skipping")
		return errors.New("article has no URL")
	}

	logger.Info().Str("url", article.URL).Msg("processing article")

	artifact, err := a.converter.Convert(ctx, article.URL, article.Title)
	if err != nil {
		logger.Error().Err(err).Msg("conversion failed, skipping article")
		return err
	}
	defer func() {
		if err := artifact.Cleanup(); err != nil {
			logger.Warn().Err(err).Str("path", artifact.Path).Msg("failed to remove converted file")
		}
	}()

	content, err := io.ReadAll(artifact.File)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read converted file, skipping article")
		return err
	}

	filename := email.Filename(article.Title, a.converter.OutputFormat())
	msg := email.NewEbook(a.cfg.SMTP.EmailFrom, account.DestinationEmail, article.Title, filename, content)
	msg.TextBody = "Source: " + article.URL

	if err := a.provider.Send(ctx, msg); err != nil {
		logger.Error().Err(err).Str("provider", a.provider.Name()).Msg("delivery failed, skipping article")
		return err
	}

	logger.Debug().Str("attachment", filename).Int("bytes", len(content)).Msg("message delivered")
	return nil
}

func (a *App) pause(ctx context.Context) error {
	d := a.cfg.SleepDuration()
	if d <= 0 {
		return nil
	}
	log.Debug().Dur("sleep", d).Msg("pausing before next article")
	return a.sleep(ctx, d)
}

// SendFile emails a local file to the named account. The Pocket API is not
// contacted.
func (a *App) SendFile(ctx context.Context, username, path string) error {
	account, ok := a.cfg.Account(username)
	if !ok {
		return fmt.Errorf("%w: %q", ErrAccountNotFound, username)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	filename := filepath.Base(path)
	title := strings.TrimSuffix(filename, filepath.Ext(filename))
	msg := email.NewEbook(a.cfg.SMTP.EmailFrom, account.DestinationEmail, title, filename, content)

	if err := a.provider.Send(ctx, msg); err != nil {
		return err
	}

	log.Info().
		Str("account", account.Username).
		Str("file", filename).
		Str("provider", a.provider.Name()).
		Msg("file sent")
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
