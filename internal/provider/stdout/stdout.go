// Package stdout implements a dry-run Provider: messages are described on a
// writer instead of being sent, and attachments can be kept in a directory
// for inspection.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"

	"github.com/shineum/pocket-epub-mailer/internal/email"
	"github.com/shineum/pocket-epub-mailer/internal/provider"
)

// Provider describes each message on a writer.
type Provider struct {
	writer io.Writer
	keep   string
}

// New returns a Provider writing to os.Stdout. When keepDir is not empty,
// attachments are also saved there.
func New(keepDir string) *Provider {
	return &Provider{writer: os.Stdout, keep: keepDir}
}

// NewWithWriter returns a Provider writing to w.
func NewWithWriter(w io.Writer, keepDir string) *Provider {
	return &Provider{writer: w, keep: keepDir}
}

// Send describes msg. Attachment content is never printed.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	var saved []string
	if p.keep != "" {
		for _, att := range msg.Attachments {
			path, err := p.save(att)
			if err != nil {
				return fmt.Errorf("%w: %w", provider.ErrDeliveryFailed, err)
			}
			saved = append(saved, path)
		}
	}

	tw := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "dry run\t%s\n", msg.MessageID)
	fmt.Fprintf(tw, "  from\t%s\n", msg.From)
	fmt.Fprintf(tw, "  to\t%s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(tw, "  subject\t%s\n", msg.Subject)
	if msg.TextBody != "" {
		fmt.Fprintf(tw, "  body\t%d chars\n", len(msg.TextBody))
	}
	for i, att := range msg.Attachments {
		fmt.Fprintf(tw, "  attachment\t%s\t%s\t%s\n", att.Filename, att.ContentType, formatSize(len(att.Content)))
		if i < len(saved) {
			fmt.Fprintf(tw, "  saved\t%s\n", saved[i])
		}
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("%w: failed to write message summary: %w", provider.ErrDeliveryFailed, err)
	}
	return nil
}

// save writes att into the keep directory under its base name.
func (p *Provider) save(att email.Attachment) (string, error) {
	if err := os.MkdirAll(p.keep, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", p.keep, err)
	}
	path := filepath.Join(p.keep, filepath.Base(att.Filename))
	if err := os.WriteFile(path, att.Content, 0o644); err != nil {
		return "", fmt.Errorf("failed to save attachment: %w", err)
	}
	log.Debug().Str("path", path).Int("bytes", len(att.Content)).Msg("dry run attachment saved")
	return path, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func formatSize(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
