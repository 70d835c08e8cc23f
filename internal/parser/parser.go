// Package parser decodes RFC 5322 messages back into the email model.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog/log"

	"github.com/shineum/pocket-epub-mailer/internal/email"
)

// Parse parses a raw RFC 5322 email message into an Email struct.
func Parse(raw []byte) (*email.Email, error) {
	return ParseReader(bytes.NewReader(raw))
}

// ParseReader parses a message from r. The first text/plain part becomes the
// text body and every attachment part is decoded into Attachments. Other
// inline parts are skipped with a warning.
func ParseReader(r io.Reader) (*email.Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		MessageID: mr.Header.Get("Message-Id"),
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		result.From = from[0].Address
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			result.To = append(result.To, addr.Address)
		}
	}
	if subject, err := mr.Header.Subject(); err == nil {
		result.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil {
		result.Date = date
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read inline part: %w", err)
			}
			if (mediaType == "text/plain" || mediaType == "") && result.TextBody == "" {
				result.TextBody = string(body)
				continue
			}
			log.Warn().Str("content_type", mediaType).Msg("skipping inline MIME part")

		case *mail.AttachmentHeader:
			mediaType, _, _ := h.ContentType()
			filename, err := h.Filename()
			if err != nil || filename == "" {
				filename = "attachment"
			}
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read attachment %s: %w", filename, err)
			}
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
			})
		}
	}

	return result, nil
}
