package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// WriteTo writes the message as a multipart/mixed RFC 5322 document.
func (e *Email) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := e.compose(cw); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Bytes returns the encoded message.
func (e *Email) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Email) compose(w io.Writer) error {
	var h mail.Header
	h.Set("MIME-Version", "1.0")

	from, err := parseAddress(e.From)
	if err != nil {
		return fmt.Errorf("invalid From address %q: %w", e.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to := make([]*mail.Address, 0, len(e.To))
	for _, raw := range e.To {
		addr, err := parseAddress(raw)
		if err != nil {
			return fmt.Errorf("invalid To address %q: %w", raw, err)
		}
		to = append(to, addr)
	}
	h.SetAddressList("To", to)

	date := e.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(e.Subject)
	if e.MessageID != "" {
		h.Set("Message-Id", e.MessageID)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message writer: %w", err)
	}

	if e.TextBody != "" {
		var th mail.InlineHeader
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		tw, err := mw.CreateSingleInline(th)
		if err != nil {
			return fmt.Errorf("failed to create text part: %w", err)
		}
		if _, err := io.WriteString(tw, e.TextBody); err != nil {
			return fmt.Errorf("failed to write text part: %w", err)
		}
		if err := tw.Close(); err != nil {
			return fmt.Errorf("failed to close text part: %w", err)
		}
	}

	for _, att := range e.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(att.ContentType, nil)
		ah.SetFilename(att.Filename)

		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return fmt.Errorf("failed to create attachment %s: %w", att.Filename, err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return fmt.Errorf("failed to close attachment %s: %w", att.Filename, err)
		}
	}

	return mw.Close()
}

// parseAddress accepts both bare addresses and "Name <addr>" forms.
func parseAddress(raw string) (*mail.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty address")
	}
	return mail.ParseAddress(raw)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
