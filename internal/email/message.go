// Package email defines the message model delivered to an e-reader and its
// MIME encoding.
package email

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Email is one outgoing message carrying an e-book.
type Email struct {
	From        string
	To          []string
	Subject     string
	Date        time.Time
	MessageID   string
	// TextBody is an optional plain-text part sent before the attachments.
	TextBody    string
	Attachments []Attachment
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// ebookTypes maps converter output formats to attachment content types.
var ebookTypes = map[string]string{
	"epub":  "application/epub+zip",
	"epub2": "application/epub+zip",
	"epub3": "application/epub+zip",
	"mobi":  "application/x-mobipocket-ebook",
	"azw3":  "application/vnd.amazon.ebook",
	"pdf":   "application/pdf",
	"docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// ContentTypeFor returns the attachment content type for an output format
// such as "epub", falling back to the system MIME table and then to
// application/octet-stream.
func ContentTypeFor(format string) string {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if ct, ok := ebookTypes[format]; ok {
		return ct
	}
	if ct := mime.TypeByExtension("." + format); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// NewEbook builds a message carrying content as a single attachment named
// filename. The subject is the title, or the file name without extension
// when the title is empty.
func NewEbook(from, to, title, filename string, content []byte) *Email {
	subject := strings.TrimSpace(title)
	if subject == "" {
		subject = strings.TrimSuffix(filename, filepath.Ext(filename))
	}

	return &Email{
		From:      from,
		To:        []string{to},
		Subject:   subject,
		Date:      time.Now(),
		MessageID: newMessageID(from),
		Attachments: []Attachment{{
			Filename:    filename,
			ContentType: ContentTypeFor(filepath.Ext(filename)),
			Content:     content,
		}},
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^\p{L}\p{M}\p{N}\s._-]`)
	filenameSpaces      = regexp.MustCompile(`\s+`)
)

// maxFilenameLength, in runes, keeps attachment names well under common
// filesystem limits.
const maxFilenameLength = 80

// Filename derives an attachment file name from an article title and output
// format, e.g. "Go Generics: A Tour" and "epub" give "Go_Generics_A_Tour.epub".
func Filename(title, format string) string {
	name := unsafeFilenameChars.ReplaceAllString(title, "")
	name = filenameSpaces.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.Trim(name, "._-")

	if runes := []rune(name); len(runes) > maxFilenameLength {
		name = strings.TrimRight(string(runes[:maxFilenameLength]), "._-")
	}
	if name == "" {
		name = "article"
	}

	ext := strings.ToLower(strings.TrimPrefix(format, "."))
	if strings.HasPrefix(ext, "epub") {
		ext = "epub"
	}
	return fmt.Sprintf("%s.%s", name, ext)
}

// newMessageID returns a unique Message-ID in the sender's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "<> ")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
