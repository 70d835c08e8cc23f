// Package extract fetches a web page and reduces it to its readable content.
package extract

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// Format selects the output representation.
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

// ErrUnsupportedFormat is returned for a format other than html or markdown.
var ErrUnsupportedFormat = errors.New("unsupported format")

const userAgent = "Mozilla/5.0 (compatible; pocket-epub-mailer/1.0)"

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatHTML, FormatMarkdown:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Extractor fetches pages over HTTP.
type Extractor struct {
	httpClient *http.Client
}

// New creates an Extractor with a 30 second fetch timeout.
func New() *Extractor {
	return NewWithClient(&http.Client{Timeout: 30 * time.Second})
}

// NewWithClient creates an Extractor using client.
func NewWithClient(client *http.Client) *Extractor {
	return &Extractor{httpClient: client}
}

// Extract fetches rawURL and writes its readable content to w.
func (e *Extractor) Extract(ctx context.Context, rawURL string, format Format, w io.Writer) error {
	pageURL, err := url.Parse(rawURL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return fmt.Errorf("invalid URL %q", rawURL)
	}

	article, err := e.fetch(ctx, pageURL)
	if err != nil {
		return err
	}

	content, err := cleanContent(article.Content, pageURL)
	if err != nil {
		return err
	}

	switch format {
	case FormatMarkdown:
		converter := md.NewConverter(pageURL.Host, true, nil)
		markdown, err := converter.ConvertString(content)
		if err != nil {
			return fmt.Errorf("failed to convert to markdown: %w", err)
		}
		if article.Title != "" {
			markdown = "# " + article.Title + "\n\n" + markdown
		}
		_, err = io.WriteString(w, markdown+"\n")
		return err

	case FormatHTML, "":
		return documentTemplate.Execute(w, document{
			Title:   article.Title,
			Author:  article.Byline,
			Source:  pageURL.String(),
			Content: template.HTML(content),
		})

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func (e *Extractor) fetch(ctx context.Context, pageURL *url.URL) (readability.Article, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return readability.Article{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return readability.Article{}, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readability.Article{}, fmt.Errorf("HTTP %d for %s", resp.StatusCode, pageURL)
	}

	article, err := readability.FromReader(resp.Body, resp.Request.URL)
	if err != nil {
		return readability.Article{}, fmt.Errorf("failed to parse %s: %w", pageURL, err)
	}
	if strings.TrimSpace(article.TextContent) == "" {
		return readability.Article{}, fmt.Errorf("no readable content found at %s", pageURL)
	}
	return article, nil
}

// cleanContent drops active elements and resolves relative links and image
// sources against the page URL so the converter can fetch them.
func cleanContent(content string, base *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to parse content: %w", err)
	}

	doc.Find("script,noscript,iframe,form,style").Remove()

	resolve := func(attr string) func(int, *goquery.Selection) {
		return func(_ int, s *goquery.Selection) {
			value, ok := s.Attr(attr)
			if !ok || value == "" {
				return
			}
			ref, err := url.Parse(value)
			if err != nil {
				s.RemoveAttr(attr)
				return
			}
			s.SetAttr(attr, base.ResolveReference(ref).String())
		}
	}
	doc.Find("img[src]").Each(resolve("src"))
	doc.Find("a[href]").Each(resolve("href"))

	body, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("failed to render content: %w", err)
	}
	return body, nil
}

type document struct {
	Title   string
	Author  string
	Source  string
	Content template.HTML
}

var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{- if .Author}}
<meta name="author" content="{{.Author}}">
{{- end}}
</head>
<body>
<p><a href="{{.Source}}">{{.Source}}</a></p>
{{.Content}}
</body>
</html>
`))
