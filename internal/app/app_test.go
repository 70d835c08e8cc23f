package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/pocket-epub-mailer/internal/config"
	"github.com/shineum/pocket-epub-mailer/internal/convert"
	"github.com/shineum/pocket-epub-mailer/internal/email"
	"github.com/shineum/pocket-epub-mailer/internal/pocket"
	"github.com/shineum/pocket-epub-mailer/internal/provider"
)

func loadConfig(t *testing.T, sleep string, accounts map[string]string) *config.Config {
	t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, "consumer_key = \"key\"\nsleep_between_articles = %s\n\n", sleep)
	b.WriteString("[smtp]\nserver = \"smtp.example.com\"\nport = 465\nuser = \"mailer\"\npassword = \"pw\"\nemail_from = \"mailer@example.com\"\n\n")
	for name, token := range accounts {
		fmt.Fprintf(&b, "[accounts.%s]\ndestination_email = \"%s@kindle.com\"\naccess_token = \"%s\"\n\n", name, name, token)
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

type archiveCall struct {
	Token  string
	ItemID string
}

type fakePocket struct {
	mu         sync.Mutex
	lists      map[string][]pocket.Article
	listErrs   map[string]error
	archiveErr map[string]error
	archived   []archiveCall

	code       string
	creds      pocket.Credentials
	entered    *bool
	authorized bool
}

func (f *fakePocket) ListArticles(_ context.Context, token string) ([]pocket.Article, error) {
	if err := f.listErrs[token]; err != nil {
		return nil, err
	}
	return f.lists[token], nil
}

func (f *fakePocket) Archive(_ context.Context, token, itemID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, archiveCall{Token: token, ItemID: itemID})
	return f.archiveErr[itemID]
}

func (f *fakePocket) RequestToken(_ context.Context, redirectURI string) (string, error) {
	if redirectURI != config.DefaultRedirectURI {
		return "", fmt.Errorf("unexpected redirect %q", redirectURI)
	}
	return f.code, nil
}

func (f *fakePocket) AuthorizeToken(_ context.Context, code string) (pocket.Credentials, error) {
	if f.entered != nil && !*f.entered {
		return nil, errors.New("authorize called before ENTER")
	}
	if code != f.code {
		return nil, fmt.Errorf("unexpected code %q", code)
	}
	f.authorized = true
	return f.creds, nil
}

// fakeConverter writes "EPUB:<url>" to a temp file, or fails for URLs in fail.
type fakeConverter struct {
	dir  string
	fail map[string]error
}

func (c *fakeConverter) Convert(_ context.Context, url, _ string) (*convert.Artifact, error) {
	if err := c.fail[url]; err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(c.dir, "article-*.epub")
	if err != nil {
		return nil, err
	}
	io.WriteString(f, "EPUB:"+url)
	f.Seek(0, io.SeekStart)
	return &convert.Artifact{File: f, Path: f.Name()}, nil
}

func (c *fakeConverter) OutputFormat() string { return "epub" }

type fakeProvider struct {
	sent []*email.Email
	fail map[string]bool // by subject
}

func (p *fakeProvider) Send(_ context.Context, msg *email.Email) error {
	if p.fail[msg.Subject] {
		return fmt.Errorf("%w: relay said no", provider.ErrDeliveryFailed)
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakeProvider) Name() string { return "fake" }

type sleepRecorder struct {
	calls []time.Duration
	err   error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return s.err
}

func article(id, title string) pocket.Article {
	return pocket.Article{ItemID: id, Title: title, URL: "https://example.com/" + id}
}

type harness struct {
	app       *App
	pocket    *fakePocket
	converter *fakeConverter
	provider  *fakeProvider
	sleeps    *sleepRecorder
}

func newHarness(t *testing.T, sleep string, accounts map[string]string) *harness {
	t.Helper()

	h := &harness{
		pocket:    &fakePocket{lists: map[string][]pocket.Article{}, listErrs: map[string]error{}, archiveErr: map[string]error{}},
		converter: &fakeConverter{dir: t.TempDir(), fail: map[string]error{}},
		provider:  &fakeProvider{fail: map[string]bool{}},
		sleeps:    &sleepRecorder{},
	}
	h.app = New(loadConfig(t, sleep, accounts), h.pocket, h.converter, h.provider, WithSleep(h.sleeps.sleep))
	return h
}

func (h *harness) archivedIDs() []string {
	var ids []string
	for _, c := range h.pocket.archived {
		ids = append(ids, c.ItemID)
	}
	return ids
}

func TestProcessAndSend_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a"})
	h.pocket.lists["tok-a"] = []pocket.Article{article("1", "First Post"), article("2", "Second: Post")}

	report, err := h.app.ProcessAndSend(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.provider.sent) != 2 {
		t.Fatalf("sent: got %d, want 2", len(h.provider.sent))
	}
	msg := h.provider.sent[0]
	if msg.From != "mailer@example.com" || len(msg.To) != 1 || msg.To[0] != "alice@kindle.com" {
		t.Errorf("envelope: from %q to %v", msg.From, msg.To)
	}
	if msg.Subject != "First Post" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if msg.TextBody != "Source: https://example.com/1" {
		t.Errorf("TextBody: got %q", msg.TextBody)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments: got %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if string(att.Content) != "EPUB:https://example.com/1" {
		t.Errorf("attachment content: got %q", att.Content)
	}
	if att.Filename != "First_Post.epub" || att.ContentType != "application/epub+zip" {
		t.Errorf("attachment: %q (%s)", att.Filename, att.ContentType)
	}
	if h.provider.sent[1].Attachments[0].Filename != "Second_Post.epub" {
		t.Errorf("second filename: got %q", h.provider.sent[1].Attachments[0].Filename)
	}

	if want := []archiveCall{{"tok-a", "1"}, {"tok-a", "2"}}; !reflect.DeepEqual(h.pocket.archived, want) {
		t.Errorf("archived: got %v, want %v", h.pocket.archived, want)
	}

	want := Report{Accounts: 1, Seen: 2, Sent: 2}
	if report != want {
		t.Errorf("report: got %+v, want %+v", report, want)
	}

	entries, _ := os.ReadDir(h.converter.dir)
	if len(entries) != 0 {
		t.Errorf("converted files left behind: %d", len(entries))
	}
}

func TestProcessAndSend_ConversionFailuresSkipArticle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"extractor", &convert.StageError{Stage: convert.StageExtract, ExitCode: 1}},
		{"converter", &convert.StageError{Stage: convert.StageConvert, ExitCode: 2}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, "0", map[string]string{"alice": "tok-a"})
			h.pocket.lists["tok-a"] = []pocket.Article{article("1", "Broken"), article("2", "Fine")}
			h.converter.fail["https://example.com/1"] = tt.err

			report, err := h.app.ProcessAndSend(context.Background())
			if err != nil {
				t.Fatalf("article failures must not fail the run: %v", err)
			}

			if len(h.provider.sent) != 1 || h.provider.sent[0].Subject != "Fine" {
				t.Errorf("sent: got %d messages", len(h.provider.sent))
			}
			if got := h.archivedIDs(); !reflect.DeepEqual(got, []string{"2"}) {
				t.Errorf("archived: got %v, want [2]", got)
			}
			if report.Skipped != 1 || report.Sent != 1 {
				t.Errorf("report: got %+v", report)
			}
		})
	}
}

func TestProcessAndSend_DeliveryFailureLeavesArticleUnarchived(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a"})
	h.pocket.lists["tok-a"] = []pocket.Article{article("1", "Rejected"), article("2", "Accepted")}
	h.provider.fail["Rejected"] = true

	report, err := h.app.ProcessAndSend(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := h.archivedIDs(); !reflect.DeepEqual(got, []string{"2"}) {
		t.Errorf("archived: got %v, want [2]", got)
	}
	if report.Skipped != 1 || report.Sent != 1 {
		t.Errorf("report: got %+v", report)
	}
	entries, _ := os.ReadDir(h.converter.dir)
	if len(entries) != 0 {
		t.Errorf("converted files left behind after delivery failure: %d", len(entries))
	}
}

func TestProcessAndSend_ArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a"})
	h.pocket.lists["tok-a"] = []pocket.Article{article("1", "One"), article("2", "Two")}
	h.pocket.archiveErr["1"] = fmt.Errorf("%w: status 0", pocket.ErrArchiveCallFailed)

	report, err := h.app.ProcessAndSend(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.provider.sent) != 2 {
		t.Errorf("sent: got %d, want 2", len(h.provider.sent))
	}
	if report.ArchiveFailures != 1 || report.Sent != 2 {
		t.Errorf("report: got %+v", report)
	}
}

func TestProcessAndSend_ListingFailureContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a", "bob": "tok-b"})
	h.pocket.listErrs["tok-a"] = fmt.Errorf("%w: list is a string", pocket.ErrUnexpectedResponseShape)
	h.pocket.lists["tok-b"] = []pocket.Article{article("7", "For Bob")}

	report, err := h.app.ProcessAndSend(context.Background())
	if !errors.Is(err, pocket.ErrUnexpectedResponseShape) {
		t.Fatalf("expected ErrUnexpectedResponseShape, got %v", err)
	}
	if !strings.Contains(err.Error(), "alice") {
		t.Errorf("error should name the account: %v", err)
	}

	if len(h.provider.sent) != 1 || h.provider.sent[0].To[0] != "bob@kindle.com" {
		t.Errorf("bob's article should still be sent, got %d messages", len(h.provider.sent))
	}
	if report.ListingFailures != 1 || report.Accounts != 2 {
		t.Errorf("report: got %+v", report)
	}
}

func TestProcessAndSend_SleepsBetweenArticles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "2", map[string]string{"alice": "tok-a", "bob": "tok-b"})
	h.pocket.lists["tok-a"] = []pocket.Article{article("1", "A"), article("2", "B")}
	h.pocket.lists["tok-b"] = []pocket.Article{article("3", "C")}

	if _, err := h.app.ProcessAndSend(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []time.Duration{2 * time.Second, 2 * time.Second}
	if !reflect.DeepEqual(h.sleeps.calls, want) {
		t.Errorf("sleeps: got %v, want %v", h.sleeps.calls, want)
	}
}

func TestProcessAndSend_ZeroSleepNeverPauses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a"})
	h.pocket.lists["tok-a"] = []pocket.Article{article("1", "A"), article("2", "B"), article("3", "C")}

	if _, err := h.app.ProcessAndSend(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.sleeps.calls) != 0 {
		t.Errorf("sleep called %d times, want 0", len(h.sleeps.calls))
	}
	if len(h.pocket.archived) != 3 {
		t.Errorf("archived: got %d, want 3", len(h.pocket.archived))
	}
}

func TestProcessAndSend_CancelledDuringSleep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "5", map[string]string{"alice": "tok-a"})
	h.pocket.lists["tok-a"] = []pocket.Article{article("1", "A"), article("2", "B")}
	h.sleeps.err = context.Canceled

	report, err := h.app.ProcessAndSend(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Sent != 1 || len(h.pocket.archived) != 1 {
		t.Errorf("only the first article should be processed: %+v", report)
	}
}

func TestProcessAndSend_CancelledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a"})
	h.pocket.lists["tok-a"] = []pocket.Article{article("1", "A")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.app.ProcessAndSend(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(h.provider.sent) != 0 {
		t.Error("nothing should be sent after cancellation")
	}
}

func TestProcessAndSend_RealSleepHelper(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not honor cancellation")
	}
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSendFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a"})

	path := filepath.Join(t.TempDir(), "Field Notes.epub")
	if err := os.WriteFile(path, []byte("epub-bytes"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if err := h.app.SendFile(context.Background(), "alice", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.provider.sent) != 1 {
		t.Fatalf("sent: got %d, want 1", len(h.provider.sent))
	}
	msg := h.provider.sent[0]
	if msg.To[0] != "alice@kindle.com" || msg.Subject != "Field Notes" {
		t.Errorf("message: to %v subject %q", msg.To, msg.Subject)
	}
	att := msg.Attachments[0]
	if att.Filename != "Field Notes.epub" || !bytes.Equal(att.Content, []byte("epub-bytes")) {
		t.Errorf("attachment: %q %q", att.Filename, att.Content)
	}
	if msg.TextBody != "" {
		t.Errorf("TextBody: got %q, want none", msg.TextBody)
	}
	if len(h.pocket.archived) != 0 {
		t.Error("SendFile must not archive anything")
	}
}

func TestSendFile_UnknownAccount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a"})

	err := h.app.SendFile(context.Background(), "mallory", "/does/not/matter.epub")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if len(h.provider.sent) != 0 {
		t.Error("no message should be sent for an unknown account")
	}
}

func TestSendFile_MissingFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a"})

	err := h.app.SendFile(context.Background(), "alice", filepath.Join(t.TempDir(), "missing.epub"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestSendFile_DeliveryFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "0", map[string]string{"alice": "tok-a"})
	h.provider.fail["book"] = true

	path := filepath.Join(t.TempDir(), "book.epub")
	os.WriteFile(path, []byte("x"), 0o600)

	if err := h.app.SendFile(context.Background(), "alice", path); !errors.Is(err, provider.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
}
