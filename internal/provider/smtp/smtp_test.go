package smtp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/shineum/pocket-epub-mailer/internal/email"
	"github.com/shineum/pocket-epub-mailer/internal/provider"
	"github.com/shineum/pocket-epub-mailer/internal/smtptest"
	tlsutil "github.com/shineum/pocket-epub-mailer/internal/tls"
)

func startRelay(t *testing.T) *smtptest.Server {
	t.Helper()

	relay, err := smtptest.NewServer("mailer@example.com", "app-password")
	if err != nil {
		t.Fatalf("failed to start relay: %v", err)
	}
	t.Cleanup(func() { relay.Close() })
	return relay
}

func relayProvider(relay *smtptest.Server, password string) *Provider {
	return New(Config{
		Host:      relay.Host,
		Port:      relay.Port,
		Username:  "mailer@example.com",
		Password:  password,
		TLSConfig: relay.ClientTLS,
	})
}

func TestSend_DeliversOneMessage(t *testing.T) {
	t.Parallel()

	relay := startRelay(t)
	p := relayProvider(relay, "app-password")

	content := bytes.Repeat([]byte("PK\x03\x04epub"), 512)
	msg := email.NewEbook("Pocket Mailer <mailer@example.com>", "alice@kindle.com", "Deep Dive", "Deep_Dive.epub", content)
	msg.TextBody = "Source: https://example.com/deep-dive"

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages := relay.Messages()
	if len(messages) != 1 {
		t.Fatalf("messages: got %d, want 1", len(messages))
	}

	got := messages[0]
	if got.From != "mailer@example.com" {
		t.Errorf("envelope from: got %q", got.From)
	}
	if len(got.To) != 1 || got.To[0] != "alice@kindle.com" {
		t.Errorf("envelope to: got %v", got.To)
	}
	if got.Email.Subject != "Deep Dive" {
		t.Errorf("Subject: got %q", got.Email.Subject)
	}
	if got.Email.TextBody != "Source: https://example.com/deep-dive" {
		t.Errorf("TextBody: got %q", got.Email.TextBody)
	}
	if len(got.Email.Attachments) != 1 {
		t.Fatalf("attachments: got %d, want 1", len(got.Email.Attachments))
	}
	att := got.Email.Attachments[0]
	if att.Filename != "Deep_Dive.epub" || att.ContentType != "application/epub+zip" {
		t.Errorf("attachment: got %q (%s)", att.Filename, att.ContentType)
	}
	if !bytes.Equal(att.Content, content) {
		t.Error("attachment content changed in transit")
	}
}

func TestSend_BadCredentials(t *testing.T) {
	t.Parallel()

	relay := startRelay(t)
	p := relayProvider(relay, "wrong")

	msg := email.NewEbook("mailer@example.com", "alice@kindle.com", "T", "T.epub", []byte("x"))
	err := p.Send(context.Background(), msg)
	if !errors.Is(err, provider.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if n := len(relay.Messages()); n != 0 {
		t.Errorf("messages: got %d, want 0", n)
	}
}

func TestSend_RelayRejectsData(t *testing.T) {
	t.Parallel()

	relay := startRelay(t)
	relay.RejectData.Store(true)
	p := relayProvider(relay, "app-password")

	msg := email.NewEbook("mailer@example.com", "alice@kindle.com", "T", "T.epub", []byte("x"))
	if err := p.Send(context.Background(), msg); !errors.Is(err, provider.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
}

func TestSend_Unreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	p := New(Config{Host: "127.0.0.1", Port: addr.Port})
	msg := email.NewEbook("mailer@example.com", "alice@kindle.com", "T", "T.epub", []byte("x"))
	if err := p.Send(context.Background(), msg); !errors.Is(err, provider.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
}

func TestSend_UntrustedCertificate(t *testing.T) {
	t.Parallel()

	relay := startRelay(t)
	p := New(Config{
		Host:     relay.Host,
		Port:     relay.Port,
		Username: "mailer@example.com",
		Password: "app-password",
	})

	msg := email.NewEbook("mailer@example.com", "alice@kindle.com", "T", "T.epub", []byte("x"))
	if err := p.Send(context.Background(), msg); !errors.Is(err, provider.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if n := len(relay.Messages()); n != 0 {
		t.Errorf("messages: got %d, want 0", n)
	}
}

func TestSend_TrustsCAFile(t *testing.T) {
	t.Parallel()

	relay := startRelay(t)
	caFile := filepath.Join(t.TempDir(), "relay.pem")
	if err := os.WriteFile(caFile, relay.CertPEM, 0o600); err != nil {
		t.Fatalf("failed to write CA file: %v", err)
	}
	tlsConfig, err := tlsutil.ClientConfig(relay.Host, caFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := New(Config{
		Host:      relay.Host,
		Port:      relay.Port,
		Username:  "mailer@example.com",
		Password:  "app-password",
		TLSConfig: tlsConfig,
	})

	msg := email.NewEbook("mailer@example.com", "alice@kindle.com", "T", "T.epub", []byte("x"))
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(relay.Messages()); n != 1 {
		t.Errorf("messages: got %d, want 1", n)
	}
}

func TestSend_CancelledContext(t *testing.T) {
	t.Parallel()

	relay := startRelay(t)
	p := relayProvider(relay, "app-password")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := email.NewEbook("mailer@example.com", "alice@kindle.com", "T", "T.epub", []byte("x"))
	if err := p.Send(ctx, msg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSend_InvalidRecipient(t *testing.T) {
	t.Parallel()

	p := New(Config{Host: "127.0.0.1", Port: 1})
	msg := email.NewEbook("mailer@example.com", "not an address", "T", "T.epub", []byte("x"))
	if err := p.Send(context.Background(), msg); !errors.Is(err, provider.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New(Config{Host: "smtp.example.com", Port: 465}).Name(); got != "smtp" {
		t.Errorf("Name: got %q, want %q", got, "smtp")
	}
}

func TestProviderInterface(t *testing.T) {
	t.Parallel()
	var _ provider.Provider = (*Provider)(nil)
}
