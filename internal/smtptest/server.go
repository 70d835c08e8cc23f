// Package smtptest runs an implicit-TLS SMTP relay on the loopback interface
// and records every message it accepts.
package smtptest

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog/log"

	"github.com/shineum/pocket-epub-mailer/internal/email"
	"github.com/shineum/pocket-epub-mailer/internal/parser"
	tlsutil "github.com/shineum/pocket-epub-mailer/internal/tls"
)

// Message is one accepted transaction.
type Message struct {
	From  string
	To    []string
	Raw   []byte
	Email *email.Email
}

// Server is a capturing SMTP relay.
type Server struct {
	// Host and Port are where the relay listens.
	Host string
	Port int

	// ClientTLS trusts the relay's self-signed certificate.
	ClientTLS *tls.Config

	// CertPEM is the relay's certificate, for use as a CA file.
	CertPEM []byte

	// RejectData makes the relay answer DATA with a permanent failure.
	RejectData atomic.Bool

	srv  *smtp.Server
	auth *Authenticator

	mu       sync.Mutex
	messages []Message
}

// NewServer starts a relay requiring AUTH PLAIN with the given credentials.
// Empty credentials disable authentication.
func NewServer(username, password string) (*Server, error) {
	cert, err := tlsutil.GenerateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	clientTLS, err := tlsutil.TrustingConfig("127.0.0.1", cert)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{
		ClientTLS: clientTLS,
		CertPEM:   tlsutil.EncodeCertPEM(cert),
		auth:      NewAuthenticator(username, password),
	}

	addr := ln.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	s.srv = smtp.NewServer(&backend{server: s})
	s.srv.Domain = "localhost"
	s.srv.ReadTimeout = 10 * time.Second
	s.srv.WriteTimeout = 10 * time.Second
	s.srv.MaxMessageBytes = 32 << 20

	go func() {
		if err := s.srv.Serve(tls.NewListener(ln, tlsutil.ServerConfig(cert))); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			log.Debug().Err(err).Msg("test relay stopped")
		}
	}()

	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Messages returns a copy of the accepted messages in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Close stops the relay.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) record(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

var (
	errUnknownMechanism = &smtp.SMTPError{
		Code:         504,
		EnhancedCode: smtp.EnhancedCode{5, 7, 4},
		Message:      "Unsupported authentication mechanism",
	}
	errAuthRejected = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
)

type backend struct {
	server *Server
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{server: b.server}, nil
}

type session struct {
	server        *Server
	authenticated bool
	from          string
	to            []string
}

func (s *session) AuthMechanisms() []string {
	if !s.server.auth.Enabled() {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if err := s.server.auth.Verify(identity, username, password); err != nil {
			return errAuthRejected
		}
		s.authenticated = true
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.server.auth.Enabled() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return err
	}

	if s.server.RejectData.Load() {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "message rejected",
		}
	}

	parsed, err := parser.Parse(buf.Bytes())
	if err != nil {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "unparseable message",
		}
	}

	s.server.record(Message{
		From:  s.from,
		To:    append([]string(nil), s.to...),
		Raw:   buf.Bytes(),
		Email: parsed,
	})
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
