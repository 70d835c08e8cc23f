package smtptest

import (
	"errors"
	"testing"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "only username", username: "user", password: "", want: true},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewAuthenticator(tt.username, tt.password).Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_Verify(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("mailer", "secret")

	tests := []struct {
		name     string
		identity string
		username string
		password string
		wantErr  bool
	}{
		{name: "valid", username: "mailer", password: "secret"},
		{name: "identity matches", identity: "mailer", username: "mailer", password: "secret"},
		{name: "identity differs", identity: "admin", username: "mailer", password: "secret", wantErr: true},
		{name: "wrong password", username: "mailer", password: "nope", wantErr: true},
		{name: "wrong user", username: "other", password: "secret", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.Verify(tt.identity, tt.username, tt.password)
			if tt.wantErr && !errors.Is(err, ErrAuthFailed) {
				t.Errorf("expected ErrAuthFailed, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
