package smtptest

import "errors"

// ErrAuthFailed is returned for a wrong username or password.
var ErrAuthFailed = errors.New("authentication failed")

// Authenticator checks AUTH PLAIN credentials against a single account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both username and password are empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" || a.password != ""
}

// Verify checks a decoded PLAIN exchange. The authorization identity is
// accepted when empty or equal to the username.
func (a *Authenticator) Verify(identity, username, password string) error {
	if identity != "" && identity != username {
		return ErrAuthFailed
	}
	if username != a.username || password != a.password {
		return ErrAuthFailed
	}
	return nil
}
