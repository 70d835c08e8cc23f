package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/shineum/pocket-epub-mailer/internal/pocket"
)

// GetToken runs the OAuth handshake: it prints the authorization URL, waits
// for ENTER on in, then prints the credentials and a config block for them.
func (a *App) GetToken(ctx context.Context, in io.Reader, out io.Writer) (pocket.Credentials, error) {
	code, err := a.pocket.RequestToken(ctx, a.cfg.RedirectURI)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "Received code %s, please login at:\n%s\n", code, pocket.AuthorizeURL(code, a.cfg.RedirectURI))
	fmt.Fprintln(out, "Press ENTER after the redirect")

	if err := waitForEnter(ctx, in); err != nil {
		return nil, err
	}

	creds, err := a.pocket.AuthorizeToken(ctx, code)
	if err != nil {
		return nil, err
	}

	fmt.Fprintln(out, "Credentials:")
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %v\n", k, creds[k])
	}

	username := creds.Username()
	if username == "" {
		username = "username"
	}

	fmt.Fprintln(out, "\nAdd this to your configuration file:")
	snippet := map[string]map[string]accountSnippet{
		"accounts": {
			username: {
				DestinationEmail: "you@kindle.com",
				AccessToken:      creds.AccessToken(),
			},
		},
	}
	enc := toml.NewEncoder(out)
	enc.Indent = ""
	if err := enc.Encode(snippet); err != nil {
		return nil, fmt.Errorf("failed to encode account snippet: %w", err)
	}

	return creds, nil
}

type accountSnippet struct {
	DestinationEmail string `toml:"destination_email"`
	AccessToken      string `toml:"access_token"`
}

// waitForEnter returns after one line (or EOF) is read from in, or when ctx
// is done.
func waitForEnter(ctx context.Context, in io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(in).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
