package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"avatarpipe/internal/config"
	"avatarpipe/internal/storage"
)

func newGDriveAuthCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "gdrive-auth",
		Short: "Authorize Google Drive uploads and print a refresh token",
		Long: "Runs the OAuth consent flow for GDRIVE_CLIENT_ID / GDRIVE_CLIENT_SECRET on a\n" +
			"local callback and prints the refresh token to set as GDRIVE_REFRESH_TOKEN.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			clientID := strings.TrimSpace(cfg.GDriveClientID)
			secret := strings.TrimSpace(cfg.GDriveClientSecret)
			if clientID == "" || secret == "" {
				return fmt.Errorf("%w: GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET", config.ErrMissingRequired)
			}

			c, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runGDriveAuth(c, cmd, clientID, secret)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "How long to wait for the browser callback")

	return cmd
}

func runGDriveAuth(ctx context.Context, cmd *cobra.Command, clientID, secret string) error {
	out := cmd.OutOrStdout()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen for callback: %w", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)
	conf := storage.GDriveOAuthConfig(clientID, secret, redirectURL)

	state, err := randomState()
	if err != nil {
		return err
	}

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.Handle("/callback", callbackHandler(state, codeCh, errCh))

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer srv.Close()

	// Offline access with forced consent, so a refresh token is issued.
	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	fmt.Fprintln(out, "Open this URL in your browser:")
	fmt.Fprintln(out)
	fmt.Fprintln(out, authURL)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Waiting for authorization on", redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for authorization: %w", ctx.Err())
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	if strings.TrimSpace(tok.RefreshToken) == "" {
		return errors.New("no refresh token was issued; revoke the app's access at " +
			"https://myaccount.google.com/permissions and run gdrive-auth again")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "GDRIVE_REFRESH_TOKEN:")
	fmt.Fprintln(out, tok.RefreshToken)
	return nil
}

// callbackHandler delivers the authorization code, or the reason there is
// none, exactly once.
func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.HandlerFunc {
	fail := func(w http.ResponseWriter, err error) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		select {
		case errCh <- err:
		default:
		}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			fail(w, errors.New("invalid state"))
			return
		}
		if e := q.Get("error"); e != "" {
			fail(w, fmt.Errorf("auth error: %s", e))
			return
		}
		code := q.Get("code")
		if code == "" {
			fail(w, errors.New("missing code"))
			return
		}

		fmt.Fprintln(w, "OK. You can close this window and return to the terminal.")
		select {
		case codeCh <- code:
		default:
		}
	}
}

func randomState() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
