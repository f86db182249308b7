// Package oauthcallback runs the local HTTP server that completes the interactive
// Google OAuth flow: it opens the consent URL in the user's browser, waits on
// localhost for the redirect carrying the authorization code, and exchanges that
// code for a token.
package oauthcallback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"golang.org/x/oauth2"
)

// DefaultPort is the localhost port the redirect URI points at when the caller
// doesn't override it.
const DefaultPort = 8085

// Options customizes the interactive flow.
type Options struct {
	// Port the local callback server listens on.
	Port int
	// NoBrowser skips the automatic browser launch and prints the URL instead.
	NoBrowser bool
	// Timeout bounds how long to wait for the redirect. Zero uses a 5 minute default.
	Timeout time.Duration
}

// Run drives conf through the authorization-code flow and returns the resulting
// token. conf.RedirectURL is overwritten to point at the local callback server.
func Run(ctx context.Context, conf *oauth2.Config, opts Options) (*oauth2.Token, error) {
	port := opts.Port
	if port <= 0 {
		port = DefaultPort
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	callbackURL := fmt.Sprintf("http://localhost:%d/oauth2callback", port)
	conf.RedirectURL = callbackURL

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	mux.HandleFunc("/oauth2callback", func(w http.ResponseWriter, r *http.Request) {
		if errMsg := r.URL.Query().Get("error"); errMsg != "" {
			_, _ = fmt.Fprintf(w, "Authentication failed: %s", errMsg)
			select {
			case errChan <- fmt.Errorf("oauth callback error: %s", errMsg):
			default:
			}
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			_, _ = fmt.Fprint(w, "Authentication failed: code not found.")
			select {
			case errChan <- errors.New("oauth callback: code not found"):
			default:
			}
			return
		}
		_, _ = fmt.Fprint(w, "<html><body><h1>Authentication successful</h1><p>You can close this window.</p></body></html>")
		select {
		case codeChan <- code:
		default:
		}
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errChan <- err:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("oauthcallback: server shutdown failed")
		}
	}()

	authURL := conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))

	if opts.NoBrowser {
		fmt.Printf("Open this URL in your browser to authenticate:\n\n%s\n\n", authURL)
	} else {
		fmt.Println("Opening browser for Google authentication...")
		if err := open.Run(authURL); err != nil {
			log.WithError(err).Warn("oauthcallback: failed to open browser automatically")
			fmt.Printf("Please open this URL manually:\n\n%s\n\n", authURL)
		}
	}

	var code string
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case code = <-codeChan:
	case err := <-errChan:
		return nil, err
	case <-timer.C:
		return nil, errors.New("oauthcallback: timed out waiting for browser redirect")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauthcallback: exchange authorization code: %w", err)
	}
	return token, nil
}
