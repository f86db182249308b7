// Command gateway runs the local API gateway: it loads the account pool and
// configuration, starts the background quota refresher, and serves the
// Anthropic- and Google-compatible HTTP surfaces until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/ag2api/gateway/internal/authmgr"
	"github.com/ag2api/gateway/internal/buildinfo"
	"github.com/ag2api/gateway/internal/config"
	"github.com/ag2api/gateway/internal/credstore"
	"github.com/ag2api/gateway/internal/logging"
	"github.com/ag2api/gateway/internal/netproxy"
	"github.com/ag2api/gateway/internal/oauthcallback"
	"github.com/ag2api/gateway/internal/orchestrator"
	"github.com/ag2api/gateway/internal/quota"
	"github.com/ag2api/gateway/internal/rategate"
	"github.com/ag2api/gateway/internal/server"
	"github.com/ag2api/gateway/internal/upstream"
)

// errorLogsMaxFiles bounds how many forced-on-error request logs the file
// logger keeps before pruning the oldest (only relevant outside -debug, where
// full logging is off and only error responses get captured).
const errorLogsMaxFiles = 200

// upstreamGateInterval is the minimum gap enforced between consecutive calls
// to the private v1internal endpoint (§4.1).
const upstreamGateInterval = 500 * time.Millisecond

// loginScopes are requested during the interactive account-onboarding flow.
var loginScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

func main() {
	var (
		configDir = flag.String("config-dir", ".", "directory containing config.json/config.yaml and .env")
		login     = flag.Bool("login", false, "run the interactive OAuth flow to add an account, then exit")
		noBrowser = flag.Bool("no-browser", false, "print the OAuth URL instead of opening a browser (with -login)")
		version   = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("ag2api-gateway %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.WithError(err).Fatal("gateway: load configuration")
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	store := credstore.New(cfg.AuthDir)
	if err := store.Load(); err != nil {
		log.WithError(err).Fatal("gateway: load credential store")
	}

	httpClient := netproxy.Apply(cfg.ProxyEnabled, cfg.ProxyURL, &http.Client{})
	gate := rategate.New(upstreamGateInterval)
	client := upstream.New(httpClient, gate)
	auth := authmgr.New(store, client)

	if *login {
		runLogin(context.Background(), store, auth, *noBrowser)
		return
	}

	for _, acc := range store.All() {
		store.ScheduleRefresh(acc)
	}

	quotaInterval := time.Duration(cfg.QuotaRefreshS) * time.Second
	tracker := quota.New(store, auth, client, quotaInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)
	go func() {
		if err := store.Watch(ctx); err != nil {
			log.WithError(err).Warn("gateway: credential directory watch stopped")
		}
	}()

	orc := orchestrator.New(store, auth, tracker, client)
	reqLogger := logging.NewFileRequestLogger(cfg.Debug, cfg.LogDir, *configDir, errorLogsMaxFiles)
	srv := server.New(cfg, orc, store, tracker, reqLogger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	go func() {
		log.WithField("addr", addr).Info("gateway: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("gateway: listen failed")
		}
	}()

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	<-quitCh

	log.Info("gateway: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("gateway: forced shutdown")
	}
	log.Info("gateway: stopped")
}

// runLogin drives the interactive OAuth flow, resolves the account's project
// id, and persists the new account to the store.
func runLogin(ctx context.Context, store *credstore.Store, auth *authmgr.Manager, noBrowser bool) {
	conf := &oauth2.Config{
		ClientID:     upstream.OAuthClientID(),
		ClientSecret: upstream.OAuthClientSecret(),
		Scopes:       loginScopes,
		Endpoint:     googleoauth.Endpoint,
	}

	token, err := oauthcallback.Run(ctx, conf, oauthcallback.Options{NoBrowser: noBrowser})
	if err != nil {
		log.WithError(err).Fatal("gateway: login flow failed")
	}

	cred := credstore.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiryMs:     credstore.NewExpiry(time.Now(), time.Until(token.Expiry)),
		TokenType:    token.TokenType,
		Scope:        conf.Scopes[0],
	}

	acc, err := store.Add(cred)
	if err != nil {
		log.WithError(err).Fatal("gateway: persist new account")
	}

	email, err := fetchEmail(ctx, conf, token)
	if err != nil {
		log.WithError(err).Warn("gateway: could not resolve account email")
	} else {
		cred.Email = email
		acc.Update(cred)
		if err := store.Persist(acc); err != nil {
			log.WithError(err).Warn("gateway: persist resolved email")
		}
	}

	if _, err := auth.ResolveProjectID(ctx, acc); err != nil {
		log.WithError(err).Warn("gateway: could not resolve project id; will retry on first request")
	}

	store.ScheduleRefresh(acc)
	log.WithField("account", acc.Key()).Info("gateway: account added")
}

func fetchEmail(ctx context.Context, conf *oauth2.Config, token *oauth2.Token) (string, error) {
	httpClient := conf.Client(ctx, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.googleapis.com/oauth2/v2/userinfo", nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Email, nil
}
