// Package oauth provides Google OAuth2 credentials for calling Gemini
// without an API key.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultScopes are requested when none are configured
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/generative-language.retriever",
}

// googleEndpoint is Google's OAuth2 v2 endpoint
var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// Config holds the OAuth client and the long-lived refresh token
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scopes       []string
	// TokenURL overrides Google's token endpoint
	TokenURL string
}

// Enabled reports whether OAuth credentials are configured
func (c Config) Enabled() bool {
	return c.ClientID != "" && c.RefreshToken != ""
}

func (c Config) oauth2Config(redirectURL string) *oauth2.Config {
	endpoint := googleEndpoint
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
}

// NewHTTPClient returns a client that attaches a bearer token, refreshing it
// as needed. Without OAuth credentials base is returned unchanged.
func NewHTTPClient(ctx context.Context, cfg Config, base *http.Client, logger *zap.Logger) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	if !cfg.Enabled() {
		return base
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// the oauth2 transport wraps base's transport for API calls and uses
	// base itself for token refreshes
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	src := cfg.oauth2Config("").TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	logger.Info("Using OAuth credentials for Gemini",
		zap.String("client_id", cfg.ClientID),
		zap.Int("scopes", len(cfg.oauth2Config("").Scopes)))

	client := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, src))
	client.Timeout = base.Timeout
	return client
}

// LoginFlow runs the browser authorization-code flow on a local callback
// port and returns the resulting token, which carries the refresh token to
// store in the configuration.
type LoginFlow struct {
	cfg    Config
	port   int
	logger *zap.Logger
	// Prompt receives the URL the user has to open
	Prompt func(authURL string)
}

// NewLoginFlow creates a login flow listening on localhost:port
func NewLoginFlow(cfg Config, port int, logger *zap.Logger) *LoginFlow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginFlow{
		cfg:    cfg,
		port:   port,
		logger: logger,
		Prompt: func(authURL string) {
			fmt.Printf("\nOpen this URL in your browser to authorize:\n\n%s\n\n", authURL)
		},
	}
}

// Run waits for the callback until ctx is done or five minutes pass
func (f *LoginFlow) Run(ctx context.Context) (*oauth2.Token, error) {
	if f.cfg.ClientID == "" {
		return nil, errors.New("oauth client_id is not configured")
	}

	redirectURL := fmt.Sprintf("http://localhost:%d/oauth-callback", f.port)
	oc := f.cfg.oauth2Config(redirectURL)
	state := generateState()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen for oauth callback: %w", err)
	}

	tokens := make(chan *oauth2.Token, 1)
	errs := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		token, err := f.handleCallback(r.Context(), w, r, oc, state)
		if err != nil {
			errs <- err
			return
		}
		tokens <- token
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			f.logger.Error("OAuth callback server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	f.logger.Info("OAuth callback server started", zap.String("addr", ln.Addr().String()))
	f.Prompt(oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	select {
	case token := <-tokens:
		return token, nil
	case err := <-errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, errors.New("oauth login timeout")
	}
}

func (f *LoginFlow) handleCallback(ctx context.Context, w http.ResponseWriter, r *http.Request, oc *oauth2.Config, expectedState string) (*oauth2.Token, error) {
	if r.URL.Query().Get("state") != expectedState {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return nil, errors.New("invalid state parameter")
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "No code provided", http.StatusBadRequest)
		return nil, errors.New("no authorization code")
	}

	token, err := oc.Exchange(ctx, code)
	if err != nil {
		http.Error(w, "Failed to exchange token", http.StatusInternalServerError)
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	if token.RefreshToken == "" {
		http.Error(w, "No refresh token returned", http.StatusInternalServerError)
		return nil, errors.New("no refresh token returned")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><head><title>Authorized</title></head>
<body style="font-family: sans-serif; padding: 50px; text-align: center;">
<h1>Authorization complete</h1>
<p>You can close this window and return to the terminal.</p>
</body></html>`)

	return token, nil
}

func generateState() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
