package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/crypto"
	"github.com/jw6ventures/calsync/internal/store"
)

var (
	// ErrNoCredential means the account never completed the connect flow.
	ErrNoCredential = errors.New("no stored credential for account")
	// ErrRefreshDenied means the provider rejected the refresh token. The
	// account cannot sync until it reconnects.
	ErrRefreshDenied = errors.New("provider denied token refresh")
)

// refreshMargin is how close to expiry an access token may get before we
// refresh it instead of returning it.
const refreshMargin = 5 * time.Minute

// WatchSetup registers a watch channel for a freshly connected account.
// Implemented by the sync engine; injected to avoid an import cycle.
type WatchSetup interface {
	SetupWatch(ctx context.Context, accountID, resourceID string) error
}

// Service owns the OAuth connect flow and access-token lifecycle.
type Service struct {
	cfg         *config.Config
	credentials store.CredentialRepository
	enc         *crypto.Encryptor
	oauth       *oauth2.Config
	setup       WatchSetup
	now         func() time.Time

	verifierOnce sync.Once
	verifier     *oidc.IDTokenVerifier
	verifierErr  error

	mu     sync.Mutex
	states map[string]pendingState
}

type pendingState struct {
	accountID string
	expires   time.Time
}

func NewService(cfg *config.Config, credentials store.CredentialRepository, enc *crypto.Encryptor, setup WatchSetup) *Service {
	return &Service{
		cfg:         cfg,
		credentials: credentials,
		enc:         enc,
		setup:       setup,
		now:         time.Now,
		states:      make(map[string]pendingState),
		oauth: &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.BaseURL + "/auth/callback",
			Scopes: []string{
				oidc.ScopeOpenID,
				"email",
				"https://www.googleapis.com/auth/calendar.readonly",
			},
			Endpoint: oauth2.Endpoint{
				AuthURL:  googleoauth.Endpoint.AuthURL,
				TokenURL: cfg.Google.TokenURL,
			},
		},
	}
}

// EnsureValidAccessToken returns an access token usable right now, refreshing
// it through the provider when missing or within the expiry margin. Exactly
// one credential write happens per successful refresh; no retries here.
func (s *Service) EnsureValidAccessToken(ctx context.Context, accountID string) (string, error) {
	cred, err := s.credentials.Get(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("account %s: %w", accountID, ErrNoCredential)
	}
	if err != nil {
		return "", err
	}

	if cred.AccessToken != "" && cred.AccessTokenExpiresAt != nil &&
		cred.AccessTokenExpiresAt.After(s.now().Add(refreshMargin)) {
		return cred.AccessToken, nil
	}

	refreshToken, err := s.enc.Decrypt(cred.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token for %s: %w", accountID, err)
	}

	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			// Revoked or invalid refresh token. Keep the stale credential
			// for diagnostics, flag the account, and stop.
			if markErr := s.credentials.MarkRefreshDenied(ctx, accountID, s.now()); markErr != nil {
				log.Printf("[ERROR] mark refresh denied for %s: %v", accountID, markErr)
			}
			return "", fmt.Errorf("refresh for account %s: %w", accountID, ErrRefreshDenied)
		}
		return "", fmt.Errorf("refresh for account %s: %w", accountID, err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = s.now().Add(time.Hour)
	}
	if err := s.credentials.UpdateAccessToken(ctx, accountID, tok.AccessToken, expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token for %s: %w", accountID, err)
	}
	return tok.AccessToken, nil
}

// BeginConnect starts the OAuth consent flow for an account.
func (s *Service) BeginConnect(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		http.Error(w, "account query parameter is required", http.StatusBadRequest)
		return
	}

	state, err := s.newState(accountID)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	url := s.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleCallback finishes the consent flow: it exchanges the code, verifies
// the ID token, stores the encrypted credential, and registers the watch
// channel that will drive the initial sync.
func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, ok := s.consumeState(r.URL.Query().Get("state"))
	if !ok {
		http.Error(w, "unknown or expired state", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		log.Printf("[ERROR] oauth exchange for %s: %v", accountID, err)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" {
		if subject, email, err := s.verifyIDToken(ctx, rawIDToken); err != nil {
			log.Printf("[WARN] id token verification for %s: %v", accountID, err)
		} else {
			log.Printf("[INFO] account %s connected as %s (subject %s)", accountID, email, subject)
		}
	}

	var refreshTokenEnc []byte
	if tok.RefreshToken != "" {
		refreshTokenEnc, err = s.enc.Encrypt(tok.RefreshToken)
		if err != nil {
			log.Printf("[ERROR] encrypt refresh token for %s: %v", accountID, err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
	}

	if err := s.credentials.Upsert(ctx, accountID, refreshTokenEnc, tok.AccessToken, tok.Expiry); err != nil {
		log.Printf("[ERROR] store credential for %s: %v", accountID, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if err := s.setup.SetupWatch(ctx, accountID, "primary"); err != nil {
		log.Printf("[ERROR] watch setup for %s: %v", accountID, err)
		http.Error(w, "calendar watch setup failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"connected": true, "account_id": accountID})
}

func (s *Service) verifyIDToken(ctx context.Context, raw string) (subject, email string, err error) {
	s.verifierOnce.Do(func() {
		provider, provErr := oidc.NewProvider(ctx, s.cfg.Google.IssuerURL)
		if provErr != nil {
			s.verifierErr = provErr
			return
		}
		s.verifier = provider.Verifier(&oidc.Config{ClientID: s.cfg.Google.ClientID})
	})
	if s.verifierErr != nil {
		return "", "", fmt.Errorf("oidc discovery: %w", s.verifierErr)
	}

	idToken, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return "", "", err
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return idToken.Subject, "", nil
	}
	return idToken.Subject, claims.Email, nil
}

func (s *Service) newState(accountID string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.states {
		if v.expires.Before(now) {
			delete(s.states, k)
		}
	}
	s.states[state] = pendingState{accountID: accountID, expires: now.Add(10 * time.Minute)}
	return state, nil
}

func (s *Service) consumeState(state string) (string, bool) {
	if state == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.states[state]
	if !ok || pending.expires.Before(s.now()) {
		return "", false
	}
	delete(s.states, state)
	return pending.accountID, true
}
