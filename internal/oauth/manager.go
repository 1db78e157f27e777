package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	grantPassword = "password"
	grantRefresh  = "refresh_token"

	expiryLeeway = 30 * time.Second
)

var (
	ErrScopeMismatch    = errors.New("oauth scope mismatch")
	ErrClientMismatch   = errors.New("oauth client_id mismatch")
	ErrTokenUnavailable = errors.New("oauth token unavailable")
	ErrNoRefreshToken   = errors.New("oauth refresh token unavailable")
)

type TokenError struct {
	Status int
	Body   string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token endpoint error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Manager holds the tokens of a single session.
type Manager struct {
	decl       Declaration
	blobStore  BlobStore
	httpClient *http.Client

	mu           sync.Mutex
	config       *oauth2.Config
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

func NewManager(decl Declaration, httpClient *http.Client, blobStore BlobStore) (*Manager, error) {
	if decl.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	if decl.TokenURL == "" {
		return nil, fmt.Errorf("tokenURL is required")
	}
	if decl.StatePath != "" && !filepath.IsAbs(decl.StatePath) {
		return nil, fmt.Errorf("statePath must be absolute")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Manager{
		decl:       decl,
		blobStore:  blobStore,
		httpClient: httpClient,
	}, nil
}

func (m *Manager) PasswordGrant(ctx context.Context, creds Credentials) (Token, error) {
	if err := creds.Validate(); err != nil {
		return Token{}, err
	}

	cfg := m.oauthConfig(creds)
	token, err := cfg.PasswordCredentialsToken(m.clientContext(ctx), creds.Username, creds.Password)
	if err != nil {
		return Token{}, m.grantFailed(grantPassword, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	return m.store(ctx, grantPassword, token), nil
}

func (m *Manager) Refresh(ctx context.Context) (Token, error) {
	m.mu.Lock()
	cfg := m.config
	refreshToken := m.refreshToken
	m.mu.Unlock()

	if cfg == nil || refreshToken == "" {
		return Token{}, ErrNoRefreshToken
	}

	source := cfg.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return Token{}, m.grantFailed(grantRefresh, err)
	}

	return m.store(ctx, grantRefresh, token), nil
}

// Restore seeds the refresh token from the state file, then the blob mirror.
func (m *Manager) Restore(ctx context.Context, creds Credentials) error {
	state, err := m.loadState(ctx)
	if err != nil {
		return err
	}
	if state.ClientID != creds.ClientID {
		stateRejectedTotal.WithLabelValues(m.decl.Provider, "client_mismatch").Inc()
		return ErrClientMismatch
	}
	if state.Scope != "" && state.Scope != m.decl.Scope {
		stateRejectedTotal.WithLabelValues(m.decl.Provider, "scope_mismatch").Inc()
		return ErrScopeMismatch
	}

	m.mu.Lock()
	m.config = m.oauthConfig(creds)
	m.refreshToken = state.RefreshToken
	m.accessToken = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
	return nil
}

func (m *Manager) AccessToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken == "" {
		return "", ErrTokenUnavailable
	}
	if !m.expiresAt.IsZero() && time.Until(m.expiresAt) <= expiryLeeway {
		tokenValid.WithLabelValues(m.decl.Provider).Set(0)
		return "", ErrTokenUnavailable
	}
	return m.accessToken, nil
}

func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.accessToken = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
	tokenValid.WithLabelValues(m.decl.Provider).Set(0)
}

func (m *Manager) Reset() {
	m.mu.Lock()
	m.config = nil
	m.accessToken = ""
	m.refreshToken = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
	tokenValid.WithLabelValues(m.decl.Provider).Set(0)
}

func (m *Manager) Token() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Token{
		AccessToken:  m.accessToken,
		RefreshToken: m.refreshToken,
		Expiry:       m.expiresAt,
	}
}

func (m *Manager) oauthConfig(creds Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.decl.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: strings.Fields(m.decl.Scope),
	}
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) store(ctx context.Context, grant string, token *oauth2.Token) Token {
	m.mu.Lock()
	m.accessToken = token.AccessToken
	m.expiresAt = token.Expiry
	if token.RefreshToken != "" {
		m.refreshToken = token.RefreshToken
	}
	snapshot := Token{AccessToken: m.accessToken, RefreshToken: m.refreshToken, Expiry: m.expiresAt}
	clientID := m.config.ClientID
	m.mu.Unlock()

	grantsTotal.WithLabelValues(m.decl.Provider, grant, resultOK).Inc()
	tokenValid.WithLabelValues(m.decl.Provider).Set(1)
	if !snapshot.Expiry.IsZero() {
		tokenExpiry.WithLabelValues(m.decl.Provider).Set(float64(snapshot.Expiry.Unix()))
	}

	m.persist(ctx, State{
		SchemaVersion: SchemaVersion,
		ClientID:      clientID,
		RefreshToken:  snapshot.RefreshToken,
		Scope:         m.decl.Scope,
	})
	return snapshot
}

func (m *Manager) grantFailed(grant string, err error) error {
	grantsTotal.WithLabelValues(m.decl.Provider, grant, resultError).Inc()

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &TokenError{Status: status, Body: string(retrieveErr.Body)}
	}
	return err
}

func (m *Manager) persist(ctx context.Context, state State) {
	if m.decl.StatePath != "" {
		err := WriteState(m.decl.StatePath, state)
		statePersistTotal.WithLabelValues(m.decl.Provider, targetLocal, resultLabel(err)).Inc()
	}
	if m.blobStore != nil {
		err := m.persistBlob(ctx, state)
		statePersistTotal.WithLabelValues(m.decl.Provider, targetBlob, resultLabel(err)).Inc()
	}
}

func (m *Manager) loadState(ctx context.Context) (State, error) {
	var localErr error = ErrStateNotFound
	if m.decl.StatePath != "" {
		state, err := LoadState(m.decl.StatePath)
		if err == nil {
			return state, nil
		}
		localErr = err
	}

	if m.blobStore == nil {
		return State{}, localErr
	}

	data, err := m.blobStore.Load(ctx, m.decl.Provider)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return State{}, localErr
		}
		return State{}, err
	}
	state, err := DecodeState(data)
	if err != nil {
		return State{}, err
	}
	if m.decl.StatePath != "" {
		if err := WriteState(m.decl.StatePath, state); err != nil {
			return State{}, err
		}
	}
	return state, nil
}

func (m *Manager) persistBlob(ctx context.Context, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return m.blobStore.Save(ctx, m.decl.Provider, data)
}
