// Package auth implements the authorization-code credential lifecycle:
//
//	Unconfigured -> AwaitingCode -> Authorized
//
// A Manager builds the OAuth flow from a client Registration, exchanges an
// out-of-band code for a token, persists it in a TokenStore and hands out
// refreshing token sources that write refreshed tokens back before use.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/kebairia/drivebackup/internal/logger"
)

var (
	ErrNotConfigured       = errors.New("no client registration, run the authorization step first")
	ErrNotAuthorized       = errors.New("not authorized, run the authorization step first")
	ErrAuthorizationFailed = errors.New("authorization failed")
	ErrNoToken             = errors.New("no stored token")
)

type State int

const (
	StateUnconfigured State = iota
	StateAwaitingCode
	StateAuthorized
)

func (s State) String() string {
	switch s {
	case StateAwaitingCode:
		return "awaiting-code"
	case StateAuthorized:
		return "authorized"
	default:
		return "unconfigured"
	}
}

const defaultUser = "user"

type Option func(*Manager)

func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithUser overrides the key tokens are stored under.
func WithUser(user string) Option {
	return func(m *Manager) {
		if user != "" {
			m.user = user
		}
	}
}

// Manager owns the flow handle and the cached token. Safe for concurrent use.
type Manager struct {
	reg   Registration
	store TokenStore
	log   logger.Logger
	user  string

	mu         sync.Mutex
	flow       *oauth2.Config
	oauthState string
	token      *oauth2.Token
	source     oauth2.TokenSource
	state      State
}

func NewManager(reg Registration, store TokenStore, opts ...Option) *Manager {
	m := &Manager{
		reg:        reg,
		store:      store,
		log:        logger.Nop(),
		user:       defaultUser,
		oauthState: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ensureFlowLocked(ctx context.Context) error {
	if m.flow != nil {
		return nil
	}
	cfg, err := m.reg.Load(ctx)
	if err != nil {
		return err
	}
	m.flow = cfg
	return nil
}

// AuthorizationURL returns the URL the operator visits to obtain a code.
// It may be called repeatedly.
func (m *Manager) AuthorizationURL(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureFlowLocked(ctx); err != nil {
		return "", err
	}
	if m.state == StateUnconfigured {
		m.state = StateAwaitingCode
	}
	return m.flow.AuthCodeURL(m.oauthState, oauth2.AccessTypeOffline), nil
}

// Authorize exchanges a one-time code for a token and persists it. The flow
// is built on demand if AuthorizationURL was never called. On failure the
// state and any previously persisted token are left untouched.
func (m *Manager) Authorize(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("%w: empty authorization code", ErrAuthorizationFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureFlowLocked(ctx); err != nil {
		return err
	}
	if m.state == StateUnconfigured {
		m.state = StateAwaitingCode
	}

	tok, err := m.flow.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrAuthorizationFailed)
	}
	if err := m.store.Save(ctx, m.user, tok); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}

	m.setTokenLocked(tok)
	m.log.Info("authorization completed", "user", m.user, "expiry", tok.Expiry)
	return nil
}

func (m *Manager) setTokenLocked(tok *oauth2.Token) {
	m.token = tok
	m.source = nil
	m.state = StateAuthorized
}

// ActiveToken returns the cached token, loading the persisted one on first use.
func (m *Manager) ActiveToken(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	tok := *m.token
	return &tok, nil
}

func (m *Manager) loadLocked(ctx context.Context) error {
	if m.token != nil {
		return nil
	}
	tok, err := m.store.Load(ctx, m.user)
	if errors.Is(err, ErrNoToken) {
		return ErrNotAuthorized
	}
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	m.setTokenLocked(tok)
	return nil
}

// Ready reports nil when a credential is available.
func (m *Manager) Ready(ctx context.Context) error {
	_, err := m.ActiveToken(ctx)
	return err
}

// TokenSource returns a refreshing source for the active credential.
// Refreshed tokens are persisted before they are returned.
func (m *Manager) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	if err := m.ensureFlowLocked(ctx); err != nil {
		return nil, err
	}
	if m.source == nil {
		base := m.flow.TokenSource(context.WithoutCancel(ctx), m.token)
		m.source = &persistingSource{m: m, base: base}
	}
	return m.source, nil
}

// observe records tok as the active token, persisting it when it changed.
func (m *Manager) observe(tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil && m.token.AccessToken == tok.AccessToken {
		return nil
	}
	if err := m.store.Save(context.Background(), m.user, tok); err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}
	m.token = tok
	m.log.Debug("refreshed token persisted", "user", m.user, "expiry", tok.Expiry)
	return nil
}

type persistingSource struct {
	m    *Manager
	base oauth2.TokenSource
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if err := p.m.observe(tok); err != nil {
		return nil, err
	}
	return tok, nil
}
