// Package token owns the OAuth credential lifecycle. It is the only
// component allowed to transition the token state machine or mutate the
// stored credential.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/lmerrett/stravasync/internal/errs"
	"github.com/lmerrett/stravasync/internal/model"
)

// Token lifecycle states.
const (
	StateValid      = "valid"
	StateExpiring   = "expiring"
	StateRefreshing = "refreshing"
	StateInvalid    = "invalid"
)

// State machine events.
const (
	eventExpire    = "expire"
	eventRefresh   = "refresh"
	eventRefreshed = "refreshed"
	eventStall     = "stall"
	eventReject    = "reject"
	eventAuthorize = "authorize"
)

// Provider is the subset of the provider client the manager needs.
type Provider interface {
	ExchangeCode(ctx context.Context, code string) (model.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (model.Credential, error)
}

// CredentialStore persists the credential between runs.
type CredentialStore interface {
	Load(ctx context.Context) (model.Credential, error)
	Save(ctx context.Context, cred model.Credential) error
}

// Config collects manager dependencies.
type Config struct {
	Provider Provider
	Store    CredentialStore
	// Margin is how long before expiry a token already counts as expiring.
	Margin time.Duration
	// MaxAttempts bounds refresh attempts for transient failures.
	MaxAttempts int
	Logger      *zap.Logger
}

// Manager serves valid access tokens, refreshing through the provider when
// the cached one is inside the expiry margin.
type Manager struct {
	provider    Provider
	store       CredentialStore
	margin      time.Duration
	maxAttempts int
	logger      *zap.Logger

	mu     sync.Mutex
	fsm    *fsm.FSM
	cached model.Credential
	loaded bool
}

// NewManager constructs a Manager with defaults of a 60s margin and 3
// refresh attempts.
func NewManager(cfg Config) *Manager {
	margin := cfg.Margin
	if margin <= 0 {
		margin = 60 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		provider:    cfg.Provider,
		store:       cfg.Store,
		margin:      margin,
		maxAttempts: attempts,
		logger:      logger,
	}
	m.fsm = fsm.NewFSM(
		StateValid,
		fsm.Events{
			{Name: eventExpire, Src: []string{StateValid}, Dst: StateExpiring},
			{Name: eventRefresh, Src: []string{StateExpiring}, Dst: StateRefreshing},
			{Name: eventRefreshed, Src: []string{StateRefreshing}, Dst: StateValid},
			{Name: eventStall, Src: []string{StateRefreshing}, Dst: StateExpiring},
			{Name: eventReject, Src: []string{StateValid, StateExpiring, StateRefreshing}, Dst: StateInvalid},
			{Name: eventAuthorize, Src: []string{StateValid, StateExpiring, StateRefreshing, StateInvalid}, Dst: StateValid},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("token state transition",
					zap.String("event", e.Event),
					zap.String("from", e.Src),
					zap.String("to", e.Dst),
				)
			},
		},
	)
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// Valid returns an access token good for at least the expiry margin. A token
// already inside its validity window is returned with zero network calls.
// An invalid or revoked refresh token surfaces errs.ErrReauthorizationRequired
// and is never retried here.
func (m *Manager) Valid(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		cred, err := m.store.Load(ctx)
		switch {
		case err == nil:
			m.cached = cred
			m.loaded = true
		case errors.Is(err, errs.ErrNotFound):
			_ = m.fsm.Event(ctx, eventReject)
			return "", fmt.Errorf("%w: no stored credential, run the authorization flow", errs.ErrReauthorizationRequired)
		default:
			return "", err
		}
	}

	if m.fsm.Current() == StateInvalid {
		return "", fmt.Errorf("%w: credential marked invalid", errs.ErrReauthorizationRequired)
	}

	if !m.cached.Expired(time.Now(), m.margin) {
		return m.cached.AccessToken, nil
	}

	if m.fsm.Current() == StateValid {
		_ = m.fsm.Event(ctx, eventExpire)
	}
	_ = m.fsm.Event(ctx, eventRefresh)

	cred, err := m.refresh(ctx, m.cached)
	if err != nil {
		if errors.Is(err, errs.ErrReauthorizationRequired) {
			_ = m.fsm.Event(ctx, eventReject)
			return "", err
		}
		_ = m.fsm.Event(ctx, eventStall)
		return "", fmt.Errorf("%w: %v", errs.ErrTransientAuth, err)
	}

	if err := m.store.Save(ctx, cred); err != nil {
		// The provider already rotated; losing this write would orphan the
		// new refresh token, so the failure is surfaced, not swallowed.
		_ = m.fsm.Event(ctx, eventStall)
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}
	m.cached = cred
	_ = m.fsm.Event(ctx, eventRefreshed)
	m.logger.Info("access token refreshed", zap.Time("expires_at", cred.ExpiresAt))
	return cred.AccessToken, nil
}

// refresh calls the provider with bounded exponential backoff for transient
// failures. A rejected grant is permanent and aborts the retry loop.
func (m *Manager) refresh(ctx context.Context, cur model.Credential) (model.Credential, error) {
	var fresh model.Credential
	op := func() error {
		var err error
		fresh, err = m.provider.Refresh(ctx, cur.RefreshToken)
		if errors.Is(err, errs.ErrReauthorizationRequired) {
			return backoff.Permanent(err)
		}
		if err != nil {
			m.logger.Warn("token refresh attempt failed", zap.Error(err))
		}
		return err
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return model.Credential{}, err
	}
	// The provider may omit a rotated refresh token; the old one must then
	// survive the rotation.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cur.RefreshToken
	}
	return fresh, nil
}

// Exchange performs the one-shot authorization-code bootstrap and persists
// the first credential. Invoked by the interactive setup path only.
func (m *Manager) Exchange(ctx context.Context, code string) (model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.provider.ExchangeCode(ctx, code)
	if err != nil {
		return model.Credential{}, err
	}
	if err := m.store.Save(ctx, cred); err != nil {
		return model.Credential{}, err
	}
	m.cached = cred
	m.loaded = true
	_ = m.fsm.Event(ctx, eventAuthorize)
	m.logger.Info("authorization code exchanged", zap.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

// Invalidate drops the in-memory cache so the next Valid call reloads from
// the store. Used after an external re-authorization.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	m.cached = model.Credential{}
	m.fsm.SetState(StateValid)
}
