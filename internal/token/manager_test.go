package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lmerrett/stravasync/internal/errs"
	"github.com/lmerrett/stravasync/internal/model"
)

type fakeProvider struct {
	refreshIn    string
	refreshOut   model.Credential
	refreshErr   error
	refreshCalls int

	exchangeIn    string
	exchangeOut   model.Credential
	exchangeErr   error
	exchangeCalls int

	// failFirst makes the first n refresh calls fail with failErr.
	failFirst int
	failErr   error
}

func (f *fakeProvider) Refresh(_ context.Context, refreshToken string) (model.Credential, error) {
	f.refreshCalls++
	f.refreshIn = refreshToken
	if f.failFirst > 0 {
		f.failFirst--
		return model.Credential{}, f.failErr
	}
	return f.refreshOut, f.refreshErr
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code string) (model.Credential, error) {
	f.exchangeCalls++
	f.exchangeIn = code
	return f.exchangeOut, f.exchangeErr
}

type fakeStore struct {
	cred      model.Credential
	loadErr   error
	saveErr   error
	saveCalls int
}

func (f *fakeStore) Load(context.Context) (model.Credential, error) {
	if f.loadErr != nil {
		return model.Credential{}, f.loadErr
	}
	return f.cred, nil
}

func (f *fakeStore) Save(_ context.Context, cred model.Credential) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saveCalls++
	f.cred = cred
	return nil
}

func freshCred() model.Credential {
	return model.Credential{
		AccessToken:  "acc-fresh",
		RefreshToken: "ref-1",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}
}

func staleCred() model.Credential {
	return model.Credential{
		AccessToken:  "acc-stale",
		RefreshToken: "ref-1",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
}

func TestValid_CachedTokenNoNetwork(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	s := &fakeStore{cred: freshCred()}
	m := NewManager(Config{Provider: p, Store: s})

	tok, err := m.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if tok != "acc-fresh" {
		t.Fatalf("token=%q", tok)
	}
	if p.refreshCalls != 0 {
		t.Fatalf("refresh calls=%d, want 0", p.refreshCalls)
	}
	if m.State() != StateValid {
		t.Fatalf("state=%s, want valid", m.State())
	}
}

func TestValid_ExpiredTriggersSingleRefresh(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{refreshOut: model.Credential{
		AccessToken:  "acc-new",
		RefreshToken: "ref-2",
		ExpiresAt:    time.Now().Add(6 * time.Hour),
	}}
	s := &fakeStore{cred: staleCred()}
	m := NewManager(Config{Provider: p, Store: s})

	tok, err := m.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if tok != "acc-new" {
		t.Fatalf("token=%q, want acc-new", tok)
	}
	if p.refreshCalls != 1 {
		t.Fatalf("refresh calls=%d, want exactly 1", p.refreshCalls)
	}
	if p.refreshIn != "ref-1" {
		t.Fatalf("refreshed with %q", p.refreshIn)
	}
	// Rotated pair persisted.
	if s.cred.AccessToken != "acc-new" || s.cred.RefreshToken != "ref-2" {
		t.Fatalf("persisted %+v", s.cred)
	}
	if m.State() != StateValid {
		t.Fatalf("state=%s, want valid", m.State())
	}

	// Second call serves from cache.
	if _, err := m.Valid(context.Background()); err != nil {
		t.Fatalf("second Valid: %v", err)
	}
	if p.refreshCalls != 1 {
		t.Fatalf("second call refreshed again (calls=%d)", p.refreshCalls)
	}
}

func TestValid_RefreshTokenSurvivesWhenNotRotated(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{refreshOut: model.Credential{
		AccessToken: "acc-new",
		// provider omitted refresh_token
		ExpiresAt: time.Now().Add(6 * time.Hour),
	}}
	s := &fakeStore{cred: staleCred()}
	m := NewManager(Config{Provider: p, Store: s})

	if _, err := m.Valid(context.Background()); err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if s.cred.RefreshToken != "ref-1" {
		t.Fatalf("refresh token lost on rotation: %+v", s.cred)
	}
}

func TestValid_InvalidGrantIsFatalAndNotRetried(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{refreshErr: errs.ErrReauthorizationRequired}
	s := &fakeStore{cred: staleCred()}
	m := NewManager(Config{Provider: p, Store: s})

	_, err := m.Valid(context.Background())
	if !errors.Is(err, errs.ErrReauthorizationRequired) {
		t.Fatalf("want ErrReauthorizationRequired, got %v", err)
	}
	if p.refreshCalls != 1 {
		t.Fatalf("invalid grant must not be retried, calls=%d", p.refreshCalls)
	}
	if m.State() != StateInvalid {
		t.Fatalf("state=%s, want invalid", m.State())
	}

	// Subsequent calls fail fast without touching the provider again.
	if _, err := m.Valid(context.Background()); !errors.Is(err, errs.ErrReauthorizationRequired) {
		t.Fatalf("second call: %v", err)
	}
	if p.refreshCalls != 1 {
		t.Fatalf("second call hit the provider, calls=%d", p.refreshCalls)
	}
}

func TestValid_TransientFailureRetriedThenSucceeds(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{
		failFirst: 2,
		failErr:   errors.New("connection reset"),
		refreshOut: model.Credential{
			AccessToken:  "acc-new",
			RefreshToken: "ref-2",
			ExpiresAt:    time.Now().Add(6 * time.Hour),
		},
	}
	s := &fakeStore{cred: staleCred()}
	m := NewManager(Config{Provider: p, Store: s, MaxAttempts: 3})

	tok, err := m.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if tok != "acc-new" {
		t.Fatalf("token=%q", tok)
	}
	if p.refreshCalls != 3 {
		t.Fatalf("calls=%d, want 3", p.refreshCalls)
	}
}

func TestValid_TransientFailureExhausted(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{
		failFirst: 10,
		failErr:   errors.New("connection reset"),
	}
	s := &fakeStore{cred: staleCred()}
	m := NewManager(Config{Provider: p, Store: s, MaxAttempts: 3})

	_, err := m.Valid(context.Background())
	if !errors.Is(err, errs.ErrTransientAuth) {
		t.Fatalf("want ErrTransientAuth, got %v", err)
	}
	if p.refreshCalls != 3 {
		t.Fatalf("calls=%d, want 3", p.refreshCalls)
	}
	if m.State() != StateExpiring {
		t.Fatalf("state=%s, want expiring (retryable next run)", m.State())
	}
}

func TestValid_NoStoredCredential(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	s := &fakeStore{loadErr: errs.ErrNotFound}
	m := NewManager(Config{Provider: p, Store: s})

	_, err := m.Valid(context.Background())
	if !errors.Is(err, errs.ErrReauthorizationRequired) {
		t.Fatalf("want ErrReauthorizationRequired, got %v", err)
	}
	if p.refreshCalls != 0 {
		t.Fatalf("provider must not be called without a credential")
	}
}

func TestValid_DecryptErrorSurfaces(t *testing.T) {
	t.Parallel()
	s := &fakeStore{loadErr: errs.ErrDecrypt}
	m := NewManager(Config{Provider: &fakeProvider{}, Store: s})

	_, err := m.Valid(context.Background())
	if !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("want ErrDecrypt passthrough, got %v", err)
	}
}

func TestExchange_Bootstrap(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{exchangeOut: model.Credential{
		AccessToken:  "acc-first",
		RefreshToken: "ref-first",
		ExpiresAt:    time.Now().Add(6 * time.Hour),
	}}
	s := &fakeStore{loadErr: errs.ErrNotFound}
	m := NewManager(Config{Provider: p, Store: s})

	cred, err := m.Exchange(context.Background(), "one-time-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if p.exchangeIn != "one-time-code" {
		t.Fatalf("code=%q", p.exchangeIn)
	}
	if s.saveCalls != 1 || s.cred.RefreshToken != "ref-first" {
		t.Fatalf("bootstrap not persisted: %+v", s.cred)
	}
	if cred.AccessToken != "acc-first" {
		t.Fatalf("cred=%+v", cred)
	}

	// The bootstrap credential serves immediately.
	tok, err := m.Valid(context.Background())
	if err != nil || tok != "acc-first" {
		t.Fatalf("Valid after exchange: %q %v", tok, err)
	}
	if p.refreshCalls != 0 {
		t.Fatalf("no refresh expected after bootstrap")
	}
}

func TestValid_SaveFailureSurfaces(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{refreshOut: model.Credential{
		AccessToken:  "acc-new",
		RefreshToken: "ref-2",
		ExpiresAt:    time.Now().Add(6 * time.Hour),
	}}
	s := &fakeStore{cred: staleCred(), saveErr: errors.New("disk full")}
	m := NewManager(Config{Provider: p, Store: s})

	if _, err := m.Valid(context.Background()); err == nil {
		t.Fatalf("want error when persisting the rotated credential fails")
	}
}
