// Package polestar is a client for the Polestar cloud API. It signs in through
// the Polestar ID web login without a browser, keeps the resulting tokens fresh
// and fetches vehicle telemetry through the GraphQL API.
//
// A Session is safe for concurrent use.
package polestar

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Session owns the credentials, tokens, vehicle selection and telemetry cache of
// one account.
type Session struct {
	cfg       Config
	creds     Credentials
	transport Transport
	clock     clockwork.Clock
	log       logrus.FieldLogger
	metrics   *Metrics

	// authMu serializes login and refresh. It is never held while waiting on mu
	// from the other direction.
	authMu sync.Mutex

	mu             sync.RWMutex // protects the below fields
	tokens         *TokenSet
	authenticating bool
	selection      *VehicleSelection

	cache *telemetryCache
}

// Option configures a Session.
type Option func(*Session)

// WithConfig replaces the endpoints and tunables. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Session) {
		s.cfg = cfg
	}
}

// WithTransport sets the HTTP collaborator. It must not follow redirects.
func WithTransport(t Transport) Option {
	return func(s *Session) {
		s.transport = t
	}
}

// WithClock sets the clock used for token expiry and cache freshness.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithLogger sets the logger. The default logs warnings and errors to stderr.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithMetrics makes the session report to m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// NewSession validates the credentials and options. It performs no network I/O;
// call Login before any other operation.
func NewSession(email, password string, opts ...Option) (*Session, error) {
	if strings.TrimSpace(email) == "" {
		return nil, &ConfigError{Field: "email", Reason: "must not be empty"}
	}
	if password == "" {
		return nil, &ConfigError{Field: "password", Reason: "must not be empty"}
	}

	s := &Session{
		cfg:   DefaultConfig(),
		creds: Credentials{Email: email, Password: password},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cfg = s.cfg.withDefaults()
	if err := s.cfg.validate(); err != nil {
		return nil, err
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		s.log = logger
	}
	if s.transport == nil {
		t, err := NewHTTPTransport(s.cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		s.transport = t
	}

	s.cache = newTelemetryCache(s.clock, s.cfg.CacheTTL)
	return s, nil
}

// State reports the lifecycle state. Fresh and stale are derived from the clock.
func (s *Session) State() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.authenticating:
		return StateAuthenticating
	case s.tokens == nil:
		return StateLoggedOut
	case s.tokens.Fresh(s.clock.Now()):
		return StateAuthenticated
	default:
		return StateStale
	}
}

// Tokens returns a copy of the current token set, if any.
func (s *Session) Tokens() (TokenSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return TokenSet{}, false
	}
	return *s.tokens, true
}

// Login runs the full sign-in: fresh PKCE material, the login flow and the code
// exchange. On failure the previous token set, if any, is left in place.
func (s *Session) Login(ctx context.Context) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	return s.login(ctx)
}

// login must be called with authMu held. It never refreshes, which bounds the
// refresh fallback in EnsureAuthenticated to one attempt.
func (s *Session) login(ctx context.Context) (err error) {
	log := s.log.WithField("attempt", uuid.NewString())
	log.Debug("Starting login")

	s.setAuthenticating(true)
	defer func() {
		s.setAuthenticating(false)
		s.metrics.observeLogin(err)
		if err != nil {
			log.WithError(err).Warn("Login failed")
		}
	}()

	pkce, err := GeneratePKCEWithLength(s.cfg.PKCELength)
	if err != nil {
		return err
	}

	flow, err := newLoginFlow(s.cfg, s.transport, log, pkce)
	if err != nil {
		return err
	}

	code, err := flow.authorize(ctx, s.creds)
	if err != nil {
		return err
	}

	token, err := flow.exchange(ctx, code)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	tokens, err := newTokenSet(tokenResponseFromOAuth2(token, now), "", now, s.cfg.ExpiryMargin)
	if err != nil {
		return &LoginFlowError{Step: StepExchange, Reason: "unusable token response", Err: err}
	}

	s.setTokens(tokens)
	log.WithField("expires_at", tokens.ExpiresAt).Info("Logged in")
	return nil
}

// EnsureAuthenticated makes sure a fresh access token is held. A stale token is
// refreshed once; if that fails, one full login is attempted and its error is
// returned. A fresh token costs no network round trip.
func (s *Session) EnsureAuthenticated(ctx context.Context) error {
	tokens := s.currentTokens()
	if tokens == nil {
		return ErrNotAuthenticated
	}
	if tokens.Fresh(s.clock.Now()) {
		return nil
	}

	s.authMu.Lock()
	defer s.authMu.Unlock()

	// Another caller may have refreshed or logged out while we waited.
	tokens = s.currentTokens()
	if tokens == nil {
		return ErrNotAuthenticated
	}
	if tokens.Fresh(s.clock.Now()) {
		return nil
	}

	s.log.WithField("expires_at", tokens.ExpiresAt).Debug("Access token is stale, refreshing")
	refreshed, err := refreshTokens(ctx, s.transport, s.cfg, tokens, s.clock.Now)
	s.metrics.observeRefresh(err)
	if err == nil {
		s.setTokens(refreshed)
		s.log.WithField("expires_at", refreshed.ExpiresAt).Debug("Access token refreshed")
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var refreshErr *tokenRefreshError
	if errors.As(err, &refreshErr) {
		err = refreshErr.Err
	}
	s.log.WithError(err).Info("Token refresh failed, logging in again")
	return s.login(ctx)
}

// Logout forgets the tokens, the vehicle selection and any cached telemetry.
func (s *Session) Logout() {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	s.mu.Lock()
	s.tokens = nil
	s.selection = nil
	s.mu.Unlock()

	s.cache.invalidate()
	s.metrics.setTokenExpiry(nil)
	s.log.Debug("Logged out")
}

// accessToken returns a fresh access token, refreshing or logging in as needed.
func (s *Session) accessToken(ctx context.Context) (string, error) {
	if err := s.EnsureAuthenticated(ctx); err != nil {
		return "", err
	}
	tokens := s.currentTokens()
	if tokens == nil {
		return "", ErrNotAuthenticated
	}
	return tokens.AccessToken, nil
}

// expire marks the token set stale when the API rejected accessToken, so the
// next call refreshes it. A token set that was replaced meanwhile is untouched.
func (s *Session) expire(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil || s.tokens.AccessToken != accessToken {
		return
	}
	expired := *s.tokens
	expired.ExpiresAt = s.clock.Now().Add(-time.Second)
	s.tokens = &expired
}

func (s *Session) currentTokens() *TokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

func (s *Session) setTokens(tokens *TokenSet) {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
	s.metrics.setTokenExpiry(tokens)
}

func (s *Session) setAuthenticating(v bool) {
	s.mu.Lock()
	s.authenticating = v
	s.mu.Unlock()
}
