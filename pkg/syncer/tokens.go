// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"storj.io/telemetry/pkg/teldb"
)

// TokenState is the refresh lifecycle of a source's access token.
type TokenState string

// Token states
const (
	TokenValid         TokenState = "valid"
	TokenNearExpiry    TokenState = "near_expiry"
	TokenRefreshing    TokenState = "refreshing"
	TokenRefreshFailed TokenState = "refresh_failed"
)

// Authenticator exchanges a refresh token for fresh credentials.
type Authenticator interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// tokenGuard serializes refreshes per source and tracks token state.
type tokenGuard struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]TokenState
}

func newTokenGuard() *tokenGuard {
	return &tokenGuard{
		locks:  map[string]*sync.Mutex{},
		states: map[string]TokenState{},
	}
}

func (guard *tokenGuard) lockFor(source string) *sync.Mutex {
	guard.mu.Lock()
	defer guard.mu.Unlock()
	lock, ok := guard.locks[source]
	if !ok {
		lock = &sync.Mutex{}
		guard.locks[source] = lock
	}
	return lock
}

func (guard *tokenGuard) setState(source string, state TokenState) {
	guard.mu.Lock()
	defer guard.mu.Unlock()
	guard.states[source] = state
}

// State returns the current token state of a source.
func (guard *tokenGuard) State(source string) TokenState {
	guard.mu.Lock()
	defer guard.mu.Unlock()
	state, ok := guard.states[source]
	if !ok {
		return TokenValid
	}
	return state
}

// TokenState returns the refresh lifecycle state of a source.
func (service *Service) TokenState(source string) TokenState {
	return service.tokens.State(source)
}

// accessToken returns a usable access token for the source, refreshing
// it when it is expired or about to expire. Refreshes are single-flight
// per source.
func (service *Service) accessToken(ctx context.Context, source *teldb.Source) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if service.tokenFresh(source) {
		service.tokens.setState(source.Name, TokenValid)
		return source.AccessToken.String, nil
	}
	service.tokens.setState(source.Name, TokenNearExpiry)

	lock := service.tokens.lockFor(source.Name)
	lock.Lock()
	defer lock.Unlock()

	// another sync may have refreshed while we waited
	current, err := service.db.GetSource(ctx, source.Name)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if service.tokenFresh(current) {
		service.tokens.setState(source.Name, TokenValid)
		return current.AccessToken.String, nil
	}

	service.tokens.setState(source.Name, TokenRefreshing)
	token, err := service.refresh(ctx, current)
	if err != nil {
		service.tokens.setState(source.Name, TokenRefreshFailed)
		return "", err
	}
	service.tokens.setState(source.Name, TokenValid)
	return token, nil
}

func (service *Service) tokenFresh(source *teldb.Source) bool {
	if !source.AccessToken.Valid || source.AccessToken.String == "" {
		return false
	}
	if source.TokenExpiresAt == nil {
		return true
	}
	return source.TokenExpiresAt.After(time.Now().Add(service.config.TokenExpiryMargin))
}

func (service *Service) refresh(ctx context.Context, source *teldb.Source) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, ok := service.authenticators[source.Name]
	if !ok {
		return "", ErrAuth.New("no authenticator for source %q", source.Name)
	}
	if !source.RefreshToken.Valid || source.RefreshToken.String == "" {
		return "", ErrAuth.New("source %q has no refresh token", source.Name)
	}

	token, err := auth.Refresh(ctx, source.RefreshToken.String)
	if err != nil {
		return "", ErrAuth.New("refreshing %q: %v", source.Name, err)
	}

	err = service.db.UpdateSourceTokens(ctx, source.Name,
		token.AccessToken, token.RefreshToken, token.Expiry)
	if err != nil {
		return "", Error.Wrap(err)
	}
	mon.Counter("tokens_refreshed").Inc(1)
	service.log.Info("refreshed source token",
		zap.String("source", source.Name),
		zap.Time("expires", token.Expiry))
	return token.AccessToken, nil
}

// RefreshExpiringTokens refreshes tokens that expire within the expiry
// window. Failures are logged and retried on the next cycle.
func (service *Service) RefreshExpiringTokens(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	sources, err := service.db.SourcesWithExpiringTokens(ctx, service.config.TokenExpiryWindow)
	if err != nil {
		return Error.Wrap(err)
	}

	for i := range sources {
		source := &sources[i]
		lock := service.tokens.lockFor(source.Name)
		lock.Lock()
		service.tokens.setState(source.Name, TokenRefreshing)
		_, err := service.refresh(ctx, source)
		if err != nil {
			service.tokens.setState(source.Name, TokenRefreshFailed)
			service.log.Warn("token refresh failed",
				zap.String("source", source.Name), zap.Error(err))
		} else {
			service.tokens.setState(source.Name, TokenValid)
		}
		lock.Unlock()
	}
	return nil
}
