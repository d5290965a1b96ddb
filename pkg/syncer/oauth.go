// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"

	"golang.org/x/oauth2"
)

// OAuthConfig identifies one provider's OAuth application.
type OAuthConfig struct {
	ClientID     string `help:"oauth client id" default:""`
	ClientSecret string `help:"oauth client secret" default:""`
	TokenURL     string `help:"oauth token endpoint" default:""`
}

// OAuthAuthenticator refreshes access tokens through a provider's token
// endpoint.
type OAuthAuthenticator struct {
	config oauth2.Config
}

// NewOAuthAuthenticator creates an authenticator for one provider.
func NewOAuthAuthenticator(config OAuthConfig) *OAuthAuthenticator {
	return &OAuthAuthenticator{
		config: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: config.TokenURL},
		},
	}
}

// Refresh implements Authenticator.
func (auth *OAuthAuthenticator) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	source := auth.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, ErrAuth.New("token refresh: %v", err)
	}
	return token, nil
}
