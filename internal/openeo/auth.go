package openeo

import (
	"fmt"

	"golang.org/x/oauth2"
)

// prefixedTokenSource rewrites access tokens into the openEO bearer format,
// "<method>/<provider>/<token>".
type prefixedTokenSource struct {
	method   string
	provider string
	src      oauth2.TokenSource
}

func (s *prefixedTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	out := *tok
	out.AccessToken = fmt.Sprintf("%s/%s/%s", s.method, s.provider, tok.AccessToken)
	out.TokenType = "Bearer"

	return &out, nil
}

// OIDCTokenSource returns a TokenSource for an access token issued by the
// named OpenID Connect provider of the backend. src is typically the
// TokenSource of an oauth2.Config, so tokens are refreshed as needed.
func OIDCTokenSource(provider string, src oauth2.TokenSource) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &prefixedTokenSource{
		method:   "oidc",
		provider: provider,
		src:      src,
	})
}

// StaticTokenSource returns a TokenSource for a fixed OIDC access token.
func StaticTokenSource(provider, accessToken string) oauth2.TokenSource {
	return OIDCTokenSource(
		provider,
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
	)
}

// BasicTokenSource returns a TokenSource for a token obtained through the
// backend's basic authentication endpoint.
func BasicTokenSource(accessToken string) oauth2.TokenSource {
	return &prefixedTokenSource{
		method: "basic",
		src:    oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
	}
}
