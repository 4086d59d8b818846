package marketplace

import (
	"context"
	"net/http"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
)

// Authenticator decorates requests with a credential and can renew it
// after the API rejects it.
type Authenticator interface {
	Apply(ctx context.Context, req *http.Request) error
	Refresh(ctx context.Context) error
}

// NoAuth sends requests without credentials.
type NoAuth struct{}

func (NoAuth) Apply(context.Context, *http.Request) error { return nil }
func (NoAuth) Refresh(context.Context) error              { return nil }

// APIKeyAuth sends a static key in a header. Refresh is a no-op.
type APIKeyAuth struct {
	Header string
	Key    string
}

func (a APIKeyAuth) Apply(_ context.Context, req *http.Request) error {
	header := a.Header
	if header == "" {
		header = "X-API-Key"
	}
	req.Header.Set(header, a.Key)
	return nil
}

func (APIKeyAuth) Refresh(context.Context) error { return nil }

// OAuthRefreshConfig configures the refresh-token grant.
type OAuthRefreshConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	// HTTPClient is used for token requests; nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// OAuthRefresh obtains access tokens with the OAuth2 refresh-token grant
// and renews them on expiry or on demand.
type OAuthRefresh struct {
	conf *oauth2.Config
	hc   *http.Client

	mu  sync.Mutex
	src oauth2.TokenSource
	tok *oauth2.Token
}

// NewOAuthRefresh validates cfg and builds the authenticator. No token is
// fetched until the first request.
func NewOAuthRefresh(cfg OAuthRefreshConfig) (*OAuthRefresh, error) {
	if cfg.ClientID == "" || cfg.RefreshToken == "" || cfg.TokenURL == "" {
		return nil, eris.New("marketplace: oauth refresh needs client id, refresh token and token url")
	}
	a := &OAuthRefresh{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		hc:  cfg.HTTPClient,
		tok: &oauth2.Token{RefreshToken: cfg.RefreshToken},
	}
	a.src = a.newSource()
	return a, nil
}

func (a *OAuthRefresh) tokenContext() context.Context {
	ctx := context.Background()
	if a.hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.hc)
	}
	return ctx
}

// newSource starts from a token with only the refresh token set, so the
// next Token call performs the grant.
func (a *OAuthRefresh) newSource() oauth2.TokenSource {
	return a.conf.TokenSource(a.tokenContext(), &oauth2.Token{RefreshToken: a.tok.RefreshToken})
}

func (a *OAuthRefresh) Apply(_ context.Context, req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tok, err := a.src.Token()
	if err != nil {
		return eris.Wrap(err, "marketplace: obtain access token")
	}
	a.remember(tok)
	tok.SetAuthHeader(req)
	return nil
}

// Refresh discards the current access token and runs the grant now.
func (a *OAuthRefresh) Refresh(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.src = a.newSource()
	tok, err := a.src.Token()
	if err != nil {
		return eris.Wrap(err, "marketplace: refresh access token")
	}
	a.remember(tok)
	return nil
}

// remember keeps a rotated refresh token for the next forced refresh.
func (a *OAuthRefresh) remember(tok *oauth2.Token) {
	if tok.RefreshToken != "" {
		a.tok.RefreshToken = tok.RefreshToken
	}
	a.tok.AccessToken = tok.AccessToken
}
