package apiclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig selects how requests to the backend are authenticated. Client
// credentials take precedence over a static token.
type AuthConfig struct {
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// NewHTTPClient builds the transport shared by request calls and the push
// stream. It sets no overall timeout: per-request deadlines come from Call and
// the stream lives as long as its context.
func NewHTTPClient(ctx context.Context, auth AuthConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	base := &http.Client{Transport: transport}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	switch {
	case auth.ClientID != "" && auth.TokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		return cc.Client(ctx)
	case auth.Token != "":
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: auth.Token,
			TokenType:   "Bearer",
		}))
	default:
		return base
	}
}
