package polestar

import (
	"strings"
	"time"
)

// Default endpoints and client registration of the Polestar web app.
const (
	DefaultIssuerURL   = "https://polestarid.eu.polestar.com"
	DefaultAPIURL      = "https://pc-api.polestar.com/eu-north-1/mystar-v2/"
	DefaultAuthAPIURL  = "https://pc-api.polestar.com/eu-north-1/auth/"
	DefaultClientID    = "l3oopkc_10"
	DefaultRedirectURI = "https://www.polestar.com/sign-in-callback"

	// DefaultExpiryMargin is subtracted from the server-declared token lifetime
	// so the token is refreshed before it really expires.
	DefaultExpiryMargin = 120 * time.Second

	// DefaultCacheTTL is how long a telemetry snapshot is served without refetching.
	DefaultCacheTTL = 5 * time.Minute

	DefaultRequestTimeout = 30 * time.Second
)

// DefaultScopes requested at the authorization endpoint.
var DefaultScopes = []string{
	"openid",
	"profile",
	"email",
	"customer:attributes",
	"customer:attributes:write",
}

// Config holds endpoints and tunables of a Session.
type Config struct {
	// IssuerURL is the identity provider base URL. The authorization, token and
	// resume endpoints are derived from it.
	IssuerURL string
	// APIURL is the GraphQL endpoint serving vehicle and telemetry queries.
	APIURL string
	// AuthAPIURL is the GraphQL endpoint serving token refresh. Introspection
	// goes to APIURL.
	AuthAPIURL string

	ClientID    string
	RedirectURI string
	Scopes      []string

	// Zero durations and a zero PKCELength select the defaults; there is no way
	// to disable the expiry margin or the telemetry cache.
	ExpiryMargin   time.Duration
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	PKCELength     int
}

// DefaultConfig returns the configuration used against the production service.
func DefaultConfig() Config {
	return Config{
		IssuerURL:      DefaultIssuerURL,
		APIURL:         DefaultAPIURL,
		AuthAPIURL:     DefaultAuthAPIURL,
		ClientID:       DefaultClientID,
		RedirectURI:    DefaultRedirectURI,
		Scopes:         append([]string(nil), DefaultScopes...),
		ExpiryMargin:   DefaultExpiryMargin,
		CacheTTL:       DefaultCacheTTL,
		RequestTimeout: DefaultRequestTimeout,
		PKCELength:     DefaultPKCELength,
	}
}

func (c Config) authorizeURL() string {
	return strings.TrimRight(c.IssuerURL, "/") + "/as/authorization.oauth2"
}

func (c Config) tokenURL() string {
	return strings.TrimRight(c.IssuerURL, "/") + "/as/token.oauth2"
}

func (c Config) resumeURL(pathToken string) string {
	return strings.TrimRight(c.IssuerURL, "/") + "/as/" + pathToken + "/resume/as/authorization.ping"
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IssuerURL == "" {
		c.IssuerURL = d.IssuerURL
	}
	if c.APIURL == "" {
		c.APIURL = d.APIURL
	}
	if c.AuthAPIURL == "" {
		c.AuthAPIURL = d.AuthAPIURL
	}
	if c.ClientID == "" {
		c.ClientID = d.ClientID
	}
	if c.RedirectURI == "" {
		c.RedirectURI = d.RedirectURI
	}
	if len(c.Scopes) == 0 {
		c.Scopes = d.Scopes
	}
	if c.ExpiryMargin == 0 {
		c.ExpiryMargin = d.ExpiryMargin
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PKCELength == 0 {
		c.PKCELength = d.PKCELength
	}
	return c
}

func (c Config) validate() error {
	if c.ExpiryMargin < 0 {
		return &ConfigError{Field: "ExpiryMargin", Reason: "must not be negative"}
	}
	if c.CacheTTL < 0 {
		return &ConfigError{Field: "CacheTTL", Reason: "must not be negative"}
	}
	if c.PKCELength < PKCEMinLength || c.PKCELength > PKCEMaxLength {
		return &ConfigError{Field: "PKCELength", Reason: "must be between 43 and 128"}
	}
	return nil
}
