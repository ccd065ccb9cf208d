package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/tokensync/autherr"
	"github.com/giantswarm/tokensync/credential"
	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/internal/clock"
	"github.com/giantswarm/tokensync/internal/util"
	"github.com/giantswarm/tokensync/security"
)

const (
	// maxResponseSize caps token endpoint response bodies.
	maxResponseSize = 1 << 20

	defaultHTTPTimeout = 30 * time.Second

	maxLoggedDescription = 120
)

// ExchangerConfig configures the token endpoint client.
type ExchangerConfig struct {
	ClientID     string
	ClientSecret string

	// AuthURL is the authorization endpoint used to build interactive requests
	AuthURL string

	// TokenURL is the token endpoint (required)
	TokenURL string

	// RedirectURL is the default redirect URL of interactive requests
	RedirectURL string

	// Scopes are requested when a request names none
	Scopes []string

	// ProviderName labels metrics (default "oidc")
	ProviderName string

	HTTPClient      *http.Client
	Clock           clock.Clock
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Exchanger performs every call to the token endpoint: refresh-token grants
// and authorization-code redemption.
type Exchanger struct {
	oauth      *oauth2.Config
	provider   string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
	inst       *instrumentation.Instrumentation
}

// tokenResponse is the success body of the token endpoint.
type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	IDToken      string          `json:"id_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    json.RawMessage `json:"expires_in"`
	Scope        string          `json:"scope"`
	TokenType    string          `json:"token_type"`
}

// errorResponse is the OAuth error body of the token endpoint.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// NewExchanger creates a token endpoint client.
func NewExchanger(cfg ExchangerConfig) (*Exchanger, error) {
	if cfg.TokenURL == "" {
		return nil, autherr.New(autherr.KindConfig, "no token endpoint configured")
	}
	if cfg.ClientID == "" {
		return nil, autherr.New(autherr.KindConfig, "client ID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := cfg.ProviderName
	if provider == "" {
		provider = "oidc"
	}

	authStyle := oauth2.AuthStyleInParams
	if cfg.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}

	return &Exchanger{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: authStyle,
			},
		},
		provider:   provider,
		httpClient: httpClient,
		clock:      clock.OrReal(cfg.Clock),
		logger:     logger,
		inst:       cfg.Instrumentation,
	}, nil
}

// OAuth2Config returns a copy of the client configuration for building
// authorization requests.
func (e *Exchanger) OAuth2Config() *oauth2.Config {
	c := *e.oauth
	return &c
}

// Refresh redeems refreshToken. A response without a refresh token keeps
// the presented one.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string, scopes []string) (*credential.Set, error) {
	if refreshToken == "" {
		return nil, autherr.New(autherr.KindNoRefreshCredential, "no refresh credential")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {e.oauth.ClientID},
	}
	if len(scopes) == 0 {
		scopes = e.oauth.Scopes
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	start := time.Now()
	set, status, err := e.postForm(ctx, form, scopes)
	e.inst.Metrics().RecordProviderAPICall(ctx, e.provider, "refresh", status, float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return nil, err
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

func (e *Exchanger) postForm(ctx context.Context, form url.Values, scopes []string) (*credential.Set, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, autherr.Wrap(autherr.KindConfig, "invalid token endpoint", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if e.oauth.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(e.oauth.ClientID), url.QueryEscape(e.oauth.ClientSecret))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, autherr.FromTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, autherr.FromTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr errorResponse
		_ = json.Unmarshal(body, &oauthErr)
		e.logger.Debug("Token endpoint rejected request",
			"status", resp.StatusCode,
			"error", oauthErr.Error,
			"description", util.SafeTruncate(oauthErr.ErrorDescription, maxLoggedDescription))
		return nil, resp.StatusCode, autherr.FromProviderResponse(resp.StatusCode, oauthErr.Error, oauthErr.ErrorDescription)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, resp.StatusCode, autherr.Wrap(autherr.KindNetwork, "malformed token response", err)
	}
	if tr.AccessToken == "" {
		// Some providers answer 200 with an error body.
		var oauthErr errorResponse
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			return nil, resp.StatusCode, autherr.FromProviderResponse(resp.StatusCode, oauthErr.Error, oauthErr.ErrorDescription)
		}
		return nil, resp.StatusCode, autherr.New(autherr.KindNetwork, "token response carried no access token")
	}

	set := &credential.Set{
		AccessToken:  tr.AccessToken,
		IDToken:      tr.IDToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    security.ExpiresAtFromLifetime(e.clock.Now(), parseLifetime(tr.ExpiresIn)),
		TokenType:    tr.TokenType,
		Scopes:       grantedScopes(tr.Scope, scopes),
	}
	return set, resp.StatusCode, nil
}

// RedeemCode exchanges an authorization code and its PKCE verifier.
func (e *Exchanger) RedeemCode(ctx context.Context, code, verifier, redirectURI string, scopes []string) (set *credential.Set, err error) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		result := "success"
		if err != nil {
			result = string(autherr.KindOf(err))
		}
		e.inst.Metrics().RecordCodeRedemption(ctx, result)
		e.inst.Metrics().RecordProviderAPICall(ctx, e.provider, "exchange_code", status, float64(time.Since(start).Milliseconds()), err)
	}()

	cfg := e.OAuth2Config()
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			return nil, autherr.FromProviderResponse(status, re.ErrorCode, re.ErrorDescription)
		}
		status = 0
		return nil, autherr.FromTransport(err)
	}
	if tok.AccessToken == "" {
		return nil, autherr.New(autherr.KindNetwork, "token response carried no access token")
	}

	set = credential.FromToken(tok, scopes)
	set.ExpiresAt = security.ExpiresAtFromLifetime(e.clock.Now(), lifetimeFromExtra(tok.Extra("expires_in")))
	return set, nil
}

// parseLifetime accepts expires_in as a JSON number or numeric string.
func parseLifetime(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, _ := strconv.ParseInt(s, 10, 64)
		return v
	}
	return 0
}

func lifetimeFromExtra(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case json.Number:
		n, _ := x.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func grantedScopes(scope string, requested []string) []string {
	if fields := strings.Fields(scope); len(fields) > 0 {
		return fields
	}
	return append([]string(nil), requested...)
}
