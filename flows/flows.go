// Package flows implements the interactive acquisition flows: a popup window
// polled for the provider redirect, and a full-page redirect whose request
// state survives the navigation in tab-scoped storage.
//
// Flows never talk to the token endpoint. They return the authorization
// response payload together with the PKCE verifier and nonce of the request
// that produced it; redeeming the code is up to the caller.
package flows

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/oauth2"

	"github.com/giantswarm/tokensync/autherr"
	"github.com/giantswarm/tokensync/credential"
)

var (
	// ErrCrossOrigin is returned by Window.Location while the window shows a
	// page the caller cannot read.
	ErrCrossOrigin = errors.New("flows: window location is not readable")

	// ErrRedirectPending is returned by Redirect.Start once navigation has
	// begun. The result arrives later through HandleCallback.
	ErrRedirectPending = errors.New("flows: redirect navigation in progress")
)

// Opener opens an interactive surface pointed at url.
type Opener interface {
	Open(ctx context.Context, url string) (Window, error)
}

// Window is an open interactive surface.
type Window interface {
	// Location returns the current address, or ErrCrossOrigin while it
	// cannot be read.
	Location() (string, error)

	// Closed reports whether the user closed the window.
	Closed() bool

	// Close force-closes the window. It is safe to call more than once.
	Close() error
}

// Navigator replaces the current context with url.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// stateBytes is the entropy of state, nonce and PKCE verifier values.
const stateBytes = 32

// AuthOptions tune the authorization request.
type AuthOptions struct {
	// RedirectURI overrides the configured redirect URL
	RedirectURI string

	// Prompt is passed as the prompt parameter ("login", "consent", ...)
	Prompt string

	// LoginHint pre-fills the account at the provider
	LoginHint string

	// ResponseMode overrides the default "fragment" response mode. Loopback
	// callbacks need "query" since fragments never reach the server.
	ResponseMode string

	// ExtraParams are provider-specific authorization parameters, such as
	// Dex's connector_id. They cannot override the parameters set above.
	ExtraParams map[string]string
}

var reservedParams = map[string]bool{
	"client_id":             true,
	"redirect_uri":          true,
	"response_type":         true,
	"response_mode":         true,
	"scope":                 true,
	"state":                 true,
	"nonce":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
	"prompt":                true,
	"login_hint":            true,
}

// AuthRequest is a prepared authorization request.
type AuthRequest struct {
	URL          string
	State        string
	Nonce        string
	CodeVerifier string
	RedirectURI  string
	AccountID    string
	Scopes       []string
}

// NewAuthRequest builds an authorization URL for req with fresh state,
// nonce and an S256 PKCE challenge. The response is requested in the URL
// fragment.
func NewAuthRequest(cfg *oauth2.Config, req credential.Request, opts AuthOptions) (*AuthRequest, error) {
	if cfg == nil || cfg.Endpoint.AuthURL == "" {
		return nil, autherr.New(autherr.KindConfig, "no authorization endpoint configured")
	}
	redirectURI := opts.RedirectURI
	if redirectURI == "" {
		redirectURI = cfg.RedirectURL
	}
	if redirectURI == "" {
		return nil, autherr.New(autherr.KindConfig, "no redirect URL configured")
	}

	state, err := randomValue()
	if err != nil {
		return nil, err
	}
	nonce, err := randomValue()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	responseMode := opts.ResponseMode
	if responseMode == "" {
		responseMode = "fragment"
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = cfg.Scopes
	}

	authCfg := *cfg
	authCfg.RedirectURL = redirectURI
	authCfg.Scopes = scopes

	var params []oauth2.AuthCodeOption
	for _, k := range slices.Sorted(maps.Keys(opts.ExtraParams)) {
		if reservedParams[k] {
			continue
		}
		params = append(params, oauth2.SetAuthURLParam(k, opts.ExtraParams[k]))
	}
	params = append(params,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("response_mode", responseMode),
	)
	if opts.Prompt != "" {
		params = append(params, oauth2.SetAuthURLParam("prompt", opts.Prompt))
	}
	if opts.LoginHint != "" {
		params = append(params, oauth2.SetAuthURLParam("login_hint", opts.LoginHint))
	}

	return &AuthRequest{
		URL:          authCfg.AuthCodeURL(state, params...),
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		AccountID:    req.AccountID,
		Scopes:       slices.Clone(scopes),
	}, nil
}

// Request returns the credential request this authorization serves.
func (r *AuthRequest) Request() credential.Request {
	return credential.Request{AccountID: r.AccountID, Scopes: slices.Clone(r.Scopes)}
}

// Result is an authorization response correlated with its request.
type Result struct {
	Code         string
	State        string
	Nonce        string
	CodeVerifier string
	RedirectURI  string
	AccountID    string
	Scopes       []string

	// Params holds every parameter of the response
	Params url.Values
}

// Request returns the credential request the result answers.
func (r *Result) Request() credential.Request {
	return credential.Request{AccountID: r.AccountID, Scopes: slices.Clone(r.Scopes)}
}

func randomValue() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// matchesRedirect reports whether location points at redirectURI. Only
// scheme, host and path are compared.
func matchesRedirect(location, redirectURI string) bool {
	loc, err := url.Parse(location)
	if err != nil {
		return false
	}
	want, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	return strings.EqualFold(loc.Scheme, want.Scheme) &&
		strings.EqualFold(loc.Host, want.Host) &&
		strings.TrimSuffix(loc.Path, "/") == strings.TrimSuffix(want.Path, "/")
}

// callbackParams extracts the response parameters from the fragment, or
// from the query when the fragment carries none.
func callbackParams(location string) (url.Values, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("failed to parse callback URL: %w", err)
	}
	if u.Fragment != "" {
		params, err := url.ParseQuery(u.Fragment)
		if err == nil && (params.Has("code") || params.Has("error") || params.Has("state")) {
			return params, nil
		}
	}
	return u.Query(), nil
}

// correlate validates params against the request that produced them.
func correlate(params url.Values, req *AuthRequest) (*Result, error) {
	state := params.Get("state")
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(req.State)) != 1 {
		return nil, autherr.New(autherr.KindStateMismatch, "callback state does not match the pending request")
	}

	if code := params.Get("error"); code != "" {
		return nil, &autherr.Error{
			Kind:        autherr.KindCredentialRejected,
			Code:        code,
			Description: params.Get("error_description"),
		}
	}

	code := params.Get("code")
	if code == "" {
		return nil, autherr.New(autherr.KindCredentialRejected, "callback carried no authorization code")
	}

	return &Result{
		Code:         code,
		State:        state,
		Nonce:        req.Nonce,
		CodeVerifier: req.CodeVerifier,
		RedirectURI:  req.RedirectURI,
		AccountID:    req.AccountID,
		Scopes:       slices.Clone(req.Scopes),
		Params:       params,
	}, nil
}

// outcome names a flow result for metrics.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind := autherr.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}
