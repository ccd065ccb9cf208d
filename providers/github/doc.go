// Package github provides a GitHub OAuth App authority and profile provider.
//
// GitHub OAuth differs from OIDC providers in several key ways:
//   - No OIDC discovery: Endpoints are fixed (golang.org/x/oauth2/github)
//   - No ID tokens: sessions are keyed by the account id of the request
//   - Non-expiring tokens: Standard OAuth Apps issue tokens that don't expire
//     and no refresh tokens, so no background refresh is scheduled
//   - Email privacy: User emails may be private, requiring a separate API call
//
// # Default Scopes
//
// When no custom scopes are provided, the provider uses:
//   - user:email: Read user email addresses (required for UserInfo.Email)
//   - read:user: Read user profile data
//
// # Organization Access Control
//
// When AllowedOrganizations is configured:
//   - The "read:org" scope is automatically added if not present
//   - Membership is checked on every profile fetch
//   - Users not in allowed organizations receive ErrOrganizationRequired
//
// Organization logins are reported in UserInfo.Groups whenever the token
// carries read:org.
//
// # Example Usage
//
//	authority, err := github.NewAuthority(&github.Config{
//	    ClientID:             os.Getenv("GITHUB_CLIENT_ID"),
//	    ClientSecret:         os.Getenv("GITHUB_CLIENT_SECRET"),
//	    AllowedOrganizations: []string{"giantswarm"},
//	})
package github
