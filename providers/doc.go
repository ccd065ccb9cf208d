// Package providers describes identity providers to the client.
//
// An Authority bundles the endpoints, default scopes and extra
// authorization parameters of a provider together with its optional
// collaborators: a ProfileProvider that turns a currently valid access token
// into the user's profile and group memberships, and an IDTokenVerifier.
//
// Presets are provided in subpackages:
//   - providers/oidc: generic OIDC discovery, userinfo, and ID token verification
//   - providers/dex: Dex (groups claim, connector_id)
//   - providers/github: GitHub (organizations as groups)
//   - providers/google: Google (offline access, hosted domain)
//   - providers/mock: Mock profile provider for testing
//
// Example usage:
//
//	authority, err := dex.NewAuthority(ctx, &dex.Config{
//	    IssuerURL: "https://dex.example.com",
//	    ClientID:  "tokensync",
//	})
//	if err != nil {
//	    return err
//	}
//	info, err := authority.Profile.FetchProfile(ctx, creds.AccessToken, creds.Scopes)
package providers
