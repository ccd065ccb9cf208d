// Package dex provides a Dex (https://dexidp.io/) authority preset.
//
// Dex is an identity service that uses OpenID Connect to drive
// authentication for other apps. It acts as a portal to other identity
// providers through "connectors" like LDAP, SAML, GitHub, GitLab, Google,
// etc.
//
// # Features
//
// On top of generic OIDC discovery the preset adds:
//
//   - connector_id Support: Bypass Dex's connector selection UI by specifying a connector
//   - Groups Claim: The 'groups' scope is requested by default and surfaced in profiles
//   - Refresh Tokens: 'offline_access' is requested by default; Dex rotates refresh tokens
//
// # Example Usage
//
//	authority, err := dex.NewAuthority(ctx, &dex.Config{
//	    IssuerURL:   "https://dex.example.com",
//	    ClientID:    "tokensync",
//	    ConnectorID: "github", // Optional: skip connector selection
//	})
//	if err != nil {
//	    return err
//	}
//
//	client, err := tokensync.New(ctx, tokensync.Config{
//	    ClientID:  "tokensync",
//	    Authority: authority,
//	})
package dex
