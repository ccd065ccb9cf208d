// Package oidc provides the OpenID Connect pieces of the token lifecycle:
// discovery of provider endpoints, a userinfo profile provider, and ID token
// signature verification.
//
// # Security Features
//
//   - SSRF protection for issuer URLs (blocks private IPs, localhost, link-local)
//   - HTTPS enforcement for all discovered endpoints
//   - Groups claim size limits
//   - Discovery document caching with TTL
//
// # Example Usage
//
//	client := oidc.NewDiscoveryClient(nil, time.Hour, logger)
//	doc, err := client.Discover(ctx, "https://dex.example.com")
//	if err != nil {
//	    return err
//	}
//
//	verifier := oidc.NewIDTokenVerifier(ctx, doc, clientID, nil)
//	profile, err := oidc.NewUserInfoProvider(oidc.UserInfoConfig{
//	    Endpoint:           doc.UserInfoEndpoint,
//	    RevocationEndpoint: doc.RevocationEndpoint,
//	    ClientID:           clientID,
//	})
package oidc
