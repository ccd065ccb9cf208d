// Package google provides a Google OAuth 2.0 authority preset.
//
// Endpoints, the userinfo endpoint and the revocation endpoint are
// discovered from https://accounts.google.com. The preset requests offline
// access so that Google issues refresh tokens, and can restrict sign-in to
// a Workspace domain.
//
// Google authorities default to the "openid", "email", and "profile"
// scopes. Additional scopes can be requested for access to Google APIs
// like Gmail, Drive, Calendar, etc.
//
// Example usage:
//
//	authority, err := google.NewAuthority(ctx, &google.Config{
//	    ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
//	    Scopes: []string{
//	        "openid", "email", "profile",
//	        "https://www.googleapis.com/auth/gmail.readonly",
//	    },
//	})
package google
