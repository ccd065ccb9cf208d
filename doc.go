// Package tokensync manages the lifecycle of OAuth2/OIDC credentials for a
// client and keeps session state coherent across every context that shares
// its storage and message bus.
//
// A Client wires four components:
//
//   - credstore caches credential triples, encrypted at rest, and migrates
//     legacy plaintext entries on read.
//   - refresh deduplicates renewals per account and scope set, owns every
//     token endpoint call and schedules background refreshes.
//   - flows runs interactive acquisition as a popup or a full redirect.
//   - sessionsync persists the session record and broadcasts lifecycle
//     events to sibling contexts.
//
// Basic usage:
//
//	authority, err := dex.NewAuthority(ctx, &dex.Config{
//		IssuerURL: "https://dex.example.com",
//		ClientID:  "my-cli",
//	})
//	if err != nil {
//		return err
//	}
//
//	store, err := file.New(dir)
//	if err != nil {
//		return err
//	}
//
//	browser := &loopback.Browser{}
//	client, err := tokensync.New(ctx, tokensync.Config{
//		ClientID:    "my-cli",
//		Authority:   authority,
//		RedirectURL: browser.RedirectURL(),
//		Persistence: tokensync.PersistenceConfig{Durable: store},
//		Flows:       tokensync.FlowConfig{Opener: browser},
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	creds, err := client.LoginSilent(ctx, credential.Request{})
//	if tokensync.InteractionRequired(err) {
//		creds, err = client.Login(ctx, tokensync.LoginOptions{ResponseMode: "query"})
//	}
package tokensync
