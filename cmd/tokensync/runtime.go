package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/tokensync"
	"github.com/giantswarm/tokensync/bus"
	busvalkey "github.com/giantswarm/tokensync/bus/valkey"
	"github.com/giantswarm/tokensync/bus/websocket"
	"github.com/giantswarm/tokensync/flows/loopback"
	"github.com/giantswarm/tokensync/internal/config"
	"github.com/giantswarm/tokensync/providers"
	"github.com/giantswarm/tokensync/providers/dex"
	"github.com/giantswarm/tokensync/providers/github"
	"github.com/giantswarm/tokensync/providers/google"
	"github.com/giantswarm/tokensync/providers/oidc"
	"github.com/giantswarm/tokensync/security"
	"github.com/giantswarm/tokensync/storage"
	"github.com/giantswarm/tokensync/storage/file"
	"github.com/giantswarm/tokensync/storage/memory"
	"github.com/giantswarm/tokensync/storage/postgres"
	storevalkey "github.com/giantswarm/tokensync/storage/valkey"
)

const (
	connectTimeout = 10 * time.Second

	// browserLoginTimeout bounds how long a login waits for the user.
	browserLoginTimeout = 5 * time.Minute
)

// runtime is a built client with the resources it depends on.
type runtime struct {
	client  *tokensync.Client
	browser *loopback.Browser
	closers []func()
}

// Close releases the client before the stores and buses it uses.
func (r *runtime) Close() {
	if r.client != nil {
		_ = r.client.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{
		browser: &loopback.Browser{Port: cfg.CallbackPort, Logger: logger},
	}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	authority, err := buildAuthority(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	kv, valkeyClient, err := rt.openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	b, err := rt.openBus(ctx, cfg, valkeyClient, logger)
	if err != nil {
		return nil, err
	}

	keys, err := keyProvider(cfg)
	if err != nil {
		return nil, err
	}

	persistence := tokensync.PersistenceConfig{
		Mode:    tokensync.PersistenceDurable,
		Durable: kv,
		Prefix:  cfg.Storage.Prefix,
	}
	if cfg.Storage.Backend == config.StorageMemory {
		persistence = tokensync.PersistenceConfig{Mode: tokensync.PersistenceMemory, Tab: kv}
	}

	client, err := tokensync.New(ctx, tokensync.Config{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		Authority:     authority,
		AuthURL:       cfg.AuthURL,
		TokenURL:      cfg.TokenURL,
		RedirectURL:   rt.browser.RedirectURL(),
		Scopes:        cfg.Scopes,
		AccountID:     cfg.AccountID,
		RefreshBuffer: cfg.RefreshBuffer,
		Persistence:   persistence,
		Session: tokensync.SessionConfig{
			Timeout:        cfg.Session.Timeout,
			OriginDomain:   cfg.Session.OriginDomain,
			AllowedDomains: cfg.Session.AllowedDomains,
		},
		Flows: tokensync.FlowConfig{
			Opener:       rt.browser,
			Navigator:    rt.browser,
			PopupTimeout: browserLoginTimeout,
		},
		Security: tokensync.SecurityConfig{
			KeyProvider:        keys,
			VerifySignatures:   cfg.VerifySignatures,
			EnableAuditLogging: true,
		},
		Bus:    b,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	rt.client = client
	ok = true
	return rt, nil
}

// buildAuthority resolves the configured provider. The oauth2 provider
// returns nil so the client uses the explicit endpoints.
func buildAuthority(ctx context.Context, cfg config.Config, logger *slog.Logger) (*providers.Authority, error) {
	switch cfg.Provider {
	case config.ProviderOIDC:
		return oidc.NewAuthority(ctx, oidc.AuthorityConfig{
			IssuerURL:        cfg.Issuer,
			ClientID:         cfg.ClientID,
			ClientSecret:     cfg.ClientSecret,
			Scopes:           cfg.Scopes,
			VerifySignatures: cfg.VerifySignatures,
			Logger:           logger,
		})
	case config.ProviderDex:
		return dex.NewAuthority(ctx, &dex.Config{
			IssuerURL:        cfg.Issuer,
			ClientID:         cfg.ClientID,
			ClientSecret:     cfg.ClientSecret,
			ConnectorID:      cfg.ConnectorID,
			Scopes:           cfg.Scopes,
			VerifySignatures: cfg.VerifySignatures,
			Logger:           logger,
		})
	case config.ProviderGoogle:
		return google.NewAuthority(ctx, &google.Config{
			ClientID:         cfg.ClientID,
			ClientSecret:     cfg.ClientSecret,
			Scopes:           cfg.Scopes,
			HostedDomain:     cfg.HostedDomain,
			VerifySignatures: cfg.VerifySignatures,
			Logger:           logger,
		})
	case config.ProviderGitHub:
		return github.NewAuthority(&github.Config{
			ClientID:             cfg.ClientID,
			ClientSecret:         cfg.ClientSecret,
			Scopes:               cfg.Scopes,
			AllowedOrganizations: cfg.AllowedOrganizations,
		})
	case config.ProviderOAuth2:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// openStore opens the configured backend. The Valkey client is returned so
// a Valkey bus can share the connection.
func (r *runtime) openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.KV, valkeygo.Client, error) {
	switch cfg.Storage.Backend {
	case config.StorageFile:
		st, err := file.New(cfg.Storage.Dir)
		if err != nil {
			return nil, nil, err
		}
		st.SetLogger(logger)
		return st, nil, nil

	case config.StorageMemory:
		st := memory.New()
		st.SetLogger(logger)
		r.closers = append(r.closers, st.Stop)
		return st, nil, nil

	case config.StorageValkey:
		st, err := storevalkey.New(storevalkey.Config{
			Address:   cfg.Storage.ValkeyAddress,
			Password:  cfg.Storage.ValkeyPassword,
			DB:        cfg.Storage.ValkeyDB,
			KeyPrefix: cfg.Storage.Prefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		r.closers = append(r.closers, st.Close)
		return st, st.Client(), nil

	case config.StoragePostgres:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		st, pool, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		r.closers = append(r.closers, pool.Close)
		return st, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openBus returns nil when the client should pick a bus from its storage.
func (r *runtime) openBus(ctx context.Context, cfg config.Config, shared valkeygo.Client, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Backend {
	case "":
		return nil, nil

	case config.BusNone:
		return bus.Noop{}, nil

	case config.BusValkey:
		client := shared
		if client == nil || (cfg.Bus.ValkeyAddress != "" && cfg.Bus.ValkeyAddress != cfg.Storage.ValkeyAddress) {
			addr := cfg.Bus.ValkeyAddress
			if addr == "" {
				addr = cfg.Storage.ValkeyAddress
			}
			c, err := valkeygo.NewClient(valkeygo.ClientOption{
				InitAddress: []string{addr},
				Password:    cfg.Storage.ValkeyPassword,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create valkey bus client: %w", err)
			}
			r.closers = append(r.closers, c.Close)
			client = c
		}
		b := busvalkey.New(client, cfg.Bus.Prefix, logger)
		r.closers = append(r.closers, func() { _ = b.Close() })
		return b, nil

	case config.BusWebSocket:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		conn, err := websocket.Dial(ctx, cfg.Bus.URL, websocket.DialOptions{Logger: logger})
		if err != nil {
			// The client falls back to storage events on ErrUnavailable.
			logger.Warn("Relay unreachable", "url", cfg.Bus.URL, "error", err)
			return unavailableBus{err: err}, nil
		}
		r.closers = append(r.closers, func() { _ = conn.Close() })
		return conn, nil

	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
}

// unavailableBus reports a bus that could not be reached so the client
// selects its fallback.
type unavailableBus struct{ err error }

func (u unavailableBus) Publish(context.Context, bus.Message) error { return u.err }
func (u unavailableBus) Subscribe(bus.Handler) (func(), error)      { return nil, u.err }
func (u unavailableBus) Close() error                               { return nil }

func keyProvider(cfg config.Config) (security.KeyProvider, error) {
	if cfg.EncryptionKey == "" {
		return nil, nil
	}
	keys, err := security.NewStaticKeyProviderFromBase64(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return keys, nil
}
