package terminology

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/auth"
)

// Endpoint is one remote terminology server. The resolver guards every
// endpoint with its own circuit breaker keyed by the server id.
type Endpoint interface {
	ID() string
	ValidateCode(ctx context.Context, system, code string) (RemoteResult, error)
}

// EndpointFactory builds an Endpoint from a configured server entry.
type EndpointFactory func(srv validation.TerminologyServer) (Endpoint, error)

// FactoryConfig holds the shared dependencies endpoints are built from.
type FactoryConfig struct {
	Pool       *pgxpool.Pool
	HTTPClient *http.Client
	RateLimit  rate.Limit
	RateBurst  int
}

// NewEndpointFactory returns the factory used in production. Database
// endpoints require a pool; authenticated HTTP endpoints load their signing
// key once at construction.
func NewEndpointFactory(cfg FactoryConfig) EndpointFactory {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	return func(srv validation.TerminologyServer) (Endpoint, error) {
		switch srv.Kind {
		case validation.ServerKindDatabase:
			if cfg.Pool == nil {
				return nil, fmt.Errorf("terminology server %s: database endpoint requires DATABASE_URL", srv.ID)
			}
			return NewDBEndpoint(srv.ID, cfg.Pool), nil
		case validation.ServerKindHTTP, "":
			client := cfg.HTTPClient
			if srv.Auth != nil {
				key, err := auth.LoadPrivateKey(srv.Auth.KeyFile)
				if err != nil {
					return nil, fmt.Errorf("terminology server %s: %w", srv.ID, err)
				}
				source := auth.NewTokenSource(auth.ClientCredentialsConfig{
					TokenURL: srv.Auth.TokenURL,
					ClientID: srv.Auth.ClientID,
					KeyID:    srv.Auth.KeyID,
					Scope:    srv.Auth.Scope,
					Key:      key,
				}, cfg.HTTPClient)
				client = &http.Client{
					Timeout:   cfg.HTTPClient.Timeout,
					Transport: &auth.Transport{Source: source, Base: cfg.HTTPClient.Transport},
				}
			}
			return NewHTTPEndpoint(srv.ID, srv.URL, client, rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)), nil
		}
		return nil, fmt.Errorf("terminology server %s: unsupported kind %q", srv.ID, srv.Kind)
	}
}

// endpointSignature changes whenever a server entry is edited so the
// resolver rebuilds the endpoint.
func endpointSignature(srv validation.TerminologyServer) string {
	sig := srv.ID + "|" + srv.Kind + "|" + srv.URL
	if a := srv.Auth; a != nil {
		sig += "|" + a.TokenURL + "|" + a.ClientID + "|" + a.KeyFile + "|" + a.KeyID + "|" + a.Scope
	}
	return sig
}
