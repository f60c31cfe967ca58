// Package tokens resolves amoCRM access tokens from the token service, with a
// Redis cache in front.
package tokens

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/metrics"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

const (
	DefaultQueue    = "tokens_get_user"
	DefaultCacheTTL = 10 * time.Minute
	DefaultTimeout  = 30 * time.Second
)

// Cache is the key/value store tokens are cached in.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
}

// Caller performs a request/reply round trip.
type Caller interface {
	Call(ctx context.Context, routingKey string, request any, timeout time.Duration) ([]byte, error)
}

type Config struct {
	ClientID string
	Queue    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type Provider struct {
	cache  Cache
	rpc    Caller
	config Config
	logger ectologger.Logger
}

func NewProvider(cache Cache, rpc Caller, config Config, logger ectologger.Logger) *Provider {
	if config.Queue == "" {
		config.Queue = DefaultQueue
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	return &Provider{
		cache:  cache,
		rpc:    rpc,
		config: config,
		logger: logger,
	}
}

func cacheKey(subdomain string) string {
	return "auth:token:" + subdomain
}

// AccessToken returns the tenant's access token. Cache failures are logged and the
// token service is asked instead.
func (p *Provider) AccessToken(ctx context.Context, subdomain string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "tokens.Provider.AccessToken")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"method":    "AccessToken",
		"subdomain": subdomain,
	})

	key := cacheKey(subdomain)
	if p.cache != nil {
		token, found, err := p.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.TokenLookups.WithLabelValues("cache_error").Inc()
			log.WithError(err).Warn("Token cache unavailable")
		case found && token != "":
			metrics.TokenLookups.WithLabelValues("cache_hit").Inc()
			return token, nil
		}
	}

	raw, err := p.rpc.Call(ctx, p.config.Queue, models.TokenRequest{
		ClientID:  p.config.ClientID,
		Subdomain: subdomain,
	}, p.config.Timeout)
	if err != nil {
		metrics.TokenLookups.WithLabelValues("rpc_error").Inc()
		return "", dcerrors.NewTokenError("failed to get token", err)
	}

	var reply models.TokenReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		metrics.TokenLookups.WithLabelValues("invalid").Inc()
		return "", dcerrors.NewTokenError("malformed token reply", err)
	}
	if reply.AccessToken == "" || reply.RefreshToken == "" {
		metrics.TokenLookups.WithLabelValues("invalid").Inc()
		return "", dcerrors.NewTokenError("token reply is missing tokens", nil)
	}
	metrics.TokenLookups.WithLabelValues("rpc").Inc()

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, reply.AccessToken, p.config.CacheTTL); err != nil {
			log.WithError(err).Warn("Failed to cache token")
		}
	}

	log.Debug("Token fetched from token service")
	return reply.AccessToken, nil
}
