// Package citation resolves citation display URLs and previews cited pages.
package citation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultResolveTimeout = 15 * time.Second

// Target is a resolved citation.
type Target struct {
	CitationID string
	URL        string
}

// URLSource resolves one citation on the service.
type URLSource interface {
	CitationURL(ctx context.Context, token, projectID, messageID, citationID string) (string, error)
}

// TokenSource yields the current session token.
type TokenSource interface {
	Token() string
}

// Config wires a Resolver.
type Config struct {
	Client  URLSource
	Tokens  TokenSource
	Timeout time.Duration
	Logger  *zap.Logger
}

// Resolver caches resolved citations by id and collapses concurrent lookups
// of the same id into one request. Failures are never cached.
type Resolver struct {
	client  URLSource
	tokens  TokenSource
	timeout time.Duration
	log     *zap.Logger

	cache *gocache.Cache
	group singleflight.Group
	gen   atomic.Uint64
}

// NewResolver builds an empty Resolver.
func NewResolver(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	return &Resolver{
		client:  cfg.Client,
		tokens:  cfg.Tokens,
		timeout: timeout,
		log:     logger.Named("citation"),
		cache:   gocache.New(gocache.NoExpiration, 0),
	}
}

// Resolve returns the target of citationID. Callers that give up via ctx do
// not cancel the shared request for the others.
func (r *Resolver) Resolve(ctx context.Context, projectID, messageID, citationID string) (Target, error) {
	if citationID == "" {
		return Target{}, fmt.Errorf("resolve citation: empty id")
	}
	if cached, ok := r.cache.Get(citationID); ok {
		return cached.(Target), nil
	}

	gen := r.gen.Load()
	token := r.token()
	key := fmt.Sprintf("%d/%s", gen, citationID)
	ch := r.group.DoChan(key, func() (any, error) {
		if cached, ok := r.cache.Get(citationID); ok {
			return cached, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		url, err := r.client.CitationURL(fetchCtx, token, projectID, messageID, citationID)
		if err != nil {
			r.log.Debug("resolve failed", zap.String("citation_id", citationID), zap.Error(err))
			return nil, err
		}
		target := Target{CitationID: citationID, URL: url}
		// A Reset while the request was in flight belongs to another session.
		if r.gen.Load() == gen {
			r.cache.Set(citationID, target, gocache.NoExpiration)
		}
		return target, nil
	})

	select {
	case <-ctx.Done():
		return Target{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Target{}, res.Err
		}
		return res.Val.(Target), nil
	}
}

// Cached reports a resolved target without touching the network.
func (r *Resolver) Cached(citationID string) (Target, bool) {
	cached, ok := r.cache.Get(citationID)
	if !ok {
		return Target{}, false
	}
	return cached.(Target), true
}

// Reset drops every cached target. Used on sign out.
func (r *Resolver) Reset() {
	r.gen.Add(1)
	r.cache.Flush()
}

func (r *Resolver) token() string {
	if r.tokens == nil {
		return ""
	}
	return r.tokens.Token()
}
