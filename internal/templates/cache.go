package templates

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
)

// Source loads the active template for a notification type and channel.
type Source interface {
	GetActiveTemplate(ctx context.Context, notifType, channel string) (*db.Template, error)
}

// CachedProvider memoizes templates for a short TTL. Lookups that fail are
// never cached, so a template added or re-enabled by an operator is picked
// up on the next call.
type CachedProvider struct {
	source Source
	cache  *cache.Cache
	logger *zap.Logger
}

// NewCachedProvider wraps source with a TTL cache.
func NewCachedProvider(source Source, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedProvider{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger,
	}
}

func (p *CachedProvider) GetActiveTemplate(ctx context.Context, notifType, channel string) (*db.Template, error) {
	key := notifType + "/" + channel
	if v, ok := p.cache.Get(key); ok {
		return v.(*db.Template), nil
	}

	t, err := p.source.GetActiveTemplate(ctx, notifType, channel)
	if err != nil {
		return nil, err
	}

	p.cache.SetDefault(key, t)
	p.logger.Debug("template cached", zap.String("template_code", t.Code))
	return t, nil
}

// Invalidate drops every cached template.
func (p *CachedProvider) Invalidate() {
	p.cache.Flush()
}
