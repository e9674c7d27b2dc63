package resolver

import (
	"errors"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/livedata/internal/model"
)

// ErrEmptySpec is returned for a specification without identifiers.
var ErrEmptySpec = errors.New("specification has no identifiers")

// DistributionResolver maps a fully qualified specification to the target
// its ticks are published on.
type DistributionResolver interface {
	Resolve(fq model.LiveDataSpec) (model.DistributionSpec, error)
}

// NaiveResolver publishes on an address equal to the specification string.
type NaiveResolver struct{}

func (NaiveResolver) Resolve(fq model.LiveDataSpec) (model.DistributionSpec, error) {
	ids := fq.IDs()
	if len(ids) == 0 {
		return model.DistributionSpec{}, ErrEmptySpec
	}
	return model.DistributionSpec{
		MarketDataID: ids[0],
		RuleSetID:    fq.RuleSetID(),
		Address:      fq.String(),
	}, nil
}

// TopicResolver builds topic names of the form
// <prefix>.<scheme>.<value>[.<rule set>], with characters outside
// [A-Za-z0-9_-] in each segment replaced by '_'.
type TopicResolver struct {
	Prefix string
}

func (r TopicResolver) Resolve(fq model.LiveDataSpec) (model.DistributionSpec, error) {
	ids := fq.IDs()
	if len(ids) == 0 {
		return model.DistributionSpec{}, ErrEmptySpec
	}
	id := ids[0]

	segments := make([]string, 0, 4)
	if r.Prefix != "" {
		segments = append(segments, r.Prefix)
	}
	segments = append(segments, sanitize(id.Scheme), sanitize(id.Value))
	if fq.RuleSetID() != "" {
		segments = append(segments, sanitize(fq.RuleSetID()))
	}

	return model.DistributionSpec{
		MarketDataID: id,
		RuleSetID:    fq.RuleSetID(),
		Address:      strings.Join(segments, "."),
	}, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// CachingResolver memoizes another DistributionResolver in a bounded LRU.
// Entries never expire; errors are not cached.
type CachingResolver struct {
	next  DistributionResolver
	cache *lru.Cache[string, model.DistributionSpec]

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats contains cache counters.
type CacheStats struct {
	Size   int
	Hits   int64
	Misses int64
}

// NewCachingResolver wraps next with a cache holding at most size entries.
func NewCachingResolver(next DistributionResolver, size int) (*CachingResolver, error) {
	cache, err := lru.New[string, model.DistributionSpec](size)
	if err != nil {
		return nil, err
	}
	return &CachingResolver{next: next, cache: cache}, nil
}

func (r *CachingResolver) Resolve(fq model.LiveDataSpec) (model.DistributionSpec, error) {
	key := fq.Key()
	if ds, ok := r.cache.Get(key); ok {
		r.hits.Add(1)
		return ds, nil
	}
	r.misses.Add(1)

	ds, err := r.next.Resolve(fq)
	if err != nil {
		return model.DistributionSpec{}, err
	}
	r.cache.Add(key, ds)
	return ds, nil
}

// Stats returns cache counters.
func (r *CachingResolver) Stats() CacheStats {
	return CacheStats{
		Size:   r.cache.Len(),
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
	}
}
