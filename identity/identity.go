// Package identity resolves human-readable document names to stable
// canonical ids, creating the identity on first use.
//
// Concurrent resolutions of one unseen name inside the process share a single
// store round-trip. Across processes the store's uniqueness constraint on
// human_id decides the winner; the loser re-reads the row it lost to.
// Resolved mappings never change, so they are cached.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultName is substituted for an empty document name.
const DefaultName = "default-doc"

var (
	ErrNotFound         = errors.New("identity: not found")
	ErrDuplicate        = errors.New("identity: human id already exists")
	ErrStoreUnavailable = errors.New("identity: store unavailable")
)

// Options configures a Resolver.
type Options struct {
	// CacheSize bounds the name → canonical id cache. Default: 4096.
	CacheSize int
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = 4096
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Resolver maps document names to canonical ids.
type Resolver struct {
	store  Store
	cache  *lru.Cache[string, string]
	flight singleflight.Group
	log    *slog.Logger
}

// NewResolver returns a Resolver over store.
func NewResolver(store Store, opts Options) (*Resolver, error) {
	opts.defaults()
	cache, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity: cache: %w", err)
	}
	return &Resolver{store: store, cache: cache, log: opts.Logger}, nil
}

// Normalize returns the lookup key for a client-supplied name.
func Normalize(name string) string {
	if name == "" {
		return DefaultName
	}
	return name
}

// Resolve returns the canonical id for name, creating the identity when the
// name has never been seen. Infrastructure failures return an error wrapping
// ErrStoreUnavailable; a duplicate-key race is recovered and never returned.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	name = Normalize(name)
	if id, ok := r.cache.Get(name); ok {
		return id, nil
	}

	// The shared flight must not die with the first caller's context.
	ch := r.flight.DoChan(name, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), name)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Resolver) resolve(ctx context.Context, name string) (string, error) {
	idn, err := r.store.FindByHumanID(ctx, name)
	if err == nil {
		r.cache.Add(name, idn.CanonicalID)
		return idn.CanonicalID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	idn, err = r.store.Create(ctx, name, name)
	switch {
	case err == nil:
		r.log.Info("identity: created", "name", name, "canonical_id", idn.CanonicalID)
	case errors.Is(err, ErrDuplicate):
		r.log.Debug("identity: lost creation race, re-reading", "name", name)
		idn, err = r.store.FindByHumanID(ctx, name)
		if err != nil {
			return "", fmt.Errorf("%w: re-read after duplicate: %w", ErrStoreUnavailable, err)
		}
	default:
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	r.cache.Add(name, idn.CanonicalID)
	return idn.CanonicalID, nil
}

// Lookup returns the identity for name without creating it. It returns
// ErrNotFound when the name has never been resolved.
func (r *Resolver) Lookup(ctx context.Context, name string) (Identity, error) {
	name = Normalize(name)
	idn, err := r.store.FindByHumanID(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, err
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	r.cache.Add(name, idn.CanonicalID)
	return idn, nil
}

// Cached reports how many names are cached.
func (r *Resolver) Cached() int {
	return r.cache.Len()
}
