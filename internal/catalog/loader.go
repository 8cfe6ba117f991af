// Package catalog fetches a map's layers and groups, optionally through a
// Redis cache shared by sidebar instances.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/map-sidebar/internal/cache"
	"github.com/mohammed-shakir/map-sidebar/internal/cache/keys"
	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/core/observability"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

// Catalog is the ordered layer and group lists of one map, nil entries removed.
type Catalog struct {
	Layers []model.Layer `json:"layers"`
	Groups []model.Group `json:"groups"`
}

type Options struct {
	MapID  string
	Cache  cache.Interface
	TTL    time.Duration
	Logger *slog.Logger
}

type Loader struct {
	src   mapservice.LayerSource
	cache cache.Interface
	mapID string
	ttl   time.Duration
	log   *slog.Logger
}

func NewLoader(src mapservice.LayerSource, opts Options) *Loader {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	return &Loader{
		src:   src,
		cache: opts.Cache,
		mapID: opts.MapID,
		ttl:   opts.TTL,
		log:   opts.Logger.With("component", "catalog"),
	}
}

// Load returns the catalog from cache when present, otherwise from the map
// service. Cache failures fall back to the map service.
func (l *Loader) Load(ctx context.Context) (Catalog, error) {
	if l.cache != nil {
		if c, ok := l.cached(ctx); ok {
			return c, nil
		}
	}
	c, err := l.Fetch(ctx)
	if err != nil {
		return Catalog{}, err
	}
	if l.cache != nil {
		l.store(ctx, c)
	}
	return c, nil
}

// Fetch reads layers and groups from the map service concurrently.
func (l *Loader) Fetch(ctx context.Context) (Catalog, error) {
	var layers []*model.Layer
	var groups []*model.Group

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if layers, err = l.src.Layers(gctx); err != nil {
			return fmt.Errorf("fetch layers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if groups, err = l.src.LayerGroups(gctx); err != nil {
			return fmt.Errorf("fetch layer groups: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Catalog{}, err
	}
	return Catalog{
		Layers: model.CompactLayers(layers),
		Groups: model.CompactGroups(groups),
	}, nil
}

// Invalidate drops the cached catalog so the next Load hits the map service.
func (l *Loader) Invalidate(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}
	if err := l.cache.Del(ctx, keys.CatalogKeys(l.mapID)...); err != nil {
		return fmt.Errorf("invalidate catalog %q: %w", l.mapID, err)
	}
	return nil
}

func (l *Loader) cached(ctx context.Context) (Catalog, bool) {
	layersKey := keys.Catalog(l.mapID, keys.PartLayers)
	groupsKey := keys.Catalog(l.mapID, keys.PartGroups)

	got, err := l.cache.MGet(ctx, []string{layersKey, groupsKey})
	if err != nil {
		observability.IncCatalogCache("error")
		l.log.Warn("catalog cache read failed", "map_id", l.mapID, "err", err)
		return Catalog{}, false
	}
	rawLayers, okL := got[layersKey]
	rawGroups, okG := got[groupsKey]
	if !okL || !okG {
		observability.IncCatalogCache("miss")
		return Catalog{}, false
	}

	var c Catalog
	if err := json.Unmarshal(rawLayers, &c.Layers); err != nil {
		observability.IncCatalogCache("error")
		l.log.Warn("corrupt cached layers", "map_id", l.mapID, "err", err)
		return Catalog{}, false
	}
	if err := json.Unmarshal(rawGroups, &c.Groups); err != nil {
		observability.IncCatalogCache("error")
		l.log.Warn("corrupt cached groups", "map_id", l.mapID, "err", err)
		return Catalog{}, false
	}
	observability.IncCatalogCache("hit")
	return c, true
}

func (l *Loader) store(ctx context.Context, c Catalog) {
	rawLayers, err := json.Marshal(c.Layers)
	if err != nil {
		l.log.Error("encode layers for cache", "err", err)
		return
	}
	rawGroups, err := json.Marshal(c.Groups)
	if err != nil {
		l.log.Error("encode groups for cache", "err", err)
		return
	}
	kv := map[string][]byte{
		keys.Catalog(l.mapID, keys.PartLayers): rawLayers,
		keys.Catalog(l.mapID, keys.PartGroups): rawGroups,
	}
	if err := l.cache.MSetWithTTL(ctx, kv, l.ttl); err != nil {
		l.log.Warn("catalog cache write failed", "map_id", l.mapID, "err", err)
	}
}
