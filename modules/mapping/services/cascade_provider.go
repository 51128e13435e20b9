package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/lahari-sy/finmap/modules/mapping/domain/cascade"
	"github.com/lahari-sy/finmap/modules/mapping/domain/dataset"
)

var tracer = otel.Tracer("github.com/lahari-sy/finmap/modules/mapping/services")

// Epoch is a shared invalidation counter. Bumping it changes every
// process's version tokens.
type Epoch interface {
	Current(ctx context.Context) (string, error)
	Bump(ctx context.Context) error
}

type CascadeProviderOptions struct {
	Reader StoreReader
	Probe  FreshnessProbe
	Cache  *CascadeCache
	// Epoch is optional.
	Epoch  Epoch
	TTL    time.Duration
	Now    func() time.Time
	Logger *logrus.Entry
}

// CascadeProvider serves hierarchy trees, computing the version token from
// the store before every lookup.
type CascadeProvider struct {
	defs *dataset.Definitions
	opts CascadeProviderOptions
}

func NewCascadeProvider(defs *dataset.Definitions, opts CascadeProviderOptions) *CascadeProvider {
	if opts.TTL <= 0 {
		opts.TTL = defaultCascadeTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrusNop()
	}
	if opts.Cache == nil {
		opts.Cache = NewCascadeCache(CascadeCacheOptions{TTL: opts.TTL, Now: opts.Now, Logger: opts.Logger})
	}
	return &CascadeProvider{defs: defs, opts: opts}
}

// Tree returns the current tree of the named hierarchy.
func (p *CascadeProvider) Tree(ctx context.Context, name string) (*cascade.Tree, error) {
	h, ok := p.defs.Hierarchy(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHierarchy, name)
	}
	token := p.Token(ctx, h)
	return p.opts.Cache.Get(ctx, h.Name, token, func(ctx context.Context) (*cascade.Tree, error) {
		columns := append([]string(nil), h.Levels...)
		if h.Key != "" {
			columns = append(columns, h.Key)
		}
		rows, err := p.opts.Reader.Select(ctx, h.Table, columns)
		if err != nil {
			return nil, storeError("select", h.Table, err)
		}
		if h.Key != "" {
			return cascade.BuildIndexed(rows, h.Levels, h.Key), nil
		}
		return cascade.Build(rows, h.Levels), nil
	})
}

// Trees loads several hierarchies concurrently. Empty names are skipped.
func (p *CascadeProvider) Trees(ctx context.Context, names ...string) (map[string]*cascade.Tree, error) {
	out := make(map[string]*cascade.Tree, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == "" {
			continue
		}
		g.Go(func() error {
			tree, err := p.Tree(gctx, name)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = tree
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Token derives the version token of a hierarchy. When the probe fails the
// token falls back to the start of the current TTL window, which bounds
// rebuilds to one per window.
func (p *CascadeProvider) Token(ctx context.Context, h *dataset.Hierarchy) string {
	token, err := p.opts.Probe.Watermark(ctx, h.Table)
	if err != nil || token == "" {
		if err != nil {
			p.opts.Logger.WithError(err).WithField("table", h.Table).Warn("mapping: watermark probe failed")
		}
		token = "fresh_" + p.opts.Now().UTC().Truncate(p.opts.TTL).Format(time.RFC3339)
	}
	if p.opts.Epoch != nil {
		epoch, err := p.opts.Epoch.Current(ctx)
		if err != nil {
			p.opts.Logger.WithError(err).Warn("mapping: cascade epoch unavailable")
		} else if epoch != "" {
			token += "@" + epoch
		}
	}
	return token
}

// Invalidate clears every cached tree locally and, when configured, bumps
// the shared epoch so other processes rebuild too.
func (p *CascadeProvider) Invalidate(ctx context.Context) {
	p.opts.Cache.Invalidate()
	if p.opts.Epoch == nil {
		return
	}
	if err := p.opts.Epoch.Bump(ctx); err != nil {
		p.opts.Logger.WithError(err).Warn("mapping: cascade epoch bump failed")
	}
}

func (p *CascadeProvider) Definitions() *dataset.Definitions {
	return p.defs
}
