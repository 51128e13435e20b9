package services

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/lahari-sy/finmap/modules/mapping/domain/cascade"
)

const defaultCascadeTTL = time.Hour

// CascadeLoader builds a tree from the backing rows. It is only called when
// the cache cannot serve the requested token.
type CascadeLoader func(ctx context.Context) (*cascade.Tree, error)

type CascadeCacheOptions struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *logrus.Entry
}

func (o *CascadeCacheOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = defaultCascadeTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
}

type cascadeEntry struct {
	token   string
	tree    *cascade.Tree
	builtAt time.Time
}

// CascadeCache memoizes cascade trees per source and version token.
//
// Readers share an RWMutex. Rebuilds for the same (source, token) are
// collapsed with singleflight, so a token transition triggers at most one
// rebuild while concurrent callers wait for it.
type CascadeCache struct {
	opts CascadeCacheOptions

	mu         sync.RWMutex
	entries    map[string]*cascadeEntry
	generation uint64

	flight singleflight.Group
	builds int64
}

func NewCascadeCache(opts CascadeCacheOptions) *CascadeCache {
	opts.setDefaults()
	return &CascadeCache{
		opts:    opts,
		entries: make(map[string]*cascadeEntry),
	}
}

// Get returns the tree for source at token, calling load only when no fresh
// entry exists for that token.
func (c *CascadeCache) Get(ctx context.Context, source, token string, load CascadeLoader) (*cascade.Tree, error) {
	tree, result := c.lookup(source, token)
	recordCascadeLookup(source, result)
	if tree != nil {
		return tree, nil
	}

	// the build is shared by the flight; callers only stop waiting on it
	buildCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(source+"\x00"+token, func() (any, error) {
		if tree, _ := c.lookup(source, token); tree != nil {
			return tree, nil
		}
		return c.rebuild(buildCtx, source, token, load)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*cascade.Tree), nil
	}
}

func (c *CascadeCache) lookup(source, token string) (*cascade.Tree, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[source]
	if !ok || e.token != token {
		return nil, "miss"
	}
	if c.opts.Now().Sub(e.builtAt) >= c.opts.TTL {
		return nil, "expired"
	}
	return e.tree, "hit"
}

func (c *CascadeCache) rebuild(ctx context.Context, source, token string, load CascadeLoader) (*cascade.Tree, error) {
	ctx, span := tracer.Start(ctx, "mapping.cascade.rebuild", trace.WithAttributes(
		attribute.String("cascade.source", source),
		attribute.String("cascade.token", token),
	))
	defer span.End()

	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	m := metricsSingleton()
	start := time.Now()
	tree, err := load(ctx)
	m.rebuildLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
	if err != nil {
		m.cascadeRebuilds.WithLabelValues(source, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.opts.Logger.WithError(err).WithField("source", source).Warn("mapping: cascade rebuild failed")
		return nil, err
	}
	m.cascadeRebuilds.WithLabelValues(source, "ok").Inc()

	c.mu.Lock()
	c.builds++
	// an Invalidate during the build means the rows may predate a write
	if c.generation == gen {
		c.entries[source] = &cascadeEntry{token: token, tree: tree, builtAt: c.opts.Now()}
	}
	c.mu.Unlock()

	c.opts.Logger.WithFields(logrus.Fields{
		"source": source,
		"token":  token,
		"stats":  tree.Stats(),
	}).Debug("mapping: cascade rebuilt")
	return tree, nil
}

// Invalidate drops every cached tree.
func (c *CascadeCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cascadeEntry)
	c.generation++
}

// InvalidateSource drops the tree cached for one source.
func (c *CascadeCache) InvalidateSource(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, source)
	c.generation++
}

// Builds returns the number of successful rebuilds so far.
func (c *CascadeCache) Builds() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builds
}

func logrusNop() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
