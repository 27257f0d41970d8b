// Package orchestrate implements the Orchestrator (spec §4.9): thin coordination policies
// binding manifest resolution, the Catalog, and the Peek/Carve engines, plus the concurrency
// and de-duplication rules spec §5 requires.
package orchestrate

import (
	"context"
	"log/slog"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/layerforensics/layerpeek"
	"github.com/layerforensics/layerpeek/carve"
	"github.com/layerforensics/layerpeek/catalog"
	"github.com/layerforensics/layerpeek/peek"
	"github.com/layerforensics/layerpeek/registry"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds how many layers a single peek-all request fetches at once (spec §5:
// "independent layers run in parallel"). Default 4.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithLogger installs a *slog.Logger for debug-level tracing. A nil logger (the default) is
// replaced with a discard logger; no credential or token value is ever logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClientOptions are forwarded to every registry.Client the Orchestrator constructs.
func WithClientOptions(opts ...registry.Option) Option {
	return func(o *Orchestrator) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// Orchestrator binds registry -> catalog -> peek/carve per spec §4.9. One Orchestrator is
// typically shared across many requests; it owns no per-request mutable state except the
// singleflight group used to de-duplicate concurrent resolves of the same image.
type Orchestrator struct {
	cat         *catalog.Catalog
	clientOpts  []registry.Option
	concurrency int
	logger      *slog.Logger

	requestGroup singleflight.Group
}

// New constructs an Orchestrator around an already-initialized Catalog.
func New(cat *catalog.Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{cat: cat, concurrency: 4, logger: slog.New(discardHandler{})}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) newClient(namespace, repo string) *registry.Client {
	return registry.NewClient(namespace, repo, o.clientOpts...)
}

// Resolve returns the cached config for ref/platform, fetching and persisting it on a cache
// miss or when forceRefresh is set (spec §4.9 "Cache policy"). Concurrent callers resolving the
// same (namespace, repo, tag, arch) share one upstream round trip via singleflight.
func (o *Orchestrator) Resolve(ctx context.Context, ref layerpeek.Reference, platform layerpeek.Platform, forceRefresh bool) (*catalog.CachedConfig, error) {
	key := ref.Namespace + "/" + ref.Repo + ":" + ref.Tag + "@" + platform.Architecture
	v, err, _ := o.requestGroup.Do(key, func() (interface{}, error) {
		return o.resolveOnce(ctx, ref, platform, forceRefresh)
	})
	if err != nil {
		return nil, err
	}
	return v.(*catalog.CachedConfig), nil
}

func (o *Orchestrator) resolveOnce(ctx context.Context, ref layerpeek.Reference, platform layerpeek.Platform, forceRefresh bool) (*catalog.CachedConfig, error) {
	arch := platform.Architecture

	if forceRefresh {
		if err := o.cat.InvalidateConfig(ctx, ref.Namespace, ref.Repo, ref.Tag, arch); err != nil {
			return nil, err
		}
	} else if cached, err := o.cat.GetCachedConfig(ctx, ref.Namespace, ref.Repo, ref.Tag, arch); err != nil {
		return nil, err
	} else if cached != nil {
		o.logger.DebugContext(ctx, "catalog cache hit", "ref", ref.String(), "arch", arch)
		return cached, nil
	}

	o.logger.DebugContext(ctx, "resolving manifest upstream", "ref", ref.String(), "arch", arch)
	client := o.newClient(ref.Namespace, ref.Repo)
	defer client.Auth().Invalidate()

	pm, cfg, err := client.Resolve(ref.Tag, platform)
	if err != nil {
		return nil, err
	}

	configJSON, err := catalog.MarshalConfig(cfg)
	if err != nil {
		return nil, err
	}

	layerDigests := make([]string, len(pm.Layers))
	layerSizes := make([]int64, len(pm.Layers))
	for i, l := range pm.Layers {
		layerDigests[i] = l.Digest.String()
		layerSizes[i] = l.Size
	}

	if err := o.cat.SaveImageConfig(ctx, pm.Config.Digest.String(), ref.Namespace, ref.Repo, ref.Tag, arch,
		configJSON, layerDigests, layerSizes); err != nil {
		return nil, err
	}

	return o.cat.GetCachedConfig(ctx, ref.Namespace, ref.Repo, ref.Tag, arch)
}

// PeekAll implements the "layer=all" policy (spec §4.9): resolve the config, then peek every
// unpeeked layer, up to o.concurrency at a time, persisting each result as it completes.
func (o *Orchestrator) PeekAll(ctx context.Context, ref layerpeek.Reference, platform layerpeek.Platform) ([]layerpeek.PeekResult, error) {
	cached, err := o.Resolve(ctx, ref, platform, false)
	if err != nil {
		return nil, err
	}
	status, err := o.cat.GetLayerStatus(ctx, ref.Namespace, ref.Repo, ref.Tag, platform.Architecture)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, layerpeek.ErrNotFound
	}

	results := make([]layerpeek.PeekResult, len(status.Layers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i, li := range status.Layers {
		if li.Peeked {
			continue
		}
		i, li := i, li
		g.Go(func() error {
			result := o.peekLayer(gctx, ref, li.Digest, li.Size)
			results[i] = result
			return o.persistPeek(gctx, ref, cached.ConfigDigest, li, result)
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// PeekLayer implements the "layer=i" policy (spec §4.9): peek exactly one layer, resolving the
// config first if it isn't already cached.
func (o *Orchestrator) PeekLayer(ctx context.Context, ref layerpeek.Reference, platform layerpeek.Platform, layerIndex int) (layerpeek.PeekResult, error) {
	cached, err := o.Resolve(ctx, ref, platform, false)
	if err != nil {
		return layerpeek.PeekResult{}, err
	}
	status, err := o.cat.GetLayerStatus(ctx, ref.Namespace, ref.Repo, ref.Tag, platform.Architecture)
	if err != nil {
		return layerpeek.PeekResult{}, err
	}
	if status == nil || layerIndex < 0 || layerIndex >= len(status.Layers) {
		return layerpeek.PeekResult{}, layerpeek.ErrNotFound
	}

	li := status.Layers[layerIndex]
	result := o.peekLayer(ctx, ref, li.Digest, li.Size)
	if err := o.persistPeek(ctx, ref, cached.ConfigDigest, li, result); err != nil {
		return result, err
	}
	return result, nil
}

func (o *Orchestrator) peekLayer(ctx context.Context, ref layerpeek.Reference, layerDigest string, layerSize int64) layerpeek.PeekResult {
	client := o.newClient(ref.Namespace, ref.Repo)
	defer client.Auth().Invalidate()

	rr := registry.NewRangeReader(client.Auth(), client.BlobURL(digest.Digest(layerDigest)), client.ChunkSize())
	return peek.Peek(rr, layerDigest, peek.Options{})
}

func (o *Orchestrator) persistPeek(ctx context.Context, ref layerpeek.Reference, configDigest string, li catalog.LayerInfo, result layerpeek.PeekResult) error {
	if result.Err != nil {
		return nil // partial/failed peeks are reported to the caller, not persisted (spec §7)
	}
	err := o.cat.SavePeekResult(ctx, ref.Namespace, ref.Repo, ref.Tag, li.Index, li.Size, result)
	if err != nil && err != layerpeek.ErrOverwriteSkipped {
		return err
	}
	return o.cat.MarkLayerPeeked(ctx, configDigest, li.Index, result.EntriesFound)
}

// Carve implements the "Carve policy" (spec §4.9): an explicit layerIndex is required; use
// CarveSearch to opt into scanning every layer.
func (o *Orchestrator) Carve(ctx context.Context, ref layerpeek.Reference, platform layerpeek.Platform, targetPath string, layerIndex int) (layerpeek.CarveResult, error) {
	status, err := o.layerStatusFor(ctx, ref, platform)
	if err != nil {
		return layerpeek.CarveResult{}, err
	}
	if layerIndex < 0 || layerIndex >= len(status.Layers) {
		return layerpeek.CarveResult{}, layerpeek.ErrNotFound
	}
	return o.carveLayer(ctx, ref, status.Layers[layerIndex], targetPath)
}

// CarveSearch opts into scanning every layer in manifest order (base layer first), stopping at
// the first match, per spec §4.7's "search across all layers" mode.
func (o *Orchestrator) CarveSearch(ctx context.Context, ref layerpeek.Reference, platform layerpeek.Platform, targetPath string) (layerpeek.CarveResult, error) {
	status, err := o.layerStatusFor(ctx, ref, platform)
	if err != nil {
		return layerpeek.CarveResult{}, err
	}
	for _, li := range status.Layers {
		result, err := o.carveLayer(ctx, ref, li, targetPath)
		if err == nil {
			return result, nil
		}
		if _, notFound := err.(*layerpeek.NotFoundError); !notFound {
			return layerpeek.CarveResult{}, err
		}
	}
	return layerpeek.CarveResult{}, &layerpeek.NotFoundError{Path: targetPath}
}

func (o *Orchestrator) layerStatusFor(ctx context.Context, ref layerpeek.Reference, platform layerpeek.Platform) (*catalog.LayerStatus, error) {
	if _, err := o.Resolve(ctx, ref, platform, false); err != nil {
		return nil, err
	}
	status, err := o.cat.GetLayerStatus(ctx, ref.Namespace, ref.Repo, ref.Tag, platform.Architecture)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, layerpeek.ErrNotFound
	}
	return status, nil
}

func (o *Orchestrator) carveLayer(ctx context.Context, ref layerpeek.Reference, li catalog.LayerInfo, targetPath string) (layerpeek.CarveResult, error) {
	client := o.newClient(ref.Namespace, ref.Repo)
	defer client.Auth().Invalidate()

	rr := registry.NewRangeReader(client.Auth(), client.BlobURL(digest.Digest(li.Digest)), client.ChunkSize())
	result, err := carve.Carve(rr, li.Digest, targetPath)
	if err != nil {
		return layerpeek.CarveResult{}, err
	}
	result.LayerIndex = li.Index
	result.LayerSize = li.Size
	return result, nil
}

// discardHandler is a slog.Handler that drops every record, used as the zero-configuration
// default logger so no component ever blocks on or requires a real one.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler        { return discardHandler{} }
