// Package reconcile holds the metadata reconciliation passes: inheritance
// from originals, processing defaults, flattening of nested metadata,
// owning-entity reference normalization, and duplicate and orphan cleanup.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/logging"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

var ErrNoOriginal = errors.New("original image not found")

// Resolution is the tri-state result of resolving a derived image.
type Resolution int

const (
	Unresolvable Resolution = iota
	Inherited
	DefaultedFallback
)

func (r Resolution) String() string {
	switch r {
	case Inherited:
		return "inherited"
	case DefaultedFallback:
		return "defaulted_fallback"
	default:
		return "unresolvable"
	}
}

// Source says how an original was found.
type Source string

const (
	SourceDirectRef Source = "direct_ref"
	SourceAssetID   Source = "asset_id"
)

// Plan is the outcome of resolving one derived image. Values holds only the
// fields the image is missing at the top level.
type Plan struct {
	Resolution Resolution
	Original   model.Ref
	Source     Source
	Values     metadata.Tuple
	Reason     string
}

type siblingKey struct {
	car   model.Ref
	asset string
}

// Resolver finds the original of a derived image and decides which values
// the derived image should receive.
type Resolver struct {
	store    store.Store
	defaults *metadata.ProcessingDefaults
	logger   logging.Logger
	siblings *lru.Cache[siblingKey, model.Ref]
	now      func() time.Time
}

func NewResolver(s store.Store, defaults *metadata.ProcessingDefaults, logger logging.Logger, cacheSize int) (*Resolver, error) {
	if cacheSize < 1 {
		cacheSize = 1024
	}
	cache, err := lru.New[siblingKey, model.Ref](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup cache: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{
		store:    s,
		defaults: defaults,
		logger:   logger,
		siblings: cache,
		now:      time.Now,
	}, nil
}

// FindOriginal looks the original up by direct reference first, then by the
// asset id of an embedded delivery URL among images of the same car. It
// returns ErrNoOriginal when neither finds one.
func (r *Resolver) FindOriginal(ctx context.Context, img model.Image) (model.Image, Source, error) {
	if ref := metadata.DirectOriginalRef(img); ref != "" && ref != img.ID {
		orig, err := r.store.GetImage(ctx, ref)
		switch {
		case err == nil:
			return orig, SourceDirectRef, nil
		case !errors.Is(err, store.ErrNotFound):
			return model.Image{}, "", err
		}
		r.logger.DebugCtx(ctx, "direct original reference is dangling", "id", img.ID, "original", ref)
	}

	if img.CarID == "" {
		return model.Image{}, "", ErrNoOriginal
	}
	for _, path := range []string{model.PathOriginalEmbedURL, model.PathOriginalURL, model.PathSourceURL} {
		v, _ := img.MetaValue(path)
		raw, _ := v.(string)
		asset, ok := ExtractAssetID(raw)
		if !ok {
			continue
		}
		orig, err := r.sibling(ctx, img, asset)
		if errors.Is(err, ErrNoOriginal) {
			continue
		}
		if err != nil {
			return model.Image{}, "", err
		}
		return orig, SourceAssetID, nil
	}
	return model.Image{}, "", ErrNoOriginal
}

func (r *Resolver) sibling(ctx context.Context, img model.Image, asset string) (model.Image, error) {
	key := siblingKey{car: img.CarID, asset: asset}
	if id, ok := r.siblings.Get(key); ok {
		if id == "" || id == img.ID {
			return model.Image{}, ErrNoOriginal
		}
		orig, err := r.store.GetImage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			r.siblings.Remove(key)
			return model.Image{}, ErrNoOriginal
		}
		return orig, err
	}

	pred := query.Conj(
		query.Scope(img.CarID),
		query.Contains{Path: model.PathURL, Text: asset},
	)
	candidates, err := r.store.FindImages(ctx, pred, store.FindOptions{
		Sort: []store.SortKey{{Path: model.PathCreatedAt}},
	})
	if err != nil {
		return model.Image{}, fmt.Errorf("failed to look up siblings of %s: %w", img.ID, err)
	}

	var found *model.Image
	for i := range candidates {
		c := candidates[i]
		if c.ID == img.ID {
			continue
		}
		if id, ok := ExtractAssetID(c.URL); !ok || id != asset {
			continue
		}
		if found == nil || (metadata.IsDerived(*found) && !metadata.IsDerived(c)) {
			found = &c
		}
	}
	if found == nil {
		r.siblings.Add(key, "")
		return model.Image{}, ErrNoOriginal
	}
	r.siblings.Add(key, found.ID)
	return *found, nil
}

// Resolve decides what a derived image should receive. It does not write.
// With allowFallback the documented processing default is used when the
// original cannot be found or carries no filterable metadata.
func (r *Resolver) Resolve(ctx context.Context, img model.Image, allowFallback bool) (Plan, error) {
	orig, source, err := r.FindOriginal(ctx, img)
	switch {
	case err == nil:
		values := metadata.Classify(orig).Values()
		if len(values) > 0 {
			return Plan{
				Resolution: Inherited,
				Original:   orig.ID,
				Source:     source,
				Values:     missing(img, values),
			}, nil
		}
		return r.fallback(img, allowFallback, "original has no filterable metadata")
	case errors.Is(err, ErrNoOriginal):
		return r.fallback(img, allowFallback, "original not found")
	default:
		return Plan{}, err
	}
}

func (r *Resolver) fallback(img model.Image, allowFallback bool, reason string) (Plan, error) {
	if !allowFallback {
		return Plan{Resolution: Unresolvable, Reason: reason}, nil
	}
	kind := img.Processing()
	tuple, ok := r.defaults.For(kind)
	if !ok {
		return Plan{Resolution: Unresolvable, Reason: fmt.Sprintf("%s and no default for processing %q", reason, kind)}, nil
	}
	return Plan{Resolution: DefaultedFallback, Values: missing(img, tuple), Reason: reason}, nil
}

// missing keeps the values whose field is absent at the top level of img.
func missing(img model.Image, values metadata.Tuple) metadata.Tuple {
	present := metadata.TopLevel(img)
	out := metadata.Tuple{}
	for f, v := range values {
		if _, ok := present[f]; ok {
			continue
		}
		out[f] = v
	}
	return out
}

// Apply writes plan.Values to the top level of img. Existing fields are never
// overwritten. It reports whether anything was (or would be) written.
func (r *Resolver) Apply(ctx context.Context, img model.Image, plan Plan, dryRun bool) (bool, error) {
	return writeTopLevel(ctx, r.store, img, plan.Values, dryRun, r.now)
}

func writeTopLevel(ctx context.Context, s store.Store, img model.Image, values metadata.Tuple, dryRun bool, now func() time.Time) (bool, error) {
	values = missing(img, values)
	if len(values) == 0 {
		return false, nil
	}
	if dryRun {
		return true, nil
	}
	set := make(map[string]any, len(values)+1)
	for f, v := range values {
		set[f.Path()] = v
	}
	set[model.PathUpdatedAt] = now().UTC()
	if err := s.UpdateImage(ctx, img.ID, store.Update{Set: set}); err != nil {
		return false, err
	}
	return true, nil
}
