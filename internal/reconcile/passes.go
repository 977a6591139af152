package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/batch"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/logging"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

// Pass names, also used as CLI subcommands and metric labels.
const (
	PassInherit         = "inherit"
	PassApplyDefaults   = "apply-defaults"
	PassFlatten         = "flatten"
	PassNormalizeCarIDs = "normalize-car-ids"
	PassDedupe          = "dedupe"
	PassOrphans         = "orphans"
)

// Outcome labels reported by the passes.
const (
	OutcomeNotDerived    = "not_derived"
	OutcomeAlreadySet    = "already_filterable"
	OutcomeResolvable    = "original_resolvable"
	OutcomeFlattened     = "flattened"
	OutcomeNotNested     = "not_nested_only"
	OutcomeNormalized    = "normalized"
	OutcomeCanonical     = "canonical"
	OutcomeInvalidCarID  = "invalid_car_id"
	OutcomeUnique        = "unique"
	OutcomeDuplicate     = "duplicate"
	OutcomeOrphan        = "orphan"
	OutcomeOrphanDeleted = "orphan_deleted"
	OutcomeHasCar        = "has_car"
)

// InheritPass copies filterable metadata from originals to derived images
// that have none. With fallback, unresolvable images get the processing
// default instead.
func InheritPass(r *Resolver, fallback bool) batch.Pass {
	return batch.Pass{
		Name:       PassInherit,
		Candidates: query.DerivedUnfilterable(),
		Process: func(ctx context.Context, img model.Image, dryRun bool) (batch.Result, error) {
			if skip, outcome := notDerivedUnfilterable(img); skip {
				return batch.Result{Outcome: outcome}, nil
			}
			plan, err := r.Resolve(ctx, img, fallback)
			if err != nil {
				return batch.Result{}, err
			}
			if plan.Resolution == Unresolvable {
				r.logger.DebugCtx(ctx, "original unresolvable", "id", img.ID, "reason", plan.Reason)
				return batch.Result{Outcome: plan.Resolution.String()}, nil
			}
			changed, err := r.Apply(ctx, img, plan, dryRun)
			if err != nil {
				return batch.Result{}, err
			}
			return batch.Result{Outcome: plan.Resolution.String(), Changed: changed}, nil
		},
	}
}

// DefaultsPass applies the processing default to derived images whose
// original cannot be resolved. Images with a resolvable original are left to
// InheritPass.
func DefaultsPass(r *Resolver) batch.Pass {
	return batch.Pass{
		Name:       PassApplyDefaults,
		Candidates: query.DerivedUnfilterable(),
		Process: func(ctx context.Context, img model.Image, dryRun bool) (batch.Result, error) {
			if skip, outcome := notDerivedUnfilterable(img); skip {
				return batch.Result{Outcome: outcome}, nil
			}
			plan, err := r.Resolve(ctx, img, true)
			if err != nil {
				return batch.Result{}, err
			}
			switch plan.Resolution {
			case Inherited:
				return batch.Result{Outcome: OutcomeResolvable}, nil
			case Unresolvable:
				return batch.Result{Outcome: plan.Resolution.String()}, nil
			}
			changed, err := r.Apply(ctx, img, plan, dryRun)
			if err != nil {
				return batch.Result{}, err
			}
			return batch.Result{Outcome: plan.Resolution.String(), Changed: changed}, nil
		},
	}
}

func notDerivedUnfilterable(img model.Image) (bool, string) {
	if !metadata.IsDerived(img) {
		return true, OutcomeNotDerived
	}
	if metadata.Classify(img).State() != metadata.Unfilterable {
		return true, OutcomeAlreadySet
	}
	return false, ""
}

// FlattenPass copies nested-only metadata to the top level. Nested values are
// kept and top-level fields are never overwritten.
func FlattenPass(s store.Store) batch.Pass {
	return batch.Pass{
		Name:       PassFlatten,
		Candidates: query.NestedOnlyCandidates(),
		Process: func(ctx context.Context, img model.Image, dryRun bool) (batch.Result, error) {
			shape, ok := metadata.Classify(img).(metadata.NestedMetadata)
			if !ok {
				return batch.Result{Outcome: OutcomeNotNested}, nil
			}
			changed, err := writeTopLevel(ctx, s, img, shape.Fields, dryRun, time.Now)
			if err != nil {
				return batch.Result{}, err
			}
			return batch.Result{Outcome: OutcomeFlattened, Changed: changed}, nil
		},
	}
}

// NormalizeCarIDsPass rewrites string car references as identifiers.
// Strings that are not identifiers are reported and left alone.
func NormalizeCarIDsPass(s store.Store) batch.Pass {
	return batch.Pass{
		Name:       PassNormalizeCarIDs,
		Candidates: query.LegacyCarIDs(),
		Process: func(ctx context.Context, img model.Image, dryRun bool) (batch.Result, error) {
			if !img.CarIDLegacy {
				return batch.Result{Outcome: OutcomeCanonical}, nil
			}
			if img.CarID == "" {
				return batch.Result{Outcome: OutcomeInvalidCarID}, nil
			}
			if !dryRun {
				err := s.UpdateImage(ctx, img.ID, store.Update{Set: map[string]any{
					model.PathCarID:     img.CarID,
					model.PathUpdatedAt: time.Now().UTC(),
				}})
				if err != nil {
					return batch.Result{}, err
				}
			}
			return batch.Result{Outcome: OutcomeNormalized, Changed: true}, nil
		},
	}
}

// DedupeKey identifies an image by owning car and AssetKey.
func DedupeKey(img model.Image) uint64 {
	return xxhash.Sum64String(string(img.CarID) + "\x00" + AssetKey(img.URL))
}

// DedupePass keeps the oldest image per DedupeKey and deletes the rest.
// Records are visited oldest first, one at a time.
func DedupePass(s store.Store) batch.Pass {
	var mu sync.Mutex
	seen := make(map[uint64]model.Ref)

	return batch.Pass{
		Name:       PassDedupe,
		Sequential: true,
		Sort:       []store.SortKey{{Path: model.PathCreatedAt}, {Path: model.PathID}},
		Process: func(ctx context.Context, img model.Image, dryRun bool) (batch.Result, error) {
			if strings.TrimSpace(img.URL) == "" {
				return batch.Result{Outcome: OutcomeUnique}, nil
			}
			key := DedupeKey(img)

			mu.Lock()
			kept, dup := seen[key]
			if !dup {
				seen[key] = img.ID
			}
			mu.Unlock()

			if !dup {
				return batch.Result{Outcome: OutcomeUnique}, nil
			}
			if !dryRun {
				if _, err := s.DeleteImages(ctx, []model.Ref{img.ID}); err != nil {
					return batch.Result{}, fmt.Errorf("failed to delete duplicate of %s: %w", kept, err)
				}
			}
			return batch.Result{Outcome: OutcomeDuplicate, Changed: true}, nil
		},
	}
}

// OrphanPass reports images whose car does not exist. They are deleted only
// when deleteOrphans is set and the run is not a dry run.
func OrphanPass(s store.Store, logger logging.Logger, deleteOrphans bool) (batch.Pass, error) {
	cars, err := lru.New[model.Ref, bool](4096)
	if err != nil {
		return batch.Pass{}, fmt.Errorf("failed to create car cache: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	carExists := func(ctx context.Context, id model.Ref) (bool, error) {
		if ok, cached := cars.Get(id); cached {
			return ok, nil
		}
		_, err := s.GetCar(ctx, id)
		switch {
		case err == nil:
			cars.Add(id, true)
			return true, nil
		case errors.Is(err, store.ErrNotFound):
			cars.Add(id, false)
			return false, nil
		default:
			return false, err
		}
	}

	return batch.Pass{
		Name: PassOrphans,
		Process: func(ctx context.Context, img model.Image, dryRun bool) (batch.Result, error) {
			if img.CarID != "" {
				ok, err := carExists(ctx, img.CarID)
				if err != nil {
					return batch.Result{}, err
				}
				if ok {
					return batch.Result{Outcome: OutcomeHasCar}, nil
				}
			}
			logger.InfoCtx(ctx, "orphan image", "id", img.ID, "car", img.CarIDRaw, "url", img.URL)
			if !deleteOrphans || dryRun {
				return batch.Result{Outcome: OutcomeOrphan}, nil
			}
			if _, err := s.DeleteImages(ctx, []model.Ref{img.ID}); err != nil {
				return batch.Result{}, err
			}
			return batch.Result{Outcome: OutcomeOrphanDeleted, Changed: true}, nil
		},
	}, nil
}
