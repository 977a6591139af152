// Package indexes plans and declares the indexes behind car-scoped filtering.
package indexes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/logging"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metrics"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

// Result is the outcome of declaring one index.
type Result struct {
	Spec    store.IndexSpec    `json:"-"`
	Name    string             `json:"name"`
	Keys    string             `json:"keys"`
	Outcome store.IndexOutcome `json:"outcome"`
	Error   string             `json:"error,omitempty"`
}

// Name follows the mongod convention: field_dir joined by underscores.
func Name(keys []store.IndexKey) string {
	parts := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		dir := "1"
		if k.Desc {
			dir = "-1"
		}
		parts = append(parts, k.Field, dir)
	}
	return strings.Join(parts, "_")
}

func spec(sparse bool, keys ...store.IndexKey) store.IndexSpec {
	return store.IndexSpec{
		Name:       Name(keys),
		Collection: store.CollectionImages,
		Keys:       keys,
		Sparse:     sparse,
	}
}

// Plan returns, in order: car + each field (sparse), car + updatedAt
// descending, car + filename.
func Plan(fields []metadata.Field) []store.IndexSpec {
	car := store.IndexKey{Field: model.PathCarID}
	out := make([]store.IndexSpec, 0, len(fields)+2)
	for _, f := range fields {
		out = append(out, spec(true, car, store.IndexKey{Field: f.Path()}))
	}
	out = append(out,
		spec(false, car, store.IndexKey{Field: model.PathUpdatedAt, Desc: true}),
		spec(false, car, store.IndexKey{Field: model.PathFilename}),
	)
	return out
}

type Applier struct {
	store   store.Store
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewApplier(s store.Store, logger logging.Logger, m *metrics.Metrics) *Applier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Applier{store: s, logger: logger, metrics: m}
}

// Apply declares every spec. Existing identical indexes are left alone and
// conflicts are reported in the results. Only store failures are returned.
// With dryRun nothing is declared and every result is IndexPlanned.
func (a *Applier) Apply(ctx context.Context, specs []store.IndexSpec, dryRun bool) ([]Result, error) {
	results := make([]Result, 0, len(specs))
	for _, s := range specs {
		r := Result{Spec: s, Name: s.Name, Keys: keysString(s)}
		if dryRun {
			r.Outcome = store.IndexPlanned
			results = append(results, r)
			continue
		}

		outcome, err := a.store.EnsureIndex(ctx, s)
		var conflict *store.IndexConflictError
		switch {
		case errors.As(err, &conflict):
			r.Outcome = store.IndexConflict
			r.Error = conflict.Reason
			a.logger.WarnCtx(ctx, "index conflict", "index", s.Name, "reason", conflict.Reason)
		case err != nil:
			return results, fmt.Errorf("failed to declare index %s: %w", s.Name, err)
		default:
			r.Outcome = outcome
			a.logger.InfoCtx(ctx, "index declared", "index", s.Name, "outcome", outcome)
		}
		a.metrics.ObserveIndex(string(r.Outcome))
		results = append(results, r)
	}
	return results, nil
}

func keysString(s store.IndexSpec) string {
	parts := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		parts[i] = k.Field
		if k.Desc {
			parts[i] += " desc"
		}
	}
	out := strings.Join(parts, ", ")
	if s.Sparse {
		out += " (sparse)"
	}
	return out
}

// Conflicts counts results with IndexConflict.
func Conflicts(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Outcome == store.IndexConflict {
			n++
		}
	}
	return n
}
