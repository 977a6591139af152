// Package store is the document store accessor. Backends render the query
// predicate tree natively; the memory backend evaluates it in process.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConnect  = errors.New("store connection failed")
)

// Logical collection names. Backends map them to configured names.
const (
	CollectionImages        = "images"
	CollectionCars          = "cars"
	CollectionImageMetadata = "image_metadata"
)

type Store interface {
	Backend() string
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	FindImages(ctx context.Context, pred query.Predicate, opts FindOptions) ([]model.Image, error)
	// EachImage streams matching images to fn. A non-nil error from fn stops
	// the iteration and is returned.
	EachImage(ctx context.Context, pred query.Predicate, opts FindOptions, fn func(model.Image) error) error
	CountImages(ctx context.Context, pred query.Predicate) (int64, error)
	GetImage(ctx context.Context, id model.Ref) (model.Image, error)
	// UpdateImage applies a single-document update. It returns ErrNotFound
	// when no image has the id.
	UpdateImage(ctx context.Context, id model.Ref, update Update) error
	DeleteImages(ctx context.Context, ids []model.Ref) (int64, error)

	GetCar(ctx context.Context, id model.Ref) (model.Car, error)
	ListCars(ctx context.Context) ([]model.Car, error)

	HasDeliveryMetadata(ctx context.Context, assetID string) (bool, error)
	InsertDeliveryMetadata(ctx context.Context, m model.DeliveryMetadata) error

	EnsureIndex(ctx context.Context, spec IndexSpec) (IndexOutcome, error)
}

type SortKey struct {
	Path string
	Desc bool
}

type FindOptions struct {
	// Limit caps the number of documents; 0 means no limit.
	Limit int64
	Sort  []SortKey
}

// Update sets and unsets dotted paths on one document.
type Update struct {
	Set   map[string]any
	Unset []string
}

func (u Update) Empty() bool { return len(u.Set) == 0 && len(u.Unset) == 0 }

type IndexKey struct {
	Field string
	Desc  bool
}

type IndexSpec struct {
	Name       string
	Collection string
	Keys       []IndexKey
	Sparse     bool
}

func (s IndexSpec) String() string {
	parts := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		dir := 1
		if k.Desc {
			dir = -1
		}
		parts[i] = fmt.Sprintf("%s:%d", k.Field, dir)
	}
	out := fmt.Sprintf("%s.%s {%s}", s.Collection, s.Name, strings.Join(parts, ", "))
	if s.Sparse {
		out += " sparse"
	}
	return out
}

// SameKeys reports whether both specs index the same keys in the same order.
func (s IndexSpec) SameKeys(other IndexSpec) bool {
	if len(s.Keys) != len(other.Keys) {
		return false
	}
	for i := range s.Keys {
		if s.Keys[i] != other.Keys[i] {
			return false
		}
	}
	return true
}

type IndexOutcome string

const (
	IndexCreated  IndexOutcome = "created"
	IndexExists   IndexOutcome = "exists"
	IndexConflict IndexOutcome = "conflict"
	IndexPlanned  IndexOutcome = "planned"
)

// IndexConflictError reports an index that exists under the same name with a
// different definition. It is recoverable.
type IndexConflictError struct {
	Spec   IndexSpec
	Reason string
}

func (e *IndexConflictError) Error() string {
	return fmt.Sprintf("index %s conflicts with an existing index: %s", e.Spec.Name, e.Reason)
}

// NewStore connects to the configured backend. Connectivity failures wrap ErrConnect.
func NewStore(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Backend {
	case "mongodb":
		return NewMongoStore(ctx, cfg.MongoDB)
	case "surrealdb":
		return NewSurrealStore(ctx, cfg.SurrealDB)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, config.CheckBackend(cfg.Backend)
	}
}

func connectError(backend string, err error) error {
	return fmt.Errorf("failed to connect to %s: %w: %w", backend, ErrConnect, err)
}
