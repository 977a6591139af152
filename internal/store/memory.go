package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
)

// MemoryStore keeps documents in process. Reads return copies.
type MemoryStore struct {
	mu       sync.RWMutex
	images   map[model.Ref]model.Document
	order    []model.Ref
	cars     map[model.Ref]model.Document
	carOrder []model.Ref
	delivery map[string]model.Document
	indexes  map[string]IndexSpec
	writes   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		images:   make(map[model.Ref]model.Document),
		cars:     make(map[model.Ref]model.Document),
		delivery: make(map[string]model.Document),
		indexes:  make(map[string]IndexSpec),
	}
}

func (m *MemoryStore) Backend() string { return "memory" }

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close(ctx context.Context) error { return nil }

// InsertImage adds or replaces an image document. The document must carry an _id.
func (m *MemoryStore) InsertImage(doc model.Document) error {
	id, err := docRef(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.images[id]; !exists {
		m.order = append(m.order, id)
	}
	m.images[id] = doc.Clone()
	return nil
}

// InsertCar adds or replaces a car document. The document must carry an _id.
func (m *MemoryStore) InsertCar(doc model.Document) error {
	id, err := docRef(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cars[id]; !exists {
		m.carOrder = append(m.carOrder, id)
	}
	m.cars[id] = doc.Clone()
	return nil
}

// Writes counts successful image updates and deletes.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func docRef(doc model.Document) (model.Ref, error) {
	switch id := doc[model.PathID].(type) {
	case model.Ref:
		return id, nil
	case string:
		if id != "" {
			return model.Ref(id), nil
		}
	}
	return "", fmt.Errorf("document has no %s", model.PathID)
}

func (m *MemoryStore) snapshot(pred query.Predicate, opts FindOptions) []model.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Document
	for _, id := range m.order {
		doc := m.images[id]
		if query.Match(pred, doc) {
			out = append(out, doc.Clone())
		}
	}
	if len(opts.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, key := range opts.Sort {
				a, _ := out[i].Get(key.Path)
				b, _ := out[j].Get(key.Path)
				c := compareValues(a, b)
				if c == 0 {
					continue
				}
				if key.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if opts.Limit > 0 && int64(len(out)) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func (m *MemoryStore) FindImages(ctx context.Context, pred query.Predicate, opts FindOptions) ([]model.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs := m.snapshot(pred, opts)
	out := make([]model.Image, 0, len(docs))
	for _, doc := range docs {
		out = append(out, model.ImageFromDocument(doc))
	}
	return out, nil
}

func (m *MemoryStore) EachImage(ctx context.Context, pred query.Predicate, opts FindOptions, fn func(model.Image) error) error {
	for _, doc := range m.snapshot(pred, opts) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(model.ImageFromDocument(doc)); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) CountImages(ctx context.Context, pred query.Predicate) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, doc := range m.images {
		if query.Match(pred, doc) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetImage(ctx context.Context, id model.Ref) (model.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.images[id]
	if !ok {
		return model.Image{}, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return model.ImageFromDocument(doc.Clone()), nil
}

func (m *MemoryStore) UpdateImage(ctx context.Context, id model.Ref, update Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.images[id]
	if !ok {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	for path, value := range update.Set {
		doc.Set(path, value)
	}
	for _, path := range update.Unset {
		doc.Delete(path)
	}
	m.writes++
	return nil
}

func (m *MemoryStore) DeleteImages(ctx context.Context, ids []model.Ref) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.images[id]; !ok {
			continue
		}
		delete(m.images, id)
		n++
	}
	if n > 0 {
		kept := m.order[:0]
		for _, id := range m.order {
			if _, ok := m.images[id]; ok {
				kept = append(kept, id)
			}
		}
		m.order = kept
		m.writes += int(n)
	}
	return n, nil
}

func (m *MemoryStore) GetCar(ctx context.Context, id model.Ref) (model.Car, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.cars[id]
	if !ok {
		return model.Car{}, fmt.Errorf("car %s: %w", id, ErrNotFound)
	}
	return model.CarFromDocument(doc.Clone()), nil
}

func (m *MemoryStore) ListCars(ctx context.Context) ([]model.Car, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Car, 0, len(m.carOrder))
	for _, id := range m.carOrder {
		out = append(out, model.CarFromDocument(m.cars[id].Clone()))
	}
	return out, nil
}

func (m *MemoryStore) HasDeliveryMetadata(ctx context.Context, assetID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.delivery[assetID]
	return ok, nil
}

func (m *MemoryStore) InsertDeliveryMetadata(ctx context.Context, md model.DeliveryMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivery[md.AssetID] = md.Document()
	return nil
}

// DeliveryMetadata returns the stored provider metadata for assetID.
func (m *MemoryStore) DeliveryMetadata(assetID string) (model.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.delivery[assetID]
	return doc.Clone(), ok
}

func (m *MemoryStore) EnsureIndex(ctx context.Context, spec IndexSpec) (IndexOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// An index with the same key pattern counts as present whatever its name.
	for _, existing := range m.indexes {
		if existing.Collection == spec.Collection && existing.SameKeys(spec) && existing.Sparse == spec.Sparse {
			return IndexExists, nil
		}
	}
	key := spec.Collection + "." + spec.Name
	existing, ok := m.indexes[key]
	if !ok {
		m.indexes[key] = spec
		return IndexCreated, nil
	}
	if existing.SameKeys(spec) && existing.Sparse == spec.Sparse {
		return IndexExists, nil
	}
	return IndexConflict, &IndexConflictError{Spec: spec, Reason: "existing definition " + existing.String()}
}

// Indexes lists declared indexes, sorted by collection and name.
func (m *MemoryStore) Indexes() []IndexSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]IndexSpec, 0, len(m.indexes))
	for _, spec := range m.indexes {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// compareValues orders missing values first, then times, numbers and strings.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	fa, errA := cast.ToFloat64E(a)
	fb, errB := cast.ToFloat64E(b)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(cast.ToString(a), cast.ToString(b))
}
