package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/batch"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/delivery"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/reconcile"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/watch"
)

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Backend = "memory"
	return cfg
}

func TestOpenMemoryBackend(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.Equal(t, "memory", a.Store.Backend())
	assert.NotNil(t, a.Rules().Vocabulary)
}

func TestOpenRejectsInvalidDefaults(t *testing.T) {
	cfg := memoryConfig()
	cfg.Defaults = map[string]map[string]string{"canvas_extension": {"angle": "sideways"}}
	_, err := Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Database.Backend = "sqlite"
	_, err := Open(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, config.ErrUnknownBackend)
}

func TestRunPass(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.InsertImage(model.Document{
		"_id": model.Ref("000000000000000000000001"), "carId": model.Ref("0000000000000000000000c0"),
		"metadata": model.Document{"processing": "matte_generation"},
	}))
	a, err := New(memoryConfig(), nil, s)
	require.NoError(t, err)

	summary, err := a.RunPass(ctx, reconcile.PassInherit, batch.Options{}, PassFlags{Fallback: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Outcomes[reconcile.DefaultedFallback.String()])

	_, err = a.RunPass(ctx, "rebuild", batch.Options{}, PassFlags{})
	assert.Error(t, err)

	for _, name := range PassNames {
		_, err := a.Pass(name, PassFlags{})
		assert.NoError(t, err, name)
	}
}

func TestSetRules(t *testing.T) {
	a, err := New(memoryConfig(), nil, store.NewMemoryStore())
	require.NoError(t, err)

	cfg := memoryConfig()
	cfg.Vocabulary["angle"] = append(cfg.Vocabulary["angle"], "detail")
	rules, err := watch.LoadRules(cfg)
	require.NoError(t, err)

	a.SetRules(rules)
	a.SetRules(nil)
	assert.True(t, a.Rules().Vocabulary.Contains(metadata.FieldAngle, "detail"))
	assert.NotNil(t, a.Builder())
}

func TestBatchOptionsDefaults(t *testing.T) {
	a, err := New(memoryConfig(), nil, store.NewMemoryStore())
	require.NoError(t, err)
	opts := a.BatchOptions(batch.Options{})
	assert.Equal(t, 1, opts.Workers)
	assert.Equal(t, 0.05, opts.ErrorThreshold)
	assert.Equal(t, batch.ModeFull, opts.Mode)

	opts = a.BatchOptions(batch.Options{Workers: 8, Mode: batch.ModePartial})
	assert.Equal(t, 8, opts.Workers)
	assert.Equal(t, batch.ModePartial, opts.Mode)
}

func TestSyncerNeedsCredentials(t *testing.T) {
	a, err := New(memoryConfig(), nil, store.NewMemoryStore())
	require.NoError(t, err)
	_, err = a.Syncer()
	assert.ErrorIs(t, err, delivery.ErrNotConfigured)
}

func TestQueryImages(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	car := model.Ref("0000000000000000000000c0")
	for i, meta := range []model.Document{
		{"angle": "Side"},
		{"originalImage": model.Document{"metadata": model.Document{"angle": "side"}}},
		{"angle": "front"},
	} {
		require.NoError(t, s.InsertImage(model.Document{
			"_id": model.Ref(fmt.Sprintf("%024x", i+1)), "carId": car, "metadata": meta,
		}))
	}
	a, err := New(memoryConfig(), nil, s)
	require.NoError(t, err)

	res, err := a.QueryImages(ctx, QueryParams{CarID: car.String(), Filters: map[string]string{"angle": "SIDE"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.EqualValues(t, 2, res.Total)
	assert.Empty(t, res.Unknown)

	res, err = a.QueryImages(ctx, QueryParams{Filters: map[string]string{"angle": "sideways"}})
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Equal(t, []string{"angle"}, res.Unknown)

	_, err = a.QueryImages(ctx, QueryParams{Filters: map[string]string{"colour": "red"}})
	assert.ErrorIs(t, err, metadata.ErrUnknownField)

	_, err = a.QueryImages(ctx, QueryParams{CarID: "nope"})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.InsertImage(model.Document{
		"_id": model.Ref("000000000000000000000001"),
		"metadata": model.Document{
			"processing":      "image_crop",
			"originalImageId": "000000000000000000000002",
			"originalImage":   model.Document{"metadata": model.Document{"angle": "diagonal"}},
		},
	}))
	a, err := New(memoryConfig(), nil, s)
	require.NoError(t, err)

	c, err := a.Classify(context.Background(), "000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "nested_only", c.State)
	assert.True(t, c.Derived)
	assert.Equal(t, model.Ref("000000000000000000000002"), c.OriginalRef)
	require.Len(t, c.Defects, 1)
	assert.True(t, c.Defects[0].Nested)

	_, err = a.Classify(context.Background(), "000000000000000000000009")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
