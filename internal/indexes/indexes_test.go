package indexes

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metrics"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

func TestPlan(t *testing.T) {
	specs := Plan(metadata.FilterableFields)
	require.Len(t, specs, len(metadata.FilterableFields)+2)

	assert.Equal(t, "carId_1_metadata.angle_1", specs[0].Name)
	assert.True(t, specs[0].Sparse)
	for _, s := range specs {
		assert.Equal(t, store.CollectionImages, s.Collection)
		assert.Equal(t, "carId", s.Keys[0].Field)
	}

	updated := specs[len(specs)-2]
	assert.Equal(t, "carId_1_updatedAt_-1", updated.Name)
	assert.True(t, updated.Keys[1].Desc)
	assert.False(t, updated.Sparse)
	assert.Equal(t, "carId_1_filename_1", specs[len(specs)-1].Name)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := metrics.New()
	a := NewApplier(s, nil, m)
	specs := Plan(metadata.FilterableFields)

	first, err := a.Apply(ctx, specs, false)
	require.NoError(t, err)
	for _, r := range first {
		assert.Equal(t, store.IndexCreated, r.Outcome, r.Name)
	}

	second, err := a.Apply(ctx, specs, false)
	require.NoError(t, err)
	for _, r := range second {
		assert.Equal(t, store.IndexExists, r.Outcome, r.Name)
	}
	assert.Len(t, s.Indexes(), len(specs))
	assert.Equal(t, float64(len(specs)), testutil.ToFloat64(m.IndexDeclarations.WithLabelValues("exists")))
}

func TestApplyReportsConflicts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	specs := Plan([]metadata.Field{metadata.FieldAngle})

	clash := specs[0]
	clash.Sparse = false
	_, err := s.EnsureIndex(ctx, clash)
	require.NoError(t, err)

	results, err := NewApplier(s, nil, nil).Apply(ctx, specs, false)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, store.IndexConflict, results[0].Outcome)
	assert.NotEmpty(t, results[0].Error)
	assert.Equal(t, store.IndexCreated, results[1].Outcome)
	assert.Equal(t, 1, Conflicts(results))
}

func TestApplyDryRun(t *testing.T) {
	s := store.NewMemoryStore()
	results, err := NewApplier(s, nil, nil).Apply(context.Background(), Plan(metadata.FilterableFields), true)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, store.IndexPlanned, r.Outcome)
	}
	assert.Empty(t, s.Indexes())
}

func TestApplyAcceptsExistingIndexUnderAnotherName(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	specs := Plan(metadata.FilterableFields)

	renamed := specs[0]
	renamed.Name = "car_angle_idx"
	_, err := s.EnsureIndex(ctx, renamed)
	require.NoError(t, err)

	results, err := NewApplier(s, nil, nil).Apply(ctx, specs[:1], false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.IndexExists, results[0].Outcome)
	assert.Empty(t, results[0].Error)
	assert.Zero(t, Conflicts(results))
	require.Len(t, s.Indexes(), 1)
	assert.Equal(t, "car_angle_idx", s.Indexes()[0].Name)
}
