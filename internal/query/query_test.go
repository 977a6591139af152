package query

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
)

const car = model.Ref("0000000000000000000000c0")

func docs() []model.Document {
	nested := func(m model.Document) model.Document {
		return model.Document{"originalImage": model.Document{"metadata": m}}
	}
	metas := []model.Document{
		{"angle": "side", "view": "exterior", "tod": "day"},
		{"angle": "SIDE", "view": "interior"},
		nested(model.Document{"angle": "Side", "view": "exterior"}),
		{"angle": "front", "view": "exterior", "filename": "ignored"},
		{"angle": "rear 3/4"},
		{},
		{"angle": 7},
	}
	out := make([]model.Document, 0, len(metas))
	for i, m := range metas {
		out = append(out, model.Document{
			"_id":      model.Ref(fmt.Sprintf("%024x", i+1)),
			"carId":    car,
			"filename": fmt.Sprintf("shoot-%d.jpg", i+1),
			"metadata": m,
		})
	}
	out = append(out, model.Document{"_id": model.Ref(fmt.Sprintf("%024x", 99)), "carId": "0000000000000000000000C1",
		"metadata": model.Document{"angle": "side"}})
	return out
}

func matching(p Predicate) []int {
	var ids []int
	for i, d := range docs() {
		if Match(p, d) {
			ids = append(ids, i+1)
		}
	}
	return ids
}

func build(req Request) Predicate {
	return NewBuilder(metadata.DefaultVocabulary()).Build(req)
}

func TestBuildMatchesEitherLocationIgnoringCase(t *testing.T) {
	got := matching(build(Request{CarID: car, Filters: map[metadata.Field]string{metadata.FieldAngle: "side"}}))
	assert.Equal(t, []int{1, 2, 3}, got)

	got = matching(build(Request{Filters: map[metadata.Field]string{metadata.FieldAngle: "Side"}}))
	assert.Equal(t, []int{1, 2, 3, 8}, got, "no scope matches every car, including legacy string ids")
}

func TestConjunctionNeverWidens(t *testing.T) {
	chain := []map[metadata.Field]string{
		{metadata.FieldAngle: "side"},
		{metadata.FieldAngle: "side", metadata.FieldView: "exterior"},
		{metadata.FieldAngle: "side", metadata.FieldView: "exterior", metadata.FieldTOD: "day"},
	}
	prev := matching(build(Request{CarID: car}))
	for _, filters := range chain {
		cur := matching(build(Request{CarID: car, Filters: filters}))
		assert.LessOrEqual(t, len(cur), len(prev))
		assert.Subset(t, prev, cur)
		prev = cur
	}
	assert.Equal(t, []int{1}, prev)
}

func TestCaseVariantsAgree(t *testing.T) {
	want := matching(build(Request{Filters: map[metadata.Field]string{metadata.FieldAngle: "rear 3/4"}}))
	require.Equal(t, []int{5}, want)
	for _, v := range []string{"REAR 3/4", "Rear 3/4", "  rear 3/4 "} {
		got := matching(build(Request{Filters: map[metadata.Field]string{metadata.FieldAngle: v}}))
		assert.Equal(t, want, got, v)
	}
}

func TestUnknownValueMatchesNothing(t *testing.T) {
	b := NewBuilder(metadata.DefaultVocabulary())
	req := Request{CarID: car, Filters: map[metadata.Field]string{metadata.FieldAngle: "sideways", metadata.FieldView: "exterior"}}
	assert.Equal(t, None{}, b.Build(req))
	assert.Equal(t, []metadata.Field{metadata.FieldAngle}, b.Unknown(req))
	assert.Empty(t, matching(b.Build(req)))
}

func TestEmptyRequestMatchesScope(t *testing.T) {
	assert.Len(t, matching(build(Request{CarID: car})), 7)
	assert.Equal(t, All{}, build(Request{}))
}

func TestSearch(t *testing.T) {
	got := matching(build(Request{CarID: car, Search: "SHOOT-4"}))
	assert.Equal(t, []int{4}, got)
	assert.Equal(t, All{}, Search("   "))
}

func TestParseFilters(t *testing.T) {
	f, err := ParseFilters(map[string]string{"Angle": " side ", "view": " "})
	require.NoError(t, err)
	assert.Equal(t, map[metadata.Field]string{metadata.FieldAngle: "side"}, f)

	_, err = ParseFilters(map[string]string{"colour": "red"})
	assert.True(t, errors.Is(err, metadata.ErrUnknownField))
}

func TestClassificationPredicatesAgreeWithClassify(t *testing.T) {
	for _, d := range docs() {
		state := metadata.Classify(model.ImageFromDocument(d)).State()
		assert.Equal(t, state == metadata.Filterable, Match(FilterableOnly(), d), d["_id"])
		assert.Equal(t, state == metadata.NestedOnly, Match(NestedOnlyCandidates(), d), d["_id"])
	}
	assert.Equal(t, []int{8}, matching(LegacyCarIDs()))
}

func TestConjDisjSimplify(t *testing.T) {
	e := Equals{Path: "a", Value: "x"}
	assert.Equal(t, All{}, Conj())
	assert.Equal(t, e, Conj(All{}, e))
	assert.Equal(t, None{}, Conj(e, None{}))
	assert.Equal(t, And{e, e}, Conj(And{e}, e))
	assert.Equal(t, None{}, Disj())
	assert.Equal(t, All{}, Disj(e, All{}))
	assert.Equal(t, e, Disj(None{}, e))
}

func TestMatchStrictness(t *testing.T) {
	d := model.Document{"metadata": model.Document{"angle": 7, "view": "Exterior"}, "carId": car}
	assert.False(t, Match(Equals{Path: "metadata.angle", Value: "7"}, d), "non-string values never match")
	assert.False(t, Match(Equals{Path: "metadata.view", Value: "exterior"}, d))
	assert.True(t, Match(Equals{Path: "metadata.view", Value: "exterior", FoldCase: true}, d))
	assert.False(t, Match(In{Path: "metadata.view", Values: []string{"exterior"}}, d))
	assert.True(t, Match(Not{P: IsString{Path: "carId"}}, d))
	assert.Equal(t, `NOT is_string(carId)`, Not{P: IsString{Path: "carId"}}.String())
}
