package metadata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
)

func image(meta model.Document) model.Image {
	return model.ImageFromDocument(model.Document{"_id": model.Ref("0000000000000000000000a1"), "metadata": meta})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		meta    model.Document
		state   State
		pattern string
	}{
		{"top level", model.Document{"angle": "side", "view": "exterior"}, Filterable, "angle+view"},
		{"top level wins over nested", model.Document{
			"tod":           "day",
			"originalImage": model.Document{"metadata": model.Document{"angle": "front"}},
		}, Filterable, "tod"},
		{"nested only", model.Document{
			"originalImage": model.Document{"metadata": model.Document{"angle": "front"}},
		}, NestedOnly, "(none)"},
		{"blank values", model.Document{"angle": "  ", "view": ""}, Unfilterable, "(none)"},
		{"nothing", model.Document{"description": "a car"}, Unfilterable, "(none)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := image(tt.meta)
			assert.Equal(t, tt.state, Classify(img).State())
			assert.Equal(t, tt.pattern, PresencePattern(img))
		})
	}
}

func TestNestedOriginalRef(t *testing.T) {
	img := image(model.Document{
		"originalImage": model.Document{
			"_id":      "0000000000000000000000B2",
			"metadata": model.Document{"angle": "rear"},
		},
	})
	shape, ok := Classify(img).(NestedMetadata)
	require.True(t, ok)
	assert.Equal(t, model.Ref("0000000000000000000000b2"), shape.OriginalRef)
	assert.Equal(t, Tuple{FieldAngle: "rear"}, shape.Values())

	img = image(model.Document{
		"originalImageId": model.Ref("0000000000000000000000c3"),
		"originalImage":   model.Document{"_id": "0000000000000000000000b2"},
	})
	assert.Equal(t, model.Ref("0000000000000000000000c3"), DirectOriginalRef(img))
	assert.Empty(t, DirectOriginalRef(image(model.Document{"originalImageId": "nope"})))
}

func TestVocabulary(t *testing.T) {
	v := DefaultVocabulary()
	c, ok := v.Canonical(FieldAngle, " FRONT 3/4 ")
	assert.True(t, ok)
	assert.Equal(t, "front 3/4", c)
	assert.False(t, v.Contains(FieldSide, "front"))
	assert.Equal(t, []string{"exterior", "interior"}, v.Values(FieldView))

	_, err := NewVocabulary(map[string][]string{"colour": {"red"}})
	assert.True(t, errors.Is(err, ErrUnknownField))

	f, err := ParseField(" TOD ")
	require.NoError(t, err)
	assert.Equal(t, FieldTOD, f)
}

func TestAuditValues(t *testing.T) {
	img := image(model.Document{
		"angle": "Side",
		"side":  "front",
		"originalImage": model.Document{"metadata": model.Document{"tod": "dusk"}},
	})
	defects := AuditValues(img, DefaultVocabulary())
	assert.Equal(t, []ValueDefect{
		{Field: FieldSide, Value: "front"},
		{Field: FieldTOD, Value: "dusk", Nested: true},
	}, defects)
}

func TestProcessingDefaults(t *testing.T) {
	d := DefaultProcessingDefaults()
	assert.Equal(t, []string{ProcessingCanvasExtension, ProcessingImageCrop, ProcessingMatteGeneration}, d.Kinds())

	crop, ok := d.For("image_crop")
	require.True(t, ok)
	assert.Equal(t, "front 3/4", crop[FieldAngle])
	crop[FieldAngle] = "rear"
	again, _ := d.For("image_crop")
	assert.Equal(t, "front 3/4", again[FieldAngle], "For returns a copy")

	_, ok = d.For("upscale")
	assert.False(t, ok)
}

func TestNewProcessingDefaultsValidates(t *testing.T) {
	vocab := DefaultVocabulary()
	full := map[string]string{"angle": "side", "view": "exterior", "movement": "static", "tod": "day", "side": "driver"}

	_, err := NewProcessingDefaults(map[string]map[string]string{"canvas_extension": full}, vocab)
	assert.NoError(t, err)

	partial := map[string]string{"angle": "side"}
	_, err = NewProcessingDefaults(map[string]map[string]string{"canvas_extension": partial}, vocab)
	assert.ErrorContains(t, err, "missing view")

	bad := map[string]string{"angle": "sideways", "view": "exterior", "movement": "static", "tod": "day", "side": "driver"}
	_, err = NewProcessingDefaults(map[string]map[string]string{"canvas_extension": bad}, vocab)
	assert.ErrorContains(t, err, "not in the vocabulary")

	_, err = NewProcessingDefaults(map[string]map[string]string{" ": full}, vocab)
	assert.Error(t, err)
}
