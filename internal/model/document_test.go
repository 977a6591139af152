package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("  0000000000000000000000C0 ")
	require.NoError(t, err)
	assert.Equal(t, Ref("0000000000000000000000c0"), ref)

	for _, bad := range []string{"", "c0", "zz00000000000000000000c0", "0000000000000000000000c0ff"} {
		_, err := ParseRef(bad)
		assert.True(t, errors.Is(err, ErrInvalidRef), bad)
	}
}

func TestDocumentPaths(t *testing.T) {
	d := Document{"metadata": map[string]any{"angle": "side", "blank": "  ", "originalImage": Document{}}}

	v, ok := d.Get("metadata.angle")
	assert.True(t, ok)
	assert.Equal(t, "side", v)

	_, ok = d.Get("metadata.angle.deeper")
	assert.False(t, ok)

	assert.True(t, d.Has("metadata.angle"))
	assert.False(t, d.Has("metadata.blank"))
	assert.False(t, d.Has("metadata.originalImage"))
	assert.False(t, d.Has("metadata.missing"))

	d.Set("metadata.originalImage.metadata.view", "exterior")
	assert.Equal(t, Document{"view": "exterior"}, d.Sub("metadata.originalImage.metadata"))

	d.Delete("metadata.angle")
	assert.False(t, d.Has("metadata.angle"))
	d.Delete("nowhere.at.all")
}

func TestCloneIsDeep(t *testing.T) {
	orig := Document{"metadata": Document{"tags": []any{"a", Document{"k": "v"}}}}
	cp := orig.Clone()
	cp.Set("metadata.angle", "front")
	cp.Sub("metadata")["tags"].([]any)[1].(Document)["k"] = "changed"

	assert.False(t, orig.Has("metadata.angle"))
	v, _ := orig.Get("metadata.tags")
	assert.Equal(t, "v", v.([]any)[1].(Document)["k"])
}

func TestImageFromDocument(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := Document{
		"_id":       "0000000000000000000000a1",
		"carId":     " 0000000000000000000000C0 ",
		"url":       "https://imagedelivery.net/acct/asset/public",
		"metadata":  Document{"angle": " side ", "processing": "image_crop"},
		"createdAt": created,
		"updatedAt": "2024-03-02T00:00:00Z",
	}
	img := ImageFromDocument(doc)

	assert.Equal(t, Ref("0000000000000000000000a1"), img.ID)
	assert.Equal(t, Ref("0000000000000000000000c0"), img.CarID)
	assert.True(t, img.CarIDLegacy)
	assert.Equal(t, "side", img.MetaString("angle"))
	assert.Equal(t, "image_crop", img.Processing())
	assert.Equal(t, created, img.CreatedAt)
	assert.Equal(t, 2, img.UpdatedAt.Day())

	v, ok := img.MetaValue("metadata.processing")
	assert.True(t, ok)
	assert.Equal(t, "image_crop", v)
	_, ok = img.MetaValue("url")
	assert.False(t, ok)

	back := img.Document()
	assert.Equal(t, doc["carId"], back["carId"], "legacy car id is written back as stored")
	assert.Equal(t, doc["url"], back["url"])
}

func TestImageFromDocumentInvalidCarID(t *testing.T) {
	img := ImageFromDocument(Document{"_id": Ref("0000000000000000000000a1"), "carId": "not-an-id"})
	assert.True(t, img.CarIDLegacy)
	assert.Empty(t, img.CarID)
	assert.NotNil(t, img.Metadata)
}

func TestDeliveryMetadataDocument(t *testing.T) {
	now := time.Now()
	md := DeliveryMetadata{AssetID: "asset-1", Values: Document{"angle": "side"}, CreatedAt: now, UpdatedAt: now}
	doc := md.Document()
	assert.Equal(t, "asset-1", doc["imageId"])
	assert.Equal(t, "side", doc["angle"])
	assert.NotContains(t, md.Values, "imageId")
}

func TestCarFromDocument(t *testing.T) {
	car := CarFromDocument(Document{"_id": Ref("0000000000000000000000c0"), "make": "Porsche", "year": "1973", "images": []any{"a", "b"}})
	assert.Equal(t, "Porsche", car.Make)
	assert.Equal(t, 1973, car.Year)
	assert.Equal(t, []string{"a", "b"}, car.Images)
}
