package model

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Document paths shared by the store backends, the classifier and the passes.
const (
	PathID          = "_id"
	PathURL         = "url"
	PathFilename    = "filename"
	PathCarID       = "carId"
	PathMetadata    = "metadata"
	PathCreatedAt   = "createdAt"
	PathUpdatedAt   = "updatedAt"
	PathProcessing  = "metadata.processing"
	PathDescription = "metadata.description"
	PathCategory    = "metadata.category"

	PathOriginalImage    = "metadata.originalImage"
	PathOriginalMetadata = "metadata.originalImage.metadata"
	PathOriginalImageID  = "metadata.originalImageId"
	PathOriginalEmbedID  = "metadata.originalImage._id"
	PathOriginalEmbedURL = "metadata.originalImage.url"
	PathOriginalURL      = "metadata.originalUrl"
	PathSourceURL        = "metadata.sourceUrl"
)

// MetadataPath returns the top-level metadata path of a field name.
func MetadataPath(field string) string {
	return PathMetadata + "." + field
}

// NestedMetadataPath returns the legacy nested path of a field name.
func NestedMetadataPath(field string) string {
	return PathOriginalMetadata + "." + field
}

// Image is a typed view over an image document.
type Image struct {
	ID       Ref
	URL      string
	Filename string

	// CarID is the canonical owning-entity reference. CarIDLegacy is set
	// when the stored value was a string rather than an identifier; CarIDRaw
	// keeps whatever was stored.
	CarID       Ref
	CarIDLegacy bool
	CarIDRaw    any

	Metadata  Document
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImageFromDocument decodes an image view. Unknown fields are kept in Metadata
// only when they live under "metadata".
func ImageFromDocument(doc Document) Image {
	img := Image{
		URL:      cast.ToString(valueOf(doc, PathURL)),
		Filename: cast.ToString(valueOf(doc, PathFilename)),
		Metadata: doc.Sub(PathMetadata),
	}
	if img.Metadata == nil {
		img.Metadata = Document{}
	}

	switch id := valueOf(doc, PathID).(type) {
	case Ref:
		img.ID = id
	case string:
		img.ID = Ref(id)
	}

	raw, present := doc.Get(PathCarID)
	if present && raw != nil {
		img.CarIDRaw = raw
		switch v := raw.(type) {
		case Ref:
			img.CarID = v
		case string:
			img.CarIDLegacy = true
			if IsValidRef(strings.TrimSpace(v)) {
				img.CarID = Ref(strings.ToLower(strings.TrimSpace(v)))
			}
		}
	}

	img.CreatedAt = toTime(valueOf(doc, PathCreatedAt))
	img.UpdatedAt = toTime(valueOf(doc, PathUpdatedAt))
	return img
}

// Document returns the full image document, the inverse of ImageFromDocument.
func (img Image) Document() Document {
	meta := img.Metadata.Clone()
	if meta == nil {
		meta = Document{}
	}
	doc := Document{
		PathURL:      img.URL,
		PathFilename: img.Filename,
		PathMetadata: meta,
	}
	if img.ID != "" {
		doc[PathID] = img.ID
	}
	switch {
	case img.CarIDRaw != nil:
		doc[PathCarID] = img.CarIDRaw
	case img.CarID != "":
		doc[PathCarID] = img.CarID
	}
	if !img.CreatedAt.IsZero() {
		doc[PathCreatedAt] = img.CreatedAt
	}
	if !img.UpdatedAt.IsZero() {
		doc[PathUpdatedAt] = img.UpdatedAt
	}
	return doc
}

// MetaString returns metadata[path] as a trimmed string ("" when absent).
// path is relative to the metadata document.
func (img Image) MetaString(path string) string {
	v, ok := img.Metadata.Get(path)
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(cast.ToString(v))
}

// MetaValue resolves a full document path under "metadata", e.g.
// metadata.originalImage.url. Other paths yield (nil, false).
func (img Image) MetaValue(path string) (any, bool) {
	rest, ok := strings.CutPrefix(path, PathMetadata+".")
	if !ok {
		return nil, false
	}
	return img.Metadata.Get(rest)
}

// Processing is the provenance marker of derived images, "" for originals.
func (img Image) Processing() string {
	return img.MetaString("processing")
}

// Car is the owning entity of images.
type Car struct {
	ID     Ref
	Make   string
	Model  string
	Year   int
	Images []string
}

// CarFromDocument decodes a car document.
func CarFromDocument(doc Document) Car {
	car := Car{
		Make:  cast.ToString(valueOf(doc, "make")),
		Model: cast.ToString(valueOf(doc, "model")),
		Year:  cast.ToInt(valueOf(doc, "year")),
	}
	switch id := valueOf(doc, PathID).(type) {
	case Ref:
		car.ID = id
	case string:
		car.ID = Ref(id)
	}
	car.Images = cast.ToStringSlice(valueOf(doc, "images"))
	return car
}

// DeliveryMetadata is the provider-side metadata of a delivered asset,
// mirrored into the image_metadata collection.
type DeliveryMetadata struct {
	AssetID   string
	Values    Document
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Document flattens the provider values next to the bookkeeping fields.
func (m DeliveryMetadata) Document() Document {
	doc := m.Values.Clone()
	if doc == nil {
		doc = Document{}
	}
	doc["imageId"] = m.AssetID
	doc[PathCreatedAt] = m.CreatedAt
	doc[PathUpdatedAt] = m.UpdatedAt
	return doc
}

func valueOf(doc Document, path string) any {
	v, _ := doc.Get(path)
	return v
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return t
	}
	ts, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
