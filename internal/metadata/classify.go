package metadata

import (
	"strings"

	"github.com/spf13/cast"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
)

// State is the classification of an image's filterable metadata.
type State int

const (
	Unfilterable State = iota
	NestedOnly
	Filterable
)

func (s State) String() string {
	switch s {
	case Filterable:
		return "filterable"
	case NestedOnly:
		return "nested_only"
	default:
		return "unfilterable"
	}
}

// Shape is the resolved storage shape of an image's metadata. It is one of
// FlatMetadata, NestedMetadata or EmptyMetadata.
type Shape interface {
	State() State
	// Values are the filterable values found, top-level for FlatMetadata
	// and nested for NestedMetadata.
	Values() Tuple
}

// FlatMetadata has at least one filterable field at metadata.<field>.
type FlatMetadata struct {
	Fields Tuple
}

func (FlatMetadata) State() State    { return Filterable }
func (m FlatMetadata) Values() Tuple { return m.Fields }

// NestedMetadata only has filterable fields under metadata.originalImage.metadata.
type NestedMetadata struct {
	Fields      Tuple
	OriginalRef model.Ref
}

func (NestedMetadata) State() State    { return NestedOnly }
func (m NestedMetadata) Values() Tuple { return m.Fields }

// EmptyMetadata has no filterable field anywhere.
type EmptyMetadata struct{}

func (EmptyMetadata) State() State  { return Unfilterable }
func (EmptyMetadata) Values() Tuple { return Tuple{} }

// Classify resolves the shape of img. It has no side effects.
func Classify(img model.Image) Shape {
	if top := TopLevel(img); len(top) > 0 {
		return FlatMetadata{Fields: top}
	}
	if nested := Nested(img); len(nested) > 0 {
		return NestedMetadata{Fields: nested, OriginalRef: DirectOriginalRef(img)}
	}
	return EmptyMetadata{}
}

// TopLevel returns the filterable values present at metadata.<field>.
func TopLevel(img model.Image) Tuple {
	return collect(img.Metadata)
}

// Nested returns the filterable values present at metadata.originalImage.metadata.<field>.
func Nested(img model.Image) Tuple {
	return collect(img.Metadata.Sub("originalImage.metadata"))
}

func collect(doc model.Document) Tuple {
	out := Tuple{}
	if doc == nil {
		return out
	}
	for _, f := range FilterableFields {
		if !doc.Has(string(f)) {
			continue
		}
		v, _ := doc.Get(string(f))
		s := strings.TrimSpace(cast.ToString(v))
		if s == "" {
			continue
		}
		out[f] = s
	}
	return out
}

// IsDerived reports whether img was produced by processing another image.
func IsDerived(img model.Image) bool {
	return img.Processing() != ""
}

// DirectOriginalRef returns the original image reference stored on img, if any.
// metadata.originalImageId wins over metadata.originalImage._id.
func DirectOriginalRef(img model.Image) model.Ref {
	for _, path := range []string{"originalImageId", "originalImage._id"} {
		v, ok := img.Metadata.Get(path)
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case model.Ref:
			return t
		case string:
			s := strings.ToLower(strings.TrimSpace(t))
			if model.IsValidRef(s) {
				return model.Ref(s)
			}
		}
	}
	return ""
}

// PresencePattern names the set of top-level filterable fields present,
// e.g. "angle+view", or "(none)".
func PresencePattern(img model.Image) string {
	top := TopLevel(img)
	if len(top) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(top))
	for _, f := range FilterableFields {
		if _, ok := top[f]; ok {
			parts = append(parts, string(f))
		}
	}
	return strings.Join(parts, "+")
}

// ValueDefect is a stored value outside the vocabulary.
type ValueDefect struct {
	Field  Field  `json:"field"`
	Value  string `json:"value"`
	Nested bool   `json:"nested"`
}

// AuditValues lists the top-level and nested values of img that are not in vocab.
func AuditValues(img model.Image, vocab *Vocabulary) []ValueDefect {
	var out []ValueDefect
	check := func(t Tuple, nested bool) {
		for _, f := range FilterableFields {
			v, ok := t[f]
			if !ok || vocab.Contains(f, v) {
				continue
			}
			out = append(out, ValueDefect{Field: f, Value: v, Nested: nested})
		}
	}
	check(TopLevel(img), false)
	check(Nested(img), true)
	return out
}
