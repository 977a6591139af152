package metadata

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
)

// Field is a filterable metadata field.
type Field string

const (
	FieldAngle    Field = "angle"
	FieldView     Field = "view"
	FieldMovement Field = "movement"
	FieldTOD      Field = "tod"
	FieldSide     Field = "side"
)

// FilterableFields lists the fields clients filter on, in reporting order.
var FilterableFields = []Field{FieldAngle, FieldView, FieldMovement, FieldTOD, FieldSide}

var ErrUnknownField = errors.New("unknown metadata field")

// ParseField accepts a field name in any case.
func ParseField(s string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range FilterableFields {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// Path is the top-level storage path, e.g. metadata.angle.
func (f Field) Path() string { return model.MetadataPath(string(f)) }

// NestedPath is the legacy storage path under metadata.originalImage.metadata.
func (f Field) NestedPath() string { return model.NestedMetadataPath(string(f)) }

// Vocabulary is the immutable set of allowed values per field. Lookups are
// case-insensitive and return the canonical spelling.
type Vocabulary struct {
	values map[Field]map[string]string
	order  map[Field][]string
}

// NewVocabulary copies the given value lists. Unknown field names are rejected.
func NewVocabulary(lists map[string][]string) (*Vocabulary, error) {
	v := &Vocabulary{
		values: make(map[Field]map[string]string, len(lists)),
		order:  make(map[Field][]string, len(lists)),
	}
	for name, values := range lists {
		f, err := ParseField(name)
		if err != nil {
			return nil, err
		}
		set := make(map[string]string, len(values))
		ordered := make([]string, 0, len(values))
		for _, value := range values {
			canonical := strings.TrimSpace(value)
			if canonical == "" {
				continue
			}
			key := strings.ToLower(canonical)
			if _, dup := set[key]; dup {
				continue
			}
			set[key] = canonical
			ordered = append(ordered, canonical)
		}
		v.values[f] = set
		v.order[f] = ordered
	}
	for _, f := range FilterableFields {
		if len(v.values[f]) == 0 {
			return nil, fmt.Errorf("vocabulary for %q is empty", f)
		}
	}
	return v, nil
}

// DefaultVocabularyLists is the canonical vocabulary. The side list used by
// older upload paths also carried "front"; it is intentionally absent and
// such values are reported as defects.
func DefaultVocabularyLists() map[string][]string {
	return map[string][]string{
		string(FieldAngle):    {"front", "front 3/4", "side", "rear 3/4", "rear", "overhead", "under"},
		string(FieldView):     {"exterior", "interior"},
		string(FieldMovement): {"static", "motion"},
		string(FieldTOD):      {"sunrise", "day", "sunset", "night"},
		string(FieldSide):     {"driver", "passenger", "rear", "overhead"},
	}
}

// DefaultVocabulary returns the canonical vocabulary.
func DefaultVocabulary() *Vocabulary {
	v, err := NewVocabulary(DefaultVocabularyLists())
	if err != nil {
		panic(err)
	}
	return v
}

// Contains reports whether value is allowed for f, ignoring case.
func (v *Vocabulary) Contains(f Field, value string) bool {
	_, ok := v.Canonical(f, value)
	return ok
}

// Canonical returns the canonical spelling of value for f.
func (v *Vocabulary) Canonical(f Field, value string) (string, bool) {
	set, ok := v.values[f]
	if !ok {
		return "", false
	}
	c, ok := set[strings.ToLower(strings.TrimSpace(value))]
	return c, ok
}

// Values returns the allowed values of f in declaration order.
func (v *Vocabulary) Values(f Field) []string {
	out := make([]string, len(v.order[f]))
	copy(out, v.order[f])
	return out
}

// Lists returns a copy of the vocabulary keyed by field name.
func (v *Vocabulary) Lists() map[string][]string {
	out := make(map[string][]string, len(v.order))
	for f := range v.order {
		out[string(f)] = v.Values(f)
	}
	return out
}

// Fields returns the fields present in the vocabulary, sorted.
func (v *Vocabulary) Fields() []Field {
	out := make([]Field, 0, len(v.values))
	for f := range v.values {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
