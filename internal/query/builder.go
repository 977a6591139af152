package query

import (
	"strings"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
)

// Request is a client filter request.
type Request struct {
	// CarID scopes the query to one owning entity; empty means the whole collection.
	CarID   model.Ref
	Filters map[metadata.Field]string
	Search  string
}

// SearchPaths are the document paths free-text search looks at.
var SearchPaths = []string{model.PathFilename, model.PathDescription, model.PathCategory}

// Builder turns requests into predicates. It holds an immutable vocabulary.
type Builder struct {
	vocab *metadata.Vocabulary
}

func NewBuilder(vocab *metadata.Vocabulary) *Builder {
	return &Builder{vocab: vocab}
}

// Build returns scope AND search AND (per field: top-level OR nested).
//
// A filter value outside the vocabulary makes the whole request a no-match
// rather than an error. An empty request matches everything in scope.
func (b *Builder) Build(req Request) Predicate {
	parts := []Predicate{Scope(req.CarID)}

	for _, f := range metadata.FilterableFields {
		value, ok := req.Filters[f]
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		parts = append(parts, b.FieldMatch(f, value))
	}

	parts = append(parts, Search(req.Search))
	return Conj(parts...)
}

// FieldMatch matches f=value at either storage location, ignoring case.
func (b *Builder) FieldMatch(f metadata.Field, value string) Predicate {
	canonical, ok := b.vocab.Canonical(f, value)
	if !ok {
		return None{}
	}
	return Or{
		Equals{Path: f.Path(), Value: canonical, FoldCase: true},
		Equals{Path: f.NestedPath(), Value: canonical, FoldCase: true},
	}
}

// Unknown lists the fields whose requested value is outside the vocabulary.
// Callers that want to warn about no-match requests use it; Build never fails.
func (b *Builder) Unknown(req Request) []metadata.Field {
	var unknown []metadata.Field
	for _, f := range metadata.FilterableFields {
		value, ok := req.Filters[f]
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if !b.vocab.Contains(f, value) {
			unknown = append(unknown, f)
		}
	}
	return unknown
}

// Scope restricts to one owning entity, or is All for an empty id.
func Scope(carID model.Ref) Predicate {
	if carID == "" {
		return All{}
	}
	return RefEquals{Path: model.PathCarID, ID: carID}
}

// Search is a case-insensitive substring match over SearchPaths, or All for
// blank text.
func Search(text string) Predicate {
	text = strings.TrimSpace(text)
	if text == "" {
		return All{}
	}
	alts := make([]Predicate, 0, len(SearchPaths))
	for _, path := range SearchPaths {
		alts = append(alts, Contains{Path: path, Text: text})
	}
	return Disj(alts...)
}

// ParseFilters converts raw name=value pairs into field filters.
// Unknown field names are an error; blank values are dropped.
func ParseFilters(raw map[string]string) (map[metadata.Field]string, error) {
	out := make(map[metadata.Field]string, len(raw))
	for name, value := range raw {
		if strings.TrimSpace(value) == "" {
			continue
		}
		f, err := metadata.ParseField(name)
		if err != nil {
			return nil, err
		}
		out[f] = strings.TrimSpace(value)
	}
	return out, nil
}

func anyTopLevel() Predicate {
	alts := make([]Predicate, 0, len(metadata.FilterableFields))
	for _, f := range metadata.FilterableFields {
		alts = append(alts, Exists{Path: f.Path()})
	}
	return Disj(alts...)
}

func anyNested() Predicate {
	alts := make([]Predicate, 0, len(metadata.FilterableFields))
	for _, f := range metadata.FilterableFields {
		alts = append(alts, Exists{Path: f.NestedPath()})
	}
	return Disj(alts...)
}

// FilterableOnly matches records classified Filterable.
func FilterableOnly() Predicate { return anyTopLevel() }

// NestedOnlyCandidates matches records classified NestedOnly.
func NestedOnlyCandidates() Predicate {
	return Conj(Not{P: anyTopLevel()}, anyNested())
}

// DerivedUnfilterable matches derived records classified Unfilterable.
func DerivedUnfilterable() Predicate {
	return Conj(Exists{Path: model.PathProcessing}, Not{P: anyTopLevel()}, Not{P: anyNested()})
}

// LegacyCarIDs matches records whose carId is stored as a string.
func LegacyCarIDs() Predicate {
	return IsString{Path: model.PathCarID}
}
