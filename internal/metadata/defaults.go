package metadata

import (
	"fmt"
	"sort"
	"strings"
)

// Tuple is one value per filterable field.
type Tuple map[Field]string

// Processing kinds written by the image pipeline.
const (
	ProcessingCanvasExtension = "canvas_extension"
	ProcessingImageCrop       = "image_crop"
	ProcessingMatteGeneration = "matte_generation"
)

// ProcessingDefaults maps a processing kind to the values substituted when a
// derived image's original cannot be resolved. It is immutable once built.
type ProcessingDefaults struct {
	tuples map[string]Tuple
}

// DefaultProcessingDefaultLists documents the fallback tuples.
//
//	canvas_extension  side profile extended onto a wider canvas
//	image_crop        crops are taken from front 3/4 hero shots
//	matte_generation  car cut out onto a matte, shot from the side
//
// All three assume exterior, static, daytime, driver side.
func DefaultProcessingDefaultLists() map[string]map[string]string {
	return map[string]map[string]string{
		ProcessingCanvasExtension: {
			"angle": "side", "view": "exterior", "movement": "static", "tod": "day", "side": "driver",
		},
		ProcessingImageCrop: {
			"angle": "front 3/4", "view": "exterior", "movement": "static", "tod": "day", "side": "driver",
		},
		ProcessingMatteGeneration: {
			"angle": "side", "view": "exterior", "movement": "static", "tod": "day", "side": "driver",
		},
	}
}

// NewProcessingDefaults validates every tuple against vocab. A tuple must set
// every filterable field to a vocabulary value.
func NewProcessingDefaults(lists map[string]map[string]string, vocab *Vocabulary) (*ProcessingDefaults, error) {
	d := &ProcessingDefaults{tuples: make(map[string]Tuple, len(lists))}
	for kind, values := range lists {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			return nil, fmt.Errorf("processing defaults: empty processing kind")
		}
		t := make(Tuple, len(FilterableFields))
		for name, value := range values {
			f, err := ParseField(name)
			if err != nil {
				return nil, fmt.Errorf("processing defaults for %q: %w", kind, err)
			}
			canonical, ok := vocab.Canonical(f, value)
			if !ok {
				return nil, fmt.Errorf("processing defaults for %q: %s=%q is not in the vocabulary", kind, f, value)
			}
			t[f] = canonical
		}
		for _, f := range FilterableFields {
			if _, ok := t[f]; !ok {
				return nil, fmt.Errorf("processing defaults for %q: missing %s", kind, f)
			}
		}
		d.tuples[kind] = t
	}
	return d, nil
}

// DefaultProcessingDefaults builds the documented tuples against the default vocabulary.
func DefaultProcessingDefaults() *ProcessingDefaults {
	d, err := NewProcessingDefaults(DefaultProcessingDefaultLists(), DefaultVocabulary())
	if err != nil {
		panic(err)
	}
	return d
}

// For returns a copy of the tuple for kind.
func (d *ProcessingDefaults) For(kind string) (Tuple, bool) {
	t, ok := d.tuples[strings.TrimSpace(kind)]
	if !ok {
		return nil, false
	}
	cp := make(Tuple, len(t))
	for k, v := range t {
		cp[k] = v
	}
	return cp, true
}

// Kinds lists the processing kinds with a default tuple, sorted.
func (d *ProcessingDefaults) Kinds() []string {
	out := make([]string, 0, len(d.tuples))
	for k := range d.tuples {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
