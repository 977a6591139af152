// Package coverage measures how much of the image collection is filterable.
package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

// maxDefects bounds Report.Defects; DefectCount is exact.
const maxDefects = 50

// FieldCoverage is the top-level presence of one filterable field.
type FieldCoverage struct {
	Field   metadata.Field `json:"field"`
	Count   int64          `json:"count"`
	Percent float64        `json:"percent"`
}

// PatternCount is how many images share one field-presence pattern.
type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   int64  `json:"count"`
}

// Defect is a stored value outside the vocabulary.
type Defect struct {
	ID     model.Ref      `json:"id"`
	Field  metadata.Field `json:"field"`
	Value  string         `json:"value"`
	Nested bool           `json:"nested"`
}

// Report is a coverage snapshot of one car or the whole collection.
type Report struct {
	CarID        model.Ref       `json:"car_id,omitempty"`
	Total        int64           `json:"total"`
	Filterable   int64           `json:"filterable"`
	NestedOnly   int64           `json:"nested_only"`
	Unfilterable int64           `json:"unfilterable"`
	Derived      int64           `json:"derived"`
	LegacyCarIDs int64           `json:"legacy_car_ids"`
	Fields       []FieldCoverage `json:"fields"`
	Patterns     []PatternCount  `json:"patterns"`
	Defects      []Defect        `json:"defects,omitempty"`
	DefectCount  int64           `json:"defect_count"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

// Field returns the coverage of f.
func (r *Report) Field(f metadata.Field) FieldCoverage {
	for _, fc := range r.Fields {
		if fc.Field == f {
			return fc
		}
	}
	return FieldCoverage{Field: f}
}

type Reporter struct {
	store store.Store
	vocab *metadata.Vocabulary
}

func NewReporter(s store.Store, vocab *metadata.Vocabulary) *Reporter {
	return &Reporter{store: s, vocab: vocab}
}

// Report scans every image in scope once. An empty carID covers the whole
// collection. It never writes.
func (r *Reporter) Report(ctx context.Context, carID model.Ref) (*Report, error) {
	rep := &Report{CarID: carID, GeneratedAt: time.Now().UTC()}
	fields := make(map[metadata.Field]int64, len(metadata.FilterableFields))
	patterns := make(map[string]int64)

	err := r.store.EachImage(ctx, query.Scope(carID), store.FindOptions{}, func(img model.Image) error {
		rep.Total++
		switch metadata.Classify(img).State() {
		case metadata.Filterable:
			rep.Filterable++
		case metadata.NestedOnly:
			rep.NestedOnly++
		default:
			rep.Unfilterable++
		}
		if metadata.IsDerived(img) {
			rep.Derived++
		}
		if img.CarIDLegacy {
			rep.LegacyCarIDs++
		}
		for f := range metadata.TopLevel(img) {
			fields[f]++
		}
		patterns[metadata.PresencePattern(img)]++

		if r.vocab != nil {
			for _, d := range metadata.AuditValues(img, r.vocab) {
				rep.DefectCount++
				if len(rep.Defects) < maxDefects {
					rep.Defects = append(rep.Defects, Defect{ID: img.ID, Field: d.Field, Value: d.Value, Nested: d.Nested})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan images: %w", err)
	}

	for _, f := range metadata.FilterableFields {
		rep.Fields = append(rep.Fields, FieldCoverage{Field: f, Count: fields[f], Percent: percent(fields[f], rep.Total)})
	}
	for p, n := range patterns {
		rep.Patterns = append(rep.Patterns, PatternCount{Pattern: p, Count: n})
	}
	sort.Slice(rep.Patterns, func(i, j int) bool {
		if rep.Patterns[i].Count != rep.Patterns[j].Count {
			return rep.Patterns[i].Count > rep.Patterns[j].Count
		}
		return rep.Patterns[i].Pattern < rep.Patterns[j].Pattern
	})
	return rep, nil
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// WriteJSON writes r as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes r as aligned tables.
func (r *Report) WriteText(w io.Writer) error {
	scope := "all cars"
	if r.CarID != "" {
		scope = "car " + r.CarID.String()
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Coverage for %s: %d images\n\n", scope, r.Total)
	fmt.Fprintf(tw, "filterable\t%d\t%.1f%%\n", r.Filterable, percent(r.Filterable, r.Total))
	fmt.Fprintf(tw, "nested only\t%d\t%.1f%%\n", r.NestedOnly, percent(r.NestedOnly, r.Total))
	fmt.Fprintf(tw, "unfilterable\t%d\t%.1f%%\n", r.Unfilterable, percent(r.Unfilterable, r.Total))
	fmt.Fprintf(tw, "derived\t%d\t\n", r.Derived)
	fmt.Fprintf(tw, "legacy car ids\t%d\t\n", r.LegacyCarIDs)

	fmt.Fprintln(tw, "\nFIELD\tTOP-LEVEL\tPERCENT")
	for _, fc := range r.Fields {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", fc.Field, fc.Count, fc.Percent)
	}

	fmt.Fprintln(tw, "\nPATTERN\tCOUNT\t")
	for _, pc := range r.Patterns {
		fmt.Fprintf(tw, "%s\t%d\t\n", pc.Pattern, pc.Count)
	}

	if r.DefectCount > 0 {
		fmt.Fprintf(tw, "\n%d values outside the vocabulary", r.DefectCount)
		if int64(len(r.Defects)) < r.DefectCount {
			fmt.Fprintf(tw, " (first %d)", len(r.Defects))
		}
		fmt.Fprintln(tw, "\nID\tFIELD\tVALUE")
		for _, d := range r.Defects {
			field := string(d.Field)
			if d.Nested {
				field += " (nested)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, field, strings.TrimSpace(d.Value))
		}
	}
	return tw.Flush()
}
