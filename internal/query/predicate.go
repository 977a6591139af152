// Package query builds backend-neutral predicates over image documents.
// Store backends render them natively; Match evaluates them in memory.
package query

import (
	"fmt"
	"strings"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
)

// Predicate is a node of the filter tree.
type Predicate interface {
	fmt.Stringer
	isPredicate()
}

// All matches every document.
type All struct{}

// None matches no document.
type None struct{}

// And matches when every child matches. An empty And matches everything.
type And []Predicate

// Or matches when any child matches. An empty Or matches nothing.
type Or []Predicate

// Not negates its child.
type Not struct{ P Predicate }

// Equals compares the value at Path with Value. With FoldCase the comparison
// ignores case; stored values that are not strings never match.
type Equals struct {
	Path     string
	Value    string
	FoldCase bool
}

// RefEquals matches an identifier field. Legacy string encodings of the same
// identifier also match.
type RefEquals struct {
	Path string
	ID   model.Ref
}

// Exists matches when Path holds a present, non-empty value.
type Exists struct{ Path string }

// Contains is a case-insensitive substring match.
type Contains struct {
	Path string
	Text string
}

// In matches when the value at Path equals one of Values exactly.
type In struct {
	Path   string
	Values []string
}

// IsString matches when Path holds a string (used to find legacy references).
type IsString struct{ Path string }

func (All) isPredicate()       {}
func (None) isPredicate()      {}
func (And) isPredicate()       {}
func (Or) isPredicate()        {}
func (Not) isPredicate()       {}
func (Equals) isPredicate()    {}
func (RefEquals) isPredicate() {}
func (Exists) isPredicate()    {}
func (Contains) isPredicate()  {}
func (In) isPredicate()        {}
func (IsString) isPredicate()  {}

func (All) String() string  { return "TRUE" }
func (None) String() string { return "FALSE" }

func (a And) String() string { return joinPredicates(a, " AND ", "TRUE") }
func (o Or) String() string  { return joinPredicates(o, " OR ", "FALSE") }

func (n Not) String() string { return "NOT " + n.P.String() }

func (e Equals) String() string {
	if e.FoldCase {
		return fmt.Sprintf("%s ~= %q", e.Path, e.Value)
	}
	return fmt.Sprintf("%s = %q", e.Path, e.Value)
}

func (r RefEquals) String() string { return fmt.Sprintf("%s = ref(%s)", r.Path, r.ID) }
func (e Exists) String() string    { return fmt.Sprintf("exists(%s)", e.Path) }
func (c Contains) String() string  { return fmt.Sprintf("%s contains %q", c.Path, c.Text) }
func (i In) String() string        { return fmt.Sprintf("%s in %q", i.Path, i.Values) }
func (s IsString) String() string  { return fmt.Sprintf("is_string(%s)", s.Path) }

func joinPredicates(ps []Predicate, sep, empty string) string {
	if len(ps) == 0 {
		return empty
	}
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = "(" + p.String() + ")"
	}
	return strings.Join(parts, sep)
}

// Conj ANDs predicates, dropping All, collapsing to None when any child is
// None, and unwrapping single children.
func Conj(ps ...Predicate) Predicate {
	var out And
	for _, p := range ps {
		switch t := p.(type) {
		case nil, All:
			continue
		case None:
			return None{}
		case And:
			for _, c := range t {
				if _, none := c.(None); none {
					return None{}
				}
			}
			out = append(out, t...)
		default:
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return All{}
	case 1:
		return out[0]
	}
	return out
}

// Disj ORs predicates, dropping None, collapsing to All when any child is All.
func Disj(ps ...Predicate) Predicate {
	var out Or
	for _, p := range ps {
		switch p.(type) {
		case nil, None:
			continue
		case All:
			return All{}
		default:
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return None{}
	case 1:
		return out[0]
	}
	return out
}
