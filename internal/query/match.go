package query

import (
	"strings"

	"github.com/spf13/cast"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
)

// Match evaluates p against doc.
func Match(p Predicate, doc model.Document) bool {
	switch t := p.(type) {
	case nil, All:
		return true
	case None:
		return false
	case And:
		for _, c := range t {
			if !Match(c, doc) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range t {
			if Match(c, doc) {
				return true
			}
		}
		return false
	case Not:
		return !Match(t.P, doc)
	case Equals:
		v, ok := doc.Get(t.Path)
		if !ok {
			return false
		}
		s, isString := v.(string)
		if !isString {
			return false
		}
		if t.FoldCase {
			return strings.EqualFold(s, t.Value)
		}
		return s == t.Value
	case RefEquals:
		v, ok := doc.Get(t.Path)
		if !ok {
			return false
		}
		switch id := v.(type) {
		case model.Ref:
			return id == t.ID
		case string:
			return strings.EqualFold(strings.TrimSpace(id), string(t.ID))
		}
		return false
	case Exists:
		return doc.Has(t.Path)
	case Contains:
		v, ok := doc.Get(t.Path)
		if !ok || v == nil {
			return false
		}
		return strings.Contains(strings.ToLower(cast.ToString(v)), strings.ToLower(t.Text))
	case In:
		v, ok := doc.Get(t.Path)
		if !ok {
			return false
		}
		s, isString := v.(string)
		if !isString {
			return false
		}
		for _, want := range t.Values {
			if s == want {
				return true
			}
		}
		return false
	case IsString:
		v, ok := doc.Get(t.Path)
		if !ok {
			return false
		}
		_, isString := v.(string)
		return isString
	}
	return false
}
