package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Ref is the canonical identifier of a stored record: the 24 character
// hex form of a database object id.
type Ref string

// IsValidRef reports whether s is a well-formed canonical identifier.
func IsValidRef(s string) bool {
	if len(s) != 24 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func (r Ref) String() string { return string(r) }

var ErrInvalidRef = errors.New("invalid identifier")

// ParseRef normalizes user input into a Ref.
func ParseRef(s string) (Ref, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !IsValidRef(s) {
		return "", fmt.Errorf("%w %q: want 24 hex characters", ErrInvalidRef, s)
	}
	return Ref(s), nil
}

// Document is an open, loosely typed record as read from the store.
// Nested documents are Document values, identifiers are Ref values.
type Document map[string]any

// Get resolves a dotted path. Missing intermediate documents yield (nil, false).
func (d Document) Get(path string) (any, bool) {
	if d == nil {
		return nil, false
	}
	var cur any = d
	for _, part := range strings.Split(path, ".") {
		m, ok := asDocument(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Has reports whether path resolves to a present, non-nil, non-empty value.
// Empty strings and empty documents count as absent.
func (d Document) Has(path string) bool {
	v, ok := d.Get(path)
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case Document:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// Sub returns the nested document at path, or nil.
func (d Document) Sub(path string) Document {
	v, ok := d.Get(path)
	if !ok {
		return nil
	}
	m, _ := asDocument(v)
	return m
}

// Set writes value at a dotted path, creating intermediate documents.
func (d Document) Set(path string, value any) {
	parts := strings.Split(path, ".")
	cur := d
	for _, part := range parts[:len(parts)-1] {
		next, ok := asDocument(cur[part])
		if !ok {
			next = Document{}
		}
		cur[part] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Delete removes the value at a dotted path if present.
func (d Document) Delete(path string) {
	parts := strings.Split(path, ".")
	cur := d
	for _, part := range parts[:len(parts)-1] {
		next, ok := asDocument(cur[part])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// Clone deep-copies nested documents and slices.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]any:
		return Document(t).Clone()
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	}
	return v
}

func asDocument(v any) (Document, bool) {
	switch t := v.(type) {
	case Document:
		return t, true
	case map[string]any:
		return Document(t), true
	}
	return nil, false
}
