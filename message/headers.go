package message

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered multimap with case-insensitive names. Insertion
// order is preserved and duplicate names are allowed.
type Headers struct {
	fields []Field
}

// NewHeaders builds headers from name/value pairs.
func NewHeaders(kv ...string) Headers {
	var h Headers
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Get returns the first value for name.
func (h *Headers) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h *Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

func (h *Headers) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces every value of name with value, keeping the position of
// the first occurrence.
func (h *Headers) Set(name, value string) {
	idx := -1
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if idx >= 0 {
				continue
			}
			idx = len(out)
			f.Value = value
		}
		out = append(out, f)
	}
	h.fields = out
	if idx < 0 {
		h.Add(name, value)
	}
}

func (h *Headers) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

func (h *Headers) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the header lines in insertion order.
func (h *Headers) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

func (h *Headers) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.Name, f.Value)
	}
}

func (h *Headers) Clone() Headers {
	return Headers{fields: h.Fields()}
}

// HasToken reports whether a comma separated header contains token,
// e.g. "Connection: keep-alive, Upgrade".
func (h *Headers) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		if httpguts.HeaderValuesContainsToken([]string{v}, token) {
			return true
		}
	}
	return false
}

// ValidField reports whether name and value may appear on the wire.
func ValidField(name, value string) bool {
	return httpguts.ValidHeaderFieldName(name) && httpguts.ValidHeaderFieldValue(value)
}
