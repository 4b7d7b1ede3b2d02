package icap

import "strings"

// Header is a case-insensitive name/value mapping that preserves insertion
// order, so encoded requests are deterministic. The zero value is ready to
// use. Header is not safe for concurrent mutation.
//
// ICAP headers are single-valued in practice; Set replaces any previous
// value for the name.
type Header struct {
	names  []string          // display spelling, insertion order
	values map[string]string // lowercase name -> value
}

// Set stores value under name, replacing any previous value. The original
// spelling of the first Set wins for encoding.
func (h *Header) Set(name, value string) {
	key := strings.ToLower(name)
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, exists := h.values[key]; !exists {
		h.names = append(h.names, name)
	}
	h.values[key] = value
}

// Get returns the value stored under name, or "".
func (h *Header) Get(name string) string {
	if h.values == nil {
		return ""
	}
	return h.values[strings.ToLower(name)]
}

// Has reports whether a value is stored under name.
func (h *Header) Has(name string) bool {
	if h.values == nil {
		return false
	}
	_, ok := h.values[strings.ToLower(name)]
	return ok
}

// Del removes the value stored under name.
func (h *Header) Del(name string) {
	key := strings.ToLower(name)
	if h.values == nil {
		return
	}
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, n := range h.names {
		if strings.ToLower(n) == key {
			h.names = append(h.names[:i], h.names[i+1:]...)
			break
		}
	}
}

// Len returns the number of stored headers.
func (h *Header) Len() int {
	return len(h.names)
}

// Each calls fn for every header in insertion order.
func (h *Header) Each(fn func(name, value string)) {
	for _, n := range h.names {
		fn(n, h.values[strings.ToLower(n)])
	}
}

// Clone returns an independent copy of the header.
func (h *Header) Clone() Header {
	var out Header
	h.Each(func(name, value string) {
		out.Set(name, value)
	})
	return out
}
