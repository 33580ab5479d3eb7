// Package mime implements the streaming message parser used on received
// bodies: folded header parsing, recursive boundary descent, transfer
// decoding and per-part digests.
package mime

import (
	"strings"
)

// Header is a single message header field. The value is canonicalized:
// whitespace after the colon is trimmed and folded continuation lines
// are joined by a single space.
type Header struct {
	name   string
	value  string
	params map[string]string
}

// NewHeader parses a raw header block, which may span several folded
// lines. Line terminators may be CRLF or LF.
func NewHeader(raw string) *Header {
	lines := strings.Split(raw, "\n")

	var name, value string
	if n, v, found := strings.Cut(strings.TrimRight(lines[0], "\r"), ":"); found {
		name = strings.TrimSpace(n)
		value = strings.TrimSpace(v)
	} else {
		name = strings.TrimSpace(strings.TrimRight(lines[0], "\r"))
	}

	for _, cont := range lines[1:] {
		cont = strings.TrimSpace(strings.TrimRight(cont, "\r"))
		if cont == "" {
			continue
		}
		if value != "" {
			value += " "
		}
		value += cont
	}

	return &Header{
		name:   name,
		value:  value,
		params: parseParameters(value),
	}
}

// NewHeaderNameValue builds a header from an already-split name and value.
func NewHeaderNameValue(name, value string) *Header {
	return &Header{
		name:   name,
		value:  value,
		params: parseParameters(value),
	}
}

// Name returns the header field name.
func (h *Header) Name() string {
	return h.name
}

// Value returns the canonical value including any parameters.
func (h *Header) Value() string {
	return h.value
}

// CleanValue returns the value with parameters stripped, trimmed.
func (h *Header) CleanValue() string {
	v, _, _ := strings.Cut(h.value, ";")
	return strings.TrimSpace(v)
}

// Parameter returns the named parameter value or "" when absent.
// Lookup is case-insensitive.
func (h *Header) Parameter(key string) string {
	return h.params[strings.ToLower(key)]
}

// parseParameters tokenizes everything after the primary value by
// splitting on ';' then 'key=value', stripping optional quotes.
// Malformed tokens are skipped, not fatal.
func parseParameters(value string) map[string]string {
	params := make(map[string]string)
	tokens := strings.Split(value, ";")
	for _, token := range tokens[1:] {
		key, val, found := strings.Cut(token, "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		val = strings.TrimSpace(val)
		val = strings.Trim(val, `"'`)
		params[key] = val
	}
	return params
}

// Headers is an ordered collection of message headers.
type Headers struct {
	headers []*Header
}

// NewHeaders creates an empty header collection.
func NewHeaders() *Headers {
	return &Headers{}
}

// Put appends a header, preserving order.
func (hs *Headers) Put(h *Header) {
	hs.headers = append(hs.headers, h)
}

// Get returns the first header with the given name, case-insensitively.
func (hs *Headers) Get(name string) (*Header, bool) {
	for _, h := range hs.headers {
		if strings.EqualFold(h.name, name) {
			return h, true
		}
	}
	return nil, false
}

// GetValue returns the first value for name, or "" when absent.
func (hs *Headers) GetValue(name string) string {
	if h, ok := hs.Get(name); ok {
		return h.value
	}
	return ""
}

// StartingWith returns all headers whose name has the given prefix,
// case-insensitively. Used to carve content-* headers out for a part.
func (hs *Headers) StartingWith(prefix string) []*Header {
	var found []*Header
	for _, h := range hs.headers {
		if len(h.name) >= len(prefix) && strings.EqualFold(h.name[:len(prefix)], prefix) {
			found = append(found, h)
		}
	}
	return found
}

// All returns the headers in insertion order.
func (hs *Headers) All() []*Header {
	return hs.headers
}

// Size returns the header count.
func (hs *Headers) Size() int {
	return len(hs.headers)
}
