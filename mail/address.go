package mail

import "strings"

// Address is a mail participant. Address is the bare addr-spec; Name is an
// optional display name.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address" validate:"required"`
}

// ExtractAddress returns the bare addr-spec from a display-form string.
// For `"Jane" <jane@example.com>` it returns jane@example.com; a string
// without angle brackets is returned as-is.
func ExtractAddress(s string) string {
	s = strings.TrimSpace(s)
	open := strings.LastIndexByte(s, '<')
	if open < 0 {
		return s
	}
	end := strings.IndexByte(s[open:], '>')
	if end < 0 {
		return s
	}
	return s[open+1 : open+end]
}

// Bare returns the addr-spec of a.
func (a Address) Bare() string {
	return ExtractAddress(a.Address)
}

// FormatDisplay renders a for use in a header: `"Name" <address>` when a
// display name is present, the raw address otherwise.
func FormatDisplay(a Address) string {
	if a.Name == "" {
		return a.Address
	}
	name := a.Name
	if !isASCII(name) {
		name = EncodeHeader(name, SchemeB, "utf-8")
		return name + " <" + a.Bare() + ">"
	}
	return `"` + name + `" <` + a.Bare() + `>`
}

// ParseAddress splits a display-form string into an Address. The display
// name, if any, is the text before the angle brackets with surrounding
// quotes and whitespace removed.
func ParseAddress(s string) Address {
	s = strings.TrimSpace(s)
	open := strings.LastIndexByte(s, '<')
	if open < 0 {
		return Address{Address: s}
	}
	name := strings.Trim(strings.TrimSpace(s[:open]), `"`)
	return Address{Name: name, Address: ExtractAddress(s)}
}
