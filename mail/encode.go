package mail

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// MaxLineLength is the maximum encoded line length per RFC 2045.
const MaxLineLength = 76

// MaxHeaderLength is the recommended header line length per RFC 5322.
const MaxHeaderLength = 78

// EncodeBase64 returns the standard base64 encoding of b with padding.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// EncodeBase64Wrapped encodes b as base64 and inserts a CRLF after every
// lineLen output characters. The final line carries no terminator.
func EncodeBase64Wrapped(b []byte, lineLen int) string {
	if lineLen <= 0 {
		lineLen = MaxLineLength
	}
	encoded := base64.StdEncoding.EncodeToString(b)
	if len(encoded) <= lineLen {
		return encoded
	}

	var sb strings.Builder
	sb.Grow(len(encoded) + 2*(len(encoded)/lineLen))
	for len(encoded) > lineLen {
		sb.WriteString(encoded[:lineLen])
		sb.WriteString("\r\n")
		encoded = encoded[lineLen:]
	}
	sb.WriteString(encoded)
	return sb.String()
}

const hexUpper = "0123456789ABCDEF"

// qpNeedsEncoding reports whether byte c must always be escaped in a
// quoted-printable body.
func qpNeedsEncoding(c byte) bool {
	if c == '\t' {
		return false
	}
	return c < 0x20 || c > 0x7E || c == '='
}

// EncodeQP encodes s as quoted-printable per RFC 2045. Tabs and spaces are
// escaped only when they end a line, a lone LF becomes CRLF, a CRLF pair
// passes through, and a lone CR is escaped. Soft breaks keep encoded lines
// within lineLen characters and never split an =HH triplet.
func EncodeQP(s string, lineLen int) string {
	if lineLen <= 0 {
		lineLen = MaxLineLength
	}

	var sb strings.Builder
	sb.Grow(len(s) + len(s)/8)
	cur := 0

	writeToken := func(tok string) {
		// Reserve one column for a potential trailing soft-break marker.
		if cur+len(tok) > lineLen-1 {
			sb.WriteString("=\r\n")
			cur = 0
		}
		sb.WriteString(tok)
		cur += len(tok)
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case c == '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				sb.WriteString("\r\n")
				cur = 0
				i++
			} else {
				writeToken("=0D")
			}
		case c == '\n':
			sb.WriteString("\r\n")
			cur = 0
		case c == ' ' || c == '\t':
			atLineEnd := i+1 == len(s) || s[i+1] == '\n' || s[i+1] == '\r'
			if atLineEnd {
				writeToken(escapeQP(c))
			} else {
				writeToken(string(c))
			}
		case qpNeedsEncoding(c):
			writeToken(escapeQP(c))
		default:
			writeToken(string(c))
		}
	}
	return sb.String()
}

func escapeQP(c byte) string {
	return string([]byte{'=', hexUpper[c>>4], hexUpper[c&0x0F]})
}

// DecodeQP reverses quoted-printable encoding. Soft breaks vanish, =HH
// sequences decode to the raw byte, and a stray = followed by anything else
// passes through literally.
func DecodeQP(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '=' {
			sb.WriteByte(c)
			continue
		}
		// Soft break: = immediately before CRLF.
		if i+2 < len(s) && s[i+1] == '\r' && s[i+2] == '\n' {
			i += 2
			continue
		}
		if i+2 < len(s) {
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				sb.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// HeaderScheme selects the RFC 2047 encoded-word scheme.
type HeaderScheme byte

const (
	// SchemeB is base64 encoding.
	SchemeB HeaderScheme = 'B'
	// SchemeQ is the Q variant of quoted-printable.
	SchemeQ HeaderScheme = 'Q'
)

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}

// EncodeHeader wraps text in an RFC 2047 encoded word using the given scheme.
// ASCII-only input is returned unchanged.
func EncodeHeader(text string, scheme HeaderScheme, charset string) string {
	if isASCII(text) {
		return text
	}
	if charset == "" {
		charset = "utf-8"
	}

	var payload, letter string
	switch scheme {
	case SchemeQ:
		var sb strings.Builder
		for i := 0; i < len(text); i++ {
			c := text[i]
			switch {
			case c == ' ':
				sb.WriteByte('_')
			case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
				sb.WriteByte(c)
			default:
				sb.WriteString(escapeQP(c))
			}
		}
		payload, letter = sb.String(), "Q"
	default:
		payload, letter = base64.StdEncoding.EncodeToString([]byte(text)), "B"
	}
	return "=?" + charset + "?" + letter + "?" + payload + "?="
}

var encodedWordRe = regexp.MustCompile(`=\?([^?\s]+)\?([bBqQ])\?([^?\s]*)\?=`)

// DecodeHeader reverses RFC 2047 encoded words within s, leaving ordinary
// segments untouched. A word whose payload does not decode is kept verbatim.
func DecodeHeader(s string) string {
	return encodedWordRe.ReplaceAllStringFunc(s, func(word string) string {
		m := encodedWordRe.FindStringSubmatch(word)
		scheme := m[2]
		payload := m[3]

		switch scheme {
		case "B", "b":
			decoded, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return word
			}
			return string(decoded)
		default: // Q, q
			return DecodeQP(strings.ReplaceAll(payload, "_", " "))
		}
	})
}

// FoldHeader wraps a header line at whitespace so no physical line exceeds
// max characters, continuing with CRLF plus a single space. Encoded words
// are never broken because folding only happens between tokens; a single
// token longer than max stays whole on its own line.
func FoldHeader(line string, max int) string {
	if max <= 0 {
		max = MaxHeaderLength
	}
	if len(line) <= max {
		return line
	}

	words := strings.Fields(line)
	if len(words) <= 1 {
		return line
	}

	var sb strings.Builder
	cur := words[0]
	avail := max
	for _, w := range words[1:] {
		if len(cur)+1+len(w) > avail {
			sb.WriteString(cur)
			sb.WriteString("\r\n ")
			cur = w
			// Continuation lines already carry the leading space.
			avail = max - 1
			continue
		}
		cur += " " + w
	}
	sb.WriteString(cur)
	return sb.String()
}
