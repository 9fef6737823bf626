package mail

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaypost-dev/relaypost/smtperr"
)

// Composer turns a Message into an RFC 5322 payload. Hostname feeds the
// domain part of generated Message-IDs.
type Composer struct {
	Hostname string

	now func() time.Time
}

// NewComposer creates a Composer. An empty hostname falls back to localhost.
func NewComposer(hostname string) *Composer {
	if hostname == "" {
		hostname = "localhost"
	}
	return &Composer{Hostname: hostname, now: time.Now}
}

// Composed is the result of building a message.
type Composed struct {
	MessageID string
	Payload   []byte
}

// part is one MIME entity: its headers in emission order and its encoded
// content.
type part struct {
	headers []header
	content string
}

type header struct {
	name  string
	value string
}

// Build composes the full message payload with CRLF line endings. 7bit
// attachment content is copied verbatim, its line endings included.
func (c *Composer) Build(m *Message) (*Composed, error) {
	if !m.HasBody() && len(m.Attachments) == 0 {
		return nil, smtperr.New(smtperr.KindInvalidConfig, "message has neither body nor attachments")
	}

	messageID := m.MessageID
	if messageID == "" {
		messageID = c.generateMessageID()
	}

	top, err := c.buildStructure(m)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	c.writeEnvelopeHeaders(&sb, m, messageID)
	for _, h := range top.headers {
		writeHeader(&sb, h.name, h.value)
	}
	sb.WriteString("\r\n")
	sb.WriteString(top.content)

	return &Composed{MessageID: messageID, Payload: []byte(sb.String())}, nil
}

// buildStructure selects the MIME shape for the message body.
func (c *Composer) buildStructure(m *Message) (part, error) {
	hasText := m.Text != ""
	hasHTML := m.HTML != ""

	var body part
	switch {
	case hasText && hasHTML:
		body = c.alternative(m.Text, m.HTML)
	case hasHTML:
		body = htmlPart(m.HTML)
	default:
		body = textPart(m.Text)
	}

	if len(m.Attachments) == 0 {
		return body, nil
	}

	parts := []part{body}
	for i := range m.Attachments {
		p, err := c.attachmentPart(&m.Attachments[i])
		if err != nil {
			return part{}, err
		}
		parts = append(parts, p)
	}
	return c.multipart("multipart/mixed", parts), nil
}

func textPart(text string) part {
	return part{
		headers: []header{
			{"Content-Type", "text/plain; charset=utf-8"},
			{"Content-Transfer-Encoding", "quoted-printable"},
		},
		content: EncodeQP(text, MaxLineLength),
	}
}

func htmlPart(html string) part {
	return part{
		headers: []header{
			{"Content-Type", "text/html; charset=utf-8"},
			{"Content-Transfer-Encoding", "quoted-printable"},
		},
		content: EncodeQP(html, MaxLineLength),
	}
}

func (c *Composer) alternative(text, html string) part {
	return c.multipart("multipart/alternative", []part{textPart(text), htmlPart(html)})
}

// multipart assembles children under a freshly generated boundary. The
// boundary is regenerated until it collides with no line of any child.
func (c *Composer) multipart(contentType string, children []part) part {
	var rendered []string
	for _, child := range children {
		var sb strings.Builder
		for _, h := range child.headers {
			writeHeader(&sb, h.name, h.value)
		}
		sb.WriteString("\r\n")
		sb.WriteString(child.content)
		rendered = append(rendered, sb.String())
	}

	boundary := c.generateBoundary(rendered)

	var sb strings.Builder
	for _, r := range rendered {
		sb.WriteString("--" + boundary + "\r\n")
		sb.WriteString(r)
		if !strings.HasSuffix(r, "\r\n") {
			sb.WriteString("\r\n")
		}
	}
	sb.WriteString("--" + boundary + "--\r\n")

	return part{
		headers: []header{{"Content-Type", contentType + `; boundary="` + boundary + `"`}},
		content: sb.String(),
	}
}

// attachmentPart materializes one attachment. Path-based content is loaded
// synchronously; a read failure surfaces as INVALID_CONFIG naming the path.
func (c *Composer) attachmentPart(a *Attachment) (part, error) {
	content := a.Content
	filename := a.Filename

	if a.Path != "" {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return part{}, smtperr.Wrap(smtperr.KindInvalidConfig,
				fmt.Sprintf("cannot read attachment %q", a.Path), err)
		}
		content = data
		if filename == "" {
			filename = filepath.Base(a.Path)
		}
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := a.ContentDisposition
	if disposition == "" {
		disposition = "attachment"
	}
	if filename != "" {
		contentType += `; name="` + filename + `"`
		disposition += `; filename="` + filename + `"`
	}

	encoding := a.Encoding
	if encoding == "" {
		encoding = "base64"
	}

	var encoded string
	switch encoding {
	case "base64":
		encoded = EncodeBase64Wrapped(content, MaxLineLength)
	case "quoted-printable":
		encoded = EncodeQP(string(content), MaxLineLength)
	case "7bit":
		encoded = string(content)
	default:
		return part{}, smtperr.New(smtperr.KindEncodingError,
			fmt.Sprintf("unsupported content transfer encoding %q", encoding))
	}

	p := part{content: encoded}
	p.headers = append(p.headers, header{"Content-Type", contentType})
	p.headers = append(p.headers, header{"Content-Transfer-Encoding", encoding})
	p.headers = append(p.headers, header{"Content-Disposition", disposition})
	if a.CID != "" {
		p.headers = append(p.headers, header{"Content-ID", "<" + a.CID + ">"})
	}
	for _, k := range sortedKeys(a.Headers) {
		p.headers = append(p.headers, header{k, a.Headers[k]})
	}
	return p, nil
}

// writeEnvelopeHeaders emits the fixed top-of-message header block.
func (c *Composer) writeEnvelopeHeaders(sb *strings.Builder, m *Message, messageID string) {
	writeHeader(sb, "From", encodeDisplayHeader(m.senderDisplay()))
	writeHeader(sb, "To", encodeAddressList(m.toDisplay()))
	if cc := m.ccDisplay(); len(cc) > 0 {
		writeHeader(sb, "Cc", encodeAddressList(cc))
	}
	writeHeader(sb, "Subject", EncodeHeader(m.Subject, SchemeB, "utf-8"))

	date := m.Date
	if date.IsZero() {
		date = c.now()
	}
	writeHeader(sb, "Date", date.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	writeHeader(sb, "Message-ID", messageID)

	if m.Priority != "" {
		writeHeader(sb, "X-Priority", priorityValue(m.Priority))
	}
	if m.References != "" {
		writeHeader(sb, "References", m.References)
	}
	if m.InReplyTo != "" {
		writeHeader(sb, "In-Reply-To", m.InReplyTo)
	}

	for _, k := range userHeaderOrder(m) {
		// Bcc never reaches the wire even when smuggled in as a custom header.
		if strings.EqualFold(k, "Bcc") {
			continue
		}
		writeHeader(sb, k, m.Headers[k])
	}

	writeHeader(sb, "MIME-Version", "1.0")
}

func userHeaderOrder(m *Message) []string {
	if len(m.HeaderOrder) > 0 {
		return m.HeaderOrder
	}
	return sortedKeys(m.Headers)
}

func sortedKeys(h map[string]string) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func priorityValue(p Priority) string {
	switch p {
	case PriorityHigh:
		return "1 (Highest)"
	case PriorityLow:
		return "5 (Lowest)"
	default:
		return "3 (Normal)"
	}
}

func encodeAddressList(addrs []string) string {
	encoded := make([]string, len(addrs))
	for i, a := range addrs {
		encoded[i] = encodeDisplayHeader(a)
	}
	return strings.Join(encoded, ", ")
}

// encodeDisplayHeader RFC 2047-encodes the display-name portion of an
// address while leaving the addr-spec readable.
func encodeDisplayHeader(s string) string {
	if isASCII(s) {
		return s
	}
	open := strings.LastIndexByte(s, '<')
	if open < 0 {
		return EncodeHeader(s, SchemeB, "utf-8")
	}
	name := strings.Trim(strings.TrimSpace(s[:open]), `"`)
	return EncodeHeader(name, SchemeB, "utf-8") + " " + s[open:]
}

func writeHeader(sb *strings.Builder, name, value string) {
	sb.WriteString(FoldHeader(name+": "+value, MaxHeaderLength))
	sb.WriteString("\r\n")
}

// generateMessageID builds `<epoch_ms.random@hostname>`.
func (c *Composer) generateMessageID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("<%d.%s@%s>", c.now().UnixMilli(), random, c.Hostname)
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// generateBoundary produces `----=_Part_<epoch_ms>_<12 base36>` and retries
// until no line of the enclosed content contains it.
func (c *Composer) generateBoundary(contents []string) string {
	for {
		boundary := fmt.Sprintf("----=_Part_%d_%s", c.now().UnixMilli(), randBase36(12))
		collision := false
		for _, content := range contents {
			if strings.Contains(content, boundary) {
				collision = true
				break
			}
		}
		if !collision {
			return boundary
		}
	}
}

func randBase36(n int) string {
	max := big.NewInt(int64(len(base36Alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken;
			// fall back to a fixed digit rather than abort composition.
			b[i] = '0'
			continue
		}
		b[i] = base36Alphabet[idx.Int64()]
	}
	return string(b)
}
