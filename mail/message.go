package mail

import (
	"strings"
	"time"
)

// Priority is the importance level recorded in the X-Priority header.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Message is an outbound email prior to composition. Recipients may be
// given either as bare or display-form strings (To/Cc/Bcc) or as structured
// addresses (ToAddr/CcAddr/BccAddr); the two forms are concatenated.
type Message struct {
	From     string    `json:"from" validate:"required_without=FromAddr"`
	FromAddr *Address  `json:"fromAddr,omitempty"`
	To       []string  `json:"to"`
	ToAddr   []Address `json:"toAddr,omitempty"`
	Cc       []string  `json:"cc,omitempty"`
	CcAddr   []Address `json:"ccAddr,omitempty"`
	Bcc      []string  `json:"bcc,omitempty"`
	BccAddr  []Address `json:"bccAddr,omitempty"`

	Subject string `json:"subject" validate:"required"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`

	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	HeaderOrder []string          `json:"-"`

	Priority   Priority `json:"priority,omitempty"`
	References string   `json:"references,omitempty"`
	InReplyTo  string   `json:"inReplyTo,omitempty"`
	MessageID  string   `json:"messageId,omitempty"`

	Date time.Time `json:"date,omitempty"`
}

// Attachment is a single MIME part carried by a multipart/mixed message.
// Exactly one of Content or Path must be set.
type Attachment struct {
	Filename           string            `json:"filename,omitempty"`
	Content            []byte            `json:"content,omitempty"`
	Path               string            `json:"path,omitempty"`
	ContentType        string            `json:"contentType,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	Encoding           string            `json:"encoding,omitempty"`
	CID                string            `json:"cid,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
}

// Envelope is the address set negotiated with MAIL FROM / RCPT TO,
// distinct from the message's own To/Cc headers.
type Envelope struct {
	From string   `json:"from"`
	To   []string `json:"to"`
}

// senderDisplay returns the sender in display form.
func (m *Message) senderDisplay() string {
	if m.FromAddr != nil {
		return FormatDisplay(*m.FromAddr)
	}
	return m.From
}

func (m *Message) toDisplay() []string {
	return displayList(m.To, m.ToAddr)
}

func (m *Message) ccDisplay() []string {
	return displayList(m.Cc, m.CcAddr)
}

func (m *Message) bccBare() []string {
	return bareList(m.Bcc, m.BccAddr)
}

func displayList(raw []string, structured []Address) []string {
	out := make([]string, 0, len(raw)+len(structured))
	for _, s := range raw {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	for _, a := range structured {
		out = append(out, FormatDisplay(a))
	}
	return out
}

func bareList(raw []string, structured []Address) []string {
	out := make([]string, 0, len(raw)+len(structured))
	for _, s := range raw {
		if bare := ExtractAddress(s); bare != "" {
			out = append(out, bare)
		}
	}
	for _, a := range structured {
		out = append(out, a.Bare())
	}
	return out
}

// BuildEnvelope derives the SMTP envelope: the bare sender and the
// deduplicated union of To, Cc and Bcc recipients in first-occurrence order.
func (m *Message) BuildEnvelope() Envelope {
	env := Envelope{From: m.SenderBare()}

	seen := make(map[string]bool)
	for _, list := range [][]string{
		bareList(m.To, m.ToAddr),
		bareList(m.Cc, m.CcAddr),
		m.bccBare(),
	} {
		for _, addr := range list {
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			env.To = append(env.To, addr)
		}
	}
	return env
}

// SenderBare returns the bare addr-spec of the sender.
func (m *Message) SenderBare() string {
	if m.FromAddr != nil {
		return m.FromAddr.Bare()
	}
	return ExtractAddress(m.From)
}

// HasBody reports whether the message carries a text or HTML body.
func (m *Message) HasBody() bool {
	return m.Text != "" || m.HTML != ""
}
