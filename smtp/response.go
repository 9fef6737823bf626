// Package smtp implements the client side of RFC 5321 message submission:
// connection management with STARTTLS upgrade, SASL authentication and the
// send transaction.
package smtp

import (
	"regexp"
	"strconv"
	"strings"
)

// Response is one complete server reply, possibly assembled from several
// continuation lines sharing the same code.
type Response struct {
	Code    int
	Message string
}

// String renders the reply the way it is resolved to callers.
func (r Response) String() string {
	return strconv.Itoa(r.Code) + " " + r.Message
}

// Success reports a 2xx reply.
func (r Response) Success() bool {
	return r.Code >= 200 && r.Code < 300
}

// replyLineRe is the shape of a single reply line: a three-digit code, a
// continuation marker or space, and freeform text.
var replyLineRe = regexp.MustCompile(`^(\d{3})([- ])(.*)$`)

// responseParser assembles Responses from raw reply lines. Lines that do not
// match the reply shape are discarded.
type responseParser struct {
	code     int
	messages []string
}

// feed consumes one line with its CRLF stripped. It returns the completed
// response and true when the line terminates a reply.
func (p *responseParser) feed(line string) (Response, bool) {
	m := replyLineRe.FindStringSubmatch(line)
	if m == nil {
		return Response{}, false
	}

	code, _ := strconv.Atoi(m[1])
	p.code = code
	p.messages = append(p.messages, m[3])

	if m[2] == "-" {
		return Response{}, false
	}

	resp := Response{Code: p.code, Message: strings.Join(p.messages, "\n")}
	p.code = 0
	p.messages = nil
	return resp, true
}
