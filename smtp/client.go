package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/relaypost-dev/relaypost/mail"
	"github.com/relaypost-dev/relaypost/smtperr"
)

// Client drives send transactions over a single Conn. Concurrent Send calls
// serialize so one transaction owns the connection at a time.
type Client struct {
	opts     Options
	conn     *Conn
	composer *mail.Composer
	logger   *slog.Logger
	metrics  Metrics

	sendMu sync.Mutex
}

// NewClient creates a Client with its own connection.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		conn:     NewConn(opts),
		composer: mail.NewComposer(opts.Name),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *Conn {
	return c.conn
}

// Connect establishes the session without sending anything.
func (c *Client) Connect(ctx context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ensureReady(ctx)
}

// Close sends QUIT and tears the connection down.
func (c *Client) Close() {
	c.conn.Close()
}

// Result is the outcome of one accepted submission.
type Result struct {
	MessageID string        `json:"messageId"`
	Accepted  []string      `json:"accepted"`
	Rejected  []string      `json:"rejected"`
	Response  string        `json:"response"`
	Envelope  mail.Envelope `json:"envelope"`
}

var queuedAsRe = regexp.MustCompile(`(?i)queued as\s+(\S+)`)

// Send submits msg: envelope negotiation, DATA with dot-stuffing, result
// assembly. Recipient-level rejections are demoted into Result.Rejected;
// everything else surfaces as exactly one typed error.
func (c *Client) Send(ctx context.Context, msg *mail.Message) (*Result, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	start := time.Now()
	result, err := c.send(ctx, msg)
	if c.metrics != nil {
		c.metrics.ObserveSendDuration(time.Since(start).Seconds())
		if err != nil {
			c.metrics.IncSend("failed")
		} else {
			c.metrics.IncSend("sent")
		}
	}
	if err != nil && smtperr.KindOf(err) == "" {
		err = smtperr.Wrap(smtperr.KindMessageRejected, err.Error(), err)
	}
	return result, err
}

func (c *Client) send(ctx context.Context, msg *mail.Message) (*Result, error) {
	envelope := msg.BuildEnvelope()
	if envelope.From == "" {
		return nil, smtperr.New(smtperr.KindInvalidSender, "no sender address given")
	}
	if len(envelope.To) == 0 {
		return nil, smtperr.New(smtperr.KindInvalidRecipient, "no recipients defined")
	}

	// Compose before touching the wire so a bad attachment cannot strand an
	// open transaction.
	composed, err := c.composer.Build(msg)
	if err != nil {
		return nil, err
	}

	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	if err := c.conn.beginSend(); err != nil {
		return nil, err
	}
	defer c.conn.endSend()

	if _, err := c.conn.cmd(fmt.Sprintf("MAIL FROM:<%s>", envelope.From), false); err != nil {
		if smtperr.KindOf(err) == smtperr.KindSMTPError {
			return nil, smtperr.Wrap(smtperr.KindInvalidSender,
				fmt.Sprintf("sender %s rejected", envelope.From), err)
		}
		return nil, err
	}

	accepted := make([]string, 0, len(envelope.To))
	rejected := []string{}
	for _, rcpt := range envelope.To {
		_, err := c.conn.cmd(fmt.Sprintf("RCPT TO:<%s>", rcpt), false)
		switch {
		case err == nil:
			accepted = append(accepted, rcpt)
		case smtperr.KindOf(err) == smtperr.KindSMTPError:
			c.logger.Warn("recipient rejected",
				"recipient", rcpt,
				"status", smtperr.StatusOf(err),
			)
			rejected = append(rejected, rcpt)
		default:
			return nil, err
		}
	}

	if len(accepted) == 0 {
		return nil, smtperr.New(smtperr.KindInvalidRecipient, "All recipients were rejected")
	}

	resp, err := c.conn.cmd("DATA", false)
	if err != nil {
		return nil, err
	}
	if resp.Code != 354 {
		return nil, smtperr.New(smtperr.KindSMTPError, "unexpected response to DATA").
			WithStatus(resp.Code, resp.String())
	}

	if err := c.conn.writeRaw(dotStuff(composed.Payload)); err != nil {
		return nil, err
	}

	final, err := c.conn.cmd(".", false)
	if err != nil {
		return nil, err
	}

	messageID := composed.MessageID
	if m := queuedAsRe.FindStringSubmatch(final.Message); m != nil {
		messageID = m[1]
	}

	c.logger.Info("message sent",
		"message_id", messageID,
		"accepted", len(accepted),
		"rejected", len(rejected),
	)

	return &Result{
		MessageID: messageID,
		Accepted:  accepted,
		Rejected:  rejected,
		Response:  final.String(),
		Envelope:  envelope,
	}, nil
}

// Verify opens the connection if needed and probes it with NOOP.
func (c *Client) Verify(ctx context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	_, err := c.conn.cmd("NOOP", false)
	return err
}

// ensureReady returns with a READY connection, dialing a fresh one when the
// previous connection was closed or died.
func (c *Client) ensureReady(ctx context.Context) error {
	switch st := c.conn.State(); st {
	case StateReady:
		return nil
	case StateClosed, StateError:
		// A fresh Conn each time: close notifications are one-shot and a
		// terminal ERROR connection cannot be revived.
		c.conn = NewConn(c.opts)
		return c.conn.Connect(ctx)
	default:
		return smtperr.New(smtperr.KindConnectionFailed,
			fmt.Sprintf("connection is %s", c.conn.State()))
	}
}

// dotStuff frames the composed payload for the DATA phase: lines are split
// on LF, a leading dot is doubled, and every line goes out with CRLF. The
// terminating lone dot is sent separately as its own command.
func dotStuff(payload []byte) []byte {
	lines := strings.Split(string(payload), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var sb strings.Builder
	sb.Grow(len(payload) + len(lines))
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, ".") {
			sb.WriteString(".")
		}
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	return []byte(sb.String())
}
