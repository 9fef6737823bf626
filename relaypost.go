// Package relaypost is an SMTP submission client: it composes RFC 5322 MIME
// messages and delivers them to a submission server over RFC 5321 with
// STARTTLS and SASL authentication.
//
// The Mailer is the user-facing surface. It validates messages, installs
// and uninstalls registered plugins, and forwards to the protocol client in
// the smtp package.
package relaypost

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaypost-dev/relaypost/mail"
	"github.com/relaypost-dev/relaypost/smtp"
	"github.com/relaypost-dev/relaypost/smtperr"
)

// Permissive on purpose: anything shaped user@host.tld passes, the server
// has the final word.
var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Plugin is a named pair of lifecycle hooks. Install runs when the plugin
// is registered, Uninstall when the Mailer closes; both run in registration
// order.
type Plugin struct {
	Name      string
	Install   func(m *Mailer) error
	Uninstall func(m *Mailer) error
}

// Mailer validates user-level messages and submits them over a single
// client connection. Independent Mailers share no state and may be used in
// parallel.
type Mailer struct {
	client   *smtp.Client
	logger   *slog.Logger
	tracer   trace.Tracer
	validate *validator.Validate
	plugins  []Plugin
}

// New creates a Mailer for the given connection options.
func New(opts smtp.Options) *Mailer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mailer{
		client:   smtp.NewClient(opts),
		logger:   logger,
		tracer:   otel.Tracer("relaypost"),
		validate: validator.New(),
	}
}

// Client exposes the underlying protocol client.
func (m *Mailer) Client() *smtp.Client {
	return m.client
}

// Use registers and installs a plugin. Installation failures wrap as
// PLUGIN_ERROR and leave the plugin unregistered.
func (m *Mailer) Use(p Plugin) error {
	if p.Install != nil {
		if err := p.Install(m); err != nil {
			return smtperr.Wrap(smtperr.KindPluginError,
				fmt.Sprintf("plugin %s failed to install", p.Name), err)
		}
	}
	m.plugins = append(m.plugins, p)
	return nil
}

// Send validates msg and submits it. It returns a Result whose Rejected
// list may be non-empty, or exactly one typed error.
func (m *Mailer) Send(ctx context.Context, msg *mail.Message) (*smtp.Result, error) {
	ctx, span := m.tracer.Start(ctx, "relaypost.Send")
	defer span.End()

	if err := m.ValidateMessage(msg); err != nil {
		return nil, err
	}

	result, err := m.client.Send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// Verify opens the connection if needed and probes the server with NOOP.
// It reports false on any failure.
func (m *Mailer) Verify(ctx context.Context) bool {
	ctx, span := m.tracer.Start(ctx, "relaypost.Verify")
	defer span.End()

	if err := m.client.Verify(ctx); err != nil {
		span.RecordError(err)
		m.logger.Warn("verify failed", "error", err)
		return false
	}
	return true
}

// Close uninstalls plugins in registration order and shuts the connection
// down with QUIT.
func (m *Mailer) Close() {
	for _, p := range m.plugins {
		if p.Uninstall == nil {
			continue
		}
		if err := p.Uninstall(m); err != nil {
			m.logger.Warn("plugin uninstall failed", "plugin", p.Name, "error", err)
		}
	}
	m.plugins = nil
	m.client.Close()
}

// ValidateMessage checks the user-level message record before composition.
func (m *Mailer) ValidateMessage(msg *mail.Message) error {
	if msg == nil {
		return smtperr.New(smtperr.KindInvalidConfig, "message is required")
	}
	if err := m.validate.Struct(msg); err != nil {
		return smtperr.Wrap(smtperr.KindInvalidConfig, "message failed validation", err)
	}

	sender := msg.SenderBare()
	if !emailRe.MatchString(sender) {
		return smtperr.New(smtperr.KindInvalidSender,
			fmt.Sprintf("invalid sender address %q", sender))
	}

	envelope := msg.BuildEnvelope()
	if len(envelope.To) == 0 {
		return smtperr.New(smtperr.KindInvalidRecipient, "at least one recipient is required")
	}
	for _, rcpt := range envelope.To {
		if !emailRe.MatchString(rcpt) {
			return smtperr.New(smtperr.KindInvalidRecipient,
				fmt.Sprintf("invalid recipient address %q", rcpt))
		}
	}

	if !msg.HasBody() {
		return smtperr.New(smtperr.KindInvalidConfig, "message needs a text or html body")
	}

	for i, a := range msg.Attachments {
		hasContent := len(a.Content) > 0
		hasPath := a.Path != ""
		if hasContent == hasPath {
			return smtperr.New(smtperr.KindInvalidConfig,
				fmt.Sprintf("attachment %d must set exactly one of content or path", i))
		}
	}
	return nil
}
