package smtp

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/relaypost-dev/relaypost/smtperr"
)

// Credentials carries the secrets for authentication. A Conn keeps them in
// its Options.Auth for as long as it exists (the Client re-uses them when it
// dials a replacement connection), and they are not zeroed after use.
type Credentials struct {
	// Type forces a specific mechanism (plain, login, cram-md5, xoauth2).
	// When empty the mechanism is chosen from the server's advertised set.
	Type string

	User string
	Pass string

	// AccessToken selects XOAUTH2 when the server advertises it.
	AccessToken string
}

const (
	mechPlain   = "PLAIN"
	mechLogin   = "LOGIN"
	mechCramMD5 = "CRAM-MD5"
	mechXOAuth2 = "XOAUTH2"
)

const (
	hintPassword = "Check username and password"
	hintToken    = "Check access token validity and scopes"
)

// Authenticate runs the SASL exchange for creds against the advertised
// capability set. Missing server support, mechanism selection and server
// rejections surface as AUTH_FAILED; a server rejection carries the remote
// status and a remediation hint. Transport failures (connection lost,
// timeout) keep their own error kind.
func (c *Conn) Authenticate(ctx context.Context, creds Credentials) error {
	if err := ctx.Err(); err != nil {
		return smtperr.Wrap(smtperr.KindAuthFailed, "authentication cancelled", err)
	}

	caps := c.Capabilities()
	if len(caps.Auth) == 0 {
		return smtperr.New(smtperr.KindAuthFailed, "Server does not support authentication")
	}

	mech, err := selectMechanism(creds, caps)
	if err != nil {
		return err
	}

	c.logger.Debug("authenticating", "mechanism", mech, "user", creds.User)

	switch mech {
	case mechPlain:
		err = c.authPlain(creds)
	case mechLogin:
		err = c.authLogin(creds)
	case mechCramMD5:
		err = c.authCramMD5(creds)
	case mechXOAuth2:
		err = c.authXOAuth2(creds)
	default:
		return smtperr.New(smtperr.KindAuthFailed,
			fmt.Sprintf("unsupported authentication mechanism %q", mech))
	}
	if err != nil {
		return err
	}

	c.logger.Debug("authenticated", "mechanism", mech)
	return nil
}

// selectMechanism applies the mechanism preference rules: an explicit type
// must be advertised; an access token picks XOAUTH2; otherwise the
// strongest of CRAM-MD5, LOGIN, PLAIN wins.
func selectMechanism(creds Credentials, caps Capabilities) (string, error) {
	if creds.Type != "" {
		mech := strings.ToUpper(creds.Type)
		if !caps.HasAuth(mech) {
			return "", smtperr.New(smtperr.KindAuthFailed,
				fmt.Sprintf("server does not support %s authentication", mech))
		}
		return mech, nil
	}

	if creds.AccessToken != "" && caps.HasAuth(mechXOAuth2) {
		return mechXOAuth2, nil
	}

	for _, mech := range []string{mechCramMD5, mechLogin, mechPlain} {
		if caps.HasAuth(mech) {
			return mech, nil
		}
	}
	return "", smtperr.New(smtperr.KindAuthFailed,
		"no supported authentication mechanism available")
}

func (c *Conn) authPlain(creds Credentials) error {
	if creds.Pass == "" {
		return smtperr.New(smtperr.KindAuthFailed, "password is required for PLAIN authentication").
			WithSolution(hintPassword)
	}

	payload := base64.StdEncoding.EncodeToString([]byte("\x00" + creds.User + "\x00" + creds.Pass))
	resp, err := c.cmd("AUTH PLAIN "+payload, true)
	if err != nil {
		return authFailed(err, hintPassword)
	}
	if !resp.Success() {
		return authRejected(resp, hintPassword)
	}
	return nil
}

func (c *Conn) authLogin(creds Credentials) error {
	if creds.Pass == "" {
		return smtperr.New(smtperr.KindAuthFailed, "password is required for LOGIN authentication").
			WithSolution(hintPassword)
	}

	resp, err := c.cmd("AUTH LOGIN", false)
	if err != nil {
		return authFailed(err, hintPassword)
	}
	if resp.Code != 334 {
		return authRejected(resp, hintPassword)
	}

	resp, err = c.cmd(base64.StdEncoding.EncodeToString([]byte(creds.User)), true)
	if err != nil {
		return authFailed(err, hintPassword)
	}
	if resp.Code != 334 {
		return authRejected(resp, hintPassword)
	}

	resp, err = c.cmd(base64.StdEncoding.EncodeToString([]byte(creds.Pass)), true)
	if err != nil {
		return authFailed(err, hintPassword)
	}
	if !resp.Success() {
		return authRejected(resp, hintPassword)
	}
	return nil
}

func (c *Conn) authCramMD5(creds Credentials) error {
	if creds.Pass == "" {
		return smtperr.New(smtperr.KindAuthFailed, "password is required for CRAM-MD5 authentication").
			WithSolution(hintPassword)
	}

	resp, err := c.cmd("AUTH CRAM-MD5", false)
	if err != nil {
		return authFailed(err, hintPassword)
	}
	if resp.Code != 334 {
		return authRejected(resp, hintPassword)
	}

	challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(resp.Message))
	if err != nil {
		return smtperr.Wrap(smtperr.KindAuthFailed, "malformed CRAM-MD5 challenge", err).
			WithSolution(hintPassword)
	}

	mac := hmac.New(md5.New, []byte(creds.Pass))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))

	payload := base64.StdEncoding.EncodeToString([]byte(creds.User + " " + digest))
	resp, err = c.cmd(payload, true)
	if err != nil {
		return authFailed(err, hintPassword)
	}
	if !resp.Success() {
		return authRejected(resp, hintPassword)
	}
	return nil
}

func (c *Conn) authXOAuth2(creds Credentials) error {
	if creds.AccessToken == "" {
		return smtperr.New(smtperr.KindAuthFailed, "access token is required for XOAUTH2 authentication").
			WithSolution(hintToken)
	}

	payload := base64.StdEncoding.EncodeToString(
		[]byte("user=" + creds.User + "\x01auth=Bearer " + creds.AccessToken + "\x01\x01"))
	resp, err := c.cmd("AUTH XOAUTH2 "+payload, true)
	if err != nil {
		return authFailed(err, hintToken)
	}
	if resp.Code == 334 {
		// The server returned an error payload; an empty line makes it
		// deliver the final verdict.
		resp, err = c.cmd("", true)
		if err != nil {
			return authFailed(err, hintToken)
		}
	}
	if !resp.Success() {
		return authRejected(resp, hintToken)
	}
	return nil
}

// authFailed wraps an SMTP_ERROR command error into AUTH_FAILED, preserving
// the remote status code and response. Any other error is returned as-is.
func authFailed(err error, hint string) error {
	if smtperr.KindOf(err) == smtperr.KindSMTPError {
		return smtperr.Wrap(smtperr.KindAuthFailed, "authentication failed", err).
			WithSolution(hint)
	}
	return err
}

// authRejected covers a reply that resolved (2xx/3xx) but is not the code
// the mechanism requires at this step.
func authRejected(resp Response, hint string) error {
	return smtperr.New(smtperr.KindAuthFailed, "unexpected server response during authentication").
		WithStatus(resp.Code, resp.String()).
		WithSolution(hint)
}
