package smtp

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypost-dev/relaypost/smtperr"
)

func TestSelectMechanism(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		caps    Capabilities
		want    string
		wantErr bool
	}{
		{
			name:  "explicit type honored",
			creds: Credentials{Type: "login", User: "u", Pass: "p"},
			caps:  Capabilities{Auth: []string{"PLAIN", "LOGIN"}},
			want:  mechLogin,
		},
		{
			name:    "explicit type not advertised",
			creds:   Credentials{Type: "xoauth2", AccessToken: "tok"},
			caps:    Capabilities{Auth: []string{"PLAIN"}},
			wantErr: true,
		},
		{
			name:  "access token prefers xoauth2",
			creds: Credentials{User: "u", AccessToken: "tok"},
			caps:  Capabilities{Auth: []string{"PLAIN", "XOAUTH2"}},
			want:  mechXOAuth2,
		},
		{
			name:  "access token without xoauth2 support falls back",
			creds: Credentials{User: "u", Pass: "p", AccessToken: "tok"},
			caps:  Capabilities{Auth: []string{"PLAIN", "LOGIN"}},
			want:  mechLogin,
		},
		{
			name:  "cram-md5 beats login and plain",
			creds: Credentials{User: "u", Pass: "p"},
			caps:  Capabilities{Auth: []string{"PLAIN", "LOGIN", "CRAM-MD5"}},
			want:  mechCramMD5,
		},
		{
			name:  "login beats plain",
			creds: Credentials{User: "u", Pass: "p"},
			caps:  Capabilities{Auth: []string{"PLAIN", "LOGIN"}},
			want:  mechLogin,
		},
		{
			name:  "plain as last resort",
			creds: Credentials{User: "u", Pass: "p"},
			caps:  Capabilities{Auth: []string{"PLAIN"}},
			want:  mechPlain,
		},
		{
			name:    "nothing usable",
			creds:   Credentials{User: "u", Pass: "p"},
			caps:    Capabilities{Auth: []string{"GSSAPI"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectMechanism(tt.creds, tt.caps)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, smtperr.KindAuthFailed, smtperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate_NoServerSupport(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet("SIZE 1048576")
	})
	opts.Auth = &Credentials{User: "u", Pass: "p"}

	conn := NewConn(opts)
	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, smtperr.KindAuthFailed, smtperr.KindOf(err))
	assert.Contains(t, err.Error(), "Server does not support authentication")
}

func TestAuthPlain_Exchange(t *testing.T) {
	want := "AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\x00user@example.com\x00secretpass"))

	opts := startServer(t, func(s *session) {
		s.greet("AUTH PLAIN")
		line := s.expect("AUTH PLAIN ")
		assert.Equal(t, want, line)
		s.send("235 2.7.0 accepted")
		s.handleQuit()
	})
	opts.Auth = &Credentials{User: "user@example.com", Pass: "secretpass"}

	conn := NewConn(opts)
	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, StateReady, conn.State())
	conn.Quit()
}

func TestAuthPlain_MissingPassword(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet("AUTH PLAIN")
	})
	opts.Auth = &Credentials{User: "user@example.com"}

	conn := NewConn(opts)
	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, smtperr.KindAuthFailed, smtperr.KindOf(err))
}

func TestAuthLogin_Exchange(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet("AUTH LOGIN")
		s.expect("AUTH LOGIN")
		s.send("334 VXNlcm5hbWU6")
		line := s.readLine()
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("user@example.com")), line)
		s.send("334 UGFzc3dvcmQ6")
		line = s.readLine()
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("secretpass")), line)
		s.send("235 2.7.0 accepted")
		s.handleQuit()
	})
	opts.Auth = &Credentials{User: "user@example.com", Pass: "secretpass"}

	conn := NewConn(opts)
	require.NoError(t, conn.Connect(context.Background()))
	conn.Quit()
}

func TestAuthCramMD5_Exchange(t *testing.T) {
	// RFC 2195 test vector: the challenge decodes to
	// <1896.697170952@postoffice.reston.mci.net>; with password
	// tanstaaftanstaaf the HMAC-MD5 digest for user tim is the fixed vector
	// below.
	want := base64.StdEncoding.EncodeToString(
		[]byte("tim b913a602c7eda7a495b4e6e7334d3890"))

	opts := startServer(t, func(s *session) {
		s.greet("AUTH CRAM-MD5")
		s.expect("AUTH CRAM-MD5")
		s.send("334 PDE4OTYuNjk3MTcwOTUyQHBvc3RvZmZpY2UucmVzdG9uLm1jaS5uZXQ+")
		line := s.readLine()
		assert.Equal(t, want, line)
		s.send("235 2.7.0 accepted")
		s.handleQuit()
	})
	opts.Auth = &Credentials{User: "tim", Pass: "tanstaaftanstaaf"}

	conn := NewConn(opts)
	require.NoError(t, conn.Connect(context.Background()))
	conn.Quit()
}

func TestAuthXOAuth2_Success(t *testing.T) {
	want := "AUTH XOAUTH2 " + base64.StdEncoding.EncodeToString(
		[]byte("user=user@example.com\x01auth=Bearer ya29.token\x01\x01"))

	opts := startServer(t, func(s *session) {
		s.greet("AUTH XOAUTH2")
		line := s.expect("AUTH XOAUTH2 ")
		assert.Equal(t, want, line)
		s.send("235 2.7.0 accepted")
		s.handleQuit()
	})
	opts.Auth = &Credentials{User: "user@example.com", AccessToken: "ya29.token"}

	conn := NewConn(opts)
	require.NoError(t, conn.Connect(context.Background()))
	conn.Quit()
}

func TestAuthXOAuth2_ErrorChallenge(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet("AUTH XOAUTH2")
		s.expect("AUTH XOAUTH2 ")
		// Intermediate error payload: the client must answer with an empty
		// line and observe the final verdict.
		s.send("334 eyJzdGF0dXMiOiI0MDEifQ==")
		line := s.readLine()
		assert.Equal(t, "", line)
		s.send("535 5.7.8 invalid token")
	})
	opts.Auth = &Credentials{User: "user@example.com", AccessToken: "expired"}

	conn := NewConn(opts)
	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, smtperr.KindAuthFailed, smtperr.KindOf(err))
	assert.Equal(t, 535, smtperr.StatusOf(err))

	var typed *smtperr.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "Check access token validity and scopes", typed.Solution)
}

func TestAuthFailed_WrapsSMTPError(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet("AUTH PLAIN")
		s.expect("AUTH PLAIN ")
		s.send("535 5.7.8 authentication credentials invalid")
	})
	opts.Auth = &Credentials{User: "user", Pass: "wrong"}

	conn := NewConn(opts)
	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, smtperr.KindAuthFailed, smtperr.KindOf(err))
	assert.Equal(t, 535, smtperr.StatusOf(err))

	var typed *smtperr.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "Check username and password", typed.Solution)
}
