package smtp

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypost-dev/relaypost/mail"
	"github.com/relaypost-dev/relaypost/smtperr"
)

type stubMetrics struct {
	mu          sync.Mutex
	connections map[string]int
	sends       map[string]int
	durations   int
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{connections: map[string]int{}, sends: map[string]int{}}
}

func (m *stubMetrics) IncConnection(host, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[result]++
}

func (m *stubMetrics) IncSend(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends[status]++
}

func (m *stubMetrics) ObserveSendDuration(seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func TestSend_PlainText(t *testing.T) {
	dataCh := make(chan []string, 1)

	opts := startServer(t, func(s *session) {
		s.greet("SIZE 1048576")
		s.expect("MAIL FROM:<alice@example.com>")
		s.send("250 2.1.0 OK")
		s.expect("RCPT TO:<bob@example.com>")
		s.send("250 2.1.5 OK")
		s.expect("DATA")
		s.send("354 go ahead")
		dataCh <- s.readData()
		s.send("250 2.0.0 OK accepted")
		s.handleQuit()
	})
	metrics := newStubMetrics()
	opts.Metrics = metrics

	client := NewClient(opts)
	result, err := client.Send(context.Background(), &mail.Message{
		From:    "alice@example.com",
		To:      []string{"bob@example.com"},
		Subject: "hi",
		Text:    "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"bob@example.com"}, result.Accepted)
	assert.Empty(t, result.Rejected)
	assert.Equal(t, "250 2.0.0 OK accepted", result.Response)
	assert.NotEmpty(t, result.MessageID)
	assert.Equal(t, mail.Envelope{From: "alice@example.com", To: []string{"bob@example.com"}}, result.Envelope)

	data := <-dataCh
	require.NotEmpty(t, data)
	assert.Equal(t, "hello", data[len(data)-1], "payload must end with the body line before the terminator")
	assert.Contains(t, strings.Join(data, "\r\n"), "Subject: hi")

	client.Close()
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.sends["sent"])
	assert.Equal(t, 1, metrics.connections["success"])
	assert.Equal(t, 1, metrics.durations)
}

func TestSend_DotStuffing(t *testing.T) {
	dataCh := make(chan []string, 1)

	opts := startServer(t, func(s *session) {
		s.greet()
		s.expect("MAIL FROM:")
		s.send("250 OK")
		s.expect("RCPT TO:")
		s.send("250 OK")
		s.expect("DATA")
		s.send("354 go ahead")
		dataCh <- s.readData()
		s.send("250 OK")
		s.handleQuit()
	})

	client := NewClient(opts)
	_, err := client.Send(context.Background(), &mail.Message{
		From:    "a@example.com",
		To:      []string{"b@example.com"},
		Subject: "dots",
		Text:    ".leading\n..double",
	})
	require.NoError(t, err)

	data := <-dataCh
	assert.Contains(t, data, "..leading")
	assert.Contains(t, data, "...double")
	for _, line := range data {
		assert.NotEqual(t, ".", line, "readData consumed the terminator, none may remain")
	}
	client.Close()
}

func TestSend_PartialRejection(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet()
		s.expect("MAIL FROM:<sender@example.com>")
		s.send("250 OK")
		s.expect("RCPT TO:<ok@example.com>")
		s.send("250 OK")
		s.expect("RCPT TO:<bad@example.com>")
		s.send("550 5.1.1 user unknown")
		s.expect("DATA")
		s.send("354 go ahead")
		s.readData()
		s.send("250 2.0.0 OK queued as AB12CD34")
		s.handleQuit()
	})

	client := NewClient(opts)
	result, err := client.Send(context.Background(), &mail.Message{
		From:    "sender@example.com",
		To:      []string{"ok@example.com", "bad@example.com"},
		Subject: "partial",
		Text:    "body",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ok@example.com"}, result.Accepted)
	assert.Equal(t, []string{"bad@example.com"}, result.Rejected)
	assert.Equal(t, "AB12CD34", result.MessageID)
	assert.Contains(t, result.Response, "queued as")
	client.Close()
}

func TestSend_AllRecipientsRejected(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet()
		s.expect("MAIL FROM:")
		s.send("250 OK")
		s.expect("RCPT TO:<bad1@example.com>")
		s.send("550 5.1.1 user unknown")
		s.expect("RCPT TO:<bad2@example.com>")
		s.send("550 5.1.1 user unknown")
		s.handleQuit()
	})

	client := NewClient(opts)
	_, err := client.Send(context.Background(), &mail.Message{
		From:    "sender@example.com",
		To:      []string{"bad1@example.com", "bad2@example.com"},
		Subject: "none",
		Text:    "body",
	})
	require.Error(t, err)
	assert.Equal(t, smtperr.KindInvalidRecipient, smtperr.KindOf(err))
	assert.Contains(t, err.Error(), "All recipients were rejected")

	// The transaction failed but the session survives.
	assert.Equal(t, StateReady, client.Conn().State())
	client.Close()
}

func TestSend_SenderRejected(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet()
		s.expect("MAIL FROM:<spammer@example.com>")
		s.send("550 5.1.8 sender blocked")
		s.handleQuit()
	})

	client := NewClient(opts)
	_, err := client.Send(context.Background(), &mail.Message{
		From:    "spammer@example.com",
		To:      []string{"x@example.com"},
		Subject: "no",
		Text:    "body",
	})
	require.Error(t, err)
	assert.Equal(t, smtperr.KindInvalidSender, smtperr.KindOf(err))
	assert.Equal(t, 550, smtperr.StatusOf(err))
	client.Close()
}

func TestSend_BccOnEnvelopeNotInPayload(t *testing.T) {
	dataCh := make(chan []string, 1)

	opts := startServer(t, func(s *session) {
		s.greet()
		s.expect("MAIL FROM:")
		s.send("250 OK")
		s.expect("RCPT TO:<to@example.com>")
		s.send("250 OK")
		s.expect("RCPT TO:<hidden@example.com>")
		s.send("250 OK")
		s.expect("DATA")
		s.send("354 go ahead")
		dataCh <- s.readData()
		s.send("250 OK")
		s.handleQuit()
	})

	client := NewClient(opts)
	result, err := client.Send(context.Background(), &mail.Message{
		From:    "sender@example.com",
		To:      []string{"to@example.com"},
		Bcc:     []string{"hidden@example.com"},
		Subject: "secret",
		Text:    "body",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"to@example.com", "hidden@example.com"}, result.Accepted)
	payload := strings.Join(<-dataCh, "\r\n")
	assert.NotContains(t, payload, "hidden@example.com")
	client.Close()
}

func TestSend_ReusesConnection(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet()
		for i := 0; i < 2; i++ {
			s.expect("MAIL FROM:")
			s.send("250 OK")
			s.expect("RCPT TO:")
			s.send("250 OK")
			s.expect("DATA")
			s.send("354 go ahead")
			s.readData()
			s.send("250 OK")
		}
		s.handleQuit()
	})

	client := NewClient(opts)
	msg := &mail.Message{
		From: "a@example.com", To: []string{"b@example.com"},
		Subject: "again", Text: "body",
	}
	_, err := client.Send(context.Background(), msg)
	require.NoError(t, err)
	_, err = client.Send(context.Background(), msg)
	require.NoError(t, err)
	client.Close()
}

func TestSend_ComposerFailureLeavesSessionClean(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet()
		s.expect("NOOP")
		s.send("250 OK")
		s.handleQuit()
	})

	client := NewClient(opts)
	_, err := client.Send(context.Background(), &mail.Message{
		From: "a@example.com", To: []string{"b@example.com"}, Subject: "x", Text: "x",
		Attachments: []mail.Attachment{{Path: "/missing/file.bin"}},
	})
	require.Error(t, err)
	assert.Equal(t, smtperr.KindInvalidConfig, smtperr.KindOf(err))

	// No MAIL FROM was ever issued; the connection still verifies.
	require.NoError(t, client.Verify(context.Background()))
	client.Close()
}

func TestVerify(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.greet()
		s.expect("NOOP")
		s.send("250 OK")
		s.handleQuit()
	})

	client := NewClient(opts)
	require.NoError(t, client.Verify(context.Background()))
	client.Close()
}

func TestVerify_Refused(t *testing.T) {
	opts := startServer(t, func(s *session) {
		s.send("554 maximum connections exceeded")
	})

	client := NewClient(opts)
	err := client.Verify(context.Background())
	require.Error(t, err)
	assert.Equal(t, smtperr.KindConnectionFailed, smtperr.KindOf(err))
}

func TestDotStuff(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain lines", "a\r\nb", "a\r\nb\r\n"},
		{"leading dot doubled", ".hidden", "..hidden\r\n"},
		{"double dot tripled", "..x\r\n.y", "...x\r\n..y\r\n"},
		{"bare LF normalized", "a\nb", "a\r\nb\r\n"},
		{"trailing CRLF no empty line", "a\r\n", "a\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(dotStuff([]byte(tt.in))))
		})
	}
}
