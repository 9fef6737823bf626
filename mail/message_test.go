package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEnvelope(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want Envelope
	}{
		{
			name: "dedup across to, cc, bcc preserving first occurrence",
			msg: Message{
				From: "sender@example.com",
				To:   []string{"alice@example.com", "bob@example.com"},
				Cc:   []string{"bob@example.com", "carol@example.com"},
				Bcc:  []string{"alice@example.com", "dave@example.com"},
			},
			want: Envelope{
				From: "sender@example.com",
				To:   []string{"alice@example.com", "bob@example.com", "carol@example.com", "dave@example.com"},
			},
		},
		{
			name: "display forms reduce to bare addresses",
			msg: Message{
				From: `"Sender" <sender@example.com>`,
				To:   []string{`"Alice" <alice@example.com>`},
				Cc:   []string{"alice@example.com"},
			},
			want: Envelope{
				From: "sender@example.com",
				To:   []string{"alice@example.com"},
			},
		},
		{
			name: "structured addresses join the union",
			msg: Message{
				FromAddr: &Address{Name: "S", Address: "s@example.com"},
				To:       []string{"a@example.com"},
				ToAddr:   []Address{{Name: "B", Address: "b@example.com"}},
				BccAddr:  []Address{{Address: "c@example.com"}},
			},
			want: Envelope{
				From: "s@example.com",
				To:   []string{"a@example.com", "b@example.com", "c@example.com"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.BuildEnvelope())
		})
	}
}

func TestHasBody(t *testing.T) {
	assert.False(t, (&Message{}).HasBody())
	assert.True(t, (&Message{Text: "x"}).HasBody())
	assert.True(t, (&Message{HTML: "<p>x</p>"}).HasBody())
}
