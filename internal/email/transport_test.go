package email

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailRota/internal/models"
)

func TestRouterDispatchesByProvider(t *testing.T) {
	var got []string
	record := func(name string) Transport {
		return TransportFunc(func(_ context.Context, s models.SenderAccount, _ Message) error {
			got = append(got, name+":"+s.Email)
			return nil
		})
	}
	r := NewRouter().
		Register(models.ProviderSMTP, record("smtp")).
		Register(models.ProviderResend, record("resend"))

	ctx := context.Background()
	require.NoError(t, r.Send(ctx, models.SenderAccount{Email: "a@example.com"}, Message{}))
	require.NoError(t, r.Send(ctx, models.SenderAccount{Email: "b@example.com", Provider: models.ProviderResend}, Message{}))
	assert.Equal(t, []string{"smtp:a@example.com", "resend:b@example.com"}, got)

	err := r.Send(ctx, models.SenderAccount{Email: "c@example.com", Provider: "ses"}, Message{})
	require.Error(t, err)
	assert.Equal(t, SenderFault, Classify(err))
}

func TestFromAddress(t *testing.T) {
	assert.Equal(t, "a@example.com", fromAddress(models.SenderAccount{Email: "a@example.com"}))
	assert.Equal(t, `"Outreach Team" <a@example.com>`,
		fromAddress(models.SenderAccount{Email: "a@example.com", DisplayName: "Outreach Team"}))
}

func TestSMTPTransportHonoursContext(t *testing.T) {
	// accepts connections but never sends a greeting, so the dial hangs
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		var held []net.Conn
		for {
			conn, err := ln.Accept()
			if err != nil {
				for _, c := range held {
					_ = c.Close()
				}
				return
			}
			held = append(held, conn)
		}
	}()

	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = tr.Send(ctx, models.SenderAccount{Email: "a@example.com"}, Message{To: "r@example.com", Subject: "s", HTML: "b"})
	require.Error(t, err)
	assert.Equal(t, Transient, Classify(err))
}

func TestSMTPDialFailureBlamesSender(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: port})
	err = tr.Send(context.Background(), models.SenderAccount{Email: "a@example.com"}, Message{To: "r@example.com", Subject: "s", HTML: "b"})
	require.Error(t, err)
	assert.Equal(t, SenderFault, Classify(err))
	assert.Contains(t, err.Error(), "smtp dial")
}
